package registry

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// JobTypeDefinition is the publishable description of a job type.
type JobTypeDefinition struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Category    string `json:"category" yaml:"category"`

	IsOperational bool `json:"is_operational" yaml:"is_operational"`
	IsSystem      bool `json:"is_system" yaml:"is_system"`

	DockerImage      string `json:"docker_image" yaml:"docker_image"`
	DockerPrivileged bool   `json:"docker_privileged" yaml:"docker_privileged"`

	Priority int `json:"priority" yaml:"priority"`
	Timeout  int `json:"timeout" yaml:"timeout"`
	MaxTries int `json:"max_tries" yaml:"max_tries"`

	Resources ResourceDefinition `json:"resources" yaml:"resources"`

	Interface    core.JobInterface `json:"interface" yaml:"interface"`
	ErrorMapping core.ErrorMapping `json:"error_mapping" yaml:"error_mapping"`
}

// ResourceDefinition declares a job type's requirements. Output disk is
// disk_out_const + disk_out_mult * total input size.
type ResourceDefinition struct {
	CPUs         float64 `json:"cpus" yaml:"cpus"`
	Mem          float64 `json:"mem" yaml:"mem"`
	DiskOutConst float64 `json:"disk_out_const" yaml:"disk_out_const"`
	DiskOutMult  float64 `json:"disk_out_mult" yaml:"disk_out_mult"`
}

// RecipeTypeDefinition is the publishable description of a recipe type.
type RecipeTypeDefinition struct {
	Name        string                `json:"name" yaml:"name"`
	Version     string                `json:"version" yaml:"version"`
	Title       string                `json:"title" yaml:"title"`
	Description string                `json:"description" yaml:"description"`
	Definition  core.RecipeDefinition `json:"definition" yaml:"definition"`
}

// Defaults applied to omitted job type settings.
const (
	DefaultPriority = 100
	DefaultTimeout  = 1800
	DefaultMaxTries = 3
)

// ParseJobType decodes a YAML (or JSON) job type document.
func ParseJobType(data []byte) (JobTypeDefinition, error) {
	var def JobTypeDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("parse job type: %w", err)
	}
	return def, nil
}

// ParseRecipeType decodes a YAML (or JSON) recipe type document.
func ParseRecipeType(data []byte) (RecipeTypeDefinition, error) {
	var def RecipeTypeDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("parse recipe type: %w", err)
	}
	return def, nil
}
