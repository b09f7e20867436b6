package core

import (
	"regexp"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// JobType is a named, versioned job definition. Unique on (name, version).
// Resource, priority, timeout and retry fields are fixed once published;
// only the activity flags change in place.
type JobType struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:255;not null;uniqueIndex:idx_job_type_name_version" json:"name"`
	Version     string `gorm:"size:50;not null;uniqueIndex:idx_job_type_name_version" json:"version"`
	Title       string `gorm:"size:255" json:"title"`
	Description string `gorm:"type:text" json:"description"`
	Category    string `gorm:"size:50" json:"category"`

	IsActive      bool       `json:"is_active"`
	IsPaused      bool       `json:"is_paused"`
	Paused        *time.Time `json:"paused"`
	IsOperational bool       `json:"is_operational"`
	IsSystem      bool       `json:"is_system"`

	UsesDocker       bool   `json:"uses_docker"`
	DockerImage      string `gorm:"size:500" json:"docker_image"`
	DockerPrivileged bool   `json:"docker_privileged"`

	Priority int `gorm:"default:100" json:"priority"`
	Timeout  int `gorm:"default:1800" json:"timeout"`
	MaxTries int `gorm:"default:3" json:"max_tries"`

	CPUsRequired         float64 `json:"cpus_required"`
	MemRequired          float64 `json:"mem_required"`
	DiskOutConstRequired float64 `json:"disk_out_const_required"`
	DiskOutMultRequired  float64 `json:"disk_out_mult_required"`

	RevisionNum  int                              `gorm:"not null;default:1" json:"revision_num"`
	ErrorMapping datatypes.JSONType[ErrorMapping] `json:"error_mapping"`

	Created      time.Time  `gorm:"autoCreateTime" json:"created"`
	LastModified time.Time  `gorm:"autoUpdateTime" json:"last_modified"`
	Archived     *time.Time `json:"archived"`
}

// DiskOutRequired returns the output disk estimate for inputs of the given size in MiB.
func (jt *JobType) DiskOutRequired(inputSizeMiB float64) float64 {
	return jt.DiskOutConstRequired + jt.DiskOutMultRequired*inputSizeMiB
}

// ErrorMapping maps main phase exit codes to catalog error names.
type ErrorMapping struct {
	Version   string            `json:"version" yaml:"version"`
	ExitCodes map[string]string `json:"exit_codes" yaml:"exit_codes"`
}

// JobTypeRevision is an immutable interface snapshot of a job type.
type JobTypeRevision struct {
	ID          uint                             `gorm:"primaryKey" json:"id"`
	JobTypeID   uint                             `gorm:"uniqueIndex:idx_job_type_rev;not null" json:"job_type_id"`
	RevisionNum int                              `gorm:"uniqueIndex:idx_job_type_rev;not null" json:"revision_num"`
	Interface   datatypes.JSONType[JobInterface] `json:"interface"`
	Created     time.Time                        `gorm:"autoCreateTime" json:"created"`
}

// PortKind is the kind of an interface port.
type PortKind string

const (
	PortFile     PortKind = "file"
	PortFiles    PortKind = "files"
	PortProperty PortKind = "property"
)

// JobInterface describes a job type's command and its input/output ports.
type JobInterface struct {
	Version          string       `json:"version" yaml:"version"`
	Command          string       `json:"command" yaml:"command"`
	CommandArguments string       `json:"command_arguments" yaml:"command_arguments"`
	InputData        []InputPort  `json:"input_data" yaml:"input_data"`
	OutputData       []OutputPort `json:"output_data" yaml:"output_data"`
}

// InputPort is a named job input.
type InputPort struct {
	Name       string   `json:"name" yaml:"name"`
	Type       PortKind `json:"type" yaml:"type"`
	MediaTypes []string `json:"media_types,omitempty" yaml:"media_types"`
	Required   *bool    `json:"required,omitempty" yaml:"required"`
}

// IsRequired reports whether the input must be bound. Inputs are required by default.
func (p InputPort) IsRequired() bool {
	return p.Required == nil || *p.Required
}

// Accepts reports whether a file of the given media type may bind to the port.
func (p InputPort) Accepts(mediaType string) bool {
	if len(p.MediaTypes) == 0 {
		return true
	}
	for _, mt := range p.MediaTypes {
		if mt == mediaType {
			return true
		}
	}
	return false
}

// OutputPort is a named job output.
type OutputPort struct {
	Name      string   `json:"name" yaml:"name"`
	Type      PortKind `json:"type" yaml:"type"`
	MediaType string   `json:"media_type,omitempty" yaml:"media_type"`
	Required  *bool    `json:"required,omitempty" yaml:"required"`
}

// IsRequired reports whether the output must be produced. Outputs are required by default.
func (p OutputPort) IsRequired() bool {
	return p.Required == nil || *p.Required
}

// Input returns the named input port.
func (i JobInterface) Input(name string) (InputPort, bool) {
	for _, p := range i.InputData {
		if p.Name == name {
			return p, true
		}
	}
	return InputPort{}, false
}

// Output returns the named output port.
func (i JobInterface) Output(name string) (OutputPort, bool) {
	for _, p := range i.OutputData {
		if p.Name == name {
			return p, true
		}
	}
	return OutputPort{}, false
}

// OutputDirPlaceholder is the command placeholder for the execution's output directory.
const OutputDirPlaceholder = "job_output_dir"

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Placeholders returns the distinct ${name} references in the command
// arguments, in order of first use.
func (i JobInterface) Placeholders() []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(i.CommandArguments, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// RenderArguments replaces each ${name} in the command arguments with
// values[name]. It returns the names that had no value.
func (i JobInterface) RenderArguments(values map[string]string) (string, []string) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(i.CommandArguments, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return v
	})
	return out, missing
}

// RenderArgv renders the command arguments one template token at a time, so
// a value containing spaces stays a single argument. Tokens that render
// empty are dropped.
func (i JobInterface) RenderArgv(values map[string]string) ([]string, []string) {
	var argv, missing []string
	for _, tok := range strings.Fields(i.CommandArguments) {
		out, m := JobInterface{CommandArguments: tok}.RenderArguments(values)
		missing = append(missing, m...)
		if out != "" {
			argv = append(argv, out)
		}
	}
	return argv, missing
}
