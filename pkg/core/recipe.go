package core

import (
	"time"

	"gorm.io/datatypes"
)

// RecipeStatus is the derived status of a recipe instance.
type RecipeStatus string

const (
	RecipeRunning    RecipeStatus = "RUNNING"
	RecipeCompleted  RecipeStatus = "COMPLETED"
	RecipeFailed     RecipeStatus = "FAILED"
	RecipeSuperseded RecipeStatus = "SUPERSEDED"
)

// RecipeType is a named, versioned DAG template. Unique on (name, version).
type RecipeType struct {
	ID           uint                                 `gorm:"primaryKey" json:"id"`
	Name         string                               `gorm:"size:255;not null;uniqueIndex:idx_recipe_type_name_version" json:"name"`
	Version      string                               `gorm:"size:50;not null;uniqueIndex:idx_recipe_type_name_version" json:"version"`
	Title        string                               `gorm:"size:255" json:"title"`
	Description  string                               `gorm:"type:text" json:"description"`
	IsActive     bool                                 `json:"is_active"`
	RevisionNum  int                                  `gorm:"not null;default:1" json:"revision_num"`
	Definition   datatypes.JSONType[RecipeDefinition] `json:"definition"`
	Created      time.Time                            `gorm:"autoCreateTime" json:"created"`
	LastModified time.Time                            `gorm:"autoUpdateTime" json:"last_modified"`
	Archived     *time.Time                           `json:"archived"`
}

// RecipeTypeRevision is an immutable definition snapshot of a recipe type.
type RecipeTypeRevision struct {
	ID           uint                                 `gorm:"primaryKey" json:"id"`
	RecipeTypeID uint                                 `gorm:"uniqueIndex:idx_recipe_type_rev;not null" json:"recipe_type_id"`
	RevisionNum  int                                  `gorm:"uniqueIndex:idx_recipe_type_rev;not null" json:"revision_num"`
	Definition   datatypes.JSONType[RecipeDefinition] `json:"definition"`
	Created      time.Time                            `gorm:"autoCreateTime" json:"created"`
}

// RecipeDefinition is the DAG template: named jobs and their dependencies.
type RecipeDefinition struct {
	Version   string         `json:"version" yaml:"version"`
	InputData []RecipeInput  `json:"input_data" yaml:"input_data"`
	Jobs      []RecipeJobDef `json:"jobs" yaml:"jobs"`
}

// RecipeInput is a named input of the whole recipe.
type RecipeInput struct {
	Name       string   `json:"name" yaml:"name"`
	Type       PortKind `json:"type" yaml:"type"`
	MediaTypes []string `json:"media_types,omitempty" yaml:"media_types"`
	Required   *bool    `json:"required,omitempty" yaml:"required"`
}

// JobTypeRef names a job type by name and version.
type JobTypeRef struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// RecipeJobDef is one job node of a recipe definition.
type RecipeJobDef struct {
	Name         string             `json:"name" yaml:"name"`
	JobType      JobTypeRef         `json:"job_type" yaml:"job_type"`
	Optional     bool               `json:"optional,omitempty" yaml:"optional"`
	RecipeInputs []RecipeInputBind  `json:"recipe_inputs,omitempty" yaml:"recipe_inputs"`
	Dependencies []RecipeDependency `json:"dependencies,omitempty" yaml:"dependencies"`
}

// RecipeInputBind feeds a recipe input into a job input.
type RecipeInputBind struct {
	RecipeInput string `json:"recipe_input" yaml:"recipe_input"`
	JobInput    string `json:"job_input" yaml:"job_input"`
}

// RecipeDependency declares a predecessor job and the outputs it feeds.
type RecipeDependency struct {
	Name        string       `json:"name" yaml:"name"`
	Connections []Connection `json:"connections,omitempty" yaml:"connections"`
}

// Connection feeds a predecessor output into a job input.
type Connection struct {
	Output string `json:"output" yaml:"output"`
	Input  string `json:"input" yaml:"input"`
}

// Recipe is an instance of a recipe type bound to a triggering event.
type Recipe struct {
	ID              uint                           `gorm:"primaryKey" json:"id"`
	RecipeTypeID    uint                           `gorm:"index;not null" json:"recipe_type_id"`
	RecipeTypeRevID uint                           `gorm:"index;not null" json:"recipe_type_rev_id"`
	EventID         *uint                          `gorm:"index" json:"event_id"`
	Data            datatypes.JSONType[RecipeData] `json:"data"`

	Created      time.Time  `gorm:"autoCreateTime" json:"created"`
	Completed    *time.Time `json:"completed"`
	Failed       *time.Time `json:"-"` // set while a required job has failed
	LastModified time.Time  `gorm:"autoUpdateTime" json:"last_modified"`

	IsSuperseded         bool       `gorm:"index;default:false" json:"is_superseded"`
	Superseded           *time.Time `json:"superseded"`
	SupersededByRecipeID *uint      `gorm:"index" json:"superseded_by_recipe_id"`
	SupersededRecipeID   *uint      `gorm:"index" json:"superseded_recipe_id"`
}

// RecipeData holds the recipe's bound inputs and the default output workspace.
type RecipeData struct {
	Version     string      `json:"version"`
	InputData   []DataInput `json:"input_data"`
	WorkspaceID uint        `json:"workspace_id,omitempty"`
}

// RecipeJob links a job into a recipe under its definition name. A job may
// be linked to several recipes over time; only one link per (recipe, name)
// is active.
type RecipeJob struct {
	RecipeID uint   `gorm:"primaryKey;autoIncrement:false" json:"recipe_id"`
	JobID    uint   `gorm:"primaryKey;autoIncrement:false;index" json:"job_id"`
	JobName  string `gorm:"size:255;not null" json:"job_name"`
	IsActive bool   `gorm:"index" json:"is_active"`
}
