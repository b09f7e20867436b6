package core

import (
	"time"

	"gorm.io/datatypes"
)

// TriggerRuleType selects the match predicate of a trigger rule.
type TriggerRuleType string

const (
	// RuleIngest fires when a new file of a matching media type arrives.
	RuleIngest TriggerRuleType = "INGEST"
	// RuleParse fires when a job of a matching job type completes.
	RuleParse TriggerRuleType = "PARSE"
	// RuleCron fires on a cron schedule.
	RuleCron TriggerRuleType = "CRON"
)

// TriggerRule is a standing, versioned matching policy.
type TriggerRule struct {
	ID            uint                                     `gorm:"primaryKey" json:"id"`
	Name          string                                   `gorm:"size:255;not null;index" json:"name"`
	Type          TriggerRuleType                          `gorm:"size:50;not null" json:"type"`
	Version       int                                      `gorm:"not null;default:1" json:"version"`
	Configuration datatypes.JSONType[TriggerConfiguration] `json:"configuration"`
	IsActive      bool                                     `gorm:"index" json:"is_active"`
	Archived      *time.Time                               `json:"archived"`
	Created       time.Time                                `gorm:"autoCreateTime" json:"created"`
	LastModified  time.Time                                `gorm:"autoUpdateTime" json:"last_modified"`
}

// TriggerConfiguration holds a rule's condition, its target and how the
// triggering data is bound into the spawned work.
type TriggerConfiguration struct {
	Version   string           `json:"version" yaml:"version"`
	Condition TriggerCondition `json:"condition" yaml:"condition"`
	Target    TriggerTarget    `json:"target" yaml:"target"`
	Data      TriggerData      `json:"data" yaml:"data"`
}

// TriggerCondition is the rule-type specific match predicate.
type TriggerCondition struct {
	MediaType      string   `json:"media_type,omitempty" yaml:"media_type"`
	DataTypes      []string `json:"data_types,omitempty" yaml:"data_types"`
	Workspace      string   `json:"workspace,omitempty" yaml:"workspace"`
	JobTypeName    string   `json:"job_type_name,omitempty" yaml:"job_type_name"`
	JobTypeVersion string   `json:"job_type_version,omitempty" yaml:"job_type_version"`
	Schedule       string   `json:"schedule,omitempty" yaml:"schedule"`
}

// TriggerTarget names the recipe type or job type spawned on a match.
type TriggerTarget struct {
	RecipeType *JobTypeRef `json:"recipe_type,omitempty" yaml:"recipe_type"`
	JobType    *JobTypeRef `json:"job_type,omitempty" yaml:"job_type"`
}

// TriggerData names the input receiving the triggering file and the output workspace.
type TriggerData struct {
	InputDataName string `json:"input_data_name,omitempty" yaml:"input_data_name"`
	WorkspaceName string `json:"workspace_name,omitempty" yaml:"workspace_name"`
}

// Event records an occurrence. ExternalKey is the delivery identity used
// to recognize re-delivered events.
type Event struct {
	ID          uint                             `gorm:"primaryKey" json:"id"`
	Type        string                           `gorm:"size:50;not null;index" json:"type"`
	RuleID      *uint                            `gorm:"index" json:"rule_id"`
	ExternalKey string                           `gorm:"size:255;not null;uniqueIndex" json:"external_key"`
	Payload     datatypes.JSONType[EventPayload] `json:"payload"`
	Occurred    time.Time                        `gorm:"index;not null" json:"occurred"`
	Created     time.Time                        `gorm:"autoCreateTime" json:"created"`
}

// EventPayload carries the facts rule predicates match against.
type EventPayload struct {
	FileID         uint     `json:"file_id,omitempty"`
	MediaType      string   `json:"media_type,omitempty"`
	DataTypes      []string `json:"data_types,omitempty"`
	Workspace      string   `json:"workspace,omitempty"`
	JobID          uint     `json:"job_id,omitempty"`
	JobTypeName    string   `json:"job_type_name,omitempty"`
	JobTypeVersion string   `json:"job_type_version,omitempty"`
	RuleID         uint     `json:"rule_id,omitempty"`
}

// TriggerFiring records that an event already fired a rule.
type TriggerFiring struct {
	EventID  uint      `gorm:"primaryKey;autoIncrement:false" json:"event_id"`
	RuleID   uint      `gorm:"primaryKey;autoIncrement:false" json:"rule_id"`
	RecipeID *uint     `json:"recipe_id"`
	JobID    *uint     `json:"job_id"`
	Created  time.Time `gorm:"autoCreateTime" json:"created"`
}
