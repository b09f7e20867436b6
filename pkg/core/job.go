// Package core provides the domain models and interfaces for the scale engine.
package core

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusBlocked    JobStatus = "BLOCKED" // Waiting on an unmet recipe dependency
	StatusQueued     JobStatus = "QUEUED"
	StatusRunning    JobStatus = "RUNNING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCanceled   JobStatus = "CANCELED"
	StatusSuperseded JobStatus = "SUPERSEDED"
)

// AllJobStatuses lists every job status in lifecycle order.
var AllJobStatuses = []JobStatus{
	StatusPending, StatusBlocked, StatusQueued, StatusRunning,
	StatusCompleted, StatusFailed, StatusCanceled, StatusSuperseded,
}

// Job represents one schedulable unit of container-based work.
// Jobs are never deleted; replaced jobs are marked superseded.
type Job struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	JobTypeID    uint      `gorm:"index;not null" json:"job_type_id"`
	JobTypeRevID uint      `gorm:"index;not null" json:"job_type_rev_id"`
	EventID      *uint     `gorm:"index" json:"event_id"`
	Status       JobStatus `gorm:"index;size:20;not null" json:"status"`
	Priority     int       `gorm:"index;default:0" json:"priority"`
	NumExes      int       `gorm:"not null;default:0" json:"num_exes"`
	MaxTries     int       `gorm:"not null;default:3" json:"max_tries"`
	Timeout      int       `gorm:"not null;default:1800" json:"timeout"`
	NodeID       string    `gorm:"size:255" json:"node_id,omitempty"`

	CPUsRequired    float64 `json:"cpus_required"`
	MemRequired     float64 `json:"mem_required"`
	DiskInRequired  float64 `json:"disk_in_required"`
	DiskOutRequired float64 `json:"disk_out_required"`

	ErrorID *uint                          `gorm:"index" json:"error_id"`
	Data    datatypes.JSONType[JobData]    `json:"data"`
	Results datatypes.JSONType[JobResults] `json:"results"`

	Created          time.Time  `gorm:"autoCreateTime" json:"created"`
	Queued           *time.Time `gorm:"index" json:"queued"`
	Started          *time.Time `json:"started"`
	Ended            *time.Time `json:"ended"`
	LastStatusChange *time.Time `json:"last_status_change"`
	LastModified     time.Time  `gorm:"autoUpdateTime" json:"last_modified"`

	IsSuperseded      bool       `gorm:"index;default:false" json:"is_superseded"`
	Superseded        *time.Time `json:"superseded"`
	SupersededByJobID *uint      `gorm:"index" json:"superseded_by_job_id"`
	SupersededJobID   *uint      `gorm:"index" json:"superseded_job_id"`
	SupersedePending  bool       `gorm:"default:false" json:"-"` // Applied once the running execution ends
}

// Resources returns the job's resource requirement vector.
func (j *Job) Resources() Resources {
	return Resources{
		CPUs: j.CPUsRequired,
		Mem:  j.MemRequired,
		Disk: j.DiskInRequired + j.DiskOutRequired,
	}
}

// SupersedureState is the supersedure variant of a job: Active or Superseded.
type SupersedureState interface {
	supersedureMarker()
}

// Active marks a job that has not been replaced.
type Active struct{}

func (Active) supersedureMarker() {}

// Superseded marks a job replaced by a newer instance.
type Superseded struct {
	At            time.Time
	ReplacementID uint // zero when superseded without a replacement
}

func (Superseded) supersedureMarker() {}

// Supersedure returns the job's supersedure variant.
func (j *Job) Supersedure() SupersedureState {
	if !j.IsSuperseded {
		return Active{}
	}
	s := Superseded{}
	if j.Superseded != nil {
		s.At = *j.Superseded
	}
	if j.SupersededByJobID != nil {
		s.ReplacementID = *j.SupersededByJobID
	}
	return s
}

// JobData holds a job's input and output bindings.
type JobData struct {
	Version    string       `json:"version"`
	InputData  []DataInput  `json:"input_data"`
	OutputData []DataOutput `json:"output_data"`
}

// DataInput binds a value or files to a named input port.
type DataInput struct {
	Name    string  `json:"name"`
	Value   *string `json:"value,omitempty"`
	FileID  uint    `json:"file_id,omitempty"`
	FileIDs []uint  `json:"file_ids,omitempty"`
}

// Files returns every file id referenced by the binding.
func (d DataInput) Files() []uint {
	ids := make([]uint, 0, len(d.FileIDs)+1)
	if d.FileID != 0 {
		ids = append(ids, d.FileID)
	}
	return append(ids, d.FileIDs...)
}

// DataOutput binds a named output port to a target workspace.
type DataOutput struct {
	Name        string `json:"name"`
	WorkspaceID uint   `json:"workspace_id"`
}

// Input returns the named input binding.
func (d JobData) Input(name string) (DataInput, bool) {
	for _, in := range d.InputData {
		if in.Name == name {
			return in, true
		}
	}
	return DataInput{}, false
}

// SetInput adds or replaces the named input binding.
func (d *JobData) SetInput(in DataInput) {
	for i := range d.InputData {
		if d.InputData[i].Name == in.Name {
			d.InputData[i] = in
			return
		}
	}
	d.InputData = append(d.InputData, in)
}

// Output returns the named output binding.
func (d JobData) Output(name string) (DataOutput, bool) {
	for _, out := range d.OutputData {
		if out.Name == name {
			return out, true
		}
	}
	return DataOutput{}, false
}

// FileIDs returns every input file id of the job.
func (d JobData) FileIDs() []uint {
	var ids []uint
	for _, in := range d.InputData {
		ids = append(ids, in.Files()...)
	}
	return ids
}

// JobResults holds the files produced by a completed job.
type JobResults struct {
	Version    string         `json:"version"`
	OutputData []ResultOutput `json:"output_data"`
}

// ResultOutput names the files produced for one output port.
type ResultOutput struct {
	Name    string `json:"name"`
	FileID  uint   `json:"file_id,omitempty"`
	FileIDs []uint `json:"file_ids,omitempty"`
}

// Files returns every file id produced for the port.
func (r ResultOutput) Files() []uint {
	ids := make([]uint, 0, len(r.FileIDs)+1)
	if r.FileID != 0 {
		ids = append(ids, r.FileID)
	}
	return append(ids, r.FileIDs...)
}

// Output returns the named result.
func (r JobResults) Output(name string) (ResultOutput, bool) {
	for _, out := range r.OutputData {
		if out.Name == name {
			return out, true
		}
	}
	return ResultOutput{}, false
}

// JobTransition is the audit record of one job status change.
type JobTransition struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	JobID      uint      `gorm:"index;not null" json:"job_id"`
	FromStatus JobStatus `gorm:"size:20" json:"from_status"`
	ToStatus   JobStatus `gorm:"size:20;not null" json:"to_status"`
	Reason     string    `gorm:"type:text" json:"reason,omitempty"`
	Occurred   time.Time `gorm:"index;not null" json:"occurred"`
}
