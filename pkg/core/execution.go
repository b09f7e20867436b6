package core

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the state of one execution attempt.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCanceled  ExecutionStatus = "CANCELED"
)

// Phase identifies one of the three execution phases.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhaseMain Phase = "job"
	PhasePost Phase = "post"
)

// Phases lists the execution phases in run order.
var Phases = []Phase{PhasePre, PhaseMain, PhasePost}

// JobExecution is one attempt at running a job.
type JobExecution struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	JobID     uint            `gorm:"uniqueIndex:idx_job_exe_num;not null" json:"job_id"`
	ExeNum    int             `gorm:"uniqueIndex:idx_job_exe_num;not null" json:"exe_num"`
	Status    ExecutionStatus `gorm:"index;size:20;not null" json:"status"`
	NodeID    string          `gorm:"index;size:255" json:"node_id"`
	ClusterID string          `gorm:"size:64" json:"cluster_id"`
	ErrorID   *uint           `gorm:"index" json:"error_id"`

	CPUs             float64 `json:"cpus_scheduled"`
	Mem              float64 `json:"mem_scheduled"`
	DiskIn           float64 `json:"disk_in_scheduled"`
	DiskOut          float64 `json:"disk_out_scheduled"`
	Timeout          int     `json:"timeout"`
	CommandArguments string  `gorm:"type:text" json:"command_arguments"`

	Created time.Time  `gorm:"autoCreateTime" json:"created"`
	Queued  *time.Time `json:"queued"`
	Started *time.Time `json:"started"`

	PreStarted    *time.Time `json:"pre_started"`
	PreCompleted  *time.Time `json:"pre_completed"`
	PreExitCode   *int       `json:"pre_exit_code"`
	JobStarted    *time.Time `json:"job_started"`
	JobCompleted  *time.Time `json:"job_completed"`
	JobExitCode   *int       `json:"job_exit_code"`
	PostStarted   *time.Time `json:"post_started"`
	PostCompleted *time.Time `json:"post_completed"`
	PostExitCode  *int       `json:"post_exit_code"`

	Ended        *time.Time `json:"ended"`
	LastModified time.Time  `gorm:"autoUpdateTime" json:"last_modified"`
}

// PhaseColumns returns the started, completed and exit code column names for a phase.
func PhaseColumns(p Phase) (started, completed, exitCode string) {
	prefix := string(p)
	return prefix + "_started", prefix + "_completed", prefix + "_exit_code"
}

// ValidatePhaseOrder checks that every recorded phase timestamp is
// non-decreasing in run order: pre, job, post, ended.
func (e *JobExecution) ValidatePhaseOrder() error {
	stamps := []struct {
		name string
		at   *time.Time
	}{
		{"pre_started", e.PreStarted},
		{"pre_completed", e.PreCompleted},
		{"job_started", e.JobStarted},
		{"job_completed", e.JobCompleted},
		{"post_started", e.PostStarted},
		{"post_completed", e.PostCompleted},
		{"ended", e.Ended},
	}

	var prevName string
	var prev *time.Time
	for _, s := range stamps {
		if s.at == nil {
			continue
		}
		if prev != nil && s.at.Before(*prev) {
			return fmt.Errorf("%w: %s before %s", ErrPhaseOrder, s.name, prevName)
		}
		prevName, prev = s.name, s.at
	}
	return nil
}

// CurrentPhase returns the most recently started phase, or "" if none started.
func (e *JobExecution) CurrentPhase() Phase {
	switch {
	case e.PostStarted != nil:
		return PhasePost
	case e.JobStarted != nil:
		return PhaseMain
	case e.PreStarted != nil:
		return PhasePre
	}
	return ""
}
