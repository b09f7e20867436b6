package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrInvalidName        = errors.New("scale: invalid name (must be alphanumeric, start with letter)")
	ErrNameTooLong        = errors.New("scale: name too long")
	ErrInvalidVersion     = errors.New("scale: invalid version")
	ErrInvalidInterface   = errors.New("scale: invalid job interface")
	ErrInvalidRecipe      = errors.New("scale: invalid recipe definition")
	ErrRecipeCycle        = errors.New("scale: recipe definition contains a cycle")
	ErrInvalidTriggerRule = errors.New("scale: invalid trigger rule")
	ErrInvalidResources   = errors.New("scale: invalid resource requirements")
	ErrJobTypeImmutable   = errors.New("scale: published job type fields are immutable")
	ErrJobTypeNotRunnable = errors.New("scale: job type is paused or inactive")
	ErrInvalidInput       = errors.New("scale: invalid job input")
	ErrPhaseOrder         = errors.New("scale: execution phase timestamps out of order")
)

// Store errors
var (
	ErrNotFound            = errors.New("scale: record not found")
	ErrStatusConflict      = errors.New("scale: job status changed concurrently")
	ErrInvalidTransition   = errors.New("scale: invalid job status transition")
	ErrMaxTriesExceeded    = errors.New("scale: job has no tries remaining")
	ErrExecutionNotRunning = errors.New("scale: execution is not running")
	ErrAlreadySuperseded   = errors.New("scale: already superseded")
	ErrDuplicateEvent      = errors.New("scale: event already recorded")
)

// ErrorCategory classifies a failure for retry decisions.
type ErrorCategory string

const (
	CategorySystem    ErrorCategory = "SYSTEM"
	CategoryAlgorithm ErrorCategory = "ALGORITHM"
	CategoryData      ErrorCategory = "DATA"
)

// Error is a catalog entry referenced by failed jobs and executions.
type Error struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	Name            string        `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Title           string        `gorm:"size:255" json:"title"`
	Description     string        `gorm:"type:text" json:"description"`
	Category        ErrorCategory `gorm:"size:20;not null" json:"category"`
	IsBuiltin       bool          `json:"is_builtin"`
	ShouldBeRetried bool          `json:"should_be_retried"`
	Created         time.Time     `gorm:"autoCreateTime" json:"created"`
	LastModified    time.Time     `gorm:"autoUpdateTime" json:"last_modified"`
}

// Retryable reports whether a failure with this error may be retried.
// SYSTEM errors always retry; ALGORITHM and DATA errors retry only when
// marked transient.
func (e *Error) Retryable() bool {
	if e == nil {
		return true
	}
	if e.Category == CategorySystem {
		return true
	}
	return e.ShouldBeRetried
}

// Builtin error names.
const (
	ErrorUnknown            = "unknown"
	ErrorTimeout            = "timeout"
	ErrorNodeLost           = "node-lost"
	ErrorTaskLaunch         = "task-launch"
	ErrorDockerTaskLaunch   = "docker-task-launch"
	ErrorDockerTerminated   = "docker-terminated"
	ErrorPreTask            = "pre-task"
	ErrorPostTask           = "post-task"
	ErrorInvalidInput       = "invalid-input"
	ErrorStorageUnavailable = "storage-unavailable"
)

// BuiltinErrors returns the errors the engine itself reports.
func BuiltinErrors() []Error {
	return []Error{
		{Name: ErrorUnknown, Title: "Unknown", Description: "The job failed with an unrecognized exit code.", Category: CategorySystem},
		{Name: ErrorTimeout, Title: "Timeout", Description: "The execution exceeded its timeout and was terminated.", Category: CategorySystem},
		{Name: ErrorNodeLost, Title: "Node Lost", Description: "The node running the execution was lost.", Category: CategorySystem},
		{Name: ErrorTaskLaunch, Title: "Task Launch", Description: "The execution task could not be launched.", Category: CategorySystem},
		{Name: ErrorDockerTaskLaunch, Title: "Docker Task Launch", Description: "The container for the execution could not be started.", Category: CategorySystem},
		{Name: ErrorDockerTerminated, Title: "Docker Terminated", Description: "The container was terminated by a signal.", Category: CategorySystem},
		{Name: ErrorPreTask, Title: "Pre-Task Failure", Description: "Input staging failed before the job ran.", Category: CategorySystem},
		{Name: ErrorPostTask, Title: "Post-Task Failure", Description: "Output collection failed after the job ran.", Category: CategorySystem},
		{Name: ErrorInvalidInput, Title: "Invalid Input", Description: "A required input is missing or malformed.", Category: CategoryData},
		{Name: ErrorStorageUnavailable, Title: "Storage Unavailable", Description: "A workspace could not be reached.", Category: CategoryData, ShouldBeRetried: true},
	}
}

// PhaseError is an execution failure attributed to a phase and catalog error.
type PhaseError struct {
	Phase     Phase
	ErrorName string
	ExitCode  *int
	Err       error
}

func (e *PhaseError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("%s phase failed (%s, exit code %d): %v", e.Phase, e.ErrorName, *e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s phase failed (%s): %v", e.Phase, e.ErrorName, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
