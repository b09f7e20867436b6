package core

import "time"

// Notice is the interface for all engine notifications.
type Notice interface {
	noticeMarker()
}

// JobQueued is emitted when a job enters the queue.
type JobQueued struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobQueued) noticeMarker() {}

// JobStarted is emitted when an execution of a job starts.
type JobStarted struct {
	Job       *Job
	Execution *JobExecution
	Timestamp time.Time
}

func (*JobStarted) noticeMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) noticeMarker() {}

// JobFailed is emitted when a job fails with no retry remaining.
type JobFailed struct {
	Job       *Job
	Error     *Error
	Timestamp time.Time
}

func (*JobFailed) noticeMarker() {}

// JobRetrying is emitted when a failed job is queued again.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     *Error
	Timestamp time.Time
}

func (*JobRetrying) noticeMarker() {}

// JobCanceled is emitted when a job is canceled.
type JobCanceled struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobCanceled) noticeMarker() {}

// JobSuperseded is emitted when a job is superseded by a replacement.
type JobSuperseded struct {
	Job           *Job
	ReplacementID uint
	Timestamp     time.Time
}

func (*JobSuperseded) noticeMarker() {}

// PhaseReported is emitted when an execution phase starts or ends.
type PhaseReported struct {
	ExecutionID uint
	Phase       Phase
	Started     bool
	ExitCode    *int
	Timestamp   time.Time
}

func (*PhaseReported) noticeMarker() {}

// RecipeCompletedNotice is emitted when every required job of a recipe completes.
type RecipeCompletedNotice struct {
	Recipe    *Recipe
	Timestamp time.Time
}

func (*RecipeCompletedNotice) noticeMarker() {}

// RecipeFailedNotice is emitted when a required job of a recipe fails terminally.
type RecipeFailedNotice struct {
	Recipe    *Recipe
	JobName   string
	Timestamp time.Time
}

func (*RecipeFailedNotice) noticeMarker() {}

// NodePaused is emitted when a node is paused.
type NodePaused struct {
	Node      *Node
	Timestamp time.Time
}

func (*NodePaused) noticeMarker() {}

// LeadershipChanged is emitted when this instance gains or loses leadership.
type LeadershipChanged struct {
	InstanceID string
	IsLeader   bool
	Timestamp  time.Time
}

func (*LeadershipChanged) noticeMarker() {}
