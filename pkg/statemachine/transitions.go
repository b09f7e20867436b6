package statemachine

import "github.com/jdziat/scale-jobs/pkg/core"

// transitions is the complete set of allowed job status edges.
var transitions = map[core.JobStatus][]core.JobStatus{
	core.StatusPending: {core.StatusQueued, core.StatusBlocked, core.StatusCanceled, core.StatusSuperseded},
	core.StatusBlocked: {core.StatusQueued, core.StatusCanceled, core.StatusSuperseded},
	core.StatusQueued:  {core.StatusRunning, core.StatusBlocked, core.StatusCanceled, core.StatusSuperseded},
	core.StatusRunning: {core.StatusCompleted, core.StatusFailed, core.StatusCanceled},
	core.StatusFailed:  {core.StatusQueued},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to core.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns every status with an edge into to.
func Sources(to core.JobStatus) []core.JobStatus {
	var from []core.JobStatus
	for _, s := range core.AllJobStatuses {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// IsTerminal reports whether s ends a job's lifecycle. FAILED is terminal
// unless the retry edge is taken.
func IsTerminal(s core.JobStatus) bool {
	switch s {
	case core.StatusCompleted, core.StatusFailed, core.StatusCanceled, core.StatusSuperseded:
		return true
	}
	return false
}

// IsRetryable reports whether a job that just failed with e may be queued
// again.
func IsRetryable(job *core.Job, e *core.Error) bool {
	if job.SupersedePending || job.IsSuperseded {
		return false
	}
	return job.NumExes < job.MaxTries && e.Retryable()
}
