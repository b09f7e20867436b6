package runner

import (
	"context"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// executionKey is the key for storing the running execution in a context.
type executionKey struct{}

// Execution identifies the execution a goroutine works for.
type Execution struct {
	Job       *core.Job
	Execution *core.JobExecution
	JobType   *core.JobType
	WorkDir   string
}

// WithExecution adds the running execution to a context.
func WithExecution(ctx context.Context, e *Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, e)
}

// ExecutionFromContext retrieves the running execution from a context.
func ExecutionFromContext(ctx context.Context) *Execution {
	if e, ok := ctx.Value(executionKey{}).(*Execution); ok {
		return e
	}
	return nil
}
