package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/runner"
)

// Sync reconciles stored executions with what this scheduler runs. A
// RUNNING execution no local runner holds lost its node and fails with
// node-lost; one running well past its timeout fails with timeout and its
// runner is signalled. Deferred supersedures whose execution ended are
// applied.
func (s *Scheduler) Sync(ctx context.Context) error {
	var errs []error
	if err := s.syncExecutions(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.deps.Supersede != nil {
		if err := s.deps.Supersede.ApplyAllPending(ctx); err != nil {
			errs = append(errs, fmt.Errorf("apply pending supersedures: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) syncExecutions(ctx context.Context) error {
	// Held across the listing so a launch cannot land between the read and
	// the task lookup.
	s.mu.Lock()
	exes, err := s.deps.Store.ListRunningExecutions(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("list running executions: %w", err)
	}
	now := s.cfg.Now()
	var lost, expired []*core.JobExecution
	for _, exe := range exes {
		if _, ok := s.tasks[exe.ID]; !ok {
			lost = append(lost, exe)
		} else if s.overdue(exe, now) {
			expired = append(expired, exe)
		}
	}
	s.mu.Unlock()

	for _, exe := range lost {
		s.logger.Warn("execution lost", "exe_id", exe.ID, "job_id", exe.JobID, "node_id", exe.NodeID)
		s.releaseTask(ctx, exe.ClusterID)
		s.finish(ctx, runner.Report{Kind: runner.Failed, ExecutionID: exe.ID, JobID: exe.JobID, ErrorName: core.ErrorNodeLost, At: now})
	}
	for _, exe := range expired {
		s.logger.Warn("execution overdue", "exe_id", exe.ID, "job_id", exe.JobID, "timeout", exe.Timeout)
		// The timeout is recorded before the runner is stopped so its
		// canceled report finds the execution already ended.
		s.finish(ctx, runner.Report{Kind: runner.Failed, ExecutionID: exe.ID, JobID: exe.JobID, ErrorName: core.ErrorTimeout, At: now})
		if s.deps.Bus != nil {
			s.deps.Bus.CancelExecution(exe.ID)
		}
	}
	return nil
}

func (s *Scheduler) overdue(exe *core.JobExecution, now time.Time) bool {
	if exe.Started == nil || exe.Timeout <= 0 {
		return false
	}
	deadline := exe.Started.Add(time.Duration(exe.Timeout)*time.Second + s.cfg.TimeoutGrace)
	return now.After(deadline)
}
