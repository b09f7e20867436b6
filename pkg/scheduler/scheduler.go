package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/matcher"
	"github.com/jdziat/scale-jobs/pkg/notify"
	"github.com/jdziat/scale-jobs/pkg/recipe"
	"github.com/jdziat/scale-jobs/pkg/registry"
	"github.com/jdziat/scale-jobs/pkg/runner"
	"github.com/jdziat/scale-jobs/pkg/security"
	"github.com/jdziat/scale-jobs/pkg/statemachine"
	"github.com/jdziat/scale-jobs/pkg/supersede"
	"github.com/jdziat/scale-jobs/pkg/trigger"
)

// Deps are the components a Scheduler drives. Recipes, Triggers, Supersede
// and Bus are optional.
type Deps struct {
	Store     core.Storage
	Machine   *statemachine.Machine
	Runner    *runner.Runner
	Resources matcher.ResourceManager
	Recipes   *recipe.Orchestrator
	Triggers  *trigger.Engine
	Supersede *supersede.Manager
	Bus       *notify.Bus
}

// task is an execution launched by this scheduler.
type task struct {
	id     string
	jobID  uint
	nodeID string
}

// Scheduler runs the leader's loops.
type Scheduler struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	events  chan *core.Event

	mu    sync.Mutex
	tasks map[uint]task // by execution id
}

// New creates a Scheduler.
func New(deps Deps, opts ...Option) *Scheduler {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return &Scheduler{
		deps:    deps,
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: rate.NewLimiter(cfg.LaunchRate, cfg.LaunchBurst),
		events:  make(chan *core.Event, 1000),
		tasks:   make(map[uint]task),
	}
}

// Submit queues an event for the trigger engine. It reports false when the
// intake buffer is full.
func (s *Scheduler) Submit(ev *core.Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Start runs the scheduler loops until ctx is done. Executions left RUNNING
// by a previous leader are failed as node-lost before the first match.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.tasks = make(map[uint]task)
	s.mu.Unlock()

	s.logger.Info("scheduler starting", "match_interval", s.cfg.MatchInterval, "sync_interval", s.cfg.SyncInterval)
	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("initial sync failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.every(gctx, "match", s.cfg.MatchInterval, s.MatchOnce) })
	g.Go(func() error { return s.every(gctx, "sync", s.cfg.SyncInterval, s.Sync) })
	g.Go(func() error { return s.consumeReports(gctx) })
	g.Go(func() error { return s.consumeEvents(gctx) })
	if s.cfg.Cron != nil {
		g.Go(func() error {
			if err := s.cfg.Cron.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	s.deps.Runner.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) every(ctx context.Context, name string, d time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler loop failed", "loop", name, "error", err)
			}
		}
	}
}

func (s *Scheduler) consumeReports(ctx context.Context) error {
	reports := s.deps.Runner.Reports()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rep := <-reports:
			s.HandleReport(ctx, rep)
		}
	}
}

func (s *Scheduler) consumeEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			if s.deps.Triggers == nil {
				continue
			}
			spawns, err := s.deps.Triggers.Handle(ctx, ev)
			switch {
			case errors.Is(err, core.ErrDuplicateEvent):
				s.logger.Debug("duplicate event ignored", "key", ev.ExternalKey)
			case err != nil:
				s.logger.Error("event handling failed", "key", ev.ExternalKey, "error", err)
			default:
				s.logger.Info("event handled", "key", ev.ExternalKey, "spawned", len(spawns))
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Matching
// ──────────────────────────────────────────────────────────────────────────────

// MatchOnce runs one matching cycle: it takes the current offers, declines
// those of paused nodes, matches the queued jobs of runnable job types, and
// launches every assignment. Unused offers are declined.
func (s *Scheduler) MatchOnce(ctx context.Context) error {
	offers, err := s.deps.Resources.Offers(ctx)
	if err != nil {
		return fmt.Errorf("offers: %w", err)
	}
	if len(offers) == 0 {
		return nil
	}

	paused, err := s.syncNodes(ctx, offers)
	if err != nil {
		s.decline(ctx, offers)
		return err
	}
	usable, declined := matcher.FilterPaused(offers, paused)
	defer func() { s.decline(ctx, declined) }()
	if len(usable) == 0 {
		return nil
	}

	var jobs []*core.Job
	err = retryWithBackoff(ctx, s.cfg.StorageRetry, func() error {
		var listErr error
		jobs, listErr = s.deps.Store.ListQueuedJobs(ctx, s.cfg.BatchSize)
		return listErr
	})
	if err != nil {
		declined = append(declined, usable...)
		return fmt.Errorf("list queued jobs: %w", err)
	}

	result := matcher.Match(s.runnable(ctx, jobs), usable)
	declined = append(declined, result.Remaining...)
	for _, a := range result.Assignments {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		s.launch(ctx, a)
	}
	return nil
}

// syncNodes records every offering node and returns the paused ones.
func (s *Scheduler) syncNodes(ctx context.Context, offers []matcher.Offer) (map[string]bool, error) {
	now := s.cfg.Now()
	seen := map[string]bool{}
	for _, o := range offers {
		if seen[o.NodeID] {
			continue
		}
		seen[o.NodeID] = true
		node := &core.Node{ID: o.NodeID, Hostname: o.Hostname, IsActive: true, LastOffer: &now}
		if err := s.deps.Store.UpsertNode(ctx, node); err != nil {
			return nil, fmt.Errorf("upsert node %s: %w", o.NodeID, err)
		}
	}
	nodes, err := s.deps.Store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	paused := map[string]bool{}
	for _, n := range nodes {
		if n.IsPaused {
			paused[n.ID] = true
		}
	}
	return paused, nil
}

// runnable drops jobs whose job type is paused or inactive. They stay
// QUEUED until it is resumed.
func (s *Scheduler) runnable(ctx context.Context, jobs []*core.Job) []*core.Job {
	verdicts := map[uint]bool{}
	out := jobs[:0:0]
	for _, job := range jobs {
		ok, seen := verdicts[job.JobTypeID]
		if !seen {
			jt, err := s.deps.Store.GetJobType(ctx, job.JobTypeID)
			ok = err == nil && registry.Runnable(jt) == nil
			verdicts[job.JobTypeID] = ok
		}
		if ok {
			out = append(out, job)
		}
	}
	return out
}

func (s *Scheduler) decline(ctx context.Context, offers []matcher.Offer) {
	for _, o := range offers {
		if err := s.deps.Resources.Decline(ctx, o); err != nil {
			s.logger.Warn("decline offer failed", "offer_id", o.ID, "node_id", o.NodeID, "error", err)
		}
	}
}

// launch reserves an assignment's capacity, moves the job to RUNNING and
// hands it to the runner. A job whose inputs cannot be resolved gets an
// execution that fails at once with the resolution error.
func (s *Scheduler) launch(ctx context.Context, a matcher.Assignment) {
	job := a.Job
	log := s.logger.With("job_id", job.ID, "node_id", a.Offer.NodeID)

	plan, err := s.deps.Runner.Prepare(ctx, job)
	var prepErr *core.PhaseError
	if err != nil && !errors.As(err, &prepErr) {
		log.Warn("prepare failed", "error", err)
		return
	}
	launch := statemachine.Launch{Job: job, NodeID: a.Offer.NodeID}
	if plan != nil {
		launch.ClusterID = plan.ClusterID
		launch.CommandArguments = plan.CommandArguments
	} else {
		launch.ClusterID = "scale_" + uuid.NewString()
	}

	if err := s.deps.Resources.Accept(ctx, a.Offer, launch.ClusterID, job.Resources()); err != nil {
		log.Warn("offer accept failed", "error", err)
		return
	}

	s.mu.Lock()
	_, exe, err := s.deps.Machine.Start(ctx, launch)
	if err != nil {
		s.mu.Unlock()
		s.releaseTask(ctx, launch.ClusterID)
		if errors.Is(err, core.ErrStatusConflict) {
			log.Debug("job claimed elsewhere")
			return
		}
		log.Warn("start failed", "error", err)
		return
	}
	s.tasks[exe.ID] = task{id: launch.ClusterID, jobID: job.ID, nodeID: a.Offer.NodeID}
	s.mu.Unlock()

	if prepErr != nil {
		s.finish(ctx, runner.Report{
			Kind:        runner.Failed,
			ExecutionID: exe.ID,
			JobID:       job.ID,
			Phase:       prepErr.Phase,
			ErrorName:   prepErr.ErrorName,
			Err:         prepErr,
			At:          s.cfg.Now(),
		})
		return
	}
	s.deps.Runner.Launch(ctx, plan, exe)
}

// ──────────────────────────────────────────────────────────────────────────────
// Reports
// ──────────────────────────────────────────────────────────────────────────────

// HandleReport applies one runner report.
func (s *Scheduler) HandleReport(ctx context.Context, rep runner.Report) {
	switch rep.Kind {
	case runner.PhaseStarted, runner.PhaseEnded:
		err := s.deps.Machine.ReportPhase(ctx, rep.ExecutionID, rep.Phase, rep.Kind == runner.PhaseStarted, rep.ExitCode, rep.At)
		if err != nil {
			s.logger.Warn("phase report rejected", "exe_id", rep.ExecutionID, "phase", rep.Phase, "kind", rep.Kind.String(), "error", err)
		}
	default:
		s.finish(ctx, rep)
	}
}

// finish ends an execution, frees its capacity and releases what depends
// on the job's outcome.
func (s *Scheduler) finish(ctx context.Context, rep runner.Report) {
	log := s.logger.With("exe_id", rep.ExecutionID, "job_id", rep.JobID)
	if rep.Err != nil {
		log = log.With("cause", security.SanitizeErrorMessage(rep.Err.Error()))
	}

	var job *core.Job
	err := retryWithBackoff(ctx, s.cfg.StorageRetry, func() error {
		var finishErr error
		switch rep.Kind {
		case runner.Completed:
			job, finishErr = s.deps.Machine.Complete(ctx, rep.ExecutionID, rep.Results)
		case runner.Failed:
			job, finishErr = s.deps.Machine.Fail(ctx, rep.ExecutionID, rep.ErrorName)
		case runner.Canceled:
			job, finishErr = s.deps.Machine.Canceled(ctx, rep.ExecutionID)
		default:
			finishErr = core.NoRetry(fmt.Errorf("unexpected report kind %s", rep.Kind))
		}
		return finishErr
	})
	s.forget(ctx, rep.ExecutionID)
	if errors.Is(err, core.ErrExecutionNotRunning) {
		log.Debug("execution already ended", "outcome", rep.Kind.String())
		return
	}
	if err != nil {
		log.Error("finish execution failed", "outcome", rep.Kind.String(), "error", err)
		return
	}

	if rep.Kind == runner.Failed {
		s.checkNode(ctx, rep.ExecutionID)
	}
	s.jobEnded(ctx, job)
}

// jobEnded applies a deferred supersedure and, once the job is terminal,
// advances its recipe and fires parse triggers.
func (s *Scheduler) jobEnded(ctx context.Context, job *core.Job) {
	if job.SupersedePending && s.deps.Supersede != nil {
		if err := s.deps.Supersede.ApplyPending(ctx, job.ID); err != nil {
			s.logger.Error("deferred supersedure failed", "job_id", job.ID, "error", err)
		}
	}
	if !statemachine.IsTerminal(job.Status) {
		return
	}
	if s.deps.Recipes != nil {
		if err := s.deps.Recipes.JobFinished(ctx, job.ID); err != nil {
			s.logger.Error("recipe advance failed", "job_id", job.ID, "error", err)
		}
	}
	if job.Status == core.StatusCompleted && s.deps.Triggers != nil {
		if _, err := s.deps.Triggers.JobCompleted(ctx, job); err != nil && !errors.Is(err, core.ErrDuplicateEvent) {
			s.logger.Error("parse triggers failed", "job_id", job.ID, "error", err)
		}
	}
}

// Cancel cancels a job. A running job ends when its runner reports back.
func (s *Scheduler) Cancel(ctx context.Context, jobID uint) error {
	if err := s.deps.Machine.Cancel(ctx, jobID); err != nil {
		return err
	}
	job, err := s.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == core.StatusCanceled {
		s.jobEnded(ctx, job)
	}
	return nil
}

func (s *Scheduler) forget(ctx context.Context, exeID uint) {
	s.mu.Lock()
	t, ok := s.tasks[exeID]
	delete(s.tasks, exeID)
	s.mu.Unlock()
	if ok {
		s.releaseTask(ctx, t.id)
	}
}

func (s *Scheduler) releaseTask(ctx context.Context, taskID string) {
	if err := s.deps.Resources.Release(ctx, taskID); err != nil {
		s.logger.Warn("release capacity failed", "task_id", taskID, "error", err)
	}
}

// Running returns how many executions this scheduler is tracking.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// ──────────────────────────────────────────────────────────────────────────────
// Node health
// ──────────────────────────────────────────────────────────────────────────────

// checkNode pauses the node of a failed execution once its recent SYSTEM
// failures reach the limit. Offers from a paused node are declined.
func (s *Scheduler) checkNode(ctx context.Context, exeID uint) {
	if s.cfg.MaxNodeErrors <= 0 {
		return
	}
	exe, err := s.deps.Store.GetExecution(ctx, exeID)
	if err != nil || exe.NodeID == "" || exe.ErrorID == nil {
		return
	}
	e, err := s.deps.Store.GetError(ctx, *exe.ErrorID)
	if err != nil || e.Category != core.CategorySystem {
		return
	}

	since := s.cfg.Now().Add(-s.cfg.NodeErrorPeriod)
	n, err := s.deps.Store.CountNodeFailures(ctx, exe.NodeID, core.CategorySystem, since)
	if err != nil {
		s.logger.Warn("count node failures failed", "node_id", exe.NodeID, "error", err)
		return
	}
	if n < int64(s.cfg.MaxNodeErrors) {
		return
	}

	node, err := s.deps.Store.GetNode(ctx, exe.NodeID)
	if err != nil || node.IsPaused {
		return
	}
	if err := s.deps.Store.SetNodePaused(ctx, node.ID, true, true, core.NodePauseReasonErrors); err != nil {
		s.logger.Error("pause node failed", "node_id", node.ID, "error", err)
		return
	}
	node.IsPaused, node.IsPausedErrors, node.PauseReason = true, true, core.NodePauseReasonErrors
	s.logger.Warn("node paused", "node_id", node.ID, "system_failures", n, "period", s.cfg.NodeErrorPeriod)
	if s.deps.Bus != nil {
		s.deps.Bus.Emit(&core.NodePaused{Node: node, Timestamp: s.cfg.Now()})
	}
}
