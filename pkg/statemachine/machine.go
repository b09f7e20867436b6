package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/notify"
	"github.com/jdziat/scale-jobs/pkg/security"
)

// Canceler stops an execution running somewhere in the cluster. It reports
// whether a live execution was signalled.
type Canceler interface {
	CancelExecution(exeID uint) bool
}

// Machine applies job status transitions against the store.
type Machine struct {
	store    core.Storage
	bus      *notify.Bus
	canceler Canceler
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Machine.
type Option interface {
	apply(*Machine)
}

type optionFunc func(*Machine)

func (f optionFunc) apply(m *Machine) { f(m) }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(m *Machine) { m.logger = l })
}

// WithBus publishes notices and hooks on b. Unless WithCanceler is given, b
// also cancels running executions.
func WithBus(b *notify.Bus) Option {
	return optionFunc(func(m *Machine) { m.bus = b })
}

// WithCanceler sets what signals running executions on Cancel.
func WithCanceler(c Canceler) Option {
	return optionFunc(func(m *Machine) { m.canceler = c })
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(m *Machine) { m.now = now })
}

// New creates a Machine.
func New(store core.Storage, opts ...Option) *Machine {
	m := &Machine{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	if m.canceler == nil && m.bus != nil {
		m.canceler = m.bus
	}
	return m
}

func (m *Machine) emit(n core.Notice) {
	if m.bus != nil {
		m.bus.Emit(n)
	}
}

// transition checks the edge table before the compare-and-set.
func (m *Machine) transition(ctx context.Context, id uint, from []core.JobStatus, to core.JobStatus, reason string, fields map[string]any) error {
	for _, f := range from {
		if !CanTransition(f, to) {
			return fmt.Errorf("%s -> %s: %w", f, to, core.ErrInvalidTransition)
		}
	}
	return m.store.TransitionJob(ctx, id, from, to, security.SanitizeErrorMessage(reason), fields)
}

// ──────────────────────────────────────────────────────────────────────────────
// Queueing
// ──────────────────────────────────────────────────────────────────────────────

// Queue releases a PENDING or BLOCKED job into the queue.
func (m *Machine) Queue(ctx context.Context, jobID uint) (*core.Job, error) {
	err := m.transition(ctx, jobID,
		[]core.JobStatus{core.StatusPending, core.StatusBlocked}, core.StatusQueued,
		"queued", map[string]any{"queued": m.now()})
	if err != nil {
		return nil, err
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	m.emit(&core.JobQueued{Job: job, Timestamp: m.now()})
	return job, nil
}

// Block parks a PENDING or QUEUED job until its dependencies are met.
func (m *Machine) Block(ctx context.Context, jobID uint, reason string) error {
	return m.transition(ctx, jobID,
		[]core.JobStatus{core.StatusPending, core.StatusQueued}, core.StatusBlocked,
		reason, nil)
}

// ──────────────────────────────────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────────────────────────────────

// Launch describes the start of one execution on a node.
type Launch struct {
	Job              *core.Job
	NodeID           string
	ClusterID        string // generated when empty
	CommandArguments string
}

// Start moves a QUEUED job to RUNNING and creates its execution. A caller that
// loses the race gets core.ErrStatusConflict and must return the offer.
func (m *Machine) Start(ctx context.Context, l Launch) (*core.Job, *core.JobExecution, error) {
	if l.ClusterID == "" {
		l.ClusterID = "scale_" + uuid.NewString()
	}
	exe := &core.JobExecution{
		NodeID:           l.NodeID,
		ClusterID:        l.ClusterID,
		CPUs:             l.Job.CPUsRequired,
		Mem:              l.Job.MemRequired,
		DiskIn:           l.Job.DiskInRequired,
		DiskOut:          l.Job.DiskOutRequired,
		Timeout:          l.Job.Timeout,
		CommandArguments: l.CommandArguments,
	}
	if err := m.store.StartExecution(ctx, l.Job.ID, exe); err != nil {
		return nil, nil, err
	}
	job, err := m.store.GetJob(ctx, l.Job.ID)
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info("execution started", "job_id", job.ID, "exe_num", exe.ExeNum, "node_id", exe.NodeID)
	m.emit(&core.JobStarted{Job: job, Execution: exe, Timestamp: m.now()})
	if m.bus != nil {
		m.bus.CallStartedHooks(ctx, job, exe)
	}
	return job, exe, nil
}

// ReportPhase records the start or end of an execution phase. Reports that
// would put the phase timestamps out of order are rejected.
func (m *Machine) ReportPhase(ctx context.Context, exeID uint, phase core.Phase, started bool, exitCode *int, at time.Time) error {
	exe, err := m.store.GetExecution(ctx, exeID)
	if err != nil {
		return err
	}

	startedCol, completedCol, exitCol := core.PhaseColumns(phase)
	fields := map[string]any{}
	stamp := at
	if started {
		fields[startedCol] = stamp
	} else {
		fields[completedCol] = stamp
		if exitCode != nil {
			fields[exitCol] = *exitCode
		}
	}

	next := *exe
	setPhaseStamp(&next, phase, started, &stamp)
	if err := next.ValidatePhaseOrder(); err != nil {
		return fmt.Errorf("execution %d: %w", exeID, err)
	}

	if err := m.store.RecordPhase(ctx, exeID, fields); err != nil {
		return err
	}
	m.emit(&core.PhaseReported{ExecutionID: exeID, Phase: phase, Started: started, ExitCode: exitCode, Timestamp: at})
	return nil
}

func setPhaseStamp(exe *core.JobExecution, phase core.Phase, started bool, at *time.Time) {
	switch {
	case phase == core.PhasePre && started:
		exe.PreStarted = at
	case phase == core.PhasePre:
		exe.PreCompleted = at
	case phase == core.PhaseMain && started:
		exe.JobStarted = at
	case phase == core.PhaseMain:
		exe.JobCompleted = at
	case phase == core.PhasePost && started:
		exe.PostStarted = at
	case phase == core.PhasePost:
		exe.PostCompleted = at
	}
}

// Complete ends a running execution successfully.
func (m *Machine) Complete(ctx context.Context, exeID uint, results core.JobResults) (*core.Job, error) {
	err := m.store.FinishExecution(ctx, exeID, core.ExecutionCompleted, nil,
		core.StatusCompleted, "completed",
		map[string]any{"results": datatypes.NewJSONType(results)})
	if err != nil {
		return nil, err
	}
	exe, job, err := m.load(ctx, exeID)
	if err != nil {
		return nil, err
	}

	var d time.Duration
	if exe.Started != nil && exe.Ended != nil {
		d = exe.Ended.Sub(*exe.Started)
	}
	m.logger.Info("job completed", "job_id", job.ID, "exe_num", exe.ExeNum, "duration", d)
	m.emit(&core.JobCompleted{Job: job, Duration: d, Timestamp: m.now()})
	if m.bus != nil {
		m.bus.CallCompletedHooks(ctx, job)
	}
	return job, nil
}

// Fail ends a running execution with the named catalog error and, when the
// retry policy allows, queues the job again. Unknown error names resolve to
// the builtin unknown error.
func (m *Machine) Fail(ctx context.Context, exeID uint, errorName string) (*core.Job, error) {
	e, err := m.resolveError(ctx, errorName)
	if err != nil {
		return nil, err
	}

	err = m.store.FinishExecution(ctx, exeID, core.ExecutionFailed, &e.ID,
		core.StatusFailed, "failed: "+e.Name, nil)
	if err != nil {
		return nil, err
	}
	_, job, err := m.load(ctx, exeID)
	if err != nil {
		return nil, err
	}

	if !IsRetryable(job, e) {
		return m.failed(ctx, job, e), nil
	}

	err = m.transition(ctx, job.ID,
		[]core.JobStatus{core.StatusFailed}, core.StatusQueued,
		"retry after "+e.Name,
		map[string]any{"queued": m.now(), "error_id": nil, "node_id": ""})
	if errors.Is(err, core.ErrStatusConflict) {
		// Superseded while failing: the failure stands.
		job, err = m.store.GetJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		return m.failed(ctx, job, e), nil
	}
	if err != nil {
		return nil, err
	}
	job, err = m.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("job retrying", "job_id", job.ID, "error", e.Name, "attempt", job.NumExes+1)
	m.emit(&core.JobRetrying{Job: job, Attempt: job.NumExes + 1, Error: e, Timestamp: m.now()})
	if m.bus != nil {
		m.bus.CallRetryingHooks(ctx, job, job.NumExes+1, e)
	}
	return job, nil
}

func (m *Machine) failed(ctx context.Context, job *core.Job, e *core.Error) *core.Job {
	m.logger.Warn("job failed", "job_id", job.ID, "error", e.Name, "num_exes", job.NumExes, "max_tries", job.MaxTries)
	m.emit(&core.JobFailed{Job: job, Error: e, Timestamp: m.now()})
	if m.bus != nil {
		m.bus.CallFailedHooks(ctx, job, e)
	}
	return job
}

// awaitingRetry reports whether a FAILED job is about to be queued again.
func (m *Machine) awaitingRetry(ctx context.Context, job *core.Job) (bool, error) {
	if job.Status != core.StatusFailed || job.ErrorID == nil {
		return false, nil
	}
	e, err := m.store.GetError(ctx, *job.ErrorID)
	if err != nil {
		return false, err
	}
	return IsRetryable(job, e), nil
}

// Canceled ends a running execution that stopped because of a cancel request.
func (m *Machine) Canceled(ctx context.Context, exeID uint) (*core.Job, error) {
	err := m.store.FinishExecution(ctx, exeID, core.ExecutionCanceled, nil,
		core.StatusCanceled, "canceled", nil)
	if err != nil {
		return nil, err
	}
	_, job, err := m.load(ctx, exeID)
	if err != nil {
		return nil, err
	}
	m.emit(&core.JobCanceled{Job: job, Timestamp: m.now()})
	return job, nil
}

func (m *Machine) resolveError(ctx context.Context, name string) (*core.Error, error) {
	if name == "" {
		name = core.ErrorUnknown
	}
	e, err := m.store.GetErrorByName(ctx, name)
	if errors.Is(err, core.ErrNotFound) && name != core.ErrorUnknown {
		m.logger.Warn("unknown error name, using builtin", "error_name", name)
		return m.store.GetErrorByName(ctx, core.ErrorUnknown)
	}
	return e, err
}

func (m *Machine) load(ctx context.Context, exeID uint) (*core.JobExecution, *core.Job, error) {
	exe, err := m.store.GetExecution(ctx, exeID)
	if err != nil {
		return nil, nil, err
	}
	job, err := m.store.GetJob(ctx, exe.JobID)
	if err != nil {
		return nil, nil, err
	}
	return exe, job, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Cancellation
// ──────────────────────────────────────────────────────────────────────────────

// Cancel cancels a job. Jobs that are not running are canceled at once. A
// running job's execution is signalled and the job moves to CANCELED when the
// runner reports back; when no live runner holds the execution it is ended
// here.
func (m *Machine) Cancel(ctx context.Context, jobID uint) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status != core.StatusRunning {
		err := m.transition(ctx, jobID,
			[]core.JobStatus{job.Status}, core.StatusCanceled,
			"canceled", map[string]any{"ended": m.now()})
		if err != nil {
			return err
		}
		job, err = m.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		m.emit(&core.JobCanceled{Job: job, Timestamp: m.now()})
		return nil
	}

	exe, err := m.runningExecution(ctx, jobID)
	if err != nil {
		return err
	}
	if m.canceler != nil && m.canceler.CancelExecution(exe.ID) {
		m.logger.Info("cancel signalled", "job_id", jobID, "exe_id", exe.ID)
		return nil
	}
	_, err = m.Canceled(ctx, exe.ID)
	return err
}

func (m *Machine) runningExecution(ctx context.Context, jobID uint) (*core.JobExecution, error) {
	exes, err := m.store.ListExecutions(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for i := len(exes) - 1; i >= 0; i-- {
		if exes[i].Status == core.ExecutionRunning {
			return exes[i], nil
		}
	}
	return nil, fmt.Errorf("job %d: %w", jobID, core.ErrExecutionNotRunning)
}

// ──────────────────────────────────────────────────────────────────────────────
// Supersedure
// ──────────────────────────────────────────────────────────────────────────────

// Supersede ends a job that has not run to completion in favour of a
// replacement. Terminal jobs keep their status and are only annotated.
// Running jobs, and failed jobs still due a retry, cannot be superseded
// directly; see DeferSupersede.
func (m *Machine) Supersede(ctx context.Context, jobID, replacementID uint) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsSuperseded {
		return fmt.Errorf("job %d: %w", jobID, core.ErrAlreadySuperseded)
	}
	if IsTerminal(job.Status) {
		return m.Annotate(ctx, jobID, replacementID)
	}

	now := m.now()
	err = m.transition(ctx, jobID,
		[]core.JobStatus{job.Status}, core.StatusSuperseded,
		fmt.Sprintf("superseded by job %d", replacementID),
		supersededFields(now, replacementID))
	if err != nil {
		return err
	}
	job.Status = core.StatusSuperseded
	m.emit(&core.JobSuperseded{Job: job, ReplacementID: replacementID, Timestamp: now})
	return nil
}

// Annotate marks a terminal job as superseded without changing its status.
// A failed job still due a retry returns core.ErrStatusConflict.
func (m *Machine) Annotate(ctx context.Context, jobID, replacementID uint) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsSuperseded {
		return fmt.Errorf("job %d: %w", jobID, core.ErrAlreadySuperseded)
	}
	if !IsTerminal(job.Status) {
		return fmt.Errorf("annotate %s job %d: %w", job.Status, jobID, core.ErrInvalidTransition)
	}
	retrying, err := m.awaitingRetry(ctx, job)
	if err != nil {
		return err
	}
	if retrying {
		return fmt.Errorf("job %d is awaiting retry: %w", jobID, core.ErrStatusConflict)
	}

	now := m.now()
	fields := supersededFields(now, replacementID)
	fields["supersede_pending"] = false
	if err := m.store.UpdateJob(ctx, jobID, []core.JobStatus{job.Status}, fields); err != nil {
		return err
	}
	m.emit(&core.JobSuperseded{Job: job, ReplacementID: replacementID, Timestamp: now})
	return nil
}

// DeferSupersede flags a running or failing job for supersedure once its
// execution ends. The flag suppresses any further retry.
func (m *Machine) DeferSupersede(ctx context.Context, jobID uint) error {
	return m.store.UpdateJob(ctx, jobID, []core.JobStatus{core.StatusRunning, core.StatusFailed},
		map[string]any{"supersede_pending": true})
}

// ClearSupersedePending drops a deferred supersedure from a terminal job.
func (m *Machine) ClearSupersedePending(ctx context.Context, jobID uint) error {
	return m.store.UpdateJob(ctx, jobID,
		[]core.JobStatus{core.StatusCompleted, core.StatusFailed, core.StatusCanceled},
		map[string]any{"supersede_pending": false})
}

func supersededFields(at time.Time, replacementID uint) map[string]any {
	fields := map[string]any{
		"is_superseded": true,
		"superseded":    at,
	}
	if replacementID != 0 {
		fields["superseded_by_job_id"] = replacementID
	}
	return fields
}
