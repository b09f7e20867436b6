package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/notify"
	"github.com/jdziat/scale-jobs/pkg/storage"
	"github.com/jdziat/scale-jobs/pkg/storage/storagetest"
)

// fakeCanceler records cancel requests.
type fakeCanceler struct {
	live      bool
	requested []uint
}

func (f *fakeCanceler) CancelExecution(exeID uint) bool {
	f.requested = append(f.requested, exeID)
	return f.live
}

func newTestMachine(t *testing.T, opts ...Option) (*Machine, *storage.GormStorage) {
	t.Helper()
	s := storagetest.New(t)
	return New(s, opts...), s
}

func newPendingJob(t *testing.T, s *storage.GormStorage, maxTries int) *core.Job {
	t.Helper()
	ctx := context.Background()
	jt := &core.JobType{Name: "parse", Version: "1.0", IsActive: true, MaxTries: maxTries}
	rev := &core.JobTypeRevision{Interface: datatypes.NewJSONType(core.JobInterface{Command: "parse"})}
	if existing, err := s.GetJobTypeByName(ctx, "parse", "1.0"); err == nil {
		jt = existing
		rev, err = s.GetJobTypeRevision(ctx, jt.ID, jt.RevisionNum)
		require.NoError(t, err)
	} else {
		require.NoError(t, s.CreateJobType(ctx, jt, rev))
	}
	job := &core.Job{JobTypeID: jt.ID, JobTypeRevID: rev.ID, MaxTries: maxTries, CPUsRequired: 1, MemRequired: 128}
	require.NoError(t, s.CreateJob(ctx, job))
	return job
}

func startJob(t *testing.T, m *Machine, job *core.Job) *core.JobExecution {
	t.Helper()
	_, exe, err := m.Start(context.Background(), Launch{Job: job, NodeID: "node-1"})
	require.NoError(t, err)
	return exe
}

// ──────────────────────────────────────────────────────────────────────────────
// Queue / Block / Start
// ──────────────────────────────────────────────────────────────────────────────

func TestMachine_QueueEmitsNotice(t *testing.T) {
	bus := notify.New()
	m, s := newTestMachine(t, WithBus(bus))
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	job := newPendingJob(t, s, 3)
	queued, err := m.Queue(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, queued.Status)
	assert.NotNil(t, queued.Queued)

	select {
	case n := <-ch:
		assert.IsType(t, &core.JobQueued{}, n)
	default:
		t.Fatal("expected JobQueued notice")
	}
}

func TestMachine_BlockThenQueue(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 3)

	require.NoError(t, m.Block(ctx, job.ID, "waiting on parse"))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusBlocked, got.Status)

	_, err = m.Queue(ctx, job.ID)
	require.NoError(t, err)
}

func TestMachine_StartRequiresQueued(t *testing.T) {
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 3)

	_, _, err := m.Start(context.Background(), Launch{Job: job, NodeID: "node-1"})
	assert.ErrorIs(t, err, core.ErrStatusConflict)
}

func TestMachine_StartCopiesResources(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)

	running, exe, err := m.Start(ctx, Launch{Job: job, NodeID: "node-1", CommandArguments: "a b"})
	require.NoError(t, err)

	assert.Equal(t, core.StatusRunning, running.Status)
	assert.Equal(t, 1, exe.ExeNum)
	assert.Equal(t, 1.0, exe.CPUs)
	assert.Equal(t, 128.0, exe.Mem)
	assert.Equal(t, "a b", exe.CommandArguments)
	assert.Contains(t, exe.ClusterID, "scale_")
}

// ──────────────────────────────────────────────────────────────────────────────
// Phases
// ──────────────────────────────────────────────────────────────────────────────

func TestMachine_ReportPhase_RejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)

	base := time.Now()
	require.NoError(t, m.ReportPhase(ctx, exe.ID, core.PhasePre, true, nil, base))
	zero := 0
	require.NoError(t, m.ReportPhase(ctx, exe.ID, core.PhasePre, false, &zero, base.Add(time.Second)))

	err = m.ReportPhase(ctx, exe.ID, core.PhaseMain, true, nil, base.Add(-time.Second))
	assert.ErrorIs(t, err, core.ErrPhaseOrder)

	require.NoError(t, m.ReportPhase(ctx, exe.ID, core.PhaseMain, true, nil, base.Add(2*time.Second)))
	got, err := s.GetExecution(ctx, exe.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PreExitCode)
	assert.Equal(t, 0, *got.PreExitCode)
	assert.Equal(t, core.PhaseMain, got.CurrentPhase())
}

// ──────────────────────────────────────────────────────────────────────────────
// Complete / Fail
// ──────────────────────────────────────────────────────────────────────────────

func TestMachine_CompleteStoresResults(t *testing.T) {
	ctx := context.Background()
	var completed bool
	bus := notify.New()
	bus.OnJobCompleted(func(context.Context, *core.Job) { completed = true })
	m, s := newTestMachine(t, WithBus(bus))

	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)

	done, err := m.Complete(ctx, exe.ID, core.JobResults{OutputData: []core.ResultOutput{{Name: "out", FileID: 42}}})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, done.Status)
	out, ok := done.Results.Data().Output("out")
	require.True(t, ok)
	assert.Equal(t, uint(42), out.FileID)
	assert.True(t, completed)
}

func TestMachine_FailRetriesUntilMaxTries(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)

	var last *core.Job
	for attempt := 1; attempt <= 3; attempt++ {
		exe := startJob(t, m, job)
		assert.Equal(t, attempt, exe.ExeNum)

		last, err = m.Fail(ctx, exe.ID, core.ErrorUnknown)
		require.NoError(t, err)
		assert.LessOrEqual(t, last.NumExes, last.MaxTries)
		if attempt < 3 {
			assert.Equal(t, core.StatusQueued, last.Status, "attempt %d", attempt)
			assert.Nil(t, last.ErrorID)
		}
	}

	assert.Equal(t, core.StatusFailed, last.Status)
	assert.Equal(t, 3, last.NumExes)
	require.NotNil(t, last.ErrorID)
	e, err := s.GetError(ctx, *last.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, core.ErrorUnknown, e.Name)
	assert.Equal(t, core.CategorySystem, e.Category)

	exes, err := s.ListExecutions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, exes, 3)
	for _, exe := range exes {
		assert.Equal(t, core.ExecutionFailed, exe.Status)
		assert.NotNil(t, exe.ErrorID)
	}
}

func TestMachine_FailAlgorithmErrorIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	require.NoError(t, s.SaveError(ctx, &core.Error{Name: "bad-algorithm", Category: core.CategoryAlgorithm}))

	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)

	failed, err := m.Fail(ctx, exe.ID, "bad-algorithm")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.NumExes)
}

func TestMachine_FailUnknownNameFallsBack(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 1)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)

	failed, err := m.Fail(ctx, exe.ID, "never-registered")
	require.NoError(t, err)
	require.NotNil(t, failed.ErrorID)
	e, err := s.GetError(ctx, *failed.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, core.ErrorUnknown, e.Name)
}

func TestMachine_TransitionsAreAudited(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)
	_, err = m.Complete(ctx, exe.ID, core.JobResults{})
	require.NoError(t, err)

	transitions, err := s.ListJobTransitions(ctx, job.ID)
	require.NoError(t, err)
	var path []core.JobStatus
	for _, tr := range transitions {
		path = append(path, tr.ToStatus)
		if tr.FromStatus != "" {
			assert.True(t, CanTransition(tr.FromStatus, tr.ToStatus), "%s -> %s", tr.FromStatus, tr.ToStatus)
		}
	}
	assert.Equal(t, []core.JobStatus{core.StatusPending, core.StatusQueued, core.StatusRunning, core.StatusCompleted}, path)
}

// ──────────────────────────────────────────────────────────────────────────────
// Cancel
// ──────────────────────────────────────────────────────────────────────────────

func TestMachine_CancelQueuedIsImmediate(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, job.ID))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, got.Status)

	assert.ErrorIs(t, m.Cancel(ctx, job.ID), core.ErrInvalidTransition)
}

func TestMachine_CancelRunningSignalsRunner(t *testing.T) {
	ctx := context.Background()
	canceler := &fakeCanceler{live: true}
	m, s := newTestMachine(t, WithCanceler(canceler))
	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)

	require.NoError(t, m.Cancel(ctx, job.ID))
	assert.Equal(t, []uint{exe.ID}, canceler.requested)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status, "still running until the runner reports")

	canceled, err := m.Canceled(ctx, exe.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, canceled.Status)
}

func TestMachine_CancelRunningWithoutRunnerEndsExecution(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t, WithCanceler(&fakeCanceler{live: false}))
	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)

	require.NoError(t, m.Cancel(ctx, job.ID))

	gotExe, err := s.GetExecution(ctx, exe.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCanceled, gotExe.Status)
}

// ──────────────────────────────────────────────────────────────────────────────
// Supersedure
// ──────────────────────────────────────────────────────────────────────────────

func TestMachine_SupersedeQueued(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 3)
	replacement := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, m.Supersede(ctx, job.ID, replacement.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuperseded, got.Status)
	state, ok := got.Supersedure().(core.Superseded)
	require.True(t, ok)
	assert.Equal(t, replacement.ID, state.ReplacementID)

	assert.ErrorIs(t, m.Supersede(ctx, job.ID, replacement.ID), core.ErrAlreadySuperseded)
}

func TestMachine_SupersedeFailedOnlyAnnotates(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 1)
	replacement := newPendingJob(t, s, 1)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)
	_, err = m.Fail(ctx, exe.ID, core.ErrorUnknown)
	require.NoError(t, err)

	require.NoError(t, m.Supersede(ctx, job.ID, replacement.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status, "outcome unchanged")
	assert.True(t, got.IsSuperseded)
	require.NotNil(t, got.ErrorID)
}

func TestMachine_DeferSupersedeBlocksRetry(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)

	require.NoError(t, m.DeferSupersede(ctx, job.ID))

	failed, err := m.Fail(ctx, exe.ID, core.ErrorUnknown)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, failed.Status, "pending supersedure suppresses retry")
	assert.True(t, failed.SupersedePending)
}

func TestMachine_DeferSupersedeRequiresRunning(t *testing.T) {
	m, s := newTestMachine(t)
	job := newPendingJob(t, s, 3)
	assert.ErrorIs(t, m.DeferSupersede(context.Background(), job.ID), core.ErrStatusConflict)
}

// racingStore runs hooks around the store calls a failing execution makes,
// standing in for a supersedure that lands mid-failure.
type racingStore struct {
	core.Storage
	afterFinish   func()
	beforeRequeue func()
}

func (r *racingStore) FinishExecution(ctx context.Context, exeID uint, status core.ExecutionStatus, errorID *uint, jobTo core.JobStatus, reason string, jobFields map[string]any) error {
	if err := r.Storage.FinishExecution(ctx, exeID, status, errorID, jobTo, reason, jobFields); err != nil {
		return err
	}
	if r.afterFinish != nil {
		r.afterFinish()
	}
	return nil
}

func (r *racingStore) TransitionJob(ctx context.Context, id uint, from []core.JobStatus, to core.JobStatus, reason string, fields map[string]any) error {
	if to == core.StatusQueued && r.beforeRequeue != nil {
		r.beforeRequeue()
	}
	return r.Storage.TransitionJob(ctx, id, from, to, reason, fields)
}

func TestMachine_SupersedeWhileFailingDefers(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	rs := &racingStore{Storage: s}
	m := New(rs)

	job := newPendingJob(t, s, 3)
	replacement := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)

	rs.afterFinish = func() {
		err := m.Supersede(ctx, job.ID, replacement.ID)
		assert.ErrorIs(t, err, core.ErrStatusConflict, "a failed job due a retry is not annotated")
		assert.NoError(t, m.DeferSupersede(ctx, job.ID))
	}

	failed, err := m.Fail(ctx, exe.ID, core.ErrorUnknown)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, failed.Status)
	assert.True(t, failed.SupersedePending)
	assert.False(t, failed.IsSuperseded)

	rs.afterFinish = nil
	require.NoError(t, m.Annotate(ctx, job.ID, replacement.ID))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.True(t, got.IsSuperseded)
}

func TestMachine_RetryLosesToSupersedure(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	rs := &racingStore{Storage: s}
	m := New(rs)

	job := newPendingJob(t, s, 3)
	_, err := m.Queue(ctx, job.ID)
	require.NoError(t, err)
	exe := startJob(t, m, job)

	rs.beforeRequeue = func() {
		assert.NoError(t, m.DeferSupersede(ctx, job.ID))
	}

	failed, err := m.Fail(ctx, exe.ID, core.ErrorUnknown)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, failed.Status, "superseded work is not queued again")
	assert.True(t, failed.SupersedePending)

	exes, err := s.ListExecutions(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, exes, 1)
}
