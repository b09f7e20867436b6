package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/storage"
	"github.com/jdziat/scale-jobs/pkg/storage/storagetest"
)

// newTestJobType inserts a job type with one revision.
func newTestJobType(t *testing.T, s *storage.GormStorage, name, version string) (*core.JobType, *core.JobTypeRevision) {
	t.Helper()
	jt := &core.JobType{Name: name, Version: version, IsActive: true, MaxTries: 3, CPUsRequired: 1, MemRequired: 256}
	rev := &core.JobTypeRevision{Interface: datatypes.NewJSONType(core.JobInterface{Version: "1.0", Command: "run"})}
	require.NoError(t, s.CreateJobType(context.Background(), jt, rev))
	return jt, rev
}

// newQueuedJob inserts a QUEUED job of the given type.
func newQueuedJob(t *testing.T, s *storage.GormStorage, jt *core.JobType, rev *core.JobTypeRevision, priority int, queued time.Time) *core.Job {
	t.Helper()
	job := &core.Job{
		JobTypeID:    jt.ID,
		JobTypeRevID: rev.ID,
		Status:       core.StatusQueued,
		Priority:     priority,
		MaxTries:     jt.MaxTries,
		Queued:       &queued,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

// ──────────────────────────────────────────────────────────────────────────────
// Registry
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateJobType_CreatesFirstRevision(t *testing.T) {
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")

	assert.NotZero(t, jt.ID)
	assert.Equal(t, 1, jt.RevisionNum)
	assert.Equal(t, jt.ID, rev.JobTypeID)
	assert.Equal(t, 1, rev.RevisionNum)

	got, err := s.GetJobTypeByName(context.Background(), "parse", "1.0")
	require.NoError(t, err)
	assert.Equal(t, jt.ID, got.ID)
}

func TestAddJobTypeRevision_MonotonicNumbers(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, _ := newTestJobType(t, s, "parse", "1.0")

	rev2, err := s.AddJobTypeRevision(ctx, jt.ID, core.JobInterface{Command: "run2"})
	require.NoError(t, err)
	rev3, err := s.AddJobTypeRevision(ctx, jt.ID, core.JobInterface{Command: "run3"})
	require.NoError(t, err)

	assert.Equal(t, 2, rev2.RevisionNum)
	assert.Equal(t, 3, rev3.RevisionNum)

	got, err := s.GetJobType(ctx, jt.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RevisionNum)

	pinned, err := s.GetJobTypeRevision(ctx, jt.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "run2", pinned.Interface.Data().Command)
}

func TestGetJobType_NotFound(t *testing.T) {
	s := storagetest.New(t)
	_, err := s.GetJobType(context.Background(), 999)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.GetJobTypeByName(context.Background(), "missing", "1.0")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSaveError_UpsertsByName(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)

	e := &core.Error{Name: "bad-geometry", Title: "Bad", Category: core.CategoryAlgorithm}
	require.NoError(t, s.SaveError(ctx, e))
	firstID := e.ID
	assert.NotZero(t, firstID)

	again := &core.Error{Name: "bad-geometry", Title: "Bad Geometry", Category: core.CategoryData, ShouldBeRetried: true}
	require.NoError(t, s.SaveError(ctx, again))
	assert.Equal(t, firstID, again.ID)

	got, err := s.GetErrorByName(ctx, "bad-geometry")
	require.NoError(t, err)
	assert.Equal(t, "Bad Geometry", got.Title)
	assert.Equal(t, core.CategoryData, got.Category)
	assert.True(t, got.ShouldBeRetried)
}

func TestSeedBuiltinErrors(t *testing.T) {
	s := storagetest.New(t)
	e, err := s.GetErrorByName(context.Background(), core.ErrorUnknown)
	require.NoError(t, err)
	assert.True(t, e.IsBuiltin)
	assert.Equal(t, core.CategorySystem, e.Category)
}

// ──────────────────────────────────────────────────────────────────────────────
// Job transitions
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateJob_RecordsInitialTransition(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")

	job := &core.Job{JobTypeID: jt.ID, JobTypeRevID: rev.ID, MaxTries: 3}
	require.NoError(t, s.CreateJob(ctx, job))
	assert.Equal(t, core.StatusPending, job.Status)

	transitions, err := s.ListJobTransitions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, core.StatusPending, transitions[0].ToStatus)
}

func TestTransitionJob_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")
	job := &core.Job{JobTypeID: jt.ID, JobTypeRevID: rev.ID, MaxTries: 3}
	require.NoError(t, s.CreateJob(ctx, job))

	err := s.TransitionJob(ctx, job.ID, []core.JobStatus{core.StatusPending}, core.StatusQueued, "released", map[string]any{"queued": time.Now()})
	require.NoError(t, err)

	// Second writer still believes the job is PENDING.
	err = s.TransitionJob(ctx, job.ID, []core.JobStatus{core.StatusPending}, core.StatusCanceled, "stale", nil)
	assert.ErrorIs(t, err, core.ErrStatusConflict)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)
	assert.NotNil(t, got.Queued)

	transitions, err := s.ListJobTransitions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, core.StatusPending, transitions[1].FromStatus)
	assert.Equal(t, core.StatusQueued, transitions[1].ToStatus)
}

func TestTransitionJob_UnknownJob(t *testing.T) {
	s := storagetest.New(t)
	err := s.TransitionJob(context.Background(), 404, []core.JobStatus{core.StatusPending}, core.StatusQueued, "", nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUpdateJob_GuardedByStatus(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")
	job := newQueuedJob(t, s, jt, rev, 0, time.Now())

	require.NoError(t, s.UpdateJob(ctx, job.ID, []core.JobStatus{core.StatusQueued}, map[string]any{"priority": 7}))
	err := s.UpdateJob(ctx, job.ID, []core.JobStatus{core.StatusBlocked}, map[string]any{"priority": 9})
	assert.ErrorIs(t, err, core.ErrStatusConflict)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Priority)
}

// ──────────────────────────────────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────────────────────────────────

func TestStartExecution_IncrementsNumExes(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")
	job := newQueuedJob(t, s, jt, rev, 0, time.Now())

	exe := &core.JobExecution{NodeID: "node-1", ClusterID: "task-1"}
	require.NoError(t, s.StartExecution(ctx, job.ID, exe))

	assert.Equal(t, 1, exe.ExeNum)
	assert.Equal(t, core.ExecutionRunning, exe.Status)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status)
	assert.Equal(t, 1, got.NumExes)
	assert.Equal(t, "node-1", got.NodeID)

	// Not QUEUED any more: a second start loses.
	err = s.StartExecution(ctx, job.ID, &core.JobExecution{NodeID: "node-2"})
	assert.ErrorIs(t, err, core.ErrStatusConflict)
}

func TestStartExecution_RespectsMaxTries(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")
	job := newQueuedJob(t, s, jt, rev, 0, time.Now())
	require.NoError(t, s.UpdateJob(ctx, job.ID, []core.JobStatus{core.StatusQueued}, map[string]any{"num_exes": 3}))

	err := s.StartExecution(ctx, job.ID, &core.JobExecution{NodeID: "node-1"})
	assert.ErrorIs(t, err, core.ErrMaxTriesExceeded)
}

func TestStartExecution_ConcurrentStartsOneWinner(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")
	job := newQueuedJob(t, s, jt, rev, 0, time.Now())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.StartExecution(ctx, job.ID, &core.JobExecution{NodeID: "node"}); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one start may win")
	exes, err := s.ListExecutions(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, exes, 1)
}

func TestRecordPhase_OnlyWhileRunning(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")
	job := newQueuedJob(t, s, jt, rev, 0, time.Now())
	exe := &core.JobExecution{NodeID: "node-1"}
	require.NoError(t, s.StartExecution(ctx, job.ID, exe))

	now := time.Now()
	require.NoError(t, s.RecordPhase(ctx, exe.ID, map[string]any{"pre_started": now}))

	require.NoError(t, s.FinishExecution(ctx, exe.ID, core.ExecutionCompleted, nil, core.StatusCompleted, "done", nil))

	err := s.RecordPhase(ctx, exe.ID, map[string]any{"post_started": now})
	assert.ErrorIs(t, err, core.ErrExecutionNotRunning)
}

func TestFinishExecution_MovesJobAndExecution(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")
	job := newQueuedJob(t, s, jt, rev, 0, time.Now())
	exe := &core.JobExecution{NodeID: "node-1"}
	require.NoError(t, s.StartExecution(ctx, job.ID, exe))

	unknown, err := s.GetErrorByName(ctx, core.ErrorUnknown)
	require.NoError(t, err)

	err = s.FinishExecution(ctx, exe.ID, core.ExecutionFailed, &unknown.ID, core.StatusFailed, "exit 1", nil)
	require.NoError(t, err)

	gotExe, err := s.GetExecution(ctx, exe.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, gotExe.Status)
	require.NotNil(t, gotExe.ErrorID)
	assert.Equal(t, unknown.ID, *gotExe.ErrorID)
	assert.NotNil(t, gotExe.Ended)

	gotJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, gotJob.Status)
	require.NotNil(t, gotJob.ErrorID)

	// Finishing twice is rejected.
	err = s.FinishExecution(ctx, exe.ID, core.ExecutionCompleted, nil, core.StatusCompleted, "again", nil)
	assert.ErrorIs(t, err, core.ErrExecutionNotRunning)
}

func TestListQueuedJobs_PriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")
	base := time.Now().Add(-time.Hour)

	low := newQueuedJob(t, s, jt, rev, 1, base)
	highLate := newQueuedJob(t, s, jt, rev, 10, base.Add(2*time.Minute))
	highEarly := newQueuedJob(t, s, jt, rev, 10, base.Add(time.Minute))

	jobs, err := s.ListQueuedJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []uint{highEarly.ID, highLate.ID, low.ID}, []uint{jobs[0].ID, jobs[1].ID, jobs[2].ID})

	limited, err := s.ListQueuedJobs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCountNodeFailures_ByCategory(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")
	unknown, err := s.GetErrorByName(ctx, core.ErrorUnknown)
	require.NoError(t, err)
	invalid, err := s.GetErrorByName(ctx, core.ErrorInvalidInput)
	require.NoError(t, err)

	for _, errID := range []uint{unknown.ID, unknown.ID, invalid.ID} {
		job := newQueuedJob(t, s, jt, rev, 0, time.Now())
		exe := &core.JobExecution{NodeID: "node-1"}
		require.NoError(t, s.StartExecution(ctx, job.ID, exe))
		id := errID
		require.NoError(t, s.FinishExecution(ctx, exe.ID, core.ExecutionFailed, &id, core.StatusFailed, "", nil))
	}

	n, err := s.CountNodeFailures(ctx, "node-1", core.CategorySystem, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountNodeFailures(ctx, "node-2", core.CategorySystem, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ──────────────────────────────────────────────────────────────────────────────
// Recipes
// ──────────────────────────────────────────────────────────────────────────────

func TestRecipeJobs_ReplaceKeepsHistory(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	jt, rev := newTestJobType(t, s, "parse", "1.0")
	oldJob := newQueuedJob(t, s, jt, rev, 0, time.Now())
	newJob := newQueuedJob(t, s, jt, rev, 0, time.Now())

	recipe := &core.Recipe{RecipeTypeID: 1, RecipeTypeRevID: 1}
	require.NoError(t, s.CreateRecipe(ctx, recipe))
	require.NoError(t, s.LinkRecipeJob(ctx, &core.RecipeJob{RecipeID: recipe.ID, JobID: oldJob.ID, JobName: "a", IsActive: true}))

	require.NoError(t, s.ReplaceRecipeJob(ctx, recipe.ID, "a", newJob.ID))

	active, err := s.ListRecipeJobs(ctx, recipe.ID, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, newJob.ID, active[0].JobID)

	all, err := s.ListRecipeJobs(ctx, recipe.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.ActiveRecipeForJob(ctx, oldJob.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	owner, err := s.ActiveRecipeForJob(ctx, newJob.ID)
	require.NoError(t, err)
	assert.Equal(t, recipe.ID, owner.ID)

	history, err := s.ListRecipesForJob(ctx, oldJob.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSupersedeRecipe_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	old := &core.Recipe{RecipeTypeID: 1, RecipeTypeRevID: 1}
	replacement := &core.Recipe{RecipeTypeID: 1, RecipeTypeRevID: 2}
	require.NoError(t, s.CreateRecipe(ctx, old))
	require.NoError(t, s.CreateRecipe(ctx, replacement))

	require.NoError(t, s.SupersedeRecipe(ctx, old.ID, replacement.ID, time.Now()))
	err := s.SupersedeRecipe(ctx, old.ID, replacement.ID, time.Now())
	assert.ErrorIs(t, err, core.ErrAlreadySuperseded)

	live, err := s.ListRecipesByType(ctx, 1, false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, replacement.ID, live[0].ID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Events
// ──────────────────────────────────────────────────────────────────────────────

func TestRecordEvent_RedeliveryReturnsStoredEvent(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)

	first := &core.Event{Type: "INGEST", ExternalKey: "ingest:file:8484"}
	created, err := s.RecordEvent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	again := &core.Event{Type: "INGEST", ExternalKey: "ingest:file:8484"}
	created, err = s.RecordEvent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestClaimFiring_Dedupes(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)

	ok, err := s.ClaimFiring(ctx, &core.TriggerFiring{EventID: 1, RuleID: 2})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimFiring(ctx, &core.TriggerFiring{EventID: 1, RuleID: 2})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClaimFiring(ctx, &core.TriggerFiring{EventID: 1, RuleID: 3})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)

	err := s.WithTx(ctx, func(tx core.Storage) error {
		if _, err := tx.ClaimFiring(ctx, &core.TriggerFiring{EventID: 9, RuleID: 9}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	ok, err := s.ClaimFiring(ctx, &core.TriggerFiring{EventID: 9, RuleID: 9})
	require.NoError(t, err)
	assert.True(t, ok, "rolled back firing must be claimable again")
}

// ──────────────────────────────────────────────────────────────────────────────
// Files and nodes
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateFile_DerivesUUID(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	ws := &core.Workspace{Name: "raw", IsActive: true}
	require.NoError(t, s.CreateWorkspace(ctx, ws))

	f := &core.File{WorkspaceID: ws.ID, FileName: "scene.tif", MediaType: "image/tiff", FilePath: "a/scene.tif"}
	require.NoError(t, s.CreateFile(ctx, f))
	assert.Len(t, f.UUID, 36)

	files, err := s.GetFiles(ctx, []uint{f.ID})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, f.UUID, files[0].UUID)
}

func TestNodes_UpsertKeepsPause(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)

	require.NoError(t, s.UpsertNode(ctx, &core.Node{ID: "node-1", Hostname: "host-a", IsActive: true}))
	require.NoError(t, s.SetNodePaused(ctx, "node-1", true, true, core.NodePauseReasonErrors))

	now := time.Now()
	require.NoError(t, s.UpsertNode(ctx, &core.Node{ID: "node-1", Hostname: "host-b", IsActive: true, LastOffer: &now}))

	node, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "host-b", node.Hostname)
	assert.True(t, node.IsPaused)
	assert.True(t, node.IsPausedErrors)
	assert.Equal(t, core.NodePauseReasonErrors, node.PauseReason)

	require.NoError(t, s.SetNodePaused(ctx, "node-1", false, false, "ignored"))
	node, err = s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.False(t, node.IsPaused)
	assert.Empty(t, node.PauseReason)
}
