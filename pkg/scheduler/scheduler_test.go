package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/jdziat/scale-jobs/pkg/cluster"
	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/notify"
	"github.com/jdziat/scale-jobs/pkg/recipe"
	"github.com/jdziat/scale-jobs/pkg/registry"
	"github.com/jdziat/scale-jobs/pkg/runner"
	"github.com/jdziat/scale-jobs/pkg/statemachine"
	"github.com/jdziat/scale-jobs/pkg/storage"
	"github.com/jdziat/scale-jobs/pkg/storage/storagetest"
	"github.com/jdziat/scale-jobs/pkg/supersede"
	"github.com/jdziat/scale-jobs/pkg/trigger"
	"github.com/jdziat/scale-jobs/pkg/workspace"
)

const parseYAML = `
name: landsat-parse
version: "1.0"
docker_image: scale/landsat-parse:1.0
max_tries: 3
resources: {cpus: 4, mem: 4096}
interface:
  version: "1.0"
  command: ./parse.sh
  command_arguments: ${infile} ${job_output_dir}
  input_data:
    - {name: infile, type: file}
  output_data:
    - {name: geotiff, type: file, media_type: image/tiff}
`

const pipelineYAML = `
name: landsat-pipeline
version: "1.0"
definition:
  version: "1.0"
  input_data:
    - {name: scene, type: file}
  jobs:
    - name: parse
      job_type: {name: landsat-parse, version: "1.0"}
      recipe_inputs:
        - {recipe_input: scene, job_input: infile}
    - name: reparse
      job_type: {name: landsat-parse, version: "1.0"}
      dependencies:
        - name: parse
          connections:
            - {output: geotiff, input: infile}
`

// scriptedDriver writes a geotiff output and exits with exitCode.
type scriptedDriver struct {
	exitCode atomic.Int32
}

func (d *scriptedDriver) Run(ctx context.Context, c runner.Container) (int, error) {
	if code := int(d.exitCode.Load()); code != 0 {
		return code, nil
	}
	out := filepath.Join(c.Mounts[0].Host, runner.OutputDir, "geotiff", "out.tif")
	return 0, os.WriteFile(out, []byte("tiff"), 0o644)
}

type fixture struct {
	store   *storage.GormStorage
	bus     *notify.Bus
	machine *statemachine.Machine
	reg     *registry.Registry
	pool    *cluster.Pool
	runner  *runner.Runner
	driver  *scriptedDriver
	recipes *recipe.Orchestrator
	engine  *trigger.Engine
	sched   *Scheduler
	jt      *core.JobType
	rev     *core.JobTypeRevision
	ws      *core.Workspace
	scene   *core.File
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	s := storagetest.New(t)
	bus := notify.New()
	m := statemachine.New(s, statemachine.WithBus(bus))
	reg := registry.New(s)

	def, err := registry.ParseJobType([]byte(parseYAML))
	require.NoError(t, err)
	jt, rev, _, err := reg.PublishJobType(ctx, def)
	require.NoError(t, err)
	rtDef, err := registry.ParseRecipeType([]byte(pipelineYAML))
	require.NoError(t, err)
	_, _, _, err = reg.PublishRecipeType(ctx, rtDef)
	require.NoError(t, err)

	dir := t.TempDir()
	ws := &core.Workspace{
		Name:     "products",
		IsActive: true,
		JSONConfig: datatypes.NewJSONType(core.WorkspaceConfig{
			Version: "1.0",
			Broker:  core.BrokerConfig{Type: core.BrokerHost, HostPath: dir},
		}),
	}
	require.NoError(t, s.CreateWorkspace(ctx, ws))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scene.tif"), []byte("scene"), 0o644))
	scene := &core.File{WorkspaceID: ws.ID, FileName: "scene.tif", MediaType: "image/tiff", FileSize: 5, FilePath: "scene.tif", UUID: core.FileUUID("scene.tif")}
	require.NoError(t, s.CreateFile(ctx, scene))

	driver := &scriptedDriver{}
	r := runner.New(s, workspace.NewResolver(s, nil),
		runner.WithBus(bus),
		runner.WithDrivers(driver, driver),
		runner.WithWorkRoot(t.TempDir()),
	)
	pool := cluster.NewPool(cluster.NodeSpec{
		ID: "node-1", Hostname: "worker-1",
		Resources: core.Resources{CPUs: 8, Mem: 16384, Disk: 100000},
	})
	recipes := recipe.New(s, m, recipe.WithBus(bus))
	engine := trigger.New(s, recipes, m)
	sup := supersede.New(s, m, recipes)

	opts = append([]Option{WithStorageRetry(RetryConfig{MaxAttempts: 1})}, opts...)
	sched := New(Deps{
		Store: s, Machine: m, Runner: r, Resources: pool,
		Recipes: recipes, Triggers: engine, Supersede: sup, Bus: bus,
	}, opts...)

	return &fixture{
		store: s, bus: bus, machine: m, reg: reg, pool: pool, runner: r, driver: driver,
		recipes: recipes, engine: engine, sched: sched, jt: jt, rev: rev, ws: ws, scene: scene,
	}
}

func (f *fixture) queueJob(t *testing.T, inputs ...core.DataInput) *core.Job {
	t.Helper()
	ctx := context.Background()
	data := core.JobData{InputData: inputs, OutputData: registry.OutputBindings(f.rev.Interface.Data(), f.ws.ID)}
	job, err := registry.BuildJob(ctx, f.store, f.jt, f.rev, data, nil, "infile")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateJob(ctx, job))
	_, err = f.machine.Queue(ctx, job.ID)
	require.NoError(t, err)
	return job
}

// drain applies reports until n executions have ended.
func (f *fixture) drain(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for n > 0 {
		select {
		case rep := <-f.runner.Reports():
			f.sched.HandleReport(context.Background(), rep)
			if rep.Kind >= runner.Completed {
				n--
			}
		case <-deadline:
			t.Fatalf("%d executions still running", n)
		}
	}
}

func (f *fixture) job(t *testing.T, id uint) *core.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// ──────────────────────────────────────────────────────────────────────────────
// Matching and reports
// ──────────────────────────────────────────────────────────────────────────────

func TestScheduler_RunsJobToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.queueJob(t, core.DataInput{Name: "infile", FileID: f.scene.ID})

	require.NoError(t, f.sched.MatchOnce(ctx))
	assert.Equal(t, 1, f.sched.Running())
	f.drain(t, 1)

	done := f.job(t, job.ID)
	assert.Equal(t, core.StatusCompleted, done.Status)
	out, ok := done.Results.Data().Output("geotiff")
	require.True(t, ok)
	assert.NotZero(t, out.FileID)

	exes, err := f.store.ListExecutions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, exes, 1)
	exe := exes[0]
	assert.Equal(t, "node-1", exe.NodeID)
	require.NotNil(t, exe.PreStarted)
	require.NotNil(t, exe.PostCompleted)
	require.NotNil(t, exe.JobExitCode)
	assert.Equal(t, 0, *exe.JobExitCode)
	assert.NoError(t, exe.ValidatePhaseOrder())

	assert.Equal(t, 0, f.sched.Running())
	offers, err := f.pool.Offers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8.0, offers[0].Resources.CPUs, "capacity released")
}

func TestScheduler_FailedExecutionRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver.exitCode.Store(1)
	job := f.queueJob(t, core.DataInput{Name: "infile", FileID: f.scene.ID})

	require.NoError(t, f.sched.MatchOnce(ctx))
	f.drain(t, 1)

	retried := f.job(t, job.ID)
	assert.Equal(t, core.StatusQueued, retried.Status)
	assert.Equal(t, 1, retried.NumExes)

	require.NoError(t, f.sched.MatchOnce(ctx))
	f.drain(t, 1)
	exes, err := f.store.ListExecutions(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, exes, 2)

	unknown, err := f.store.GetErrorByName(ctx, core.ErrorUnknown)
	require.NoError(t, err)
	require.NotNil(t, exes[0].ErrorID)
	assert.Equal(t, unknown.ID, *exes[0].ErrorID)
}

func TestScheduler_InvalidInputFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.queueJob(t)

	require.NoError(t, f.sched.MatchOnce(ctx))

	failed := f.job(t, job.ID)
	assert.Equal(t, core.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.NumExes)
	require.NotNil(t, failed.ErrorID)
	e, err := f.store.GetError(ctx, *failed.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, core.ErrorInvalidInput, e.Name)
	assert.Equal(t, 0, f.sched.Running())
}

func TestScheduler_PausedJobTypeStaysQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.queueJob(t, core.DataInput{Name: "infile", FileID: f.scene.ID})
	require.NoError(t, f.reg.PauseJobType(ctx, f.jt.ID))

	require.NoError(t, f.sched.MatchOnce(ctx))
	assert.Equal(t, core.StatusQueued, f.job(t, job.ID).Status)

	require.NoError(t, f.reg.ResumeJobType(ctx, f.jt.ID))
	require.NoError(t, f.sched.MatchOnce(ctx))
	f.drain(t, 1)
	assert.Equal(t, core.StatusCompleted, f.job(t, job.ID).Status)
}

func TestScheduler_CapacityLimitsLaunches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var jobs []*core.Job
	for i := 0; i < 3; i++ {
		jobs = append(jobs, f.queueJob(t, core.DataInput{Name: "infile", FileID: f.scene.ID}))
	}

	// 8 cpus hold two 4-cpu jobs
	require.NoError(t, f.sched.MatchOnce(ctx))
	assert.Equal(t, 2, f.sched.Running())
	assert.Equal(t, core.StatusQueued, f.job(t, jobs[2].ID).Status)

	f.drain(t, 2)
	require.NoError(t, f.sched.MatchOnce(ctx))
	f.drain(t, 1)
	for _, j := range jobs {
		assert.Equal(t, core.StatusCompleted, f.job(t, j.ID).Status)
	}
}

func TestScheduler_CancelQueued(t *testing.T) {
	f := newFixture(t)
	job := f.queueJob(t, core.DataInput{Name: "infile", FileID: f.scene.ID})

	require.NoError(t, f.sched.Cancel(context.Background(), job.ID))
	assert.Equal(t, core.StatusCanceled, f.job(t, job.ID).Status)
}

// ──────────────────────────────────────────────────────────────────────────────
// Recipes
// ──────────────────────────────────────────────────────────────────────────────

func TestScheduler_RecipeOutputsFeedDependants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt, err := f.store.GetRecipeTypeByName(ctx, "landsat-pipeline", "1.0")
	require.NoError(t, err)
	r, err := f.recipes.Instantiate(ctx, recipe.Request{
		RecipeType:  rt,
		Inputs:      []core.DataInput{{Name: "scene", FileID: f.scene.ID}},
		WorkspaceID: f.ws.ID,
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.MatchOnce(ctx))
	assert.Equal(t, 1, f.sched.Running(), "only the root is released")
	f.drain(t, 1)

	jobs, err := f.recipes.Jobs(ctx, r.ID)
	require.NoError(t, err)
	parsed := jobs["parse"].Results.Data()
	out, _ := parsed.Output("geotiff")
	assert.Equal(t, core.StatusQueued, jobs["reparse"].Status)
	in, ok := jobs["reparse"].Data.Data().Input("infile")
	require.True(t, ok)
	assert.Equal(t, out.FileID, in.FileID)

	require.NoError(t, f.sched.MatchOnce(ctx))
	f.drain(t, 1)
	status, err := f.recipes.Status(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RecipeCompleted, status)
}

// ──────────────────────────────────────────────────────────────────────────────
// Node health and sync
// ──────────────────────────────────────────────────────────────────────────────

func TestScheduler_PausesFailingNode(t *testing.T) {
	f := newFixture(t, WithNodeErrorLimit(2, time.Hour))
	ctx := context.Background()
	notices := f.bus.Subscribe()
	f.driver.exitCode.Store(1)

	a := f.queueJob(t, core.DataInput{Name: "infile", FileID: f.scene.ID})
	require.NoError(t, f.sched.MatchOnce(ctx))
	f.drain(t, 1)
	node, err := f.store.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.False(t, node.IsPaused)

	require.NoError(t, f.sched.MatchOnce(ctx))
	f.drain(t, 1)
	node, err = f.store.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.True(t, node.IsPaused)
	assert.True(t, node.IsPausedErrors)
	assert.Equal(t, core.NodePauseReasonErrors, node.PauseReason)

	// offers from the paused node are declined
	require.NoError(t, f.sched.MatchOnce(ctx))
	assert.Equal(t, 0, f.sched.Running())
	assert.Equal(t, core.StatusQueued, f.job(t, a.ID).Status)

	var paused bool
	for len(notices) > 0 {
		if _, ok := (<-notices).(*core.NodePaused); ok {
			paused = true
		}
	}
	assert.True(t, paused)
}

func TestScheduler_SyncFailsLostExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.queueJob(t, core.DataInput{Name: "infile", FileID: f.scene.ID})

	// started by a previous leader
	_, exe, err := f.machine.Start(ctx, statemachine.Launch{Job: job, NodeID: "node-9"})
	require.NoError(t, err)

	require.NoError(t, f.sched.Sync(ctx))

	lost, err := f.store.GetExecution(ctx, exe.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, lost.Status)
	e, err := f.store.GetError(ctx, *lost.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, core.ErrorNodeLost, e.Name)
	assert.Equal(t, core.StatusQueued, f.job(t, job.ID).Status, "node-lost is retried")
}

func TestScheduler_SyncFailsOverdueExecutions(t *testing.T) {
	clock := time.Now()
	f := newFixture(t, WithClock(func() time.Time { return clock }), WithTimeoutGrace(0))
	ctx := context.Background()
	job := f.queueJob(t, core.DataInput{Name: "infile", FileID: f.scene.ID})

	// a run that never reports back
	started := clock.Add(-time.Hour)
	_, exe, err := f.machine.Start(ctx, statemachine.Launch{Job: job, NodeID: "node-1"})
	require.NoError(t, err)
	require.NoError(t, f.store.RecordPhase(ctx, exe.ID, map[string]any{"started": started}))
	f.sched.mu.Lock()
	f.sched.tasks[exe.ID] = task{id: exe.ClusterID, jobID: job.ID, nodeID: "node-1"}
	f.sched.mu.Unlock()

	require.NoError(t, f.sched.Sync(ctx))
	overdue, err := f.store.GetExecution(ctx, exe.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, overdue.Status)
	e, err := f.store.GetError(ctx, *overdue.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, core.ErrorTimeout, e.Name)
}

func TestScheduler_SyncTimeoutBeatsRunnerCancel(t *testing.T) {
	clock := time.Now()
	f := newFixture(t, WithClock(func() time.Time { return clock }), WithTimeoutGrace(0))
	ctx := context.Background()
	job := f.queueJob(t, core.DataInput{Name: "infile", FileID: f.scene.ID})

	_, exe, err := f.machine.Start(ctx, statemachine.Launch{Job: job, NodeID: "node-1"})
	require.NoError(t, err)
	require.NoError(t, f.store.RecordPhase(ctx, exe.ID, map[string]any{"started": clock.Add(-time.Hour)}))
	f.sched.mu.Lock()
	f.sched.tasks[exe.ID] = task{id: exe.ClusterID, jobID: job.ID, nodeID: "node-1"}
	f.sched.mu.Unlock()

	// The runner reports cancellation as soon as it is signalled.
	signalled := false
	f.bus.RegisterRunning(exe.ID, func() {
		signalled = true
		f.sched.HandleReport(ctx, runner.Report{Kind: runner.Canceled, ExecutionID: exe.ID, JobID: job.ID, At: clock})
	})
	defer f.bus.UnregisterRunning(exe.ID)

	require.NoError(t, f.sched.Sync(ctx))
	assert.True(t, signalled)

	ended, err := f.store.GetExecution(ctx, exe.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, ended.Status)
	assert.Equal(t, core.StatusQueued, f.job(t, job.ID).Status, "a timeout is retried, not canceled")
}

// ──────────────────────────────────────────────────────────────────────────────
// Loops
// ──────────────────────────────────────────────────────────────────────────────

func TestScheduler_StartHandlesSubmittedEvents(t *testing.T) {
	f := newFixture(t, WithMatchInterval(20*time.Millisecond), WithSyncInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.engine.CreateRule(ctx, "parse-scenes", core.RuleIngest, core.TriggerConfiguration{
		Version:   "1.0",
		Condition: core.TriggerCondition{MediaType: "image/tiff"},
		Target:    core.TriggerTarget{JobType: &core.JobTypeRef{Name: "landsat-parse", Version: "1.0"}},
		Data:      core.TriggerData{InputDataName: "infile", WorkspaceName: "products"},
	})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- f.sched.Start(ctx) }()

	ev := trigger.IngestEvent(f.scene, "products", nil)
	require.True(t, f.sched.Submit(ev))
	require.True(t, f.sched.Submit(trigger.IngestEvent(f.scene, "products", nil)), "re-delivery is accepted and ignored")

	assert.Eventually(t, func() bool {
		jobs, err := f.store.ListJobsByType(context.Background(), []uint{f.jt.ID}, []core.JobStatus{core.StatusCompleted})
		return err == nil && len(jobs) == 1
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-result)

	all, err := f.store.ListJobsByType(context.Background(), []uint{f.jt.ID}, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1, "one spawn per event")
}
