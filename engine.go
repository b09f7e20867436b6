package scale

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/details"
	"github.com/jdziat/scale-jobs/pkg/matcher"
	"github.com/jdziat/scale-jobs/pkg/notify"
	"github.com/jdziat/scale-jobs/pkg/recipe"
	"github.com/jdziat/scale-jobs/pkg/registry"
	"github.com/jdziat/scale-jobs/pkg/runner"
	"github.com/jdziat/scale-jobs/pkg/scheduler"
	"github.com/jdziat/scale-jobs/pkg/statemachine"
	"github.com/jdziat/scale-jobs/pkg/supersede"
	"github.com/jdziat/scale-jobs/pkg/trigger"
	"github.com/jdziat/scale-jobs/pkg/workspace"
)

// Engine wires every component over one store and one resource manager.
// Components are exported for callers that need their full API.
type Engine struct {
	Store     core.Storage
	Bus       *notify.Bus
	Registry  *registry.Registry
	Machine   *statemachine.Machine
	Resolver  *workspace.Resolver
	Runner    *runner.Runner
	Recipes   *recipe.Orchestrator
	Triggers  *trigger.Engine
	Supersede *supersede.Manager
	Scheduler *scheduler.Scheduler

	logger *slog.Logger
}

// ──────────────────────────────────────────────────────────────────────────────
// Options
// ──────────────────────────────────────────────────────────────────────────────

// Option configures an Engine.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

type options struct {
	logger    *slog.Logger
	docker    runner.Driver
	direct    runner.Driver
	workRoot  string
	s3        workspace.S3ClientFactory
	cronTick  time.Duration
	scheduler []scheduler.Option
}

// WithLogger sets the logger of every component.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(o *options) { o.logger = l })
}

// WithDrivers replaces the container and direct-exec drivers.
func WithDrivers(docker, direct runner.Driver) Option {
	return optionFunc(func(o *options) {
		o.docker = docker
		o.direct = direct
	})
}

// WithWorkRoot sets where execution working directories are created.
func WithWorkRoot(dir string) Option {
	return optionFunc(func(o *options) { o.workRoot = dir })
}

// WithS3Clients sets the client factory for S3 workspaces.
func WithS3Clients(f workspace.S3ClientFactory) Option {
	return optionFunc(func(o *options) { o.s3 = f })
}

// WithCron enables CRON trigger rules, checked every tick.
func WithCron(tick time.Duration) Option {
	return optionFunc(func(o *options) { o.cronTick = tick })
}

// WithSchedulerOptions passes options through to the scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return optionFunc(func(o *options) { o.scheduler = append(o.scheduler, opts...) })
}

// New assembles an Engine. Revisions published through Engine.Registry
// supersede outdated jobs and recipes.
func New(store core.Storage, resources matcher.ResourceManager, opts ...Option) *Engine {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(o)
	}
	log := o.logger

	bus := notify.New()
	machine := statemachine.New(store, statemachine.WithBus(bus), statemachine.WithLogger(log))
	reg := registry.New(store, registry.WithLogger(log))
	resolver := workspace.NewResolver(store, o.s3)

	runOpts := []runner.Option{runner.WithBus(bus), runner.WithLogger(log)}
	if o.docker != nil || o.direct != nil {
		runOpts = append(runOpts, runner.WithDrivers(o.docker, o.direct))
	}
	if o.workRoot != "" {
		runOpts = append(runOpts, runner.WithWorkRoot(o.workRoot))
	}
	run := runner.New(store, resolver, runOpts...)

	recipes := recipe.New(store, machine, recipe.WithBus(bus), recipe.WithLogger(log))
	triggers := trigger.New(store, recipes, machine, trigger.WithLogger(log))
	sup := supersede.New(store, machine, recipes, supersede.WithLogger(log))
	reg.Observe(sup)

	schedOpts := []scheduler.Option{scheduler.WithLogger(log)}
	if o.cronTick > 0 {
		schedOpts = append(schedOpts, scheduler.WithCron(trigger.NewCronSource(triggers, trigger.WithTickInterval(o.cronTick))))
	}
	schedOpts = append(schedOpts, o.scheduler...)
	sched := scheduler.New(scheduler.Deps{
		Store:     store,
		Machine:   machine,
		Runner:    run,
		Resources: resources,
		Recipes:   recipes,
		Triggers:  triggers,
		Supersede: sup,
		Bus:       bus,
	}, schedOpts...)

	return &Engine{
		Store:     store,
		Bus:       bus,
		Registry:  reg,
		Machine:   machine,
		Resolver:  resolver,
		Runner:    run,
		Recipes:   recipes,
		Triggers:  triggers,
		Supersede: sup,
		Scheduler: sched,
		logger:    log,
	}
}

// Start runs the scheduler until ctx is done. Only the elected leader
// should call Start.
func (e *Engine) Start(ctx context.Context) error {
	return e.Scheduler.Start(ctx)
}

// Events returns a channel of engine notices.
func (e *Engine) Events() <-chan Notice {
	return e.Bus.Subscribe()
}

// ──────────────────────────────────────────────────────────────────────────────
// Work submission
// ──────────────────────────────────────────────────────────────────────────────

// QueueJob creates a standalone job of the current revision of a job type
// and queues it. Outputs go to workspaceID.
func (e *Engine) QueueJob(ctx context.Context, name, version string, inputs []DataInput, workspaceID uint) (*Job, error) {
	jt, err := e.Store.GetJobTypeByName(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if err := registry.Runnable(jt); err != nil {
		return nil, err
	}
	rev, err := e.Store.GetJobTypeRevision(ctx, jt.ID, jt.RevisionNum)
	if err != nil {
		return nil, err
	}

	data := core.JobData{
		Version:    "1.0",
		InputData:  inputs,
		OutputData: registry.OutputBindings(rev.Interface.Data(), workspaceID),
	}
	job, err := registry.BuildJob(ctx, e.Store, jt, rev, data, nil)
	if err != nil {
		return nil, err
	}
	if err := e.Store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return e.Machine.Queue(ctx, job.ID)
}

// RunRecipe instantiates a recipe of the current revision of a recipe type.
// Jobs without dependencies are queued immediately.
func (e *Engine) RunRecipe(ctx context.Context, name, version string, inputs []DataInput, workspaceID uint) (*Recipe, error) {
	rt, err := e.Store.GetRecipeTypeByName(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return e.Recipes.Instantiate(ctx, recipe.Request{
		RecipeType:  rt,
		Inputs:      inputs,
		WorkspaceID: workspaceID,
	})
}

// Ingest stores a new file and fires the ingest rules that match it.
func (e *Engine) Ingest(ctx context.Context, f *File, dataTypes ...string) ([]trigger.Spawn, error) {
	if f.UUID == "" {
		f.UUID = core.FileUUID(f.FileName, fmt.Sprint(f.WorkspaceID), f.FilePath)
	}
	if err := e.Store.CreateFile(ctx, f); err != nil {
		return nil, err
	}
	return e.Triggers.FileIngested(ctx, f, dataTypes...)
}

// Cancel cancels a job. A running execution is stopped first.
func (e *Engine) Cancel(ctx context.Context, jobID uint) error {
	return e.Scheduler.Cancel(ctx, jobID)
}

// Reprocess replaces the recipes of a recipe type selected by def.
func (e *Engine) Reprocess(ctx context.Context, name, version string, def *BatchDefinition) (*supersede.BatchResult, error) {
	rt, err := e.Store.GetRecipeTypeByName(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return e.Supersede.Reprocess(ctx, rt.ID, def)
}

// ──────────────────────────────────────────────────────────────────────────────
// Nodes
// ──────────────────────────────────────────────────────────────────────────────

// Nodes lists every node that has offered resources.
func (e *Engine) Nodes(ctx context.Context) ([]*Node, error) {
	return e.Store.ListNodes(ctx)
}

// PauseNode stops matching jobs to a node. Running executions are not
// affected.
func (e *Engine) PauseNode(ctx context.Context, nodeID, reason string) error {
	if err := e.Store.SetNodePaused(ctx, nodeID, true, false, reason); err != nil {
		return err
	}
	node, err := e.Store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	e.logger.Info("node paused", "node_id", nodeID, "reason", reason)
	e.Bus.Emit(&core.NodePaused{Node: node, Timestamp: time.Now()})
	return nil
}

// ResumeNode lets a paused node receive jobs again, including one paused
// for its error rate.
func (e *Engine) ResumeNode(ctx context.Context, nodeID string) error {
	if err := e.Store.SetNodePaused(ctx, nodeID, false, false, ""); err != nil {
		return err
	}
	e.logger.Info("node resumed", "node_id", nodeID)
	return nil
}

// Details returns the nested view of a job.
func (e *Engine) Details(ctx context.Context, jobID uint) (*JobDetails, error) {
	return details.Load(ctx, e.Store, jobID)
}
