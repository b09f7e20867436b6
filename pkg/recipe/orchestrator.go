// Package recipe instantiates recipe types and walks their job graphs,
// releasing each job once its predecessors have completed.
package recipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/dag"
	"github.com/jdziat/scale-jobs/pkg/notify"
	"github.com/jdziat/scale-jobs/pkg/registry"
	"github.com/jdziat/scale-jobs/pkg/statemachine"
)

// Orchestrator creates recipes and advances them as their jobs finish.
type Orchestrator struct {
	store   core.Storage
	machine *statemachine.Machine
	bus     *notify.Bus
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	graphs map[uint]*dag.Graph // by recipe type revision id
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBus publishes recipe notices on b.
func WithBus(b *notify.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// New creates an Orchestrator.
func New(store core.Storage, machine *statemachine.Machine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		machine: machine,
		logger:  slog.Default(),
		now:     time.Now,
		graphs:  make(map[uint]*dag.Graph),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) emit(n core.Notice) {
	if o.bus != nil {
		o.bus.Emit(n)
	}
}

// Request describes a recipe to instantiate.
type Request struct {
	RecipeType  *core.RecipeType
	EventID     *uint
	Inputs      []core.DataInput
	WorkspaceID uint
	// SupersededRecipeID links the new recipe to the one it replaces.
	SupersededRecipeID *uint
	// Reuse links existing jobs, by job name, instead of creating new ones.
	Reuse map[string]uint
}

// Instantiate creates a recipe from the current revision of its type,
// creates or links one job per graph node, then releases the roots.
func (o *Orchestrator) Instantiate(ctx context.Context, req Request) (*core.Recipe, error) {
	var recipe *core.Recipe
	err := o.store.WithTx(ctx, func(tx core.Storage) error {
		var err error
		recipe, err = o.Create(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if _, err := o.Advance(ctx, recipe.ID); err != nil {
		return recipe, err
	}
	return recipe, nil
}

// Create writes a recipe and its jobs through tx without releasing any of
// them. Callers that own the transaction call Advance after it commits.
func (o *Orchestrator) Create(ctx context.Context, tx core.Storage, req Request) (*core.Recipe, error) {
	rt := req.RecipeType
	rev, err := tx.GetRecipeTypeRevision(ctx, rt.ID, rt.RevisionNum)
	if err != nil {
		return nil, err
	}
	g, err := o.graph(rev)
	if err != nil {
		return nil, err
	}
	if err := checkRecipeInputs(rev.Definition.Data(), req.Inputs); err != nil {
		return nil, fmt.Errorf("recipe type %s %s: %w", rt.Name, rt.Version, err)
	}

	recipe := &core.Recipe{
		RecipeTypeID:       rt.ID,
		RecipeTypeRevID:    rev.ID,
		EventID:            req.EventID,
		SupersededRecipeID: req.SupersededRecipeID,
		Data: datatypes.NewJSONType(core.RecipeData{
			Version:     "1.0",
			InputData:   req.Inputs,
			WorkspaceID: req.WorkspaceID,
		}),
	}
	if err := tx.CreateRecipe(ctx, recipe); err != nil {
		return nil, err
	}
	for _, idx := range g.Order() {
		node := g.Node(idx)
		jobID, ok := req.Reuse[node.Name]
		if !ok {
			job, err := o.newJob(ctx, tx, g, idx, req)
			if err != nil {
				return nil, fmt.Errorf("recipe job %q: %w", node.Name, err)
			}
			jobID = job.ID
		}
		link := &core.RecipeJob{RecipeID: recipe.ID, JobID: jobID, JobName: node.Name, IsActive: true}
		if err := tx.LinkRecipeJob(ctx, link); err != nil {
			return nil, err
		}
	}

	o.logger.Info("recipe created", "recipe_id", recipe.ID, "recipe_type", rt.Name, "revision", rev.RevisionNum, "jobs", g.Len())
	return recipe, nil
}

func (o *Orchestrator) newJob(ctx context.Context, tx core.Storage, g *dag.Graph, idx int, req Request) (*core.Job, error) {
	node := g.Node(idx)
	jt, err := tx.GetJobTypeByName(ctx, node.Def.JobType.Name, node.Def.JobType.Version)
	if err != nil {
		return nil, err
	}
	rev, err := tx.GetJobTypeRevision(ctx, jt.ID, jt.RevisionNum)
	if err != nil {
		return nil, err
	}

	data := core.JobData{Version: "1.0", OutputData: registry.OutputBindings(rev.Interface.Data(), req.WorkspaceID)}
	for _, b := range node.Def.RecipeInputs {
		for _, in := range req.Inputs {
			if in.Name == b.RecipeInput {
				in.Name = b.JobInput
				data.SetInput(in)
			}
		}
	}

	var deferred []string
	for _, e := range g.Incoming(idx) {
		for _, c := range e.Connections {
			deferred = append(deferred, c.Input)
		}
	}

	job, err := registry.BuildJob(ctx, tx, jt, rev, data, req.EventID, deferred...)
	if err != nil {
		return nil, err
	}
	if err := tx.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func checkRecipeInputs(def core.RecipeDefinition, inputs []core.DataInput) error {
	bound := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		bound[in.Name] = true
	}
	for _, in := range def.InputData {
		if (in.Required == nil || *in.Required) && !bound[in.Name] {
			return fmt.Errorf("%w: recipe input %q is not bound", core.ErrInvalidInput, in.Name)
		}
	}
	return nil
}

// graph returns the cached graph of a recipe type revision.
func (o *Orchestrator) graph(rev *core.RecipeTypeRevision) (*dag.Graph, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.graphs[rev.ID]; ok {
		return g, nil
	}
	g, err := dag.Build(rev.Definition.Data())
	if err != nil {
		return nil, err
	}
	o.graphs[rev.ID] = g
	return g, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Progress
// ──────────────────────────────────────────────────────────────────────────────

// JobFinished advances the live recipe owning a job that reached a terminal
// state. Standalone jobs are ignored.
func (o *Orchestrator) JobFinished(ctx context.Context, jobID uint) error {
	r, err := o.store.ActiveRecipeForJob(ctx, jobID)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = o.Advance(ctx, r.ID)
	return err
}

// Advance releases every job whose predecessors are satisfied, binding
// predecessor outputs into its inputs, parks the rest as BLOCKED, and
// records completion. It is idempotent.
func (o *Orchestrator) Advance(ctx context.Context, recipeID uint) (core.RecipeStatus, error) {
	state, err := o.load(ctx, recipeID)
	if err != nil {
		return "", err
	}
	if state.recipe.IsSuperseded {
		return core.RecipeSuperseded, nil
	}

	for _, idx := range state.graph.Order() {
		node := state.graph.Node(idx)
		job := state.jobs[node.Name]
		if job == nil || (job.Status != core.StatusPending && job.Status != core.StatusBlocked) {
			continue
		}

		if !state.graph.Releasable(idx, state.statuses()) {
			if job.Status == core.StatusPending {
				if err := o.machine.Block(ctx, job.ID, "waiting on recipe dependencies"); err != nil && !errors.Is(err, core.ErrStatusConflict) {
					return "", err
				}
				job.Status = core.StatusBlocked
			}
			continue
		}

		if err := o.bindInputs(ctx, state, idx); err != nil {
			return "", err
		}
		queued, err := o.machine.Queue(ctx, job.ID)
		if errors.Is(err, core.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		state.jobs[node.Name] = queued
	}

	status := state.graph.Status(state.statuses())
	switch status {
	case core.RecipeCompleted:
		if state.recipe.Completed == nil {
			now := o.now()
			if err := o.store.UpdateRecipe(ctx, recipeID, map[string]any{"completed": now}); err != nil {
				return "", err
			}
			state.recipe.Completed = &now
			o.logger.Info("recipe completed", "recipe_id", recipeID)
			o.emit(&core.RecipeCompletedNotice{Recipe: state.recipe, Timestamp: now})
		}
	case core.RecipeFailed:
		if state.recipe.Failed == nil {
			now := o.now()
			if err := o.store.UpdateRecipe(ctx, recipeID, map[string]any{"failed": now}); err != nil {
				return "", err
			}
			state.recipe.Failed = &now
			o.logger.Warn("recipe failed", "recipe_id", recipeID, "job", state.failedJob())
			o.emit(&core.RecipeFailedNotice{Recipe: state.recipe, JobName: state.failedJob(), Timestamp: now})
		}
	default:
		// A replaced job can bring a failed recipe back to running.
		if state.recipe.Failed != nil {
			if err := o.store.UpdateRecipe(ctx, recipeID, map[string]any{"failed": nil}); err != nil {
				return "", err
			}
			state.recipe.Failed = nil
		}
	}
	return status, nil
}

// bindInputs copies completed predecessor outputs into a job's inputs.
func (o *Orchestrator) bindInputs(ctx context.Context, state *recipeState, idx int) error {
	incoming := state.graph.Incoming(idx)
	if len(incoming) == 0 {
		return nil
	}
	node := state.graph.Node(idx)
	job := state.jobs[node.Name]

	rev, err := o.store.GetJobTypeRevisionByID(ctx, job.JobTypeRevID)
	if err != nil {
		return err
	}
	iface := rev.Interface.Data()
	data := job.Data.Data()

	changed := false
	for _, e := range incoming {
		pred := state.jobs[state.graph.Node(e.From).Name]
		if pred == nil || pred.Status != core.StatusCompleted {
			continue
		}
		results := pred.Results.Data()
		for _, c := range e.Connections {
			out, ok := results.Output(c.Output)
			if !ok {
				continue
			}
			in := core.DataInput{Name: c.Input}
			files := out.Files()
			if port, ok := iface.Input(c.Input); ok && port.Type == core.PortFiles {
				in.FileIDs = files
			} else if len(files) > 0 {
				in.FileID = files[0]
			}
			data.SetInput(in)
			changed = true
		}
	}
	if !changed {
		return nil
	}

	diskIn, err := registry.InputSize(ctx, o.store, data)
	if err != nil {
		return err
	}
	jt, err := o.store.GetJobType(ctx, job.JobTypeID)
	if err != nil {
		return err
	}
	fields := map[string]any{
		"data":              datatypes.NewJSONType(data),
		"disk_in_required":  diskIn,
		"disk_out_required": jt.DiskOutRequired(diskIn),
	}
	err = o.store.UpdateJob(ctx, job.ID, []core.JobStatus{core.StatusPending, core.StatusBlocked}, fields)
	if err != nil {
		return err
	}
	job.Data = datatypes.NewJSONType(data)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// Status returns the derived status of a recipe.
func (o *Orchestrator) Status(ctx context.Context, recipeID uint) (core.RecipeStatus, error) {
	state, err := o.load(ctx, recipeID)
	if err != nil {
		return "", err
	}
	if state.recipe.IsSuperseded {
		return core.RecipeSuperseded, nil
	}
	return state.graph.Status(state.statuses()), nil
}

// Graph returns the job graph a recipe was instantiated from.
func (o *Orchestrator) Graph(ctx context.Context, recipeID uint) (*dag.Graph, error) {
	r, err := o.store.GetRecipe(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	rev, err := o.store.GetRecipeTypeRevisionByID(ctx, r.RecipeTypeRevID)
	if err != nil {
		return nil, err
	}
	return o.graph(rev)
}

// Jobs returns a recipe's active jobs by job name.
func (o *Orchestrator) Jobs(ctx context.Context, recipeID uint) (map[string]*core.Job, error) {
	links, err := o.store.ListRecipeJobs(ctx, recipeID, true)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.JobID)
	}
	jobs, err := o.store.GetJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]*core.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	out := make(map[string]*core.Job, len(links))
	for _, l := range links {
		if j, ok := byID[l.JobID]; ok {
			out[l.JobName] = j
		}
	}
	return out, nil
}

// ReplaceJob points a recipe's job name at a different job.
func (o *Orchestrator) ReplaceJob(ctx context.Context, recipeID uint, jobName string, newJobID uint) error {
	g, err := o.Graph(ctx, recipeID)
	if err != nil {
		return err
	}
	if _, ok := g.Lookup(jobName); !ok {
		return fmt.Errorf("recipe %d has no job %q: %w", recipeID, jobName, core.ErrNotFound)
	}
	return o.store.ReplaceRecipeJob(ctx, recipeID, jobName, newJobID)
}

// recipeState is a recipe with its graph and active jobs.
type recipeState struct {
	recipe *core.Recipe
	graph  *dag.Graph
	jobs   map[string]*core.Job
}

func (s *recipeState) statuses() map[string]core.JobStatus {
	out := make(map[string]core.JobStatus, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.Status
	}
	return out
}

// failedJob names the first required job in graph order that failed.
func (s *recipeState) failedJob() string {
	for _, idx := range s.graph.Order() {
		n := s.graph.Node(idx)
		if j := s.jobs[n.Name]; j != nil && !n.Def.Optional &&
			(j.Status == core.StatusFailed || j.Status == core.StatusCanceled) {
			return n.Name
		}
	}
	return ""
}

func (o *Orchestrator) load(ctx context.Context, recipeID uint) (*recipeState, error) {
	r, err := o.store.GetRecipe(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	rev, err := o.store.GetRecipeTypeRevisionByID(ctx, r.RecipeTypeRevID)
	if err != nil {
		return nil, err
	}
	g, err := o.graph(rev)
	if err != nil {
		return nil, err
	}
	jobs, err := o.Jobs(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	return &recipeState{recipe: r, graph: g, jobs: jobs}, nil
}
