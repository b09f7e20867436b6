package supersede

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/dag"
	"github.com/jdziat/scale-jobs/pkg/recipe"
	"github.com/jdziat/scale-jobs/pkg/registry"
	"github.com/jdziat/scale-jobs/pkg/statemachine"
)

// Manager applies supersedure. It observes registry revisions.
type Manager struct {
	store   core.Storage
	machine *statemachine.Machine
	recipes *recipe.Orchestrator
	logger  *slog.Logger
	now     func() time.Time
}

var (
	_ registry.RevisionObserver = (*Manager)(nil)
	_ registry.VersionObserver  = (*Manager)(nil)
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager.
func New(store core.Storage, machine *statemachine.Machine, recipes *recipe.Orchestrator, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		machine: machine,
		recipes: recipes,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var openStatuses = []core.JobStatus{
	core.StatusPending, core.StatusBlocked, core.StatusQueued, core.StatusRunning,
	core.StatusFailed, core.StatusCanceled,
}

// ──────────────────────────────────────────────────────────────────────────────
// Job type revisions
// ──────────────────────────────────────────────────────────────────────────────

// JobTypeRevised replaces every unfinished job of jt bound to an older
// revision. Jobs of superseded recipes are left to the recipe's replacement.
func (m *Manager) JobTypeRevised(ctx context.Context, jt *core.JobType, rev *core.JobTypeRevision) error {
	jobs, err := m.store.ListJobsByType(ctx, []uint{jt.ID}, openStatuses)
	if err != nil {
		return err
	}

	var errs []error
	replaced := 0
	for _, job := range jobs {
		if job.IsSuperseded || job.JobTypeRevID == rev.ID {
			continue
		}
		ok, err := m.replaceJob(ctx, job, jt, rev)
		if err != nil {
			m.logger.Error("job supersedure failed", "job_id", job.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			replaced++
		}
	}
	m.logger.Info("job type revised", "job_type", jt.Name, "version", jt.Version, "revision", rev.RevisionNum, "replaced", replaced)
	return errors.Join(errs...)
}

// JobTypeVersionPublished replaces every unfinished standalone job of an
// earlier version of jt's name with a job of jt. Recipe jobs keep the
// version their recipe type names.
func (m *Manager) JobTypeVersionPublished(ctx context.Context, jt *core.JobType, rev *core.JobTypeRevision) error {
	versions, err := m.store.ListJobTypeVersions(ctx, jt.Name)
	if err != nil {
		return err
	}
	var older []uint
	for _, v := range versions {
		if v.ID < jt.ID {
			older = append(older, v.ID)
		}
	}
	if len(older) == 0 {
		return nil
	}
	jobs, err := m.store.ListJobsByType(ctx, older, openStatuses)
	if err != nil {
		return err
	}

	var errs []error
	replaced := 0
	for _, job := range jobs {
		if job.IsSuperseded {
			continue
		}
		owners, err := m.store.ListRecipesForJob(ctx, job.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(owners) > 0 {
			continue
		}
		ok, err := m.replaceJob(ctx, job, jt, rev)
		if err != nil {
			m.logger.Error("job supersedure failed", "job_id", job.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			replaced++
		}
	}
	m.logger.Info("job type version published", "job_type", jt.Name, "version", jt.Version, "replaced", replaced)
	return errors.Join(errs...)
}

// replaceJob creates a replacement of job bound to rev and supersedes the
// original. A running job is only flagged. Reports whether a replacement
// was created.
func (m *Manager) replaceJob(ctx context.Context, job *core.Job, jt *core.JobType, rev *core.JobTypeRevision) (bool, error) {
	if job.Status == core.StatusRunning {
		return false, m.deferRunning(ctx, job.ID)
	}

	var (
		owner   *core.Recipe
		jobName string
		deps    []string
	)
	r, err := m.store.ActiveRecipeForJob(ctx, job.ID)
	switch {
	case err == nil:
		owner = r
		jobName, deps, err = m.recipeSlot(ctx, r.ID, job.ID)
		if err != nil {
			return false, err
		}
	case errors.Is(err, core.ErrNotFound):
		// Jobs of superseded recipes are replaced through the recipe.
		owners, err := m.store.ListRecipesForJob(ctx, job.ID)
		if err != nil {
			return false, err
		}
		if len(owners) > 0 {
			return false, nil
		}
	default:
		return false, err
	}

	data := job.Data.Data()
	next, err := registry.BuildJob(ctx, m.store, jt, rev, data, job.EventID, deps...)
	if err != nil {
		return false, err
	}
	next.SupersededJobID = &job.ID
	if err := m.store.CreateJob(ctx, next); err != nil {
		return false, err
	}

	if err := m.machine.Supersede(ctx, job.ID, next.ID); err != nil {
		// Lost a race with the scheduler: the job started meanwhile.
		if cerr := m.machine.Cancel(ctx, next.ID); cerr != nil {
			m.logger.Warn("could not cancel unused replacement", "job_id", next.ID, "error", cerr)
		}
		if errors.Is(err, core.ErrStatusConflict) {
			return false, m.deferRunning(ctx, job.ID)
		}
		return false, err
	}

	if owner != nil {
		if err := m.recipes.ReplaceJob(ctx, owner.ID, jobName, next.ID); err != nil {
			return true, err
		}
		_, err := m.recipes.Advance(ctx, owner.ID)
		return true, err
	}
	if _, err := m.machine.Queue(ctx, next.ID); err != nil && !errors.Is(err, core.ErrStatusConflict) {
		return true, err
	}
	return true, nil
}

// deferRunning flags a running job. A job that already ended is handled now.
func (m *Manager) deferRunning(ctx context.Context, jobID uint) error {
	err := m.machine.DeferSupersede(ctx, jobID)
	if errors.Is(err, core.ErrStatusConflict) {
		return m.ApplyPending(ctx, jobID)
	}
	if err == nil {
		m.logger.Info("job supersedure deferred until execution ends", "job_id", jobID)
	}
	return err
}

// recipeSlot returns the name a job is linked under and the inputs its
// predecessors feed.
func (m *Manager) recipeSlot(ctx context.Context, recipeID, jobID uint) (string, []string, error) {
	links, err := m.store.ListRecipeJobs(ctx, recipeID, true)
	if err != nil {
		return "", nil, err
	}
	g, err := m.recipes.Graph(ctx, recipeID)
	if err != nil {
		return "", nil, err
	}
	for _, l := range links {
		if l.JobID != jobID {
			continue
		}
		idx, ok := g.Lookup(l.JobName)
		if !ok {
			return l.JobName, nil, nil
		}
		return l.JobName, connectedInputs(g, idx), nil
	}
	return "", nil, fmt.Errorf("job %d in recipe %d: %w", jobID, recipeID, core.ErrNotFound)
}

func connectedInputs(g *dag.Graph, idx int) []string {
	var names []string
	for _, e := range g.Incoming(idx) {
		for _, c := range e.Connections {
			names = append(names, c.Input)
		}
	}
	return names
}

// ──────────────────────────────────────────────────────────────────────────────
// Deferred supersedure
// ──────────────────────────────────────────────────────────────────────────────

// ApplyPending completes a deferred supersedure once the job's execution
// ended. Completed jobs keep their outcome and are only unflagged.
func (m *Manager) ApplyPending(ctx context.Context, jobID uint) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case job.IsSuperseded:
		return nil
	case job.Status == core.StatusRunning:
		return nil
	case job.Status == core.StatusCompleted:
		return m.machine.ClearSupersedePending(ctx, jobID)
	case !statemachine.IsTerminal(job.Status):
		// Retried before the flag was set.
		return m.supersedeAtCurrentRevision(ctx, job)
	}

	// A superseded recipe already holds the replacement under the same name.
	if replacement, ok, err := m.recipeReplacement(ctx, job); err != nil {
		return err
	} else if ok {
		return m.machine.Annotate(ctx, jobID, replacement)
	}
	return m.supersedeAtCurrentRevision(ctx, job)
}

// ApplyAllPending applies every deferred supersedure whose execution ended.
func (m *Manager) ApplyAllPending(ctx context.Context) error {
	jobs, err := m.store.ListSupersedePending(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, job := range jobs {
		if job.Status == core.StatusRunning {
			continue
		}
		if err := m.ApplyPending(ctx, job.ID); err != nil {
			errs = append(errs, fmt.Errorf("job %d: %w", job.ID, err))
		}
	}
	return errors.Join(errs...)
}

// supersedeAtCurrentRevision replaces job with one bound to the current
// revision of its job type, or of the newest version of its job type name
// when job is standalone.
func (m *Manager) supersedeAtCurrentRevision(ctx context.Context, job *core.Job) error {
	jt, err := m.store.GetJobType(ctx, job.JobTypeID)
	if err != nil {
		return err
	}
	owners, err := m.store.ListRecipesForJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		versions, err := m.store.ListJobTypeVersions(ctx, jt.Name)
		if err != nil {
			return err
		}
		if n := len(versions); n > 0 && versions[n-1].ID > jt.ID {
			jt = versions[n-1]
		}
	}
	rev, err := m.store.GetJobTypeRevision(ctx, jt.ID, jt.RevisionNum)
	if err != nil {
		return err
	}
	if rev.ID == job.JobTypeRevID {
		if statemachine.IsTerminal(job.Status) {
			return m.machine.ClearSupersedePending(ctx, job.ID)
		}
		return nil
	}
	_, err = m.replaceJob(ctx, job, jt, rev)
	return err
}

// recipeReplacement finds the job replacing job in the recipe that
// superseded job's recipe.
func (m *Manager) recipeReplacement(ctx context.Context, job *core.Job) (uint, bool, error) {
	owners, err := m.store.ListRecipesForJob(ctx, job.ID)
	if err != nil {
		return 0, false, err
	}
	for i := len(owners) - 1; i >= 0; i-- {
		r := owners[i]
		if r.SupersededByRecipeID == nil {
			continue
		}
		links, err := m.store.ListRecipeJobs(ctx, r.ID, false)
		if err != nil {
			return 0, false, err
		}
		for _, l := range links {
			if l.JobID != job.ID {
				continue
			}
			jobs, err := m.recipes.Jobs(ctx, *r.SupersededByRecipeID)
			if err != nil {
				return 0, false, err
			}
			if next, ok := jobs[l.JobName]; ok && next.ID != job.ID {
				return next.ID, true, nil
			}
		}
	}
	return 0, false, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Recipe type revisions
// ──────────────────────────────────────────────────────────────────────────────

// RecipeTypeRevised replaces every unfinished recipe of rt bound to an
// older revision. Completed jobs whose definition did not change are reused
// by the replacement.
func (m *Manager) RecipeTypeRevised(ctx context.Context, rt *core.RecipeType, rev *core.RecipeTypeRevision) error {
	recipes, err := m.store.ListRecipesByType(ctx, rt.ID, false)
	if err != nil {
		return err
	}
	var errs []error
	replaced := 0
	for _, r := range recipes {
		if r.RecipeTypeRevID == rev.ID {
			continue
		}
		status, err := m.recipes.Status(ctx, r.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status == core.RecipeCompleted {
			continue
		}
		if _, err := m.replaceRecipe(ctx, r, rt, nil); err != nil {
			m.logger.Error("recipe supersedure failed", "recipe_id", r.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		replaced++
	}
	m.logger.Info("recipe type revised", "recipe_type", rt.Name, "version", rt.Version, "revision", rev.RevisionNum, "replaced", replaced)
	return errors.Join(errs...)
}

// replaceRecipe instantiates the current revision of rt for old's inputs,
// reusing old's completed jobs except those in rerun, then supersedes old
// and its unfinished jobs.
func (m *Manager) replaceRecipe(ctx context.Context, old *core.Recipe, rt *core.RecipeType, rerun map[string]bool) (*core.Recipe, error) {
	oldGraph, err := m.recipes.Graph(ctx, old.ID)
	if err != nil {
		return nil, err
	}
	oldJobs, err := m.recipes.Jobs(ctx, old.ID)
	if err != nil {
		return nil, err
	}
	rev, err := m.store.GetRecipeTypeRevision(ctx, rt.ID, rt.RevisionNum)
	if err != nil {
		return nil, err
	}
	newGraph, err := dag.Build(rev.Definition.Data())
	if err != nil {
		return nil, err
	}

	// Anything downstream of a rerun or changed job runs again too.
	var seeds []int
	for _, idx := range newGraph.Order() {
		n := newGraph.Node(idx)
		oi, ok := oldGraph.Lookup(n.Name)
		if rerun[n.Name] || !ok || !sameDef(oldGraph.Node(oi).Def, n.Def) {
			seeds = append(seeds, idx)
		}
	}
	again := make(map[string]bool)
	for _, idx := range newGraph.Descendants(seeds...) {
		again[newGraph.Node(idx).Name] = true
	}

	reuse := make(map[string]uint)
	for name, job := range oldJobs {
		if _, ok := newGraph.Lookup(name); ok && !again[name] && job.Status == core.StatusCompleted {
			reuse[name] = job.ID
		}
	}

	data := old.Data.Data()
	next, err := m.recipes.Instantiate(ctx, recipe.Request{
		RecipeType:         rt,
		EventID:            old.EventID,
		Inputs:             data.InputData,
		WorkspaceID:        data.WorkspaceID,
		SupersededRecipeID: &old.ID,
		Reuse:              reuse,
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.SupersedeRecipe(ctx, old.ID, next.ID, m.now()); err != nil {
		return next, err
	}

	newJobs, err := m.recipes.Jobs(ctx, next.ID)
	if err != nil {
		return next, err
	}
	var errs []error
	for name, job := range oldJobs {
		if _, ok := reuse[name]; ok {
			continue
		}
		if err := m.retire(ctx, job, newJobs[name]); err != nil {
			errs = append(errs, fmt.Errorf("job %d: %w", job.ID, err))
		}
	}

	m.logger.Info("recipe superseded", "recipe_id", old.ID, "replacement_id", next.ID, "reused", len(reuse))
	return next, errors.Join(errs...)
}

// retire supersedes a job of a superseded recipe in favour of its
// replacement. Completed jobs are untouched. Jobs without a replacement are
// canceled.
func (m *Manager) retire(ctx context.Context, job, replacement *core.Job) error {
	if job.IsSuperseded {
		return nil
	}
	switch job.Status {
	case core.StatusCompleted:
		return nil
	case core.StatusRunning:
		if replacement == nil {
			return m.machine.Cancel(ctx, job.ID)
		}
		return m.deferRunning(ctx, job.ID)
	}
	if replacement == nil {
		if statemachine.IsTerminal(job.Status) {
			return nil
		}
		return m.machine.Cancel(ctx, job.ID)
	}
	err := m.machine.Supersede(ctx, job.ID, replacement.ID)
	if errors.Is(err, core.ErrStatusConflict) {
		return m.deferRunning(ctx, job.ID)
	}
	if err != nil {
		return err
	}
	return m.store.UpdateJob(ctx, replacement.ID, core.AllJobStatuses,
		map[string]any{"superseded_job_id": job.ID})
}

func sameDef(a, b core.RecipeJobDef) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}
