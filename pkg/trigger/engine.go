package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/recipe"
	"github.com/jdziat/scale-jobs/pkg/registry"
	"github.com/jdziat/scale-jobs/pkg/statemachine"
)

// Engine evaluates trigger rules against events.
type Engine struct {
	store   core.Storage
	recipes *recipe.Orchestrator
	machine *statemachine.Machine
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine spawning recipes through recipes and standalone
// jobs through machine.
func New(store core.Storage, recipes *recipe.Orchestrator, machine *statemachine.Machine, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		recipes: recipes,
		machine: machine,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Spawn is the work one rule created for an event.
type Spawn struct {
	RuleID   uint
	RecipeID *uint
	JobID    *uint
}

// Handle records an event and fires every active rule it matches. Each
// (event, rule) pair fires at most once, so a re-delivered event only fires
// rules that did not fire the first time, such as one whose spawn failed.
// A re-delivery that fires nothing returns core.ErrDuplicateEvent. A rule
// that fails to spawn is logged and skipped so the others still fire; the
// first such error is returned after all rules ran.
func (e *Engine) Handle(ctx context.Context, ev *core.Event) ([]Spawn, error) {
	created, err := e.store.RecordEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("record event %q: %w", ev.ExternalKey, err)
	}
	if !created {
		e.logger.Debug("event already recorded", "event_id", ev.ID, "key", ev.ExternalKey)
	}

	rules, err := e.store.ListActiveTriggerRules(ctx)
	if err != nil {
		return nil, err
	}

	var (
		spawns   []Spawn
		firstErr error
	)
	for _, rule := range rules {
		if !Matches(rule, ev) {
			continue
		}
		sp, ok, err := e.fire(ctx, rule, ev)
		if err != nil {
			e.logger.Error("trigger rule failed to fire", "rule_id", rule.ID, "event_id", ev.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("rule %s v%d: %w", rule.Name, rule.Version, err)
			}
			continue
		}
		if ok {
			spawns = append(spawns, sp)
		}
	}
	if firstErr == nil && !created && len(spawns) == 0 {
		return nil, fmt.Errorf("event %q: %w", ev.ExternalKey, core.ErrDuplicateEvent)
	}
	return spawns, firstErr
}

// fire claims the (event, rule) pair and spawns its target in one
// transaction, then releases the new work.
func (e *Engine) fire(ctx context.Context, rule *core.TriggerRule, ev *core.Event) (Spawn, bool, error) {
	sp := Spawn{RuleID: rule.ID}
	claimed := false

	err := e.store.WithTx(ctx, func(tx core.Storage) error {
		ok, err := tx.ClaimFiring(ctx, &core.TriggerFiring{EventID: ev.ID, RuleID: rule.ID})
		if err != nil || !ok {
			return err
		}
		claimed = true

		fields := map[string]any{}
		cfg := rule.Configuration.Data()
		if cfg.Target.RecipeType != nil {
			r, err := e.spawnRecipe(ctx, tx, cfg, ev)
			if err != nil {
				return err
			}
			sp.RecipeID = &r.ID
			fields["recipe_id"] = r.ID
		} else {
			job, err := e.spawnJob(ctx, tx, cfg, ev)
			if err != nil {
				return err
			}
			sp.JobID = &job.ID
			fields["job_id"] = job.ID
		}
		return tx.UpdateFiring(ctx, ev.ID, rule.ID, fields)
	})
	if err != nil || !claimed {
		return sp, false, err
	}

	switch {
	case sp.RecipeID != nil:
		e.logger.Info("trigger rule fired", "rule_id", rule.ID, "event_id", ev.ID, "recipe_id", *sp.RecipeID)
		if _, err := e.recipes.Advance(ctx, *sp.RecipeID); err != nil {
			return sp, true, err
		}
	case sp.JobID != nil:
		e.logger.Info("trigger rule fired", "rule_id", rule.ID, "event_id", ev.ID, "job_id", *sp.JobID)
		if _, err := e.machine.Queue(ctx, *sp.JobID); err != nil && !errors.Is(err, core.ErrStatusConflict) {
			return sp, true, err
		}
	}
	return sp, true, nil
}

// binding resolves the triggering file input and the output workspace.
func binding(ctx context.Context, tx core.Storage, cfg core.TriggerConfiguration, ev *core.Event) ([]core.DataInput, uint, error) {
	var inputs []core.DataInput
	p := ev.Payload.Data()
	if cfg.Data.InputDataName != "" && p.FileID != 0 {
		inputs = append(inputs, core.DataInput{Name: cfg.Data.InputDataName, FileID: p.FileID})
	}
	var workspaceID uint
	if cfg.Data.WorkspaceName != "" {
		ws, err := tx.GetWorkspaceByName(ctx, cfg.Data.WorkspaceName)
		if err != nil {
			return nil, 0, err
		}
		workspaceID = ws.ID
	}
	return inputs, workspaceID, nil
}

func (e *Engine) spawnRecipe(ctx context.Context, tx core.Storage, cfg core.TriggerConfiguration, ev *core.Event) (*core.Recipe, error) {
	ref := cfg.Target.RecipeType
	rt, err := tx.GetRecipeTypeByName(ctx, ref.Name, ref.Version)
	if err != nil {
		return nil, err
	}
	if !rt.IsActive || rt.Archived != nil {
		return nil, fmt.Errorf("%w: recipe type %s %s is not active", core.ErrInvalidRecipe, rt.Name, rt.Version)
	}
	inputs, workspaceID, err := binding(ctx, tx, cfg, ev)
	if err != nil {
		return nil, err
	}
	return e.recipes.Create(ctx, tx, recipe.Request{
		RecipeType:  rt,
		EventID:     &ev.ID,
		Inputs:      inputs,
		WorkspaceID: workspaceID,
	})
}

func (e *Engine) spawnJob(ctx context.Context, tx core.Storage, cfg core.TriggerConfiguration, ev *core.Event) (*core.Job, error) {
	ref := cfg.Target.JobType
	jt, err := tx.GetJobTypeByName(ctx, ref.Name, ref.Version)
	if err != nil {
		return nil, err
	}
	if err := registry.Runnable(jt); err != nil {
		return nil, err
	}
	rev, err := tx.GetJobTypeRevision(ctx, jt.ID, jt.RevisionNum)
	if err != nil {
		return nil, err
	}
	inputs, workspaceID, err := binding(ctx, tx, cfg, ev)
	if err != nil {
		return nil, err
	}
	data := core.JobData{
		Version:    "1.0",
		InputData:  inputs,
		OutputData: registry.OutputBindings(rev.Interface.Data(), workspaceID),
	}
	job, err := registry.BuildJob(ctx, tx, jt, rev, data, &ev.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// FileIngested records and handles the ingest event of a stored file.
func (e *Engine) FileIngested(ctx context.Context, f *core.File, dataTypes ...string) ([]Spawn, error) {
	ws, err := e.store.GetWorkspace(ctx, f.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return e.Handle(ctx, IngestEvent(f, ws.Name, dataTypes))
}

// JobCompleted records and handles the parse event of a completed job.
func (e *Engine) JobCompleted(ctx context.Context, job *core.Job) ([]Spawn, error) {
	jt, err := e.store.GetJobType(ctx, job.JobTypeID)
	if err != nil {
		return nil, err
	}
	return e.Handle(ctx, ParseEvent(job, jt))
}
