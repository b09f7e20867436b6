package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/datatypes"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/dag"
	"github.com/jdziat/scale-jobs/pkg/security"
)

// Outcome describes what a publish did.
type Outcome int

const (
	// Created means a new job type or recipe type was stored.
	Created Outcome = iota
	// Revised means a new revision was appended.
	Revised
	// Unchanged means the published definition matched the current revision.
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Revised:
		return "revised"
	}
	return "unchanged"
}

// RevisionObserver is told when a published type gains a new revision.
type RevisionObserver interface {
	JobTypeRevised(ctx context.Context, jt *core.JobType, rev *core.JobTypeRevision) error
	RecipeTypeRevised(ctx context.Context, rt *core.RecipeType, rev *core.RecipeTypeRevision) error
}

// VersionObserver is an optional RevisionObserver extension told when a new
// version of an already published job type name is created.
type VersionObserver interface {
	JobTypeVersionPublished(ctx context.Context, jt *core.JobType, rev *core.JobTypeRevision) error
}

// Registry publishes job types and recipe types.
type Registry struct {
	store     core.Storage
	logger    *slog.Logger
	observers []RevisionObserver
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a Registry.
func New(store core.Storage, opts ...Option) *Registry {
	r := &Registry{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe registers an observer for new revisions.
func (r *Registry) Observe(o RevisionObserver) {
	r.observers = append(r.observers, o)
}

// ──────────────────────────────────────────────────────────────────────────────
// Job types
// ──────────────────────────────────────────────────────────────────────────────

// PublishJobType creates a job type, or appends a revision when the interface
// of an existing (name, version) changed. Changing any fixed setting of a
// published job type returns core.ErrJobTypeImmutable.
func (r *Registry) PublishJobType(ctx context.Context, def JobTypeDefinition) (*core.JobType, *core.JobTypeRevision, Outcome, error) {
	if err := validateJobType(def); err != nil {
		return nil, nil, Unchanged, err
	}
	candidate := jobTypeFrom(def)

	existing, err := r.store.GetJobTypeByName(ctx, def.Name, def.Version)
	if errors.Is(err, core.ErrNotFound) {
		rev := &core.JobTypeRevision{Interface: datatypes.NewJSONType(def.Interface)}
		if err := r.store.CreateJobType(ctx, candidate, rev); err != nil {
			return nil, nil, Unchanged, fmt.Errorf("create job type %s %s: %w", def.Name, def.Version, err)
		}
		r.logger.Info("job type created", "name", def.Name, "version", def.Version)
		if err := r.versionPublished(ctx, candidate, rev); err != nil {
			return candidate, rev, Created, fmt.Errorf("job type %s %s: %w", def.Name, def.Version, err)
		}
		return candidate, rev, Created, nil
	}
	if err != nil {
		return nil, nil, Unchanged, err
	}

	if field := changedFixedField(existing, candidate); field != "" {
		return nil, nil, Unchanged, fmt.Errorf("%w: %s %s %s", core.ErrJobTypeImmutable, def.Name, def.Version, field)
	}

	current, err := r.store.GetJobTypeRevision(ctx, existing.ID, existing.RevisionNum)
	if err != nil {
		return nil, nil, Unchanged, err
	}
	if sameJSON(current.Interface.Data(), def.Interface) {
		return existing, current, Unchanged, nil
	}

	rev, err := r.store.AddJobTypeRevision(ctx, existing.ID, def.Interface)
	if err != nil {
		return nil, nil, Unchanged, err
	}
	existing.RevisionNum = rev.RevisionNum
	r.logger.Info("job type revised", "name", def.Name, "version", def.Version, "revision", rev.RevisionNum)

	for _, o := range r.observers {
		if err := o.JobTypeRevised(ctx, existing, rev); err != nil {
			return existing, rev, Revised, fmt.Errorf("job type %s %s revision %d: %w", def.Name, def.Version, rev.RevisionNum, err)
		}
	}
	return existing, rev, Revised, nil
}

// versionPublished notifies version observers when jt is not the first
// version of its name.
func (r *Registry) versionPublished(ctx context.Context, jt *core.JobType, rev *core.JobTypeRevision) error {
	versions, err := r.store.ListJobTypeVersions(ctx, jt.Name)
	if err != nil {
		return err
	}
	if len(versions) < 2 {
		return nil
	}
	for _, o := range r.observers {
		vo, ok := o.(VersionObserver)
		if !ok {
			continue
		}
		if err := vo.JobTypeVersionPublished(ctx, jt, rev); err != nil {
			return err
		}
	}
	return nil
}

func jobTypeFrom(def JobTypeDefinition) *core.JobType {
	priority := def.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	timeout := def.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	maxTries := def.MaxTries
	if maxTries == 0 {
		maxTries = DefaultMaxTries
	}
	return &core.JobType{
		Name:                 def.Name,
		Version:              def.Version,
		Title:                def.Title,
		Description:          def.Description,
		Category:             def.Category,
		IsActive:             true,
		IsOperational:        def.IsOperational,
		IsSystem:             def.IsSystem,
		UsesDocker:           def.DockerImage != "",
		DockerImage:          def.DockerImage,
		DockerPrivileged:     def.DockerPrivileged,
		Priority:             security.ClampPriority(priority),
		Timeout:              security.ClampTimeout(timeout),
		MaxTries:             security.ClampTries(maxTries),
		CPUsRequired:         def.Resources.CPUs,
		MemRequired:          def.Resources.Mem,
		DiskOutConstRequired: def.Resources.DiskOutConst,
		DiskOutMultRequired:  def.Resources.DiskOutMult,
		ErrorMapping:         datatypes.NewJSONType(def.ErrorMapping),
	}
}

// changedFixedField names the first fixed setting that differs, or "".
func changedFixedField(cur, next *core.JobType) string {
	switch {
	case cur.Priority != next.Priority:
		return "priority"
	case cur.Timeout != next.Timeout:
		return "timeout"
	case cur.MaxTries != next.MaxTries:
		return "max_tries"
	case cur.CPUsRequired != next.CPUsRequired:
		return "cpus_required"
	case cur.MemRequired != next.MemRequired:
		return "mem_required"
	case cur.DiskOutConstRequired != next.DiskOutConstRequired:
		return "disk_out_const_required"
	case cur.DiskOutMultRequired != next.DiskOutMultRequired:
		return "disk_out_mult_required"
	case cur.DockerImage != next.DockerImage:
		return "docker_image"
	case cur.IsSystem != next.IsSystem:
		return "is_system"
	case !sameJSON(cur.ErrorMapping.Data(), next.ErrorMapping.Data()):
		return "error_mapping"
	}
	return ""
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// PauseJobType stops new executions of a job type.
func (r *Registry) PauseJobType(ctx context.Context, id uint) error {
	return r.store.SetJobTypePaused(ctx, id, true)
}

// ResumeJobType allows executions of a paused job type again.
func (r *Registry) ResumeJobType(ctx context.Context, id uint) error {
	return r.store.SetJobTypePaused(ctx, id, false)
}

// Runnable returns core.ErrJobTypeNotRunnable for paused, inactive or
// archived job types.
func Runnable(jt *core.JobType) error {
	if !jt.IsActive || jt.IsPaused || jt.Archived != nil {
		return fmt.Errorf("%w: %s %s", core.ErrJobTypeNotRunnable, jt.Name, jt.Version)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Recipe types
// ──────────────────────────────────────────────────────────────────────────────

// PublishRecipeType creates a recipe type, or appends a revision when the
// definition of an existing (name, version) changed. Definitions must be
// acyclic and reference published job types.
func (r *Registry) PublishRecipeType(ctx context.Context, def RecipeTypeDefinition) (*core.RecipeType, *core.RecipeTypeRevision, Outcome, error) {
	if err := security.ValidateName(def.Name); err != nil {
		return nil, nil, Unchanged, err
	}
	if err := security.ValidateVersion(def.Version); err != nil {
		return nil, nil, Unchanged, err
	}
	if err := dag.Validate(def.Definition); err != nil {
		return nil, nil, Unchanged, err
	}
	for _, j := range def.Definition.Jobs {
		if _, err := r.store.GetJobTypeByName(ctx, j.JobType.Name, j.JobType.Version); err != nil {
			return nil, nil, Unchanged, fmt.Errorf("%w: job %q: %v", core.ErrInvalidRecipe, j.Name, err)
		}
	}

	existing, err := r.store.GetRecipeTypeByName(ctx, def.Name, def.Version)
	if errors.Is(err, core.ErrNotFound) {
		rt := &core.RecipeType{
			Name:        def.Name,
			Version:     def.Version,
			Title:       def.Title,
			Description: def.Description,
			IsActive:    true,
			Definition:  datatypes.NewJSONType(def.Definition),
		}
		rev := &core.RecipeTypeRevision{Definition: datatypes.NewJSONType(def.Definition)}
		if err := r.store.CreateRecipeType(ctx, rt, rev); err != nil {
			return nil, nil, Unchanged, fmt.Errorf("create recipe type %s %s: %w", def.Name, def.Version, err)
		}
		r.logger.Info("recipe type created", "name", def.Name, "version", def.Version)
		return rt, rev, Created, nil
	}
	if err != nil {
		return nil, nil, Unchanged, err
	}

	current, err := r.store.GetRecipeTypeRevision(ctx, existing.ID, existing.RevisionNum)
	if err != nil {
		return nil, nil, Unchanged, err
	}
	if sameJSON(current.Definition.Data(), def.Definition) {
		return existing, current, Unchanged, nil
	}

	rev, err := r.store.AddRecipeTypeRevision(ctx, existing.ID, def.Definition)
	if err != nil {
		return nil, nil, Unchanged, err
	}
	existing.RevisionNum = rev.RevisionNum
	existing.Definition = datatypes.NewJSONType(def.Definition)
	r.logger.Info("recipe type revised", "name", def.Name, "version", def.Version, "revision", rev.RevisionNum)

	for _, o := range r.observers {
		if err := o.RecipeTypeRevised(ctx, existing, rev); err != nil {
			return existing, rev, Revised, fmt.Errorf("recipe type %s %s revision %d: %w", def.Name, def.Version, rev.RevisionNum, err)
		}
	}
	return existing, rev, Revised, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Error catalog
// ──────────────────────────────────────────────────────────────────────────────

// RegisterError adds or updates a job-type specific catalog error. Builtin
// errors cannot be redefined.
func (r *Registry) RegisterError(ctx context.Context, e *core.Error) error {
	if err := security.ValidateName(e.Name); err != nil {
		return err
	}
	switch e.Category {
	case core.CategorySystem, core.CategoryAlgorithm, core.CategoryData:
	default:
		return fmt.Errorf("error %q: unknown category %q", e.Name, e.Category)
	}
	if existing, err := r.store.GetErrorByName(ctx, e.Name); err == nil && existing.IsBuiltin {
		return fmt.Errorf("error %q is builtin", e.Name)
	}
	e.IsBuiltin = false
	return r.store.SaveError(ctx, e)
}
