package supersede

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/dag"
)

// Date range types.
const (
	RangeCreated = "created" // recipe creation time
	RangeData    = "data"    // data time of the recipe's input files
)

// BatchDefinition selects existing recipes of a type to reprocess.
type BatchDefinition struct {
	Version   string     `json:"version" yaml:"version"`
	DateRange *DateRange `json:"date_range,omitempty" yaml:"date_range"`
	// JobNames are re-run even when unchanged; their dependants follow.
	JobNames []string `json:"job_names,omitempty" yaml:"job_names"`
	AllJobs  bool     `json:"all_jobs,omitempty" yaml:"all_jobs"`

	started, ended *time.Time
}

// DateRange bounds the recipes a batch selects. Either end may be omitted.
type DateRange struct {
	Type    string `json:"type,omitempty" yaml:"type"`
	Started string `json:"started,omitempty" yaml:"started"`
	Ended   string `json:"ended,omitempty" yaml:"ended"`
}

// InvalidDefinitionError reports a rejected batch definition.
type InvalidDefinitionError struct {
	Field  string
	Reason string
}

func (e *InvalidDefinitionError) Error() string {
	return fmt.Sprintf("scale: invalid batch definition: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &InvalidDefinitionError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ParseBatchDefinition decodes and validates a YAML (or JSON) batch definition.
func ParseBatchDefinition(data []byte) (*BatchDefinition, error) {
	var def BatchDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, invalid("definition", "%v", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, invalid(field, "unparseable date %q", s)
}

// Validate checks the definition and resolves its date range.
func (d *BatchDefinition) Validate() error {
	if d.Version == "" {
		d.Version = "1.0"
	}
	if d.Version != "1.0" {
		return invalid("version", "unsupported version %q", d.Version)
	}
	if d.AllJobs && len(d.JobNames) > 0 {
		return invalid("job_names", "cannot be combined with all_jobs")
	}
	if d.DateRange == nil {
		return nil
	}

	switch d.DateRange.Type {
	case "":
		d.DateRange.Type = RangeCreated
	case RangeCreated, RangeData:
	default:
		return invalid("date_range.type", "unknown type %q", d.DateRange.Type)
	}
	var err error
	if d.started, err = parseDate("date_range.started", d.DateRange.Started); err != nil {
		return err
	}
	if d.ended, err = parseDate("date_range.ended", d.DateRange.Ended); err != nil {
		return err
	}
	if d.started != nil && d.ended != nil && d.ended.Before(*d.started) {
		return invalid("date_range", "ended is before started")
	}
	return nil
}

func (d *BatchDefinition) within(t time.Time) bool {
	if d.started != nil && t.Before(*d.started) {
		return false
	}
	if d.ended != nil && t.After(*d.ended) {
		return false
	}
	return true
}

// BatchResult maps each reprocessed recipe to its replacement.
type BatchResult struct {
	Replaced map[uint]uint
}

// Reprocess supersedes the recipes of a recipe type selected by def with
// new recipes of the type's current revision. Completed jobs are reused
// unless named, or downstream of a named or changed job.
func (m *Manager) Reprocess(ctx context.Context, recipeTypeID uint, def *BatchDefinition) (*BatchResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	rt, err := m.store.GetRecipeType(ctx, recipeTypeID)
	if err != nil {
		return nil, err
	}
	current, err := dag.Build(rt.Definition.Data())
	if err != nil {
		return nil, err
	}

	rerun := make(map[string]bool)
	for _, name := range def.JobNames {
		if _, ok := current.Lookup(name); !ok {
			return nil, invalid("job_names", "recipe type %s has no job %q", rt.Name, name)
		}
		rerun[name] = true
	}
	if def.AllJobs {
		for _, idx := range current.Order() {
			rerun[current.Node(idx).Name] = true
		}
	}

	recipes, err := m.store.ListRecipesByType(ctx, recipeTypeID, false)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Replaced: make(map[uint]uint)}
	var errs []error
	for _, r := range recipes {
		ok, err := m.selected(ctx, def, r)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		next, err := m.replaceRecipe(ctx, r, rt, rerun)
		if next != nil {
			res.Replaced[r.ID] = next.ID
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("recipe %d: %w", r.ID, err))
		}
	}
	m.logger.Info("batch reprocessed", "recipe_type", rt.Name, "recipes", len(res.Replaced))
	return res, errors.Join(errs...)
}

func (m *Manager) selected(ctx context.Context, def *BatchDefinition, r *core.Recipe) (bool, error) {
	if def.DateRange == nil {
		return true, nil
	}
	if def.DateRange.Type == RangeCreated {
		return def.within(r.Created), nil
	}

	var ids []uint
	for _, in := range r.Data.Data().InputData {
		ids = append(ids, in.Files()...)
	}
	if len(ids) == 0 {
		return false, nil
	}
	files, err := m.store.GetFiles(ctx, ids)
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if f.DataStarted != nil && def.within(*f.DataStarted) {
			return true, nil
		}
		if f.DataEnded != nil && def.within(*f.DataEnded) {
			return true, nil
		}
	}
	return false, nil
}
