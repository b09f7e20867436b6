package trigger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"gorm.io/datatypes"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/schedule"
	"github.com/jdziat/scale-jobs/pkg/security"
)

// Event types.
const (
	EventIngest = "INGEST"
	EventParse  = "PARSE"
	EventCron   = "CRON"
)

// Matches reports whether a rule's condition holds for an event.
func Matches(rule *core.TriggerRule, ev *core.Event) bool {
	if !rule.IsActive || rule.Archived != nil {
		return false
	}
	cond := rule.Configuration.Data().Condition
	p := ev.Payload.Data()

	switch rule.Type {
	case core.RuleIngest:
		if ev.Type != EventIngest {
			return false
		}
		if cond.MediaType != "" && cond.MediaType != p.MediaType {
			return false
		}
		if cond.Workspace != "" && cond.Workspace != p.Workspace {
			return false
		}
		for _, dt := range cond.DataTypes {
			if !slices.Contains(p.DataTypes, dt) {
				return false
			}
		}
		return true
	case core.RuleParse:
		if ev.Type != EventParse {
			return false
		}
		if cond.JobTypeName != p.JobTypeName {
			return false
		}
		return cond.JobTypeVersion == "" || cond.JobTypeVersion == p.JobTypeVersion
	case core.RuleCron:
		return ev.Type == EventCron && p.RuleID == rule.ID
	}
	return false
}

// ValidateRule checks a rule's name, type, condition and target.
func ValidateRule(name string, typ core.TriggerRuleType, cfg core.TriggerConfiguration) error {
	if err := security.ValidateName(name); err != nil {
		return err
	}
	switch typ {
	case core.RuleIngest:
		if cfg.Condition.MediaType == "" && len(cfg.Condition.DataTypes) == 0 {
			return fmt.Errorf("%w: ingest rule %q needs a media type or data types", core.ErrInvalidTriggerRule, name)
		}
	case core.RuleParse:
		if cfg.Condition.JobTypeName == "" {
			return fmt.Errorf("%w: parse rule %q needs a job type name", core.ErrInvalidTriggerRule, name)
		}
	case core.RuleCron:
		if _, err := schedule.Parse(cfg.Condition.Schedule); err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidTriggerRule, err)
		}
	default:
		return fmt.Errorf("%w: unknown rule type %q", core.ErrInvalidTriggerRule, typ)
	}

	t := cfg.Target
	if (t.RecipeType == nil) == (t.JobType == nil) {
		return fmt.Errorf("%w: rule %q must target exactly one recipe type or job type", core.ErrInvalidTriggerRule, name)
	}
	return nil
}

// CreateRule validates and stores version 1 of a rule.
func (e *Engine) CreateRule(ctx context.Context, name string, typ core.TriggerRuleType, cfg core.TriggerConfiguration) (*core.TriggerRule, error) {
	if err := ValidateRule(name, typ, cfg); err != nil {
		return nil, err
	}
	rule := &core.TriggerRule{
		Name:          name,
		Type:          typ,
		Version:       1,
		Configuration: datatypes.NewJSONType(cfg),
		IsActive:      true,
	}
	if err := e.store.CreateTriggerRule(ctx, rule); err != nil {
		return nil, err
	}
	e.logger.Info("trigger rule created", "rule_id", rule.ID, "name", name, "type", typ)
	return rule, nil
}

// UpdateRule archives a rule and creates its next version with a new
// configuration. Events already recorded keep referring to the old version.
func (e *Engine) UpdateRule(ctx context.Context, id uint, cfg core.TriggerConfiguration) (*core.TriggerRule, error) {
	var next *core.TriggerRule
	err := e.store.WithTx(ctx, func(tx core.Storage) error {
		cur, err := tx.GetTriggerRule(ctx, id)
		if err != nil {
			return err
		}
		if err := ValidateRule(cur.Name, cur.Type, cfg); err != nil {
			return err
		}
		if err := tx.ArchiveTriggerRule(ctx, id, e.now()); err != nil {
			return err
		}
		next = &core.TriggerRule{
			Name:          cur.Name,
			Type:          cur.Type,
			Version:       cur.Version + 1,
			Configuration: datatypes.NewJSONType(cfg),
			IsActive:      true,
		}
		return tx.CreateTriggerRule(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("trigger rule updated", "rule_id", next.ID, "name", next.Name, "version", next.Version)
	return next, nil
}

// ArchiveRule deactivates a rule.
func (e *Engine) ArchiveRule(ctx context.Context, id uint) error {
	return e.store.ArchiveTriggerRule(ctx, id, e.now())
}

// IngestEvent builds the event for a newly stored file.
func IngestEvent(f *core.File, workspace string, dataTypes []string) *core.Event {
	return &core.Event{
		Type:        EventIngest,
		ExternalKey: "ingest:" + f.UUID,
		Payload: datatypes.NewJSONType(core.EventPayload{
			FileID:    f.ID,
			MediaType: f.MediaType,
			DataTypes: dataTypes,
			Workspace: workspace,
		}),
		Occurred: f.Created,
	}
}

// ParseEvent builds the event for a completed job.
func ParseEvent(job *core.Job, jt *core.JobType) *core.Event {
	occurred := time.Now()
	if job.Ended != nil {
		occurred = *job.Ended
	}
	return &core.Event{
		Type:        EventParse,
		ExternalKey: fmt.Sprintf("parse:%d", job.ID),
		Payload: datatypes.NewJSONType(core.EventPayload{
			JobID:          job.ID,
			JobTypeName:    jt.Name,
			JobTypeVersion: jt.Version,
		}),
		Occurred: occurred,
	}
}

// CronEvent builds the event for one fire time of a cron rule.
func CronEvent(rule *core.TriggerRule, at time.Time) *core.Event {
	id := rule.ID
	return &core.Event{
		Type:        EventCron,
		RuleID:      &id,
		ExternalKey: fmt.Sprintf("cron:%d:%d", rule.ID, at.Unix()),
		Payload:     datatypes.NewJSONType(core.EventPayload{RuleID: rule.ID}),
		Occurred:    at,
	}
}
