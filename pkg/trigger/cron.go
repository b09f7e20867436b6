package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/schedule"
)

// CronSource emits CRON events for active cron rules as their schedules
// come due. Each fire time has its own external key, so a source restarted
// on a new leader re-emits recent fire times without spawning twice.
type CronSource struct {
	engine *Engine
	logger *slog.Logger

	tickInterval time.Duration
	catchUp      time.Duration
	maxPerTick   int

	mu     sync.Mutex
	parsed map[string]schedule.Schedule // by expression
	last   map[uint]time.Time           // last fire time handled, by rule id
}

// CronOption configures a CronSource.
type CronOption func(*CronSource)

// WithTickInterval sets how often due rules are checked.
func WithTickInterval(d time.Duration) CronOption {
	return func(c *CronSource) { c.tickInterval = d }
}

// WithCatchUp sets how far back missed fire times are replayed when a rule
// is first seen.
func WithCatchUp(d time.Duration) CronOption {
	return func(c *CronSource) { c.catchUp = d }
}

// NewCronSource creates a CronSource feeding engine.
func NewCronSource(engine *Engine, opts ...CronOption) *CronSource {
	c := &CronSource{
		engine:       engine,
		logger:       engine.logger,
		tickInterval: 10 * time.Second,
		catchUp:      time.Hour,
		maxPerTick:   100,
		parsed:       make(map[string]schedule.Schedule),
		last:         make(map[uint]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run ticks until ctx is done.
func (c *CronSource) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	c.logger.Info("cron source started", "tick_interval", c.tickInterval)
	for {
		if err := c.Tick(ctx, c.engine.now()); err != nil {
			c.logger.Warn("cron tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick handles every fire time of every active cron rule up to now.
func (c *CronSource) Tick(ctx context.Context, now time.Time) error {
	rules, err := c.engine.store.ListActiveTriggerRules(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[uint]bool, len(rules))
	for _, rule := range rules {
		if rule.Type != core.RuleCron {
			continue
		}
		seen[rule.ID] = true

		s, err := c.schedule(rule.Configuration.Data().Condition.Schedule)
		if err != nil {
			c.logger.Warn("cron rule has an invalid schedule", "rule_id", rule.ID, "error", err)
			continue
		}

		after, ok := c.last[rule.ID]
		if !ok {
			after = now.Add(-c.catchUp)
			if rule.Created.After(after) {
				after = rule.Created
			}
		}
		for _, at := range schedule.Due(s, after, now, c.maxPerTick) {
			_, err := c.engine.Handle(ctx, CronEvent(rule, at))
			if err != nil && !errors.Is(err, core.ErrDuplicateEvent) {
				c.logger.Error("cron event failed", "rule_id", rule.ID, "at", at, "error", err)
			}
			after = at
		}
		c.last[rule.ID] = after
	}

	for id := range c.last {
		if !seen[id] {
			delete(c.last, id)
		}
	}
	return nil
}

func (c *CronSource) schedule(expr string) (schedule.Schedule, error) {
	if s, ok := c.parsed[expr]; ok {
		return s, nil
	}
	s, err := schedule.Parse(expr)
	if err != nil {
		return nil, err
	}
	c.parsed[expr] = s
	return s, nil
}
