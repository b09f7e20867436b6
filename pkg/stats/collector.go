package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/notify"
)

// Collector counts job outcomes from the notice bus and periodically
// snapshots queue depth.
type Collector struct {
	bus       *notify.Bus
	store     Store
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	counters map[uint]*Counters

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Collector.
type Option func(*Collector)

// WithRetention sets how long rows are kept. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(c *Collector) { c.retention = d }
}

// WithInterval sets the flush and snapshot period.
func WithInterval(d time.Duration) Option {
	return func(c *Collector) { c.interval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// NewCollector creates a Collector.
func NewCollector(bus *notify.Bus, store Store, opts ...Option) *Collector {
	c := &Collector{
		bus:       bus,
		store:     store,
		interval:  time.Minute,
		retention: 7 * 24 * time.Hour,
		now:       time.Now,
		logger:    slog.Default(),
		counters:  make(map[uint]*Counters),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WaitReady blocks until the collector has subscribed to the bus.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Run collects until ctx is done, then flushes what is pending.
func (c *Collector) Run(ctx context.Context) error {
	notices := c.bus.Subscribe()
	defer c.bus.Unsubscribe(notices)
	c.readyOnce.Do(func() { close(c.ready) })

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case n := <-notices:
			c.handle(n)
		case <-ticker.C:
			c.Flush(ctx)
			c.Snapshot(ctx)
			c.prune(ctx)
		}
	}
}

func (c *Collector) handle(n core.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := n.(type) {
	case *core.JobCompleted:
		c.countersFor(ev.Job.JobTypeID).Completed++
	case *core.JobFailed:
		c.countersFor(ev.Job.JobTypeID).Failed++
	case *core.JobRetrying:
		c.countersFor(ev.Job.JobTypeID).Retried++
	case *core.JobCanceled:
		c.countersFor(ev.Job.JobTypeID).Canceled++
	}
}

func (c *Collector) countersFor(jobTypeID uint) *Counters {
	cs, ok := c.counters[jobTypeID]
	if !ok {
		cs = &Counters{}
		c.counters[jobTypeID] = cs
	}
	return cs
}

// Flush writes the counters accumulated since the last flush.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.counters
	c.counters = make(map[uint]*Counters)
	c.mu.Unlock()

	ts := c.now().Truncate(time.Minute)
	for jobTypeID, cs := range batch {
		if cs.Zero() {
			continue
		}
		if err := c.store.AddCounters(ctx, jobTypeID, ts, *cs); err != nil {
			c.logger.Warn("stats flush failed", "job_type_id", jobTypeID, "error", err)
		}
	}
}

// Snapshot records the current queue depth of every busy job type.
func (c *Collector) Snapshot(ctx context.Context) {
	depth, err := c.store.CurrentDepth(ctx)
	if err != nil {
		c.logger.Warn("stats snapshot failed", "error", err)
		return
	}
	ts := c.now().Truncate(time.Minute)
	for jobTypeID, d := range depth {
		if err := c.store.SetDepth(ctx, jobTypeID, ts, d); err != nil {
			c.logger.Warn("stats snapshot failed", "job_type_id", jobTypeID, "error", err)
		}
	}
}

func (c *Collector) prune(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	if _, err := c.store.Prune(ctx, c.now().Add(-c.retention)); err != nil {
		c.logger.Warn("stats prune failed", "error", err)
	}
}
