package leader

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/notify"
)

// Campaign runs a lead function while its elector holds the lease.
type Campaign struct {
	elector    Elector
	instanceID string
	interval   time.Duration
	logger     *slog.Logger
	bus        *notify.Bus
}

// Option configures a Campaign.
type Option func(*Campaign)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Campaign) { c.logger = l }
}

// WithBus emits LeadershipChanged notices on b.
func WithBus(b *notify.Bus) Option {
	return func(c *Campaign) { c.bus = b }
}

// WithInterval sets how often the lease is acquired or renewed. It must be
// well under the elector's TTL.
func WithInterval(d time.Duration) Option {
	return func(c *Campaign) { c.interval = d }
}

// NewCampaign creates a campaign for instanceID.
func NewCampaign(e Elector, instanceID string, opts ...Option) *Campaign {
	c := &Campaign{
		elector:    e,
		instanceID: instanceID,
		interval:   5 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run campaigns until ctx is done or lead returns. lead runs whenever the
// lease is held; its context is cancelled when the lease is lost, and Run
// waits for it to return before campaigning again. An acquire error counts
// as a lost lease.
func (c *Campaign) Run(ctx context.Context, lead func(context.Context) error) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var (
		stop context.CancelFunc
		done chan error
	)
	stepDown := func() {
		if stop == nil {
			return
		}
		stop()
		<-done
		stop, done = nil, nil
		c.changed(false)
	}
	defer func() {
		stepDown()
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.elector.Release(releaseCtx); err != nil {
			c.logger.Warn("lease release failed", "error", err)
		}
	}()

	for {
		held, err := c.elector.Acquire(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("lease acquire failed", "error", err)
		}
		switch {
		case held && err == nil && stop == nil:
			var leadCtx context.Context
			leadCtx, stop = context.WithCancel(ctx)
			done = make(chan error, 1)
			go func(ch chan error) { ch <- lead(leadCtx) }(done)
			c.changed(true)
		case (!held || err != nil) && stop != nil:
			stepDown()
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			// lead returned on its own.
			stop()
			stop, done = nil, nil
			c.changed(false)
			return err
		case <-ticker.C:
		}
	}
}

func (c *Campaign) changed(leading bool) {
	c.logger.Info("leadership changed", "instance_id", c.instanceID, "leader", leading)
	if c.bus != nil {
		c.bus.Emit(&core.LeadershipChanged{InstanceID: c.instanceID, IsLeader: leading, Timestamp: time.Now()})
	}
}
