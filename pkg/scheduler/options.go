package scheduler

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/jdziat/scale-jobs/pkg/security"
	"github.com/jdziat/scale-jobs/pkg/trigger"
)

// Option configures a Scheduler.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// Config holds scheduler configuration.
type Config struct {
	MatchInterval time.Duration
	SyncInterval  time.Duration
	// BatchSize caps the queued jobs considered per matching cycle.
	BatchSize int
	// LaunchRate and LaunchBurst bound how fast executions are started.
	LaunchRate  rate.Limit
	LaunchBurst int
	// A node is paused once MaxNodeErrors SYSTEM failures ended on it
	// within NodeErrorPeriod. Zero disables pausing.
	MaxNodeErrors   int
	NodeErrorPeriod time.Duration
	// TimeoutGrace is how long past its timeout an execution may run
	// before sync fails it.
	TimeoutGrace time.Duration
	StorageRetry RetryConfig

	Cron   *trigger.CronSource
	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MatchInterval:   time.Second,
		SyncInterval:    10 * time.Second,
		BatchSize:       500,
		LaunchRate:      rate.Limit(20),
		LaunchBurst:     20,
		MaxNodeErrors:   50,
		NodeErrorPeriod: time.Hour,
		TimeoutGrace:    time.Minute,
		StorageRetry:    DefaultRetryConfig(),
		Logger:          slog.Default(),
		Now:             time.Now,
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Config) { c.Logger = l })
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Config) { c.Now = now })
}

// WithMatchInterval sets how often queued jobs are matched to offers.
func WithMatchInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.MatchInterval = d })
}

// WithSyncInterval sets how often executions are synced.
func WithSyncInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.SyncInterval = d })
}

// WithBatchSize caps the queued jobs considered per cycle.
// Values are clamped to [1, MaxConcurrency].
func WithBatchSize(n int) Option {
	return optionFunc(func(c *Config) { c.BatchSize = security.ClampConcurrency(n) })
}

// WithLaunchRate limits executions started per second.
func WithLaunchRate(perSecond float64, burst int) Option {
	return optionFunc(func(c *Config) {
		c.LaunchRate = rate.Limit(perSecond)
		c.LaunchBurst = security.ClampConcurrency(burst)
	})
}

// WithNodeErrorLimit pauses nodes with max SYSTEM failures within period.
func WithNodeErrorLimit(max int, period time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.MaxNodeErrors = max
		c.NodeErrorPeriod = period
	})
}

// WithTimeoutGrace sets how long past its timeout an execution may run.
func WithTimeoutGrace(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.TimeoutGrace = d })
}

// WithStorageRetry sets the retry policy for state writes.
func WithStorageRetry(cfg RetryConfig) Option {
	return optionFunc(func(c *Config) { c.StorageRetry = cfg })
}

// WithCron runs a cron trigger source in the leader loops.
func WithCron(src *trigger.CronSource) Option {
	return optionFunc(func(c *Config) { c.Cron = src })
}
