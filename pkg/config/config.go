// Package config loads the scheduler service configuration from the
// environment, optionally layered over a YAML file.
//
// Precedence, lowest first: built-in defaults, the file named by
// SCALE_CONFIG_FILE, then individual SCALE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jdziat/scale-jobs/pkg/cluster"
	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/leader"
	"github.com/jdziat/scale-jobs/pkg/scheduler"
	"github.com/jdziat/scale-jobs/pkg/security"
)

// Config is the full service configuration.
type Config struct {
	InstanceID string `yaml:"instance_id"`
	LogFormat  string `yaml:"log_format"` // json or text
	LogLevel   string `yaml:"log_level"`
	HTTPAddr   string `yaml:"http_addr"`

	// WorkRoot holds one working directory per running execution.
	WorkRoot     string `yaml:"work_root"`
	DockerBinary string `yaml:"docker_binary"`

	// StatsRetention bounds job type stats history; zero keeps it all.
	StatsRetention time.Duration `yaml:"stats_retention"`

	Database  Database           `yaml:"database"`
	Redis     Redis              `yaml:"redis"`
	Scheduler Scheduler          `yaml:"scheduler"`
	Nodes     []cluster.NodeSpec `yaml:"nodes"`
}

// Database selects PostgreSQL when Host is set and SQLite otherwise.
type Database struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Name       string `yaml:"name"`
	SSLMode    string `yaml:"sslmode"`
	SQLitePath string `yaml:"sqlite_path"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// Postgres reports whether the PostgreSQL driver is selected.
func (d Database) Postgres() bool { return d.Host != "" }

// DSN returns the PostgreSQL connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Redis configures leader election. An empty Addr runs a single scheduler
// without election.
type Redis struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	LeaderKey string        `yaml:"leader_key"`
	LeaseTTL  time.Duration `yaml:"lease_ttl"`
	// RenewInterval must be well under LeaseTTL.
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// Scheduler holds the scheduler knobs.
type Scheduler struct {
	MatchInterval   time.Duration `yaml:"match_interval"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	BatchSize       int           `yaml:"batch_size"`
	LaunchRate      float64       `yaml:"launch_rate"`
	LaunchBurst     int           `yaml:"launch_burst"`
	MaxNodeErrors   int           `yaml:"max_node_errors"`
	NodeErrorPeriod time.Duration `yaml:"node_error_period"`
	TimeoutGrace    time.Duration `yaml:"timeout_grace"`
	CronTick        time.Duration `yaml:"cron_tick"`
}

// Options converts the knobs to scheduler options.
func (s Scheduler) Options() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithMatchInterval(s.MatchInterval),
		scheduler.WithSyncInterval(s.SyncInterval),
		scheduler.WithBatchSize(s.BatchSize),
		scheduler.WithLaunchRate(s.LaunchRate, s.LaunchBurst),
		scheduler.WithNodeErrorLimit(s.MaxNodeErrors, s.NodeErrorPeriod),
		scheduler.WithTimeoutGrace(s.TimeoutGrace),
	}
}

// Default returns the built-in configuration: SQLite in the working
// directory, no election, and one local node sized to this machine.
func Default() Config {
	sched := scheduler.DefaultConfig()
	host, _ := os.Hostname()
	return Config{
		InstanceID:     uuid.NewString(),
		LogFormat:      "json",
		LogLevel:       "info",
		HTTPAddr:       ":8080",
		WorkRoot:       os.TempDir(),
		DockerBinary:   "docker",
		StatsRetention: 7 * 24 * time.Hour,
		Database: Database{
			Port:       5432,
			Name:       "scale",
			SSLMode:    "disable",
			SQLitePath: "scale.db",
		},
		Redis: Redis{
			LeaderKey:     leader.DefaultKey,
			LeaseTTL:      15 * time.Second,
			RenewInterval: 5 * time.Second,
		},
		Scheduler: Scheduler{
			MatchInterval:   sched.MatchInterval,
			SyncInterval:    sched.SyncInterval,
			BatchSize:       sched.BatchSize,
			LaunchRate:      float64(sched.LaunchRate),
			LaunchBurst:     sched.LaunchBurst,
			MaxNodeErrors:   sched.MaxNodeErrors,
			NodeErrorPeriod: sched.NodeErrorPeriod,
			TimeoutGrace:    sched.TimeoutGrace,
			CronTick:        time.Minute,
		},
		Nodes: []cluster.NodeSpec{{
			ID:        "local",
			Hostname:  host,
			Resources: core.Resources{CPUs: float64(runtime.NumCPU()), Mem: 4096, Disk: 100 * 1024},
		}},
	}
}

// Load builds the configuration from defaults, SCALE_CONFIG_FILE and the
// environment, then validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("SCALE_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("SCALE_INSTANCE_ID", &c.InstanceID)
	str("SCALE_LOG_FORMAT", &c.LogFormat)
	str("SCALE_LOG_LEVEL", &c.LogLevel)
	str("SCALE_HTTP_ADDR", &c.HTTPAddr)
	str("SCALE_WORK_ROOT", &c.WorkRoot)
	str("SCALE_DOCKER_BINARY", &c.DockerBinary)
	dur("SCALE_STATS_RETENTION", &c.StatsRetention)

	str("SCALE_DB_HOST", &c.Database.Host)
	num("SCALE_DB_PORT", &c.Database.Port)
	str("SCALE_DB_USER", &c.Database.User)
	str("SCALE_DB_PASSWORD", &c.Database.Password)
	str("SCALE_DB_NAME", &c.Database.Name)
	str("SCALE_DB_SSLMODE", &c.Database.SSLMode)
	str("SCALE_DB_SQLITE_PATH", &c.Database.SQLitePath)
	num("SCALE_DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	num("SCALE_DB_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)

	str("SCALE_REDIS_ADDR", &c.Redis.Addr)
	str("SCALE_REDIS_PASSWORD", &c.Redis.Password)
	num("SCALE_REDIS_DB", &c.Redis.DB)
	str("SCALE_REDIS_LEADER_KEY", &c.Redis.LeaderKey)
	dur("SCALE_REDIS_LEASE_TTL", &c.Redis.LeaseTTL)
	dur("SCALE_REDIS_RENEW_INTERVAL", &c.Redis.RenewInterval)

	dur("SCALE_MATCH_INTERVAL", &c.Scheduler.MatchInterval)
	dur("SCALE_SYNC_INTERVAL", &c.Scheduler.SyncInterval)
	num("SCALE_BATCH_SIZE", &c.Scheduler.BatchSize)
	float("SCALE_LAUNCH_RATE", &c.Scheduler.LaunchRate)
	num("SCALE_LAUNCH_BURST", &c.Scheduler.LaunchBurst)
	num("SCALE_MAX_NODE_ERRORS", &c.Scheduler.MaxNodeErrors)
	dur("SCALE_NODE_ERROR_PERIOD", &c.Scheduler.NodeErrorPeriod)
	dur("SCALE_TIMEOUT_GRACE", &c.Scheduler.TimeoutGrace)
	dur("SCALE_CRON_TICK", &c.Scheduler.CronTick)

	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want json or text", c.LogFormat))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.Redis.Addr != "" && c.Redis.RenewInterval >= c.Redis.LeaseTTL {
		errs = append(errs, fmt.Errorf("redis renew_interval %s must be shorter than lease_ttl %s",
			c.Redis.RenewInterval, c.Redis.LeaseTTL))
	}
	if c.Scheduler.MatchInterval <= 0 || c.Scheduler.SyncInterval <= 0 {
		errs = append(errs, errors.New("scheduler intervals must be positive"))
	}
	if c.Scheduler.LaunchRate <= 0 || c.Scheduler.LaunchBurst <= 0 {
		errs = append(errs, errors.New("scheduler launch rate and burst must be positive"))
	}
	if c.StatsRetention < 0 {
		errs = append(errs, errors.New("stats_retention must not be negative"))
	}
	if len(c.Nodes) == 0 {
		errs = append(errs, errors.New("at least one node is required"))
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" {
			errs = append(errs, errors.New("node id is required"))
			continue
		}
		if seen[n.ID] {
			errs = append(errs, fmt.Errorf("node %s: duplicate id", n.ID))
		}
		seen[n.ID] = true
		r := n.Resources
		if err := security.ValidateResources(r.CPUs, r.Mem, r.Disk, 0); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", n.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Logger builds the service logger.
func (c Config) Logger() *slog.Logger {
	level, _ := c.Level()
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
