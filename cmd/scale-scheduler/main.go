// Command scale-scheduler runs the scale engine. Every instance campaigns
// for leadership; only the leader matches, launches and syncs jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	scale "github.com/jdziat/scale-jobs"
	"github.com/jdziat/scale-jobs/pkg/cluster"
	"github.com/jdziat/scale-jobs/pkg/config"
	"github.com/jdziat/scale-jobs/pkg/leader"
	"github.com/jdziat/scale-jobs/pkg/runner"
	"github.com/jdziat/scale-jobs/pkg/stats"
	"github.com/jdziat/scale-jobs/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("scale-scheduler stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.Logger().With("instance_id", cfg.InstanceID)
	slog.SetDefault(log)

	db, err := config.OpenDatabase(cfg.Database, log)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store := storage.NewGormStorage(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	if err := storage.SeedBuiltinErrors(ctx, store); err != nil {
		return err
	}

	statStore := stats.NewGormStore(db)
	if err := statStore.Migrate(ctx); err != nil {
		return err
	}

	engine := scale.New(store, cluster.NewPool(cfg.Nodes...),
		scale.WithLogger(log),
		scale.WithDrivers(&runner.DockerDriver{Binary: cfg.DockerBinary, Logger: log}, runner.ExecDriver{}),
		scale.WithWorkRoot(cfg.WorkRoot),
		scale.WithCron(cfg.Scheduler.CronTick),
		scale.WithSchedulerOptions(cfg.Scheduler.Options()...),
	)

	elector, closeElector, err := newElector(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeElector()

	var leading atomic.Bool
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: (&server{
			engine:  engine,
			stats:   statStore,
			ping:    sqlDB.PingContext,
			leading: &leading,
			logger:  log,
		}).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	campaign := leader.NewCampaign(elector, cfg.InstanceID,
		leader.WithLogger(log),
		leader.WithBus(engine.Bus),
		leader.WithInterval(cfg.Redis.RenewInterval),
	)
	err = campaign.Run(ctx, func(ctx context.Context) error {
		leading.Store(true)
		defer leading.Store(false)

		collector := stats.NewCollector(engine.Bus, statStore,
			stats.WithLogger(log),
			stats.WithRetention(cfg.StatsRetention),
		)
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return collector.Run(ctx) })
		g.Go(func() error { return engine.Start(ctx) })
		return g.Wait()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("scale-scheduler stopped")
	return nil
}

// newElector returns a Redis lease elector when Redis is configured, and a
// local one otherwise.
func newElector(ctx context.Context, cfg config.Config, log *slog.Logger) (leader.Elector, func(), error) {
	if cfg.Redis.Addr == "" {
		log.Warn("no redis configured; running as sole scheduler")
		return leader.LocalElector{}, func() {}, nil
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	e := leader.NewRedisElector(rdb, cfg.Redis.LeaderKey, cfg.InstanceID, cfg.Redis.LeaseTTL)
	return e, func() { _ = rdb.Close() }, nil
}
