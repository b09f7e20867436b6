package config

import (
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/scale-jobs/pkg/storage"
)

// OpenDatabase connects to the configured database and sizes its pool.
func OpenDatabase(cfg Database, log *slog.Logger) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	if !cfg.Postgres() {
		db, err := gorm.Open(sqlite.Open(cfg.SQLitePath), gcfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		if err := storage.ConfigurePool(db, storage.WithPoolConfig(storage.SQLitePoolConfig())); err != nil {
			return nil, err
		}
		log.Info("database opened", "driver", "sqlite", "path", cfg.SQLitePath)
		return db, nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gcfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	opts := []storage.PoolOption{storage.WithPoolConfig(storage.LeaderPoolConfig())}
	if cfg.MaxOpenConns > 0 {
		opts = append(opts, storage.MaxOpenConns(cfg.MaxOpenConns))
	}
	if cfg.MaxIdleConns > 0 {
		opts = append(opts, storage.MaxIdleConns(cfg.MaxIdleConns))
	}
	if err := storage.ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	log.Info("database opened", "driver", "postgres", "host", cfg.Host, "name", cfg.Name)
	return db, nil
}
