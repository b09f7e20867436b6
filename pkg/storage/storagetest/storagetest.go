// Package storagetest opens migrated stores for tests.
package storagetest

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/scale-jobs/pkg/storage"
)

// tables lists every engine table, children first.
var tables = []string{
	"trigger_firings", "events", "trigger_rules",
	"recipe_jobs", "recipes", "recipe_type_revisions", "recipe_types",
	"job_transitions", "job_executions", "jobs", "job_type_revisions", "job_types",
	"files", "workspaces", "nodes", "errors", "job_type_stats",
}

// OpenDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance pinned to one connection.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")
		require.NoError(t, storage.ConfigurePool(db, storage.MaxOpenConns(4), storage.MaxIdleConns(2)))

		// Clean before AND after to ensure test isolation.
		cleanup(db)
		t.Cleanup(func() {
			cleanup(db)
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		return db
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")
	require.NoError(t, storage.ConfigurePool(db, storage.WithPoolConfig(storage.SQLitePoolConfig())))
	return db
}

// New returns a migrated store with the builtin error catalog seeded.
func New(t *testing.T) *storage.GormStorage {
	t.Helper()
	s := storage.NewGormStorage(OpenDB(t))
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx), "migrate schema")
	require.NoError(t, storage.SeedBuiltinErrors(ctx, s), "seed errors")
	return s
}

func cleanup(db *gorm.DB) {
	for _, tbl := range tables {
		db.Exec("DELETE FROM " + tbl)
	}
}
