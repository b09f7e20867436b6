// Package storage provides storage implementations for the scale engine.
//
// This package includes:
//   - GormStorage: a GORM-based implementation of core.Storage for SQLite and PostgreSQL
//   - Connection pool configuration (PoolConfig, ConfigurePool)
//
// Every job status change is a compare-and-set keyed on the current status;
// callers receive core.ErrStatusConflict when they lose a race.
//
// Most users should import the root package github.com/jdziat/scale-jobs
// which provides NewGormStorage() to create storage instances.
package storage
