// Package core provides the domain models and store contract of the scale engine.
//
// This package contains:
//   - Job, JobExecution, JobType, Recipe, TriggerRule, Event, Error, File,
//     Workspace and Node models with GORM annotations
//   - Storage interface defining the persistent store contract
//   - Notice types emitted on the notification bus
//   - Sentinel and typed errors shared across packages
//
// Most users should import the root package github.com/jdziat/scale-jobs
// instead of this package directly.
package core
