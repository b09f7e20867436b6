// Package scale runs containerized jobs on a cluster: versioned job types,
// recipe DAGs that feed outputs to dependants, trigger rules that spawn work
// from events, and supersedure when definitions change.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages and assembles them into an Engine.
//
// Basic usage:
//
//	db, _ := gorm.Open(sqlite.Open("scale.db"), &gorm.Config{})
//	store := scale.NewGormStorage(db)
//	store.Migrate(ctx)
//	scale.SeedBuiltinErrors(ctx, store)
//
//	pool := scale.NewPool(scale.NodeSpec{ID: "node-1", Resources: scale.Resources{CPUs: 8, Mem: 16384}})
//	engine := scale.New(store, pool)
//
//	def, _ := scale.ParseJobType(yamlDoc)
//	engine.Registry.PublishJobType(ctx, def)
//	engine.QueueJob(ctx, "landsat-parse", "1.0", data)
//
//	engine.Start(ctx)
package scale

import (
	"context"

	"gorm.io/gorm"

	"github.com/jdziat/scale-jobs/pkg/cluster"
	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/details"
	"github.com/jdziat/scale-jobs/pkg/registry"
	"github.com/jdziat/scale-jobs/pkg/storage"
	"github.com/jdziat/scale-jobs/pkg/supersede"
)

// Type aliases for the public surface
type (
	// Job is one schedulable unit of container work.
	Job = core.Job

	// JobStatus is the lifecycle state of a job.
	JobStatus = core.JobStatus

	// JobExecution is one attempt at running a job.
	JobExecution = core.JobExecution

	// JobType is a named, versioned job definition.
	JobType = core.JobType

	// JobData holds a job's input and output bindings.
	JobData = core.JobData

	// DataInput binds a value or files to an input port.
	DataInput = core.DataInput

	// Recipe is an instance of a recipe type.
	Recipe = core.Recipe

	// File is a stored artifact.
	File = core.File

	// Node is a cluster node that has offered resources.
	Node = core.Node

	// Workspace is a named storage location for files.
	Workspace = core.Workspace

	// Resources is a cpu/mem/disk vector.
	Resources = core.Resources

	// Storage is the persistent store contract.
	Storage = core.Storage

	// Notice is the interface for all engine notifications.
	Notice = core.Notice

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// NodeSpec describes one node of a static Pool.
	NodeSpec = cluster.NodeSpec

	// Pool serves resource offers from a fixed set of nodes.
	Pool = cluster.Pool

	// JobTypeDefinition is the publishable form of a job type.
	JobTypeDefinition = registry.JobTypeDefinition

	// RecipeTypeDefinition is the publishable form of a recipe type.
	RecipeTypeDefinition = registry.RecipeTypeDefinition

	// BatchDefinition selects recipes to reprocess.
	BatchDefinition = supersede.BatchDefinition

	// JobDetails is the nested JSON view of a job.
	JobDetails = details.JobDetails
)

// Status constants
const (
	StatusPending    = core.StatusPending
	StatusBlocked    = core.StatusBlocked
	StatusQueued     = core.StatusQueued
	StatusRunning    = core.StatusRunning
	StatusCompleted  = core.StatusCompleted
	StatusFailed     = core.StatusFailed
	StatusCanceled   = core.StatusCanceled
	StatusSuperseded = core.StatusSuperseded
)

// Error variables
var (
	ErrNotFound           = core.ErrNotFound
	ErrStatusConflict     = core.ErrStatusConflict
	ErrInvalidTransition  = core.ErrInvalidTransition
	ErrMaxTriesExceeded   = core.ErrMaxTriesExceeded
	ErrJobTypeImmutable   = core.ErrJobTypeImmutable
	ErrJobTypeNotRunnable = core.ErrJobTypeNotRunnable
	ErrInvalidInput       = core.ErrInvalidInput
	ErrRecipeCycle        = core.ErrRecipeCycle
	ErrAlreadySuperseded  = core.ErrAlreadySuperseded
	ErrDuplicateEvent     = core.ErrDuplicateEvent
)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// SeedBuiltinErrors upserts the builtin error catalog.
func SeedBuiltinErrors(ctx context.Context, s Storage) error {
	return storage.SeedBuiltinErrors(ctx, s)
}

// NewPool creates a static resource pool.
func NewPool(nodes ...NodeSpec) *Pool {
	return cluster.NewPool(nodes...)
}

// ParseJobType decodes a YAML or JSON job type document.
func ParseJobType(data []byte) (JobTypeDefinition, error) {
	return registry.ParseJobType(data)
}

// ParseRecipeType decodes a YAML or JSON recipe type document.
func ParseRecipeType(data []byte) (RecipeTypeDefinition, error) {
	return registry.ParseRecipeType(data)
}

// ParseBatchDefinition decodes a reprocessing batch document.
func ParseBatchDefinition(data []byte) (*BatchDefinition, error) {
	return supersede.ParseBatchDefinition(data)
}
