package core

import (
	"context"
	"time"
)

// RegistryStore persists job types, recipe types and their revisions.
type RegistryStore interface {
	// CreateJobType inserts a job type and its first revision.
	CreateJobType(ctx context.Context, jt *JobType, rev *JobTypeRevision) error
	// AddJobTypeRevision appends the next revision and bumps the job type's revision_num.
	AddJobTypeRevision(ctx context.Context, jobTypeID uint, iface JobInterface) (*JobTypeRevision, error)
	GetJobType(ctx context.Context, id uint) (*JobType, error)
	GetJobTypeByName(ctx context.Context, name, version string) (*JobType, error)
	ListJobTypeVersions(ctx context.Context, name string) ([]*JobType, error)
	GetJobTypeRevision(ctx context.Context, jobTypeID uint, revisionNum int) (*JobTypeRevision, error)
	GetJobTypeRevisionByID(ctx context.Context, id uint) (*JobTypeRevision, error)
	SetJobTypePaused(ctx context.Context, id uint, paused bool) error

	CreateRecipeType(ctx context.Context, rt *RecipeType, rev *RecipeTypeRevision) error
	AddRecipeTypeRevision(ctx context.Context, recipeTypeID uint, def RecipeDefinition) (*RecipeTypeRevision, error)
	GetRecipeType(ctx context.Context, id uint) (*RecipeType, error)
	GetRecipeTypeByName(ctx context.Context, name, version string) (*RecipeType, error)
	GetRecipeTypeRevision(ctx context.Context, recipeTypeID uint, revisionNum int) (*RecipeTypeRevision, error)
	GetRecipeTypeRevisionByID(ctx context.Context, id uint) (*RecipeTypeRevision, error)
}

// ErrorStore persists the error catalog.
type ErrorStore interface {
	// SaveError inserts or updates an error by name.
	SaveError(ctx context.Context, e *Error) error
	GetError(ctx context.Context, id uint) (*Error, error)
	GetErrorByName(ctx context.Context, name string) (*Error, error)
}

// JobStore persists jobs and executions. Every status change is a
// compare-and-set keyed on the current status.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uint) (*Job, error)
	GetJobs(ctx context.Context, ids []uint) ([]*Job, error)

	// TransitionJob moves a job from one of the given statuses to another,
	// applying extra column updates and recording the transition. Returns
	// ErrStatusConflict when the job is not in any of the from statuses.
	TransitionJob(ctx context.Context, id uint, from []JobStatus, to JobStatus, reason string, fields map[string]any) error
	// UpdateJob applies column updates only while the job is in one of the given statuses.
	UpdateJob(ctx context.Context, id uint, in []JobStatus, fields map[string]any) error

	// StartExecution moves a QUEUED job to RUNNING, increments num_exes
	// (guarded by max_tries) and creates the execution, atomically.
	StartExecution(ctx context.Context, jobID uint, exe *JobExecution) error
	// RecordPhase applies phase timestamp/exit code updates to a running execution.
	RecordPhase(ctx context.Context, exeID uint, fields map[string]any) error
	// FinishExecution ends a running execution and moves its job out of
	// RUNNING in one transaction.
	FinishExecution(ctx context.Context, exeID uint, status ExecutionStatus, errorID *uint, jobTo JobStatus, reason string, jobFields map[string]any) error
	GetExecution(ctx context.Context, id uint) (*JobExecution, error)
	ListExecutions(ctx context.Context, jobID uint) ([]*JobExecution, error)
	ListRunningExecutions(ctx context.Context) ([]*JobExecution, error)

	// ListQueuedJobs returns queued jobs by priority DESC, queued ASC, id ASC.
	ListQueuedJobs(ctx context.Context, limit int) ([]*Job, error)
	ListJobsByType(ctx context.Context, jobTypeIDs []uint, statuses []JobStatus) ([]*Job, error)
	ListSupersedePending(ctx context.Context) ([]*Job, error)
	ListJobTransitions(ctx context.Context, jobID uint) ([]JobTransition, error)
	// CountNodeFailures counts failed executions on a node with errors of the
	// given category that ended at or after since.
	CountNodeFailures(ctx context.Context, nodeID string, category ErrorCategory, since time.Time) (int64, error)
}

// RecipeStore persists recipes and their job links.
type RecipeStore interface {
	CreateRecipe(ctx context.Context, r *Recipe) error
	GetRecipe(ctx context.Context, id uint) (*Recipe, error)
	UpdateRecipe(ctx context.Context, id uint, fields map[string]any) error
	// SupersedeRecipe marks a recipe superseded. Returns ErrAlreadySuperseded
	// when another caller got there first.
	SupersedeRecipe(ctx context.Context, id, replacementID uint, at time.Time) error
	ListRecipesByType(ctx context.Context, recipeTypeID uint, includeSuperseded bool) ([]*Recipe, error)

	LinkRecipeJob(ctx context.Context, link *RecipeJob) error
	// ReplaceRecipeJob deactivates the current link for jobName and activates newJobID.
	ReplaceRecipeJob(ctx context.Context, recipeID uint, jobName string, newJobID uint) error
	ListRecipeJobs(ctx context.Context, recipeID uint, activeOnly bool) ([]RecipeJob, error)
	// ListRecipesForJob returns every recipe the job was ever linked to, oldest first.
	ListRecipesForJob(ctx context.Context, jobID uint) ([]*Recipe, error)
	// ActiveRecipeForJob returns the non-superseded recipe holding an active link to the job.
	ActiveRecipeForJob(ctx context.Context, jobID uint) (*Recipe, error)
}

// TriggerStore persists trigger rules, events and firings.
type TriggerStore interface {
	CreateTriggerRule(ctx context.Context, rule *TriggerRule) error
	GetTriggerRule(ctx context.Context, id uint) (*TriggerRule, error)
	ListActiveTriggerRules(ctx context.Context) ([]*TriggerRule, error)
	ArchiveTriggerRule(ctx context.Context, id uint, at time.Time) error

	// RecordEvent stores an event keyed by ExternalKey. On re-delivery the
	// stored event is loaded into ev and created is false.
	RecordEvent(ctx context.Context, ev *Event) (created bool, err error)
	GetEvent(ctx context.Context, id uint) (*Event, error)
	// ClaimFiring records that an event fired a rule. Returns false if the
	// pair was already claimed.
	ClaimFiring(ctx context.Context, firing *TriggerFiring) (bool, error)
	UpdateFiring(ctx context.Context, eventID, ruleID uint, fields map[string]any) error
}

// FileStore persists workspaces and files.
type FileStore interface {
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id uint) (*Workspace, error)
	GetWorkspaceByName(ctx context.Context, name string) (*Workspace, error)
	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id uint) (*File, error)
	GetFiles(ctx context.Context, ids []uint) ([]*File, error)
}

// NodeStore persists cluster nodes.
type NodeStore interface {
	UpsertNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	SetNodePaused(ctx context.Context, id string, paused, forErrors bool, reason string) error
}

// Storage is the full persistent store contract.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error
	// WithTx runs fn against a transactional view of the store.
	WithTx(ctx context.Context, fn func(tx Storage) error) error

	RegistryStore
	ErrorStore
	JobStore
	RecipeStore
	TriggerStore
	FileStore
	NodeStore
}
