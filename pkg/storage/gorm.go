// Package storage provides storage implementations for the scale engine.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

var _ core.Storage = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.JobType{},
		&core.JobTypeRevision{},
		&core.RecipeType{},
		&core.RecipeTypeRevision{},
		&core.Error{},
		&core.Job{},
		&core.JobExecution{},
		&core.JobTransition{},
		&core.Recipe{},
		&core.RecipeJob{},
		&core.TriggerRule{},
		&core.Event{},
		&core.TriggerFiring{},
		&core.Workspace{},
		&core.File{},
		&core.Node{},
	)
}

// WithTx runs fn inside a database transaction. Nested calls use savepoints.
func (s *GormStorage) WithTx(ctx context.Context, fn func(tx core.Storage) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStorage{db: tx})
	})
}

// notFound maps gorm.ErrRecordNotFound to core.ErrNotFound.
func notFound(err error, what string, key any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %v: %w", what, key, core.ErrNotFound)
	}
	return err
}

// ──────────────────────────────────────────────────────────────────────────────
// Registry
// ──────────────────────────────────────────────────────────────────────────────

// CreateJobType inserts a job type together with its first revision.
func (s *GormStorage) CreateJobType(ctx context.Context, jt *core.JobType, rev *core.JobTypeRevision) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rev.RevisionNum == 0 {
			rev.RevisionNum = 1
		}
		jt.RevisionNum = rev.RevisionNum
		if err := tx.Create(jt).Error; err != nil {
			return err
		}
		rev.JobTypeID = jt.ID
		return tx.Create(rev).Error
	})
}

// AddJobTypeRevision appends the next revision of a job type.
func (s *GormStorage) AddJobTypeRevision(ctx context.Context, jobTypeID uint, iface core.JobInterface) (*core.JobTypeRevision, error) {
	var rev *core.JobTypeRevision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jt core.JobType
		if err := tx.First(&jt, jobTypeID).Error; err != nil {
			return notFound(err, "job type", jobTypeID)
		}

		next := jt.RevisionNum + 1
		result := tx.Model(&core.JobType{}).
			Where("id = ? AND revision_num = ?", jobTypeID, jt.RevisionNum).
			Update("revision_num", next)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("job type %d revision moved: %w", jobTypeID, core.ErrStatusConflict)
		}

		rev = &core.JobTypeRevision{
			JobTypeID:   jobTypeID,
			RevisionNum: next,
			Interface:   datatypes.NewJSONType(iface),
		}
		return tx.Create(rev).Error
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// GetJobType retrieves a job type by id.
func (s *GormStorage) GetJobType(ctx context.Context, id uint) (*core.JobType, error) {
	var jt core.JobType
	if err := s.db.WithContext(ctx).First(&jt, id).Error; err != nil {
		return nil, notFound(err, "job type", id)
	}
	return &jt, nil
}

// GetJobTypeByName retrieves a job type by name and version.
func (s *GormStorage) GetJobTypeByName(ctx context.Context, name, version string) (*core.JobType, error) {
	var jt core.JobType
	err := s.db.WithContext(ctx).
		Where("name = ? AND version = ?", name, version).
		First(&jt).Error
	if err != nil {
		return nil, notFound(err, "job type", name+" "+version)
	}
	return &jt, nil
}

// ListJobTypeVersions returns every version of a job type, oldest first.
func (s *GormStorage) ListJobTypeVersions(ctx context.Context, name string) ([]*core.JobType, error) {
	var types []*core.JobType
	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Order("id ASC").
		Find(&types).Error
	return types, err
}

// GetJobTypeRevision retrieves a pinned revision of a job type.
func (s *GormStorage) GetJobTypeRevision(ctx context.Context, jobTypeID uint, revisionNum int) (*core.JobTypeRevision, error) {
	var rev core.JobTypeRevision
	err := s.db.WithContext(ctx).
		Where("job_type_id = ? AND revision_num = ?", jobTypeID, revisionNum).
		First(&rev).Error
	if err != nil {
		return nil, notFound(err, "job type revision", fmt.Sprintf("%d/%d", jobTypeID, revisionNum))
	}
	return &rev, nil
}

// GetJobTypeRevisionByID retrieves a job type revision by id.
func (s *GormStorage) GetJobTypeRevisionByID(ctx context.Context, id uint) (*core.JobTypeRevision, error) {
	var rev core.JobTypeRevision
	if err := s.db.WithContext(ctx).First(&rev, id).Error; err != nil {
		return nil, notFound(err, "job type revision", id)
	}
	return &rev, nil
}

// SetJobTypePaused pauses or unpauses a job type.
func (s *GormStorage) SetJobTypePaused(ctx context.Context, id uint, paused bool) error {
	updates := map[string]any{"is_paused": paused, "paused": nil}
	if paused {
		updates["paused"] = time.Now()
	}
	result := s.db.WithContext(ctx).
		Model(&core.JobType{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job type %d: %w", id, core.ErrNotFound)
	}
	return nil
}

// CreateRecipeType inserts a recipe type together with its first revision.
func (s *GormStorage) CreateRecipeType(ctx context.Context, rt *core.RecipeType, rev *core.RecipeTypeRevision) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rev.RevisionNum == 0 {
			rev.RevisionNum = 1
		}
		rt.RevisionNum = rev.RevisionNum
		if err := tx.Create(rt).Error; err != nil {
			return err
		}
		rev.RecipeTypeID = rt.ID
		return tx.Create(rev).Error
	})
}

// AddRecipeTypeRevision appends the next revision of a recipe type and makes
// its definition current.
func (s *GormStorage) AddRecipeTypeRevision(ctx context.Context, recipeTypeID uint, def core.RecipeDefinition) (*core.RecipeTypeRevision, error) {
	var rev *core.RecipeTypeRevision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rt core.RecipeType
		if err := tx.First(&rt, recipeTypeID).Error; err != nil {
			return notFound(err, "recipe type", recipeTypeID)
		}

		next := rt.RevisionNum + 1
		result := tx.Model(&core.RecipeType{}).
			Where("id = ? AND revision_num = ?", recipeTypeID, rt.RevisionNum).
			Updates(map[string]any{
				"revision_num": next,
				"definition":   datatypes.NewJSONType(def),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("recipe type %d revision moved: %w", recipeTypeID, core.ErrStatusConflict)
		}

		rev = &core.RecipeTypeRevision{
			RecipeTypeID: recipeTypeID,
			RevisionNum:  next,
			Definition:   datatypes.NewJSONType(def),
		}
		return tx.Create(rev).Error
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// GetRecipeType retrieves a recipe type by id.
func (s *GormStorage) GetRecipeType(ctx context.Context, id uint) (*core.RecipeType, error) {
	var rt core.RecipeType
	if err := s.db.WithContext(ctx).First(&rt, id).Error; err != nil {
		return nil, notFound(err, "recipe type", id)
	}
	return &rt, nil
}

// GetRecipeTypeByName retrieves a recipe type by name and version.
func (s *GormStorage) GetRecipeTypeByName(ctx context.Context, name, version string) (*core.RecipeType, error) {
	var rt core.RecipeType
	err := s.db.WithContext(ctx).
		Where("name = ? AND version = ?", name, version).
		First(&rt).Error
	if err != nil {
		return nil, notFound(err, "recipe type", name+" "+version)
	}
	return &rt, nil
}

// GetRecipeTypeRevision retrieves a pinned revision of a recipe type.
func (s *GormStorage) GetRecipeTypeRevision(ctx context.Context, recipeTypeID uint, revisionNum int) (*core.RecipeTypeRevision, error) {
	var rev core.RecipeTypeRevision
	err := s.db.WithContext(ctx).
		Where("recipe_type_id = ? AND revision_num = ?", recipeTypeID, revisionNum).
		First(&rev).Error
	if err != nil {
		return nil, notFound(err, "recipe type revision", fmt.Sprintf("%d/%d", recipeTypeID, revisionNum))
	}
	return &rev, nil
}

// GetRecipeTypeRevisionByID retrieves a recipe type revision by id.
func (s *GormStorage) GetRecipeTypeRevisionByID(ctx context.Context, id uint) (*core.RecipeTypeRevision, error) {
	var rev core.RecipeTypeRevision
	if err := s.db.WithContext(ctx).First(&rev, id).Error; err != nil {
		return nil, notFound(err, "recipe type revision", id)
	}
	return &rev, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Error catalog
// ──────────────────────────────────────────────────────────────────────────────

// SaveError inserts or updates an error by name and loads its id.
func (s *GormStorage) SaveError(ctx context.Context, e *core.Error) error {
	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "description", "category", "is_builtin", "should_be_retried"}),
	}).Create(e).Error
	if err != nil {
		return err
	}
	var saved core.Error
	if err := db.Where("name = ?", e.Name).First(&saved).Error; err != nil {
		return err
	}
	*e = saved
	return nil
}

// GetError retrieves an error by id.
func (s *GormStorage) GetError(ctx context.Context, id uint) (*core.Error, error) {
	var e core.Error
	if err := s.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFound(err, "error", id)
	}
	return &e, nil
}

// GetErrorByName retrieves an error by name.
func (s *GormStorage) GetErrorByName(ctx context.Context, name string) (*core.Error, error) {
	var e core.Error
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&e).Error; err != nil {
		return nil, notFound(err, "error", name)
	}
	return &e, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────────────────────────────────

// CreateJob inserts a job and records its initial status.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job) error {
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	now := time.Now()
	job.LastStatusChange = &now
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return tx.Create(&core.JobTransition{
			JobID:    job.ID,
			ToStatus: job.Status,
			Reason:   "created",
			Occurred: now,
		}).Error
	})
}

// GetJob retrieves a job by id.
func (s *GormStorage) GetJob(ctx context.Context, id uint) (*core.Job, error) {
	var job core.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, notFound(err, "job", id)
	}
	return &job, nil
}

// GetJobs retrieves jobs by id, ordered by id.
func (s *GormStorage) GetJobs(ctx context.Context, ids []uint) ([]*core.Job, error) {
	var jobs []*core.Job
	if len(ids) == 0 {
		return jobs, nil
	}
	err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&jobs).Error
	return jobs, err
}

// TransitionJob performs a compare-and-set status change keyed on the
// current status and records the transition in the same transaction.
func (s *GormStorage) TransitionJob(ctx context.Context, id uint, from []core.JobStatus, to core.JobStatus, reason string, fields map[string]any) error {
	now := time.Now()
	updates := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to
	updates["last_status_change"] = now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current core.Job
		if err := tx.Select("id", "status", "is_superseded", "supersede_pending").First(&current, id).Error; err != nil {
			return notFound(err, "job", id)
		}

		q := tx.Model(&core.Job{}).Where("id = ? AND status IN ?", id, from)
		if to == core.StatusQueued {
			// Superseded work, or work about to be, never re-enters the queue.
			q = q.Where("is_superseded = ? AND supersede_pending = ?", false, false)
		}
		result := q.Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if current.IsSuperseded || current.SupersedePending {
				return fmt.Errorf("job %d is superseded: %w", id, core.ErrStatusConflict)
			}
			return fmt.Errorf("job %d is %s, want %v: %w", id, current.Status, from, core.ErrStatusConflict)
		}

		fromStatus := current.Status
		if len(from) == 1 {
			fromStatus = from[0]
		}
		return tx.Create(&core.JobTransition{
			JobID:      id,
			FromStatus: fromStatus,
			ToStatus:   to,
			Reason:     reason,
			Occurred:   now,
		}).Error
	})
}

// UpdateJob applies column updates while the job is in one of the given statuses.
func (s *GormStorage) UpdateJob(ctx context.Context, id uint, in []core.JobStatus, fields map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ?", id, in).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %d not in %v: %w", id, in, core.ErrStatusConflict)
	}
	return nil
}

// StartExecution moves a QUEUED job to RUNNING and creates its execution.
// num_exes is incremented in the same statement and may never pass max_tries,
// so two racing starts cannot both win.
func (s *GormStorage) StartExecution(ctx context.Context, jobID uint, exe *core.JobExecution) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.Job{}).
			Where("id = ? AND status = ? AND num_exes < max_tries", jobID, core.StatusQueued).
			Updates(map[string]any{
				"status":             core.StatusRunning,
				"num_exes":           gorm.Expr("num_exes + 1"),
				"started":            now,
				"ended":              nil,
				"node_id":            exe.NodeID,
				"last_status_change": now,
			})
		if result.Error != nil {
			return result.Error
		}

		var job core.Job
		if err := tx.First(&job, jobID).Error; err != nil {
			return notFound(err, "job", jobID)
		}
		if result.RowsAffected == 0 {
			if job.Status == core.StatusQueued && job.NumExes >= job.MaxTries {
				return fmt.Errorf("job %d: %w", jobID, core.ErrMaxTriesExceeded)
			}
			return fmt.Errorf("job %d is %s: %w", jobID, job.Status, core.ErrStatusConflict)
		}

		exe.JobID = jobID
		exe.ExeNum = job.NumExes
		exe.Status = core.ExecutionRunning
		exe.Queued = job.Queued
		exe.Started = &now
		if err := tx.Create(exe).Error; err != nil {
			return err
		}

		return tx.Create(&core.JobTransition{
			JobID:      jobID,
			FromStatus: core.StatusQueued,
			ToStatus:   core.StatusRunning,
			Reason:     "execution " + strconv.Itoa(exe.ExeNum) + " on node " + exe.NodeID,
			Occurred:   now,
		}).Error
	})
}

// RecordPhase applies phase updates to a running execution.
func (s *GormStorage) RecordPhase(ctx context.Context, exeID uint, fields map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&core.JobExecution{}).
		Where("id = ? AND status = ?", exeID, core.ExecutionRunning).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("execution %d: %w", exeID, core.ErrExecutionNotRunning)
	}
	return nil
}

// FinishExecution ends a running execution and moves its job out of RUNNING.
func (s *GormStorage) FinishExecution(ctx context.Context, exeID uint, status core.ExecutionStatus, errorID *uint, jobTo core.JobStatus, reason string, jobFields map[string]any) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exe core.JobExecution
		if err := tx.First(&exe, exeID).Error; err != nil {
			return notFound(err, "execution", exeID)
		}

		result := tx.Model(&core.JobExecution{}).
			Where("id = ? AND status = ?", exeID, core.ExecutionRunning).
			Updates(map[string]any{
				"status":   status,
				"ended":    now,
				"error_id": errorID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("execution %d is %s: %w", exeID, exe.Status, core.ErrExecutionNotRunning)
		}

		updates := make(map[string]any, len(jobFields)+4)
		for k, v := range jobFields {
			updates[k] = v
		}
		updates["status"] = jobTo
		updates["ended"] = now
		updates["last_status_change"] = now
		updates["error_id"] = errorID

		result = tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", exe.JobID, core.StatusRunning).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("job %d left RUNNING: %w", exe.JobID, core.ErrStatusConflict)
		}

		return tx.Create(&core.JobTransition{
			JobID:      exe.JobID,
			FromStatus: core.StatusRunning,
			ToStatus:   jobTo,
			Reason:     reason,
			Occurred:   now,
		}).Error
	})
}

// GetExecution retrieves an execution by id.
func (s *GormStorage) GetExecution(ctx context.Context, id uint) (*core.JobExecution, error) {
	var exe core.JobExecution
	if err := s.db.WithContext(ctx).First(&exe, id).Error; err != nil {
		return nil, notFound(err, "execution", id)
	}
	return &exe, nil
}

// ListExecutions returns a job's executions in attempt order.
func (s *GormStorage) ListExecutions(ctx context.Context, jobID uint) ([]*core.JobExecution, error) {
	var exes []*core.JobExecution
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("exe_num ASC").
		Find(&exes).Error
	return exes, err
}

// ListRunningExecutions returns every running execution.
func (s *GormStorage) ListRunningExecutions(ctx context.Context) ([]*core.JobExecution, error) {
	var exes []*core.JobExecution
	err := s.db.WithContext(ctx).
		Where("status = ?", core.ExecutionRunning).
		Order("id ASC").
		Find(&exes).Error
	return exes, err
}

// ListQueuedJobs returns queued jobs in matching order.
func (s *GormStorage) ListQueuedJobs(ctx context.Context, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	q := s.db.WithContext(ctx).
		Where("status = ?", core.StatusQueued).
		Order("priority DESC, queued ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// ListJobsByType returns jobs of the given job types, optionally filtered by status.
func (s *GormStorage) ListJobsByType(ctx context.Context, jobTypeIDs []uint, statuses []core.JobStatus) ([]*core.Job, error) {
	var jobs []*core.Job
	if len(jobTypeIDs) == 0 {
		return jobs, nil
	}
	q := s.db.WithContext(ctx).Where("job_type_id IN ?", jobTypeIDs)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Order("id ASC").Find(&jobs).Error
	return jobs, err
}

// ListSupersedePending returns jobs whose supersedure waits on a running execution.
func (s *GormStorage) ListSupersedePending(ctx context.Context) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("supersede_pending = ?", true).
		Order("id ASC").
		Find(&jobs).Error
	return jobs, err
}

// ListJobTransitions returns a job's status history.
func (s *GormStorage) ListJobTransitions(ctx context.Context, jobID uint) ([]core.JobTransition, error) {
	var transitions []core.JobTransition
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&transitions).Error
	return transitions, err
}

// CountNodeFailures counts failed executions on a node by error category.
func (s *GormStorage) CountNodeFailures(ctx context.Context, nodeID string, category core.ErrorCategory, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&core.JobExecution{}).
		Joins("JOIN errors ON errors.id = job_executions.error_id").
		Where("job_executions.node_id = ?", nodeID).
		Where("job_executions.status = ?", core.ExecutionFailed).
		Where("errors.category = ?", category).
		Where("job_executions.ended >= ?", since).
		Count(&n).Error
	return n, err
}

// ──────────────────────────────────────────────────────────────────────────────
// Recipes
// ──────────────────────────────────────────────────────────────────────────────

// CreateRecipe inserts a recipe.
func (s *GormStorage) CreateRecipe(ctx context.Context, r *core.Recipe) error {
	return s.db.WithContext(ctx).Create(r).Error
}

// GetRecipe retrieves a recipe by id.
func (s *GormStorage) GetRecipe(ctx context.Context, id uint) (*core.Recipe, error) {
	var r core.Recipe
	if err := s.db.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, notFound(err, "recipe", id)
	}
	return &r, nil
}

// UpdateRecipe applies column updates to a recipe.
func (s *GormStorage) UpdateRecipe(ctx context.Context, id uint, fields map[string]any) error {
	return s.db.WithContext(ctx).
		Model(&core.Recipe{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// SupersedeRecipe marks a recipe superseded by a replacement.
func (s *GormStorage) SupersedeRecipe(ctx context.Context, id, replacementID uint, at time.Time) error {
	var replacement *uint
	if replacementID != 0 {
		replacement = &replacementID
	}
	result := s.db.WithContext(ctx).
		Model(&core.Recipe{}).
		Where("id = ? AND is_superseded = ?", id, false).
		Updates(map[string]any{
			"is_superseded":           true,
			"superseded":              at,
			"superseded_by_recipe_id": replacement,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetRecipe(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("recipe %d: %w", id, core.ErrAlreadySuperseded)
	}
	return nil
}

// ListRecipesByType returns recipes of a recipe type, oldest first.
func (s *GormStorage) ListRecipesByType(ctx context.Context, recipeTypeID uint, includeSuperseded bool) ([]*core.Recipe, error) {
	var recipes []*core.Recipe
	q := s.db.WithContext(ctx).Where("recipe_type_id = ?", recipeTypeID)
	if !includeSuperseded {
		q = q.Where("is_superseded = ?", false)
	}
	err := q.Order("id ASC").Find(&recipes).Error
	return recipes, err
}

// LinkRecipeJob links a job into a recipe.
func (s *GormStorage) LinkRecipeJob(ctx context.Context, link *core.RecipeJob) error {
	return s.db.WithContext(ctx).Create(link).Error
}

// ReplaceRecipeJob swaps the active job behind a recipe job name.
func (s *GormStorage) ReplaceRecipeJob(ctx context.Context, recipeID uint, jobName string, newJobID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&core.RecipeJob{}).
			Where("recipe_id = ? AND job_name = ? AND is_active = ?", recipeID, jobName, true).
			Update("is_active", false).Error
		if err != nil {
			return err
		}
		return tx.Create(&core.RecipeJob{
			RecipeID: recipeID,
			JobID:    newJobID,
			JobName:  jobName,
			IsActive: true,
		}).Error
	})
}

// ListRecipeJobs returns a recipe's job links.
func (s *GormStorage) ListRecipeJobs(ctx context.Context, recipeID uint, activeOnly bool) ([]core.RecipeJob, error) {
	var links []core.RecipeJob
	q := s.db.WithContext(ctx).Where("recipe_id = ?", recipeID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	err := q.Order("job_id ASC").Find(&links).Error
	return links, err
}

// ListRecipesForJob returns every recipe the job was linked to.
func (s *GormStorage) ListRecipesForJob(ctx context.Context, jobID uint) ([]*core.Recipe, error) {
	var recipes []*core.Recipe
	err := s.db.WithContext(ctx).
		Joins("JOIN recipe_jobs ON recipe_jobs.recipe_id = recipes.id").
		Where("recipe_jobs.job_id = ?", jobID).
		Order("recipes.id ASC").
		Find(&recipes).Error
	return recipes, err
}

// ActiveRecipeForJob returns the live recipe owning the job.
func (s *GormStorage) ActiveRecipeForJob(ctx context.Context, jobID uint) (*core.Recipe, error) {
	var r core.Recipe
	err := s.db.WithContext(ctx).
		Joins("JOIN recipe_jobs ON recipe_jobs.recipe_id = recipes.id").
		Where("recipe_jobs.job_id = ? AND recipe_jobs.is_active = ?", jobID, true).
		Where("recipes.is_superseded = ?", false).
		Order("recipes.id DESC").
		First(&r).Error
	if err != nil {
		return nil, notFound(err, "recipe for job", jobID)
	}
	return &r, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Triggers and events
// ──────────────────────────────────────────────────────────────────────────────

// CreateTriggerRule inserts a trigger rule.
func (s *GormStorage) CreateTriggerRule(ctx context.Context, rule *core.TriggerRule) error {
	return s.db.WithContext(ctx).Create(rule).Error
}

// GetTriggerRule retrieves a trigger rule by id.
func (s *GormStorage) GetTriggerRule(ctx context.Context, id uint) (*core.TriggerRule, error) {
	var rule core.TriggerRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, notFound(err, "trigger rule", id)
	}
	return &rule, nil
}

// ListActiveTriggerRules returns every active, unarchived rule.
func (s *GormStorage) ListActiveTriggerRules(ctx context.Context) ([]*core.TriggerRule, error) {
	var rules []*core.TriggerRule
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND archived IS NULL", true).
		Order("id ASC").
		Find(&rules).Error
	return rules, err
}

// ArchiveTriggerRule deactivates a rule.
func (s *GormStorage) ArchiveTriggerRule(ctx context.Context, id uint, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.TriggerRule{}).
		Where("id = ? AND archived IS NULL", id).
		Updates(map[string]any{"is_active": false, "archived": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("trigger rule %d: %w", id, core.ErrNotFound)
	}
	return nil
}

// RecordEvent stores an event unless its external key was already recorded.
func (s *GormStorage) RecordEvent(ctx context.Context, ev *core.Event) (bool, error) {
	if ev.Occurred.IsZero() {
		ev.Occurred = time.Now()
	}
	db := s.db.WithContext(ctx)
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_key"}},
		DoNothing: true,
	}).Create(ev)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var existing core.Event
	if err := db.Where("external_key = ?", ev.ExternalKey).First(&existing).Error; err != nil {
		return false, notFound(err, "event", ev.ExternalKey)
	}
	*ev = existing
	return false, nil
}

// GetEvent retrieves an event by id.
func (s *GormStorage) GetEvent(ctx context.Context, id uint) (*core.Event, error) {
	var ev core.Event
	if err := s.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		return nil, notFound(err, "event", id)
	}
	return &ev, nil
}

// ClaimFiring records an (event, rule) firing. Returns false if it already exists.
func (s *GormStorage) ClaimFiring(ctx context.Context, firing *core.TriggerFiring) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(firing)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateFiring records what a firing spawned.
func (s *GormStorage) UpdateFiring(ctx context.Context, eventID, ruleID uint, fields map[string]any) error {
	return s.db.WithContext(ctx).
		Model(&core.TriggerFiring{}).
		Where("event_id = ? AND rule_id = ?", eventID, ruleID).
		Updates(fields).Error
}

// ──────────────────────────────────────────────────────────────────────────────
// Workspaces and files
// ──────────────────────────────────────────────────────────────────────────────

// CreateWorkspace inserts a workspace.
func (s *GormStorage) CreateWorkspace(ctx context.Context, ws *core.Workspace) error {
	return s.db.WithContext(ctx).Create(ws).Error
}

// GetWorkspace retrieves a workspace by id.
func (s *GormStorage) GetWorkspace(ctx context.Context, id uint) (*core.Workspace, error) {
	var ws core.Workspace
	if err := s.db.WithContext(ctx).First(&ws, id).Error; err != nil {
		return nil, notFound(err, "workspace", id)
	}
	return &ws, nil
}

// GetWorkspaceByName retrieves a workspace by name.
func (s *GormStorage) GetWorkspaceByName(ctx context.Context, name string) (*core.Workspace, error) {
	var ws core.Workspace
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&ws).Error; err != nil {
		return nil, notFound(err, "workspace", name)
	}
	return &ws, nil
}

// CreateFile inserts a file, deriving its UUID when unset.
func (s *GormStorage) CreateFile(ctx context.Context, f *core.File) error {
	if f.UUID == "" {
		parts := []string{"workspace:" + strconv.FormatUint(uint64(f.WorkspaceID), 10), f.FilePath}
		if f.JobExeID != nil {
			parts = append(parts, "exe:"+strconv.FormatUint(uint64(*f.JobExeID), 10))
		}
		f.UUID = core.FileUUID(f.FileName, parts...)
	}
	return s.db.WithContext(ctx).Create(f).Error
}

// GetFile retrieves a file by id.
func (s *GormStorage) GetFile(ctx context.Context, id uint) (*core.File, error) {
	var f core.File
	if err := s.db.WithContext(ctx).First(&f, id).Error; err != nil {
		return nil, notFound(err, "file", id)
	}
	return &f, nil
}

// GetFiles retrieves files by id, ordered by id.
func (s *GormStorage) GetFiles(ctx context.Context, ids []uint) ([]*core.File, error) {
	var files []*core.File
	if len(ids) == 0 {
		return files, nil
	}
	err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&files).Error
	return files, err
}

// ──────────────────────────────────────────────────────────────────────────────
// Nodes
// ──────────────────────────────────────────────────────────────────────────────

// UpsertNode inserts a node or refreshes its hostname, activity and last offer.
// Pause state is left untouched.
func (s *GormStorage) UpsertNode(ctx context.Context, node *core.Node) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hostname", "is_active", "last_offer", "last_modified"}),
	}).Create(node).Error
}

// GetNode retrieves a node by id.
func (s *GormStorage) GetNode(ctx context.Context, id string) (*core.Node, error) {
	var node core.Node
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&node).Error; err != nil {
		return nil, notFound(err, "node", id)
	}
	return &node, nil
}

// ListNodes returns every node.
func (s *GormStorage) ListNodes(ctx context.Context) ([]*core.Node, error) {
	var nodes []*core.Node
	err := s.db.WithContext(ctx).Order("id ASC").Find(&nodes).Error
	return nodes, err
}

// SetNodePaused pauses or unpauses a node.
func (s *GormStorage) SetNodePaused(ctx context.Context, id string, paused, forErrors bool, reason string) error {
	if !paused {
		reason = ""
	}
	result := s.db.WithContext(ctx).
		Model(&core.Node{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_paused":        paused,
			"is_paused_errors": paused && forErrors,
			"pause_reason":     reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("node %s: %w", id, core.ErrNotFound)
	}
	return nil
}
