// Package details assembles the full JSON view of a job: its type and
// revision, triggering event and rule, error, executions, recipes and the
// resolved input and output files.
package details

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// JobDetails is the nested job representation served to clients.
type JobDetails struct {
	ID       uint           `json:"id"`
	Status   core.JobStatus `json:"status"`
	Priority int            `json:"priority"`
	NumExes  int            `json:"num_exes"`
	MaxTries int            `json:"max_tries"`
	Timeout  int            `json:"timeout"`

	CPUsRequired    float64 `json:"cpus_required"`
	MemRequired     float64 `json:"mem_required"`
	DiskInRequired  float64 `json:"disk_in_required"`
	DiskOutRequired float64 `json:"disk_out_required"`

	JobType    *core.JobType         `json:"job_type"`
	JobTypeRev *core.JobTypeRevision `json:"job_type_rev"`
	Event      *core.Event           `json:"event"`
	Rule       *core.TriggerRule     `json:"rule"`
	Error      *core.Error           `json:"error"`

	Data    core.JobData    `json:"data"`
	Results core.JobResults `json:"results"`

	Recipes []RecipeSummary      `json:"recipes"`
	JobExes []*core.JobExecution `json:"job_exes"`
	Inputs  []FileDetails        `json:"inputs"`
	Outputs []FileDetails        `json:"outputs"`

	Created          time.Time  `json:"created"`
	Queued           *time.Time `json:"queued"`
	Started          *time.Time `json:"started"`
	Ended            *time.Time `json:"ended"`
	LastStatusChange *time.Time `json:"last_status_change"`
	LastModified     time.Time  `json:"last_modified"`

	IsSuperseded    bool        `json:"is_superseded"`
	Superseded      *time.Time  `json:"superseded"`
	SupersededByJob *JobSummary `json:"superseded_by_job"`
	SupersededJob   *JobSummary `json:"superseded_job"`
}

// JobSummary is the short form of a related job.
type JobSummary struct {
	ID      uint           `json:"id"`
	Status  core.JobStatus `json:"status"`
	NumExes int            `json:"num_exes"`
	Created time.Time      `json:"created"`
}

// RecipeSummary is a recipe the job belongs or belonged to.
type RecipeSummary struct {
	ID           uint             `json:"id"`
	RecipeType   *core.RecipeType `json:"recipe_type"`
	EventID      *uint            `json:"event_id"`
	Created      time.Time        `json:"created"`
	Completed    *time.Time       `json:"completed"`
	IsSuperseded bool             `json:"is_superseded"`
}

// FileDetails is a file with its workspace resolved.
type FileDetails struct {
	*core.File
	Workspace *core.Workspace `json:"workspace"`
}

// Load builds the details view of one job.
func Load(ctx context.Context, store core.Storage, jobID uint) (*JobDetails, error) {
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	d := &JobDetails{
		ID:               job.ID,
		Status:           job.Status,
		Priority:         job.Priority,
		NumExes:          job.NumExes,
		MaxTries:         job.MaxTries,
		Timeout:          job.Timeout,
		CPUsRequired:     job.CPUsRequired,
		MemRequired:      job.MemRequired,
		DiskInRequired:   job.DiskInRequired,
		DiskOutRequired:  job.DiskOutRequired,
		Data:             job.Data.Data(),
		Results:          job.Results.Data(),
		Created:          job.Created,
		Queued:           job.Queued,
		Started:          job.Started,
		Ended:            job.Ended,
		LastStatusChange: job.LastStatusChange,
		LastModified:     job.LastModified,
		IsSuperseded:     job.IsSuperseded,
		Superseded:       job.Superseded,
		Recipes:          []RecipeSummary{},
		Inputs:           []FileDetails{},
		Outputs:          []FileDetails{},
	}

	if d.JobType, err = store.GetJobType(ctx, job.JobTypeID); err != nil {
		return nil, fmt.Errorf("job type: %w", err)
	}
	if d.JobTypeRev, err = store.GetJobTypeRevisionByID(ctx, job.JobTypeRevID); err != nil {
		return nil, fmt.Errorf("job type revision: %w", err)
	}
	if err := loadEvent(ctx, store, job, d); err != nil {
		return nil, err
	}
	if job.ErrorID != nil {
		if d.Error, err = store.GetError(ctx, *job.ErrorID); err != nil {
			return nil, fmt.Errorf("error: %w", err)
		}
	}
	if d.JobExes, err = store.ListExecutions(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("executions: %w", err)
	}
	if err := loadRecipes(ctx, store, job.ID, d); err != nil {
		return nil, err
	}

	if d.Inputs, err = loadFiles(ctx, store, d.Data.FileIDs()); err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	var outIDs []uint
	for _, out := range d.Results.OutputData {
		outIDs = append(outIDs, out.Files()...)
	}
	if d.Outputs, err = loadFiles(ctx, store, outIDs); err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}

	if job.SupersededByJobID != nil {
		if d.SupersededByJob, err = summary(ctx, store, *job.SupersededByJobID); err != nil {
			return nil, err
		}
	}
	if job.SupersededJobID != nil {
		if d.SupersededJob, err = summary(ctx, store, *job.SupersededJobID); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func loadEvent(ctx context.Context, store core.Storage, job *core.Job, d *JobDetails) error {
	if job.EventID == nil {
		return nil
	}
	ev, err := store.GetEvent(ctx, *job.EventID)
	if err != nil {
		return fmt.Errorf("event: %w", err)
	}
	d.Event = ev
	if ev.RuleID == nil {
		return nil
	}
	// Archived rules are still reported.
	rule, err := store.GetTriggerRule(ctx, *ev.RuleID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("rule: %w", err)
	}
	d.Rule = rule
	return nil
}

func loadRecipes(ctx context.Context, store core.Storage, jobID uint, d *JobDetails) error {
	recipes, err := store.ListRecipesForJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("recipes: %w", err)
	}
	types := make(map[uint]*core.RecipeType)
	for _, r := range recipes {
		rt, ok := types[r.RecipeTypeID]
		if !ok {
			if rt, err = store.GetRecipeType(ctx, r.RecipeTypeID); err != nil {
				return fmt.Errorf("recipe type: %w", err)
			}
			types[r.RecipeTypeID] = rt
		}
		d.Recipes = append(d.Recipes, RecipeSummary{
			ID:           r.ID,
			RecipeType:   rt,
			EventID:      r.EventID,
			Created:      r.Created,
			Completed:    r.Completed,
			IsSuperseded: r.IsSuperseded,
		})
	}
	return nil
}

func loadFiles(ctx context.Context, store core.Storage, ids []uint) ([]FileDetails, error) {
	out := []FileDetails{}
	if len(ids) == 0 {
		return out, nil
	}
	files, err := store.GetFiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	workspaces := make(map[uint]*core.Workspace)
	for _, f := range files {
		ws, ok := workspaces[f.WorkspaceID]
		if !ok {
			if ws, err = store.GetWorkspace(ctx, f.WorkspaceID); err != nil {
				return nil, err
			}
			workspaces[f.WorkspaceID] = ws
		}
		out = append(out, FileDetails{File: f, Workspace: ws})
	}
	return out, nil
}

func summary(ctx context.Context, store core.Storage, id uint) (*JobSummary, error) {
	j, err := store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("related job %d: %w", id, err)
	}
	return &JobSummary{ID: j.ID, Status: j.Status, NumExes: j.NumExes, Created: j.Created}, nil
}
