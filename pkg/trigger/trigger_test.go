package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/recipe"
	"github.com/jdziat/scale-jobs/pkg/registry"
	"github.com/jdziat/scale-jobs/pkg/statemachine"
	"github.com/jdziat/scale-jobs/pkg/storage"
	"github.com/jdziat/scale-jobs/pkg/storage/storagetest"
)

type fixture struct {
	store  *storage.GormStorage
	engine *Engine
	orch   *recipe.Orchestrator
	parse  *core.JobType
	report *core.JobType
	ws     *core.Workspace
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := storagetest.New(t)
	m := statemachine.New(s)
	orch := recipe.New(s, m)
	reg := registry.New(s)

	parse, _, _, err := reg.PublishJobType(ctx, registry.JobTypeDefinition{
		Name:    "landsat-parse",
		Version: "1.0",
		Interface: core.JobInterface{
			Command:          "./parse.sh",
			CommandArguments: "${infile} ${job_output_dir}",
			InputData:        []core.InputPort{{Name: "infile", Type: core.PortFile}},
			OutputData:       []core.OutputPort{{Name: "geotiff", Type: core.PortFile}},
		},
	})
	require.NoError(t, err)
	report, _, _, err := reg.PublishJobType(ctx, registry.JobTypeDefinition{
		Name:      "nightly-report",
		Version:   "1.0",
		Interface: core.JobInterface{Command: "./report.sh"},
	})
	require.NoError(t, err)
	_, _, _, err = reg.PublishRecipeType(ctx, registry.RecipeTypeDefinition{
		Name:    "landsat-pipeline",
		Version: "1.0",
		Definition: core.RecipeDefinition{
			Version:   "1.0",
			InputData: []core.RecipeInput{{Name: "scene", Type: core.PortFile}},
			Jobs: []core.RecipeJobDef{{
				Name:         "parse",
				JobType:      core.JobTypeRef{Name: "landsat-parse", Version: "1.0"},
				RecipeInputs: []core.RecipeInputBind{{RecipeInput: "scene", JobInput: "infile"}},
			}},
		},
	})
	require.NoError(t, err)

	ws := &core.Workspace{Name: "raw", IsActive: true}
	require.NoError(t, s.CreateWorkspace(ctx, ws))

	return &fixture{
		store:  s,
		engine: New(s, orch, m),
		orch:   orch,
		parse:  parse,
		report: report,
		ws:     ws,
	}
}

func (f *fixture) newFile(t *testing.T, name, mediaType string) *core.File {
	t.Helper()
	file := &core.File{WorkspaceID: f.ws.ID, FileName: name, MediaType: mediaType, FileSize: 1024}
	require.NoError(t, f.store.CreateFile(context.Background(), file))
	return file
}

func ingestRecipeConfig() core.TriggerConfiguration {
	return core.TriggerConfiguration{
		Version:   "1.0",
		Condition: core.TriggerCondition{MediaType: "image/tiff", DataTypes: []string{"landsat"}},
		Target:    core.TriggerTarget{RecipeType: &core.JobTypeRef{Name: "landsat-pipeline", Version: "1.0"}},
		Data:      core.TriggerData{InputDataName: "scene", WorkspaceName: "raw"},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Rules
// ──────────────────────────────────────────────────────────────────────────────

func TestMatches(t *testing.T) {
	rule := func(typ core.TriggerRuleType, cond core.TriggerCondition) *core.TriggerRule {
		return &core.TriggerRule{ID: 7, Type: typ, IsActive: true,
			Configuration: datatypes.NewJSONType(core.TriggerConfiguration{Condition: cond})}
	}
	event := func(typ string, p core.EventPayload) *core.Event {
		return &core.Event{Type: typ, Payload: datatypes.NewJSONType(p)}
	}

	tiff := event(EventIngest, core.EventPayload{MediaType: "image/tiff", DataTypes: []string{"landsat", "l8"}, Workspace: "raw"})

	tests := []struct {
		name string
		rule *core.TriggerRule
		ev   *core.Event
		want bool
	}{
		{"ingest media type", rule(core.RuleIngest, core.TriggerCondition{MediaType: "image/tiff"}), tiff, true},
		{"ingest wrong media type", rule(core.RuleIngest, core.TriggerCondition{MediaType: "text/plain"}), tiff, false},
		{"ingest data types subset", rule(core.RuleIngest, core.TriggerCondition{DataTypes: []string{"l8"}}), tiff, true},
		{"ingest missing data type", rule(core.RuleIngest, core.TriggerCondition{DataTypes: []string{"modis"}}), tiff, false},
		{"ingest workspace", rule(core.RuleIngest, core.TriggerCondition{MediaType: "image/tiff", Workspace: "other"}), tiff, false},
		{"ingest ignores parse events", rule(core.RuleIngest, core.TriggerCondition{}), event(EventParse, core.EventPayload{}), false},
		{"parse any version",
			rule(core.RuleParse, core.TriggerCondition{JobTypeName: "landsat-parse"}),
			event(EventParse, core.EventPayload{JobTypeName: "landsat-parse", JobTypeVersion: "2.0"}), true},
		{"parse pinned version",
			rule(core.RuleParse, core.TriggerCondition{JobTypeName: "landsat-parse", JobTypeVersion: "1.0"}),
			event(EventParse, core.EventPayload{JobTypeName: "landsat-parse", JobTypeVersion: "2.0"}), false},
		{"cron own rule", rule(core.RuleCron, core.TriggerCondition{}), event(EventCron, core.EventPayload{RuleID: 7}), true},
		{"cron other rule", rule(core.RuleCron, core.TriggerCondition{}), event(EventCron, core.EventPayload{RuleID: 8}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.rule, tt.ev))
		})
	}

	archived := rule(core.RuleIngest, core.TriggerCondition{MediaType: "image/tiff"})
	archived.IsActive = false
	assert.False(t, Matches(archived, tiff))
}

func TestValidateRule(t *testing.T) {
	cfg := ingestRecipeConfig()
	assert.NoError(t, ValidateRule("landsat-ingest", core.RuleIngest, cfg))

	assert.ErrorIs(t, ValidateRule("x", core.RuleIngest, core.TriggerConfiguration{Target: cfg.Target}), core.ErrInvalidTriggerRule)
	assert.ErrorIs(t, ValidateRule("x", core.RuleParse, cfg), core.ErrInvalidTriggerRule)
	assert.ErrorIs(t, ValidateRule("x", "WEEKLY", cfg), core.ErrInvalidTriggerRule)

	both := cfg
	both.Target.JobType = &core.JobTypeRef{Name: "landsat-parse", Version: "1.0"}
	assert.ErrorIs(t, ValidateRule("x", core.RuleIngest, both), core.ErrInvalidTriggerRule)

	cron := core.TriggerConfiguration{
		Condition: core.TriggerCondition{Schedule: "not a schedule"},
		Target:    core.TriggerTarget{JobType: &core.JobTypeRef{Name: "nightly-report", Version: "1.0"}},
	}
	assert.ErrorIs(t, ValidateRule("x", core.RuleCron, cron), core.ErrInvalidTriggerRule)
	cron.Condition.Schedule = "0 2 * * *"
	assert.NoError(t, ValidateRule("x", core.RuleCron, cron))
}

func TestUpdateRule_Versions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.engine.CreateRule(ctx, "landsat-ingest", core.RuleIngest, ingestRecipeConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	cfg := ingestRecipeConfig()
	cfg.Condition.MediaType = "image/jp2"
	v2, err := f.engine.UpdateRule(ctx, v1.ID, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.Name, v2.Name)

	old, err := f.store.GetTriggerRule(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.NotNil(t, old.Archived)

	active, err := f.store.ListActiveTriggerRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, v2.ID, active[0].ID)

	_, err = f.engine.UpdateRule(ctx, v1.ID, cfg)
	assert.ErrorIs(t, err, core.ErrNotFound, "archived rules cannot be updated again")
}

// ──────────────────────────────────────────────────────────────────────────────
// Handle
// ──────────────────────────────────────────────────────────────────────────────

func TestHandle_IngestSpawnsRecipeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule, err := f.engine.CreateRule(ctx, "landsat-ingest", core.RuleIngest, ingestRecipeConfig())
	require.NoError(t, err)

	scene := f.newFile(t, "scene.tif", "image/tiff")
	spawns, err := f.engine.FileIngested(ctx, scene, "landsat")
	require.NoError(t, err)
	require.Len(t, spawns, 1)
	assert.Equal(t, rule.ID, spawns[0].RuleID)
	require.NotNil(t, spawns[0].RecipeID)

	r, err := f.store.GetRecipe(ctx, *spawns[0].RecipeID)
	require.NoError(t, err)
	require.NotNil(t, r.EventID)
	assert.Equal(t, f.ws.ID, r.Data.Data().WorkspaceID)

	jobs, err := f.orch.Jobs(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, jobs["parse"].Status)
	in, ok := jobs["parse"].Data.Data().Input("infile")
	require.True(t, ok)
	assert.Equal(t, scene.ID, in.FileID)

	// Re-delivery of the same file spawns nothing.
	spawns, err = f.engine.FileIngested(ctx, scene, "landsat")
	assert.ErrorIs(t, err, core.ErrDuplicateEvent)
	assert.Empty(t, spawns)

	recipes, err := f.store.ListRecipesByType(ctx, r.RecipeTypeID, true)
	require.NoError(t, err)
	assert.Len(t, recipes, 1)
}

func TestHandle_NoMatchSpawnsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CreateRule(ctx, "landsat-ingest", core.RuleIngest, ingestRecipeConfig())
	require.NoError(t, err)

	spawns, err := f.engine.FileIngested(ctx, f.newFile(t, "notes.txt", "text/plain"), "landsat")
	require.NoError(t, err)
	assert.Empty(t, spawns)
}

func TestHandle_ParseRuleSpawnsStandaloneJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CreateRule(ctx, "after-parse", core.RuleParse, core.TriggerConfiguration{
		Condition: core.TriggerCondition{JobTypeName: "landsat-parse"},
		Target:    core.TriggerTarget{JobType: &core.JobTypeRef{Name: "nightly-report", Version: "1.0"}},
	})
	require.NoError(t, err)

	done := &core.Job{ID: 41, JobTypeID: f.parse.ID, Status: core.StatusCompleted}
	spawns, err := f.engine.JobCompleted(ctx, done)
	require.NoError(t, err)
	require.Len(t, spawns, 1)
	require.NotNil(t, spawns[0].JobID)

	job, err := f.store.GetJob(ctx, *spawns[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, f.report.ID, job.JobTypeID)
	require.NotNil(t, job.EventID)

	ev, err := f.store.GetEvent(ctx, *job.EventID)
	require.NoError(t, err)
	assert.Equal(t, "parse:41", ev.ExternalKey)
}

func TestHandle_FailedSpawnRollsBackClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := ingestRecipeConfig()
	cfg.Data.WorkspaceName = "missing"
	_, err := f.engine.CreateRule(ctx, "landsat-ingest", core.RuleIngest, cfg)
	require.NoError(t, err)

	spawns, err := f.engine.FileIngested(ctx, f.newFile(t, "scene.tif", "image/tiff"), "landsat")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, spawns)
}

func TestHandle_RedeliveryRetriesUnfiredRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := ingestRecipeConfig()
	cfg.Data.WorkspaceName = "late"
	_, err := f.engine.CreateRule(ctx, "landsat-ingest", core.RuleIngest, cfg)
	require.NoError(t, err)

	scene := f.newFile(t, "scene.tif", "image/tiff")
	_, err = f.engine.FileIngested(ctx, scene, "landsat")
	require.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, f.store.CreateWorkspace(ctx, &core.Workspace{Name: "late", IsActive: true}))

	spawns, err := f.engine.FileIngested(ctx, scene, "landsat")
	require.NoError(t, err)
	require.Len(t, spawns, 1)
	require.NotNil(t, spawns[0].RecipeID)

	// Once fired, a further re-delivery is a duplicate.
	spawns, err = f.engine.FileIngested(ctx, scene, "landsat")
	assert.ErrorIs(t, err, core.ErrDuplicateEvent)
	assert.Empty(t, spawns)
}

// ──────────────────────────────────────────────────────────────────────────────
// Cron
// ──────────────────────────────────────────────────────────────────────────────

func TestCronSource_FiresOncePerFireTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule, err := f.engine.CreateRule(ctx, "nightly", core.RuleCron, core.TriggerConfiguration{
		Condition: core.TriggerCondition{Schedule: "*/15 * * * *"},
		Target:    core.TriggerTarget{JobType: &core.JobTypeRef{Name: "nightly-report", Version: "1.0"}},
	})
	require.NoError(t, err)

	now := rule.Created.Add(time.Hour)
	src := NewCronSource(f.engine)
	require.NoError(t, src.Tick(ctx, now))
	require.NoError(t, src.Tick(ctx, now))

	countJobs := func() int {
		jobs, err := f.store.ListJobsByType(ctx, []uint{f.report.ID}, nil)
		require.NoError(t, err)
		return len(jobs)
	}
	assert.Equal(t, 4, countJobs())

	// A fresh source, as after a leader change, replays the window without
	// spawning again.
	require.NoError(t, NewCronSource(f.engine).Tick(ctx, now))
	assert.Equal(t, 4, countJobs())

	require.NoError(t, src.Tick(ctx, now.Add(15*time.Minute)))
	assert.Equal(t, 5, countJobs())
}
