package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuerank/valuerank/pkg/config"
	"github.com/valuerank/valuerank/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newTestRun(definitionID string) *store.Run {
	return &store.Run{
		ID:           uuid.NewString(),
		Name:         "August 29-A",
		DefinitionID: definitionID,
		Status:       store.StatusPending,
		Config: store.RunConfig{
			Models:             []string{"gpt-4o"},
			SamplePercentage:   50,
			SamplesPerScenario: 2,
			Priority:           store.PriorityNormal,
			RunMode:            store.ModePercentage,
		},
	}
}

func TestStore_CreateRunWithSelections(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := newTestRun("def-1")
	selections := []store.RunScenarioSelection{
		{ScenarioID: "scen-a", ModelSamples: map[string]int{"gpt-4o": 2}},
		{ScenarioID: "scen-b", ModelSamples: map[string]int{"gpt-4o": 2}},
	}

	require.NoError(t, s.CreateRunWithSelections(ctx, run, selections))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, []string{"gpt-4o"}, got.Config.Models)

	sels, err := s.ListSelections(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, sels, 2)
	assert.Equal(t, "scen-a", sels[0].ScenarioID)
	assert.Equal(t, 2, sels[0].ModelSamples["gpt-4o"])
}

func TestStore_GetRunNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_TransitionRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := newTestRun("def-1")
	require.NoError(t, s.CreateRunWithSelections(ctx, run, nil))

	// PENDING -> RUNNING stamps StartedAt.
	got, err := s.TransitionRun(
		ctx, run.ID,
		[]store.RunStatus{store.StatusPending}, store.StatusRunning,
	)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	// A second PENDING -> RUNNING attempt loses the race.
	_, err = s.TransitionRun(
		ctx, run.ID,
		[]store.RunStatus{store.StatusPending}, store.StatusRunning,
	)
	assert.ErrorIs(t, err, store.ErrConflict)

	// RUNNING -> COMPLETED stamps CompletedAt.
	got, err = s.TransitionRun(
		ctx, run.ID,
		[]store.RunStatus{store.StatusRunning, store.StatusSummarizing},
		store.StatusCompleted,
	)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.IsTerminal())
	assert.False(t, got.IsActionable())
}

func TestStore_TransitionRunNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.TransitionRun(
		context.Background(), "missing",
		[]store.RunStatus{store.StatusPending}, store.StatusRunning,
	)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_CountRunsForDefinitionSince(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRunWithSelections(ctx, newTestRun("def-1"), nil))
	require.NoError(t, s.CreateRunWithSelections(ctx, newTestRun("def-1"), nil))
	require.NoError(t, s.CreateRunWithSelections(ctx, newTestRun("def-2"), nil))

	since := time.Now().UTC().Add(-time.Minute)

	count, err := s.CountRunsForDefinitionSince(ctx, "def-1", since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = s.CountRunsForDefinitionSince(
		ctx, "def-1", time.Now().UTC().Add(time.Minute),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestStore_ProbeProgress(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := newTestRun("def-1")
	require.NoError(t, s.CreateRunWithSelections(ctx, run, nil))
	require.NoError(t, s.SetRunProgressTotal(ctx, run.ID, 2))

	got, err := s.IncrementProbeProgress(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProgressCompleted)
	assert.False(t, got.ProbesDone())

	got, err = s.IncrementProbeProgress(ctx, run.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProgressFailed)
	assert.True(t, got.ProbesDone())
}

func TestStore_ListStuckRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stale := newTestRun("def-1")
	stale.Status = store.StatusRunning
	require.NoError(t, s.CreateRunWithSelections(ctx, stale, nil))

	fresh := newTestRun("def-1")
	fresh.Status = store.StatusRunning
	require.NoError(t, s.CreateRunWithSelections(ctx, fresh, nil))

	done := newTestRun("def-1")
	done.Status = store.StatusCompleted
	require.NoError(t, s.CreateRunWithSelections(ctx, done, nil))

	// Age the stale run behind the cutoff.
	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.DB().Model(&store.Run{}).
		Where("id = ?", stale.ID).
		Update("updated_at", old).Error)

	runs, err := s.ListStuckRuns(
		ctx,
		[]store.RunStatus{store.StatusRunning, store.StatusSummarizing},
		time.Now().UTC().Add(-10*time.Minute),
	)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stale.ID, runs[0].ID)
}

func TestStore_UpsertTranscriptIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := newTestRun("def-1")
	require.NoError(t, s.CreateRunWithSelections(ctx, run, nil))

	first := &store.Transcript{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		ScenarioID:  "scen-a",
		ModelID:     "gpt-4o",
		SampleIndex: 0,
		Content: store.TranscriptContent{
			Turns: []store.TranscriptTurn{{
				TurnNumber:     1,
				PromptLabel:    "probe",
				ProbePrompt:    "What do you choose?",
				TargetResponse: "Rating: 4",
			}},
		},
	}
	require.NoError(t, s.UpsertTranscript(ctx, first))

	// Replayed job for the same (run, scenario, model, sample) must not
	// create a second row.
	replay := &store.Transcript{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		ScenarioID:  "scen-a",
		ModelID:     "gpt-4o",
		SampleIndex: 0,
		Content: store.TranscriptContent{
			Turns: []store.TranscriptTurn{{
				TurnNumber:     1,
				PromptLabel:    "probe",
				ProbePrompt:    "What do you choose?",
				TargetResponse: "Rating: 5",
			}},
		},
	}
	require.NoError(t, s.UpsertTranscript(ctx, replay))

	transcripts, err := s.ListTranscripts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transcripts, 1)
	assert.Equal(t, "Rating: 5", transcripts[0].Content.Turns[0].TargetResponse)

	// The overwrite keeps the original row, not the replay's id.
	assert.Equal(t, first.ID, transcripts[0].ID)
}

func TestStore_UpsertTranscriptGeneratesIDs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := newTestRun("def-1")
	require.NoError(t, s.CreateRunWithSelections(ctx, run, nil))

	// Workers hand over transcripts without ids; the store assigns one
	// per probe, so distinct probes never collide.
	for _, scenarioID := range []string{"scen-a", "scen-b"} {
		tr := &store.Transcript{
			RunID:       run.ID,
			ScenarioID:  scenarioID,
			ModelID:     "gpt-4o",
			SampleIndex: 0,
		}
		require.NoError(t, s.UpsertTranscript(ctx, tr))
		assert.NotEmpty(t, tr.ID)
	}

	transcripts, err := s.ListTranscripts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transcripts, 2)
	assert.NotEqual(t, transcripts[0].ID, transcripts[1].ID)
}

func TestStore_SummarySetsAndFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := newTestRun("def-1")
	require.NoError(t, s.CreateRunWithSelections(ctx, run, nil))

	ids := make([]string, 0, 3)

	for i := 0; i < 3; i++ {
		tr := &store.Transcript{
			ID:          uuid.NewString(),
			RunID:       run.ID,
			ScenarioID:  "scen-a",
			ModelID:     "gpt-4o",
			SampleIndex: i,
		}
		require.NoError(t, s.UpsertTranscript(ctx, tr))
		ids = append(ids, tr.ID)
	}

	require.NoError(t, s.SetTranscriptSummary(ctx, ids[0], "3"))

	pending, err := s.ListUnsummarizedTranscripts(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	got, err := s.GetTranscript(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, got.DecisionCode)
	assert.Equal(t, "3", *got.DecisionCode)
	assert.True(t, got.Summarized())

	codes, err := s.ListDecisionCodes(ctx, "def-1", "gpt-4o", "scen-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, codes)

	// Other triples see nothing.
	codes, err = s.ListDecisionCodes(ctx, "def-1", "claude-3", "scen-a")
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestStore_ReplaceScenarios(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	def := &store.Definition{ID: "def-1", Name: "trolley", Version: 1}
	require.NoError(t, s.DB().Create(def).Error)

	require.NoError(t, s.ReplaceScenarios(ctx, "def-1", []store.Scenario{
		{ID: "s1", DefinitionID: "def-1", Position: 0, Subject: "one"},
		{ID: "s2", DefinitionID: "def-1", Position: 1, Subject: "two"},
	}))

	require.NoError(t, s.ReplaceScenarios(ctx, "def-1", []store.Scenario{
		{ID: "s3", DefinitionID: "def-1", Position: 0, Subject: "three"},
	}))

	scenarios, err := s.ListScenarios(ctx, "def-1")
	require.NoError(t, err)
	require.Len(t, scenarios, 1)
	assert.Equal(t, "s3", scenarios[0].ID)

	got, err := s.GetDefinition(ctx, "def-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
}

func TestStore_SeedModels(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedModels(ctx, []store.Model{
		{ID: "gpt-4o", Provider: "openai", Active: true, PromptMilliCents1M: 250000},
		{ID: "claude-3", Provider: "anthropic", Active: true},
	}))

	// Re-seeding updates in place.
	require.NoError(t, s.SeedModels(ctx, []store.Model{
		{ID: "gpt-4o", Provider: "openai", Active: false, PromptMilliCents1M: 300000},
	}))

	m, err := s.GetModel(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.False(t, m.Active)
	assert.Equal(t, int64(300000), m.PromptMilliCents1M)

	models, err := s.ListModels(ctx)
	require.NoError(t, err)
	assert.Len(t, models, 2)
}
