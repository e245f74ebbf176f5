package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuerank/valuerank/pkg/config"
	"github.com/valuerank/valuerank/pkg/orchestrator"
	"github.com/valuerank/valuerank/pkg/queue"
	"github.com/valuerank/valuerank/pkg/sampling"
	"github.com/valuerank/valuerank/pkg/store"
)

type fixture struct {
	store  store.Store
	router http.Handler
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	q := queue.NewQueue(log, s.DB())
	require.NoError(t, q.Start(context.Background()))

	notifier := queue.NewNotifier(log, nil)

	orchCfg := &config.OrchestratorConfig{
		EnqueueBatchSize:   50,
		RetryBatchSize:     10,
		FailureLogCap:      10,
		StuckRunThreshold:  "10m",
		ScanInterval:       "5m",
		MaxJobRetries:      2,
		SummarizeModel:     "summarizer",
		ProbeMaxTokens:     1000,
		SummarizeMaxTokens: 60,
	}

	orch := orchestrator.NewOrchestrator(
		log, orchCfg, s, q, notifier,
		sampling.NewWilsonPlanner(log, s, sampling.DefaultWilsonPlannerOptions()),
		orchestrator.NewCostEstimator(s), nil,
	)

	srv := NewServer(log, &config.APIConfig{Listen: "127.0.0.1:0"}, s, orch).(*server)

	return &fixture{store: s, router: srv.buildRouter()}
}

func (f *fixture) seedDefinition(t *testing.T) {
	t.Helper()

	require.NoError(t, f.store.DB().Create(&store.Definition{
		ID:              "def-1",
		Name:            "trolley",
		Preamble:        "You must decide.",
		PreambleVersion: 1,
		Version:         1,
	}).Error)

	scenarios := make([]store.Scenario, 0, 3)
	for i := 0; i < 3; i++ {
		scenarios = append(scenarios, store.Scenario{
			ID:           fmt.Sprintf("scen-%02d", i),
			DefinitionID: "def-1",
			Position:     i,
			Subject:      fmt.Sprintf("scenario %d", i),
			Body:         "Choose an outcome.",
		})
	}
	require.NoError(t, f.store.DB().Create(&scenarios).Error)

	require.NoError(t, f.store.SeedModels(context.Background(), []store.Model{
		{ID: "model-a", Provider: "mock", Active: true},
	}))
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	return rec
}

func (f *fixture) startRun(t *testing.T) string {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"definitionId":       "def-1",
		"models":             []string{"model-a"},
		"samplePercentage":   100,
		"samplesPerScenario": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Run      runResponse `json:"run"`
		JobCount int         `json:"jobCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Run.ID)

	return resp.Run.ID
}

func TestHandleHealth(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleStartRun(t *testing.T) {
	f := setup(t)
	f.seedDefinition(t)

	rec := f.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"definitionId":       "def-1",
		"models":             []string{"model-a"},
		"samplePercentage":   100,
		"samplesPerScenario": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Run      runResponse `json:"run"`
		JobCount int         `json:"jobCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, store.StatusPending, resp.Run.Status)
	assert.Equal(t, 6, resp.JobCount)
	assert.NotEmpty(t, resp.Run.Name)
}

func TestHandleStartRunValidation(t *testing.T) {
	f := setup(t)
	f.seedDefinition(t)

	// No models.
	rec := f.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"definitionId":       "def-1",
		"samplePercentage":   100,
		"samplesPerScenario": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown definition.
	rec = f.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"definitionId":       "nope",
		"models":             []string{"model-a"},
		"samplePercentage":   100,
		"samplesPerScenario": 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed body.
	req := httptest.NewRequest(
		http.MethodPost, "/api/v1/runs", bytes.NewReader([]byte("{nope")),
	)
	rec2 := httptest.NewRecorder()
	f.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestHandleGetRun(t *testing.T) {
	f := setup(t)
	f.seedDefinition(t)
	id := f.startRun(t)

	rec := f.do(t, http.MethodGet, "/api/v1/runs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, id, run.ID)
	assert.Equal(t, "def-1", run.DefinitionID)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListRuns(t *testing.T) {
	f := setup(t)
	f.seedDefinition(t)
	f.startRun(t)
	f.startRun(t)

	rec := f.do(t, http.MethodGet, "/api/v1/runs/?definitionId=def-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs []runResponse `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 2)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/?status=COMPLETED", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Runs)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/?limit=bad", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCancelRun(t *testing.T) {
	f := setup(t)
	f.seedDefinition(t)
	id := f.startRun(t)

	rec := f.do(t, http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, store.StatusCancelled, run.Status)

	// Cancelling a terminal run is rejected.
	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRecoverRun(t *testing.T) {
	f := setup(t)
	f.seedDefinition(t)
	id := f.startRun(t)

	// A healthy pending run yields an empty recovery result.
	rec := f.do(t, http.MethodPost, "/api/v1/runs/"+id+"/recover", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result orchestrator.RecoveryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Empty(t, result.Detected)
	assert.Empty(t, result.Recovered)
	assert.Empty(t, result.Errors)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/missing/recover", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleScan(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/v1/recovery/scan", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result orchestrator.RecoveryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Empty(t, result.Detected)
}

func TestHandleListTranscripts(t *testing.T) {
	f := setup(t)
	f.seedDefinition(t)
	id := f.startRun(t)

	rec := f.do(t, http.MethodGet, "/api/v1/runs/"+id+"/transcripts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Transcripts []transcriptResponse `json:"transcripts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Transcripts)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/missing/transcripts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListModels(t *testing.T) {
	f := setup(t)
	f.seedDefinition(t)

	rec := f.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Models []modelResponse `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 1)
	assert.Equal(t, "model-a", resp.Models[0].ID)
	assert.Equal(t, "mock", resp.Models[0].Provider)
	assert.True(t, resp.Models[0].Active)
}
