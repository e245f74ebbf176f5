package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/valuerank/valuerank/pkg/orchestrator"
	"github.com/valuerank/valuerank/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, orchestrator.ErrEnqueueIncomplete):
		writeJSON(w, http.StatusBadGateway, errorResponse{err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
	}
}

// runResponse is the wire shape of a run.
type runResponse struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	DefinitionID       string          `json:"definitionId"`
	ExperimentID       *string         `json:"experimentId,omitempty"`
	Status             store.RunStatus `json:"status"`
	Config             store.RunConfig `json:"config"`
	ProgressTotal      int             `json:"progressTotal"`
	ProgressCompleted  int             `json:"progressCompleted"`
	ProgressFailed     int             `json:"progressFailed"`
	SummarizeTotal     int             `json:"summarizeTotal"`
	SummarizeCompleted int             `json:"summarizeCompleted"`
	SummarizeFailed    int             `json:"summarizeFailed"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	StartedAt          *time.Time      `json:"startedAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
}

func toRunResponse(run *store.Run) runResponse {
	return runResponse{
		ID:                 run.ID,
		Name:               run.Name,
		DefinitionID:       run.DefinitionID,
		ExperimentID:       run.ExperimentID,
		Status:             run.Status,
		Config:             run.Config,
		ProgressTotal:      run.ProgressTotal,
		ProgressCompleted:  run.ProgressCompleted,
		ProgressFailed:     run.ProgressFailed,
		SummarizeTotal:     run.SummarizeTotal,
		SummarizeCompleted: run.SummarizeCompleted,
		SummarizeFailed:    run.SummarizeFailed,
		CreatedAt:          run.CreatedAt,
		UpdatedAt:          run.UpdatedAt,
		StartedAt:          run.StartedAt,
		CompletedAt:        run.CompletedAt,
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartRun validates and starts a new run.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var input orchestrator.StartRunInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	result, err := s.orchestrator.StartRun(r.Context(), input)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"run":            toRunResponse(result.Run),
		"jobCount":       result.JobCount,
		"estimatedCosts": result.EstimatedCosts,
	})
}

// handleListRuns lists runs, newest first, with optional filters.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		DefinitionID: r.URL.Query().Get("definitionId"),
		ExperimentID: r.URL.Query().Get("experimentId"),
		Status:       store.RunStatus(r.URL.Query().Get("status")),
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit"})

			return
		}

		filter.Limit = limit
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)

		return
	}

	out := make([]runResponse, 0, len(runs))
	for i := range runs {
		out = append(out, toRunResponse(&runs[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleGetRun returns one run by id.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// transcriptResponse is the wire shape of a transcript.
type transcriptResponse struct {
	ID           string                  `json:"id"`
	ScenarioID   string                  `json:"scenarioId"`
	ModelID      string                  `json:"modelId"`
	SampleIndex  int                     `json:"sampleIndex"`
	Content      store.TranscriptContent `json:"content"`
	DecisionCode *string                 `json:"decisionCode,omitempty"`
	SummarizedAt *time.Time              `json:"summarizedAt,omitempty"`
}

// handleListTranscripts returns every transcript recorded for a run.
func (s *server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeError(w, err)

		return
	}

	transcripts, err := s.store.ListTranscripts(r.Context(), id)
	if err != nil {
		writeError(w, err)

		return
	}

	out := make([]transcriptResponse, 0, len(transcripts))
	for _, tr := range transcripts {
		out = append(out, transcriptResponse{
			ID:           tr.ID,
			ScenarioID:   tr.ScenarioID,
			ModelID:      tr.ModelID,
			SampleIndex:  tr.SampleIndex,
			Content:      tr.Content,
			DecisionCode: tr.DecisionCode,
			SummarizedAt: tr.SummarizedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"transcripts": out})
}

// handleCancelRun cancels a non-terminal run.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orchestrator.CancelRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// handleRecoverRun runs recovery for a single run.
func (s *server) handleRecoverRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeError(w, err)

		return
	}

	result, err := s.orchestrator.RecoverRun(r.Context(), id)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleScan sweeps all stuck runs once.
func (s *server) handleScan(w http.ResponseWriter, r *http.Request) {
	result, err := s.orchestrator.Scan(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

// modelResponse is the wire shape of a registry model.
type modelResponse struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Active   bool   `json:"active"`
}

// handleListModels lists the model registry.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, modelResponse{
			ID:       m.ID,
			Provider: m.Provider,
			Active:   m.Active,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}
