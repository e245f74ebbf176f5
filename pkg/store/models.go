package store

import (
	"time"

	"gorm.io/gorm"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

// Run lifecycle states. PENDING moves to RUNNING when the queue begins
// draining the run, optionally through SUMMARIZING, and terminates in
// COMPLETED, FAILED, or CANCELLED.
const (
	StatusPending     RunStatus = "PENDING"
	StatusRunning     RunStatus = "RUNNING"
	StatusSummarizing RunStatus = "SUMMARIZING"
	StatusCompleted   RunStatus = "COMPLETED"
	StatusFailed      RunStatus = "FAILED"
	StatusCancelled   RunStatus = "CANCELLED"
)

// Terminal reports whether the status will never change again.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Run modes.
const (
	ModePercentage        = "PERCENTAGE"
	ModeSpecificCondition = "SPECIFIC_CONDITION"
	ModeFinal             = "FINAL"
)

// Priorities accepted on run creation and carried onto queue jobs.
const (
	PriorityLow    = "LOW"
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
)

// SnapshotScenario is one scenario frozen into a run's definition
// snapshot. Workers render prompts from the snapshot, never from the
// live definition, so edits after run creation cannot change what runs.
type SnapshotScenario struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// DefinitionSnapshot is the point-in-time copy of the resolved
// definition content embedded in a run's config.
type DefinitionSnapshot struct {
	Preamble          string             `json:"preamble"`
	Scenarios         []SnapshotScenario `json:"scenarios"`
	DefinitionVersion int                `json:"definitionVersion"`
	PreambleVersion   int                `json:"preambleVersion"`
}

// Scenario looks up a snapshot scenario by id.
func (s *DefinitionSnapshot) Scenario(id string) *SnapshotScenario {
	for i := range s.Scenarios {
		if s.Scenarios[i].ID == id {
			return &s.Scenarios[i]
		}
	}

	return nil
}

// ModelCost is the estimated probe cost for one model in a run.
type ModelCost struct {
	ModelID    string `json:"modelId"`
	Provider   string `json:"provider"`
	Probes     int    `json:"probes"`
	MilliCents int64  `json:"milliCents"`
}

// CostBreakdown is the cost estimate computed at run creation.
type CostBreakdown struct {
	PerModel        []ModelCost `json:"perModel"`
	TotalMilliCents int64       `json:"totalMilliCents"`
}

// RunConfig is the immutable-after-creation configuration of a run.
type RunConfig struct {
	Models             []string           `json:"models"`
	SamplePercentage   int                `json:"samplePercentage"`
	SampleSeed         *int64             `json:"sampleSeed,omitempty"`
	SamplesPerScenario int                `json:"samplesPerScenario"`
	Temperature        *float64           `json:"temperature,omitempty"`
	Priority           string             `json:"priority"`
	RunMode            string             `json:"runMode"`
	IsFinalTrial       bool               `json:"isFinalTrial"`
	DefinitionSnapshot DefinitionSnapshot `json:"definitionSnapshot"`
	EstimatedCosts     CostBreakdown      `json:"estimatedCosts"`
}

// Run is the unit of orchestration: one execution of a definition
// against a set of models and sampling parameters.
type Run struct {
	ID           string  `gorm:"primaryKey"`
	Name         string  `gorm:"index"`
	DefinitionID string  `gorm:"index;not null"`
	ExperimentID *string `gorm:"index"`
	Status       RunStatus
	Config       RunConfig `gorm:"serializer:json"`

	// Probe execution progress. ProgressTotal equals the number of
	// jobs the enqueue engine actually committed at creation time.
	ProgressTotal     int
	ProgressCompleted int
	ProgressFailed    int

	// Summarization phase progress.
	SummarizeTotal     int
	SummarizeCompleted int
	SummarizeFailed    int

	CreatedAt   time.Time
	UpdatedAt   time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// IsTerminal reports whether the run reached a final status.
func (r *Run) IsTerminal() bool { return r.Status.Terminal() }

// IsActionable is the single definition of "workers may still do
// provider-facing work for this run". Every worker checks it before
// executing a job; late jobs for non-actionable runs complete as no-ops.
func (r *Run) IsActionable() bool {
	return !r.IsTerminal() && !r.DeletedAt.Valid
}

// ProbesDone reports whether every committed probe job has been
// observed as completed or failed.
func (r *Run) ProbesDone() bool {
	return r.ProgressCompleted+r.ProgressFailed >= r.ProgressTotal
}

// SummarizeDone reports whether the summarization phase has consumed
// every transcript it was started with.
func (r *Run) SummarizeDone() bool {
	return r.SummarizeCompleted+r.SummarizeFailed >= r.SummarizeTotal
}

// RunScenarioSelection records one scenario chosen for a run together
// with the planned per-model sample counts for that scenario. Rows are
// created in the same transaction as the Run and never mutated; they
// are what lets recovery reconstruct the exact expected job set, for
// adaptive final trials included.
type RunScenarioSelection struct {
	ID           uint           `gorm:"primaryKey"`
	RunID        string         `gorm:"not null;uniqueIndex:idx_selection_run_scenario"`
	ScenarioID   string         `gorm:"not null;uniqueIndex:idx_selection_run_scenario"`
	ModelSamples map[string]int `gorm:"serializer:json"`
	CreatedAt    time.Time
}

// TranscriptTurn is one exchange in a probe transcript.
type TranscriptTurn struct {
	TurnNumber     int    `json:"turnNumber"`
	PromptLabel    string `json:"promptLabel"`
	ProbePrompt    string `json:"probePrompt"`
	TargetResponse string `json:"targetResponse"`
}

// TranscriptContent is the recorded dialogue of one probe job.
type TranscriptContent struct {
	Turns []TranscriptTurn `json:"turns"`
}

// Transcript is the durable record a provider worker writes after
// executing a probe job. Unique per (run, scenario, model, sample) so
// duplicate or replayed jobs upsert instead of double-counting.
type Transcript struct {
	ID           string `gorm:"primaryKey"`
	RunID        string `gorm:"not null;uniqueIndex:idx_transcript_probe"`
	ScenarioID   string `gorm:"not null;uniqueIndex:idx_transcript_probe"`
	ModelID      string `gorm:"not null;uniqueIndex:idx_transcript_probe"`
	SampleIndex  int    `gorm:"not null;uniqueIndex:idx_transcript_probe"`
	Content      TranscriptContent `gorm:"serializer:json"`
	DecisionCode *string
	SummarizedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Summarized reports whether the summarization phase already consumed
// this transcript.
func (t *Transcript) Summarized() bool { return t.SummarizedAt != nil }

// Definition is the scenario container runs execute against. Owned by
// the authoring side of the system; the orchestrator reads it and
// freezes a snapshot into each run.
type Definition struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	Preamble        string
	PreambleVersion int
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}

// Scenario is one probe situation within a definition.
type Scenario struct {
	ID           string `gorm:"primaryKey"`
	DefinitionID string `gorm:"index;not null"`
	Position     int
	Subject      string
	Body         string
	CreatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

// SurveyQuestion is one canonical question of a survey experiment.
type SurveyQuestion struct {
	Text            string   `json:"text"`
	ResponseOptions []string `json:"responseOptions"`
}

// Experiment groups runs. Survey experiments carry the canonical
// question/response-option plan that rebuilds the definition's
// scenario set before each run.
type Experiment struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	DefinitionID string `gorm:"index"`
	Kind         string
	Questions    []SurveyQuestion `gorm:"serializer:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Experiment kinds.
const (
	ExperimentKindSurvey = "SURVEY"
)

// IsSurvey reports whether the experiment is a single-question-per-
// prompt survey experiment.
func (e *Experiment) IsSurvey() bool { return e.Kind == ExperimentKindSurvey }

// Model is one entry of the model registry: which provider serves it,
// whether it may be requested, and its per-1M-token pricing in
// milli-cents.
type Model struct {
	ID                 string `gorm:"primaryKey"`
	Provider           string `gorm:"index;not null"`
	Active             bool
	PromptMilliCents1M int64 `gorm:"column:prompt_milli_cents_1m"`
	OutputMilliCents1M int64 `gorm:"column:output_milli_cents_1m"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
