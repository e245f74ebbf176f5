// Package orchestrator plans, starts, and repairs runs: scenario
// sampling, job expansion, provider-queue dispatch with integrity
// verification, and stuck-run recovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/valuerank/valuerank/pkg/config"
	"github.com/valuerank/valuerank/pkg/plan"
	"github.com/valuerank/valuerank/pkg/queue"
	"github.com/valuerank/valuerank/pkg/sampling"
	"github.com/valuerank/valuerank/pkg/store"
)

// ErrInvalidInput marks a start-run request rejected before any
// persistence.
var ErrInvalidInput = errors.New("invalid input")

// StartRunInput is a start-run request.
type StartRunInput struct {
	DefinitionID       string   `json:"definitionId"`
	ExperimentID       *string  `json:"experimentId,omitempty"`
	Models             []string `json:"models"`
	SamplePercentage   int      `json:"samplePercentage"`
	SampleSeed         *int64   `json:"sampleSeed,omitempty"`
	SamplesPerScenario int      `json:"samplesPerScenario"`
	Temperature        *float64 `json:"temperature,omitempty"`
	Priority           string   `json:"priority,omitempty"`
	ScenarioIDs        []string `json:"scenarioIds,omitempty"`
	FinalTrial         bool     `json:"finalTrial"`
}

// StartRunResult is what startRun hands back to the caller.
type StartRunResult struct {
	Run            *store.Run
	JobCount       int
	EstimatedCosts store.CostBreakdown
}

// Archiver exports a completed run's transcripts to external storage.
type Archiver interface {
	ArchiveRun(
		ctx context.Context, run *store.Run, transcripts []store.Transcript,
	) error
}

// Orchestrator is the run lifecycle and recovery engine.
type Orchestrator interface {
	StartRun(ctx context.Context, input StartRunInput) (*StartRunResult, error)
	CancelRun(ctx context.Context, runID string) (*store.Run, error)

	// TriggerSummarization moves a run whose probes are done into the
	// summarization phase, or completes it when there is nothing to
	// summarize. Safe to call repeatedly.
	TriggerSummarization(ctx context.Context, runID string) error

	// CompleteRun advances a non-terminal run to COMPLETED. A run that
	// is already terminal is left untouched.
	CompleteRun(ctx context.Context, runID string) error

	RecoverRun(ctx context.Context, runID string) (*RecoveryResult, error)
	Scan(ctx context.Context) (*RecoveryResult, error)
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log       logrus.FieldLogger
	cfg       *config.OrchestratorConfig
	store     store.Store
	queue     queue.Queue
	notifier  queue.Notifier
	planner   sampling.FinalTrialPlanner
	estimator CostEstimator
	archiver  Archiver
	engine    *enqueueEngine
}

// NewOrchestrator wires the run lifecycle engine. archiver may be nil
// when no archive backend is configured.
func NewOrchestrator(
	log logrus.FieldLogger,
	cfg *config.OrchestratorConfig,
	st store.Store,
	q queue.Queue,
	notifier queue.Notifier,
	planner sampling.FinalTrialPlanner,
	estimator CostEstimator,
	archiver Archiver,
) Orchestrator {
	olog := log.WithField("component", "orchestrator")

	return &orchestrator{
		log:       olog,
		cfg:       cfg,
		store:     st,
		queue:     q,
		notifier:  notifier,
		planner:   planner,
		estimator: estimator,
		archiver:  archiver,
		engine: newEnqueueEngine(
			olog, q,
			cfg.EnqueueBatchSize, cfg.RetryBatchSize, cfg.FailureLogCap,
		),
	}
}

// validPriorities are the accepted run priority labels.
var validPriorities = map[string]struct{}{
	store.PriorityLow:    {},
	store.PriorityNormal: {},
	store.PriorityHigh:   {},
}

// validate rejects malformed input before anything is persisted.
func validate(input *StartRunInput) error {
	if len(input.Models) == 0 {
		return fmt.Errorf("%w: at least one model is required", ErrInvalidInput)
	}

	if input.FinalTrial && len(input.ScenarioIDs) > 0 {
		return fmt.Errorf(
			"%w: scenarioIds and finalTrial are mutually exclusive",
			ErrInvalidInput,
		)
	}

	if !input.FinalTrial {
		if input.SamplePercentage < 1 || input.SamplePercentage > 100 {
			return fmt.Errorf(
				"%w: samplePercentage must be between 1 and 100, got %d",
				ErrInvalidInput, input.SamplePercentage,
			)
		}

		if input.SamplesPerScenario < 1 || input.SamplesPerScenario > 100 {
			return fmt.Errorf(
				"%w: samplesPerScenario must be between 1 and 100, got %d",
				ErrInvalidInput, input.SamplesPerScenario,
			)
		}
	}

	if input.Temperature != nil &&
		(*input.Temperature < 0 || *input.Temperature > 2) {
		return fmt.Errorf(
			"%w: temperature must be between 0 and 2, got %g",
			ErrInvalidInput, *input.Temperature,
		)
	}

	if input.Priority == "" {
		input.Priority = store.PriorityNormal
	}

	if _, ok := validPriorities[input.Priority]; !ok {
		return fmt.Errorf(
			"%w: priority must be one of LOW, NORMAL, HIGH, got %s",
			ErrInvalidInput, input.Priority,
		)
	}

	return nil
}

// StartRun validates, plans, persists, and enqueues a run. Validation
// and not-found errors abort before persistence; an enqueue integrity
// failure leaves the run force-failed and returns an error.
func (o *orchestrator) StartRun(
	ctx context.Context, input StartRunInput,
) (*StartRunResult, error) {
	if err := validate(&input); err != nil {
		return nil, err
	}

	if err := o.validateModels(ctx, input.Models); err != nil {
		return nil, err
	}

	definition, err := o.store.GetDefinition(ctx, input.DefinitionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf(
				"definition %s: %w", input.DefinitionID, store.ErrNotFound,
			)
		}

		return nil, err
	}

	if input.ExperimentID != nil {
		definition, err = o.rebuildSurveyScenarios(
			ctx, definition, *input.ExperimentID,
		)
		if err != nil {
			return nil, err
		}
	}

	scenarios, err := o.store.ListScenarios(ctx, definition.ID)
	if err != nil {
		return nil, err
	}

	if len(scenarios) == 0 {
		return nil, fmt.Errorf(
			"%w: definition %s has no scenarios", ErrInvalidInput, definition.ID,
		)
	}

	assignments, seed, runMode, err := o.planAssignments(
		ctx, &input, definition.ID, scenarios,
	)
	if err != nil {
		return nil, err
	}

	totalJobs := plan.TotalJobs(assignments)

	snapshot := buildSnapshot(definition, scenarios, plan.ScenarioIDs(assignments))

	costs, err := o.estimator.Estimate(
		ctx, assignments, &snapshot, o.cfg.ProbeMaxTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("estimating costs: %w", err)
	}

	now := time.Now().UTC()

	ordinal, err := o.store.CountRunsForDefinitionSince(
		ctx, definition.ID, dayStart(now),
	)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:           uuid.NewString(),
		Name:         runName(now, ordinal, input.FinalTrial),
		DefinitionID: definition.ID,
		ExperimentID: input.ExperimentID,
		Status:       store.StatusPending,
		Config: store.RunConfig{
			Models:             input.Models,
			SamplePercentage:   input.SamplePercentage,
			SampleSeed:         seed,
			SamplesPerScenario: input.SamplesPerScenario,
			Temperature:        input.Temperature,
			Priority:           input.Priority,
			RunMode:            runMode,
			IsFinalTrial:       input.FinalTrial,
			DefinitionSnapshot: snapshot,
			EstimatedCosts:     costs,
		},
		ProgressTotal: totalJobs,
	}

	selections := buildSelections(assignments)

	if err := o.store.CreateRunWithSelections(ctx, run, selections); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}

	o.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"run_name":   run.Name,
		"definition": definition.ID,
		"jobs":       totalJobs,
	}).Info("Run created")

	if err := o.enqueueProbes(ctx, run, assignments); err != nil {
		return nil, err
	}

	o.notifier.NotifyRunActivity(run.ID)

	return &StartRunResult{
		Run:            run,
		JobCount:       totalJobs,
		EstimatedCosts: costs,
	}, nil
}

// validateModels rejects unknown or inactive models.
func (o *orchestrator) validateModels(
	ctx context.Context, modelIDs []string,
) error {
	for _, id := range modelIDs {
		model, err := o.store.GetModel(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf(
					"%w: unknown model %s, refresh the model list",
					ErrInvalidInput, id,
				)
			}

			return err
		}

		if !model.Active {
			return fmt.Errorf(
				"%w: model %s is not active, refresh the model list",
				ErrInvalidInput, id,
			)
		}
	}

	return nil
}

// rebuildSurveyScenarios regenerates a survey experiment's scenario
// set from its canonical question plan, so the run reflects the latest
// survey edit. Returns the definition reloaded after the rebuild.
func (o *orchestrator) rebuildSurveyScenarios(
	ctx context.Context, definition *store.Definition, experimentID string,
) (*store.Definition, error) {
	experiment, err := o.store.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf(
				"experiment %s: %w", experimentID, store.ErrNotFound,
			)
		}

		return nil, err
	}

	if !experiment.IsSurvey() || len(experiment.Questions) == 0 {
		return definition, nil
	}

	scenarios := make([]store.Scenario, 0, len(experiment.Questions))

	for i, q := range experiment.Questions {
		scenarios = append(scenarios, store.Scenario{
			ID:           fmt.Sprintf("%s-q%d", experiment.ID, i),
			DefinitionID: definition.ID,
			Position:     i,
			Subject:      q.Text,
			Body:         surveyScenarioBody(q),
		})
	}

	if err := o.store.ReplaceScenarios(ctx, definition.ID, scenarios); err != nil {
		return nil, fmt.Errorf("rebuilding survey scenarios: %w", err)
	}

	o.log.WithFields(logrus.Fields{
		"experiment_id": experimentID,
		"scenarios":     len(scenarios),
	}).Info("Rebuilt survey scenarios")

	return o.store.GetDefinition(ctx, definition.ID)
}

// surveyScenarioBody renders one survey question as a probe scenario.
func surveyScenarioBody(q store.SurveyQuestion) string {
	body := q.Text

	for i, opt := range q.ResponseOptions {
		body += fmt.Sprintf("\n%d. %s", i+1, opt)
	}

	return body
}

// planAssignments runs the sampling and job planners and returns the
// per-pair sample assignments, the effective seed, and the run mode.
func (o *orchestrator) planAssignments(
	ctx context.Context,
	input *StartRunInput,
	definitionID string,
	scenarios []store.Scenario,
) ([]plan.Assignment, *int64, string, error) {
	scenarioIDs := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		scenarioIDs = append(scenarioIDs, s.ID)
	}

	if input.FinalTrial {
		plans, err := o.planner.Plan(
			ctx, definitionID, input.Models, scenarioIDs,
		)
		if err != nil {
			return nil, nil, "", fmt.Errorf("planning final trial: %w", err)
		}

		assignments := plan.FromFinalTrial(plans)
		if plan.TotalJobs(assignments) == 0 {
			return nil, nil, "", fmt.Errorf(
				"%w: every (model, scenario) pair already has enough samples",
				ErrInvalidInput,
			)
		}

		return assignments, nil, store.ModeFinal, nil
	}

	if len(input.ScenarioIDs) > 0 {
		selected, err := sampling.ValidateExplicit(
			input.ScenarioIDs, scenarioIDs,
		)
		if err != nil {
			return nil, nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}

		assignments := plan.Uniform(
			input.Models, selected, input.SamplesPerScenario,
		)

		return assignments, nil, store.ModeSpecificCondition, nil
	}

	seed := sampling.DefaultSeed(definitionID)
	if input.SampleSeed != nil {
		seed = *input.SampleSeed
	}

	selected := sampling.SamplePercentage(
		scenarioIDs, input.SamplePercentage, seed,
	)

	assignments := plan.Uniform(
		input.Models, selected, input.SamplesPerScenario,
	)

	return assignments, &seed, store.ModePercentage, nil
}

// buildSnapshot freezes the definition content the run will execute.
// Only the selected scenarios are embedded.
func buildSnapshot(
	definition *store.Definition,
	scenarios []store.Scenario,
	selectedIDs []string,
) store.DefinitionSnapshot {
	selected := make(map[string]struct{}, len(selectedIDs))
	for _, id := range selectedIDs {
		selected[id] = struct{}{}
	}

	snapshot := store.DefinitionSnapshot{
		Preamble:          definition.Preamble,
		DefinitionVersion: definition.Version,
		PreambleVersion:   definition.PreambleVersion,
		Scenarios:         make([]store.SnapshotScenario, 0, len(selectedIDs)),
	}

	for _, s := range scenarios {
		if _, ok := selected[s.ID]; !ok {
			continue
		}

		snapshot.Scenarios = append(snapshot.Scenarios, store.SnapshotScenario{
			ID:      s.ID,
			Subject: s.Subject,
			Body:    s.Body,
		})
	}

	return snapshot
}

// buildSelections converts assignments into the per-scenario selection
// rows persisted with the run.
func buildSelections(
	assignments []plan.Assignment,
) []store.RunScenarioSelection {
	byScenario := plan.SamplesByScenario(assignments)

	selections := make([]store.RunScenarioSelection, 0, len(byScenario))

	for _, scenarioID := range plan.ScenarioIDs(assignments) {
		selections = append(selections, store.RunScenarioSelection{
			ScenarioID:   scenarioID,
			ModelSamples: byScenario[scenarioID],
		})
	}

	return selections
}

// enqueueProbes routes and commits the run's probe jobs. An integrity
// failure force-fails the run and surfaces the error.
func (o *orchestrator) enqueueProbes(
	ctx context.Context, run *store.Run, assignments []plan.Assignment,
) error {
	specs := plan.ExpandJobs(run.ID, assignments)

	subs, err := o.buildSubmissions(ctx, run, specs)
	if err != nil {
		o.forceFail(ctx, run)

		return err
	}

	if _, err := o.engine.EnqueueAll(ctx, subs); err != nil {
		o.forceFail(ctx, run)

		return fmt.Errorf("enqueueing run %s: %w", run.ID, err)
	}

	return nil
}

// buildSubmissions resolves each spec's provider queue and payload.
// The router caches provider resolution for the duration of this call.
func (o *orchestrator) buildSubmissions(
	ctx context.Context, run *store.Run, specs []plan.ProbeJobSpec,
) ([]Submission, error) {
	router := plan.NewRouter(o.store)
	priority := queue.PriorityFromRun(run.Config.Priority)

	subs := make([]Submission, 0, len(specs))

	for _, spec := range specs {
		queueName, err := router.QueueFor(ctx, spec.ModelID)
		if err != nil {
			return nil, fmt.Errorf("routing job: %w", err)
		}

		payload, err := spec.Marshal()
		if err != nil {
			return nil, err
		}

		subs = append(subs, Submission{
			Queue:   queueName,
			Payload: payload,
			Opts: queue.SendOptions{
				Type:       queue.TypeProbe,
				RunID:      run.ID,
				Priority:   priority,
				MaxRetries: o.cfg.MaxJobRetries,
			},
		})
	}

	return subs, nil
}

// forceFail transitions a run to FAILED from any non-terminal status.
// A run that already reached a terminal status is left as is.
func (o *orchestrator) forceFail(ctx context.Context, run *store.Run) {
	_, err := o.store.TransitionRun(
		ctx, run.ID,
		[]store.RunStatus{
			store.StatusPending, store.StatusRunning, store.StatusSummarizing,
		},
		store.StatusFailed,
	)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		o.log.WithError(err).WithField("run_id", run.ID).
			Error("Failed to force-fail run")

		return
	}

	run.Status = store.StatusFailed

	o.log.WithField("run_id", run.ID).Warn("Run force-failed")
}

// CancelRun marks a non-terminal run CANCELLED and discards its
// undelivered jobs. In-flight jobs finish as no-ops once their workers
// see the terminal status.
func (o *orchestrator) CancelRun(
	ctx context.Context, runID string,
) (*store.Run, error) {
	run, err := o.store.TransitionRun(
		ctx, runID,
		[]store.RunStatus{
			store.StatusPending, store.StatusRunning, store.StatusSummarizing,
		},
		store.StatusCancelled,
	)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf(
				"%w: run %s is already terminal", ErrInvalidInput, runID,
			)
		}

		return nil, err
	}

	cancelled, err := o.queue.CancelForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"run_id":         runID,
		"cancelled_jobs": cancelled,
	}).Info("Run cancelled")

	return run, nil
}

// TriggerSummarization starts the summarization phase for a run whose
// probe work is complete, or completes the run when summarization is
// disabled or there is nothing left to summarize. Repeated calls do
// not double-enqueue: outstanding summarize jobs suppress resubmission.
func (o *orchestrator) TriggerSummarization(
	ctx context.Context, runID string,
) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if run.IsTerminal() {
		return nil
	}

	if !o.cfg.SummarizeEnabled {
		return o.CompleteRun(ctx, runID)
	}

	unsummarized, err := o.store.ListUnsummarizedTranscripts(ctx, runID)
	if err != nil {
		return err
	}

	if len(unsummarized) == 0 {
		return o.CompleteRun(ctx, runID)
	}

	if run.Status != store.StatusSummarizing {
		if _, err := o.store.TransitionRun(
			ctx, runID,
			[]store.RunStatus{store.StatusPending, store.StatusRunning},
			store.StatusSummarizing,
		); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}

			return err
		}
	}

	counts, err := o.queue.CountForRun(ctx, runID, queue.TypeSummarize)
	if err != nil {
		return err
	}

	if counts.Outstanding() {
		return nil
	}

	// The total must be on the run before any summarize job exists: a
	// worker in the same process can finish the first job before this
	// function returns, and progress against a zero total would read as
	// a finished phase.
	if err := o.store.SetSummarizeTotal(ctx, runID, len(unsummarized)); err != nil {
		return err
	}

	if _, err := o.enqueueSummarize(ctx, run, unsummarized); err != nil {
		o.forceFail(ctx, run)

		return fmt.Errorf("enqueueing summarization for %s: %w", runID, err)
	}

	o.notifier.NotifyRunActivity(runID)

	o.log.WithFields(logrus.Fields{
		"run_id": runID,
		"jobs":   len(unsummarized),
	}).Info("Summarization started")

	return nil
}

// enqueueSummarize submits one summarize job per transcript, routed to
// the summarize model's provider queue.
func (o *orchestrator) enqueueSummarize(
	ctx context.Context, run *store.Run, transcripts []store.Transcript,
) (int, error) {
	router := plan.NewRouter(o.store)

	queueName, err := router.QueueFor(ctx, o.cfg.SummarizeModel)
	if err != nil {
		return 0, err
	}

	priority := queue.PriorityFromRun(run.Config.Priority)

	subs := make([]Submission, 0, len(transcripts))

	for _, t := range transcripts {
		payload, err := plan.SummarizeJobSpec{
			RunID:        run.ID,
			TranscriptID: t.ID,
		}.Marshal()
		if err != nil {
			return 0, err
		}

		subs = append(subs, Submission{
			Queue:   queueName,
			Payload: payload,
			Opts: queue.SendOptions{
				Type:       queue.TypeSummarize,
				RunID:      run.ID,
				Priority:   priority,
				MaxRetries: o.cfg.MaxJobRetries,
			},
		})
	}

	if _, err := o.engine.EnqueueAll(ctx, subs); err != nil {
		return 0, err
	}

	return len(subs), nil
}

// CompleteRun advances a run to COMPLETED and archives its transcripts
// when an archive backend is configured. Archive failures are logged,
// not propagated: the run outcome is already durable.
func (o *orchestrator) CompleteRun(
	ctx context.Context, runID string,
) error {
	run, err := o.store.TransitionRun(
		ctx, runID,
		[]store.RunStatus{
			store.StatusPending, store.StatusRunning, store.StatusSummarizing,
		},
		store.StatusCompleted,
	)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}

		return err
	}

	o.log.WithFields(logrus.Fields{
		"run_id":   runID,
		"run_name": run.Name,
	}).Info("Run completed")

	if o.archiver != nil {
		transcripts, err := o.store.ListTranscripts(ctx, runID)
		if err != nil {
			o.log.WithError(err).WithField("run_id", runID).
				Warn("Skipping archive, transcripts unavailable")

			return nil
		}

		if err := o.archiver.ArchiveRun(ctx, run, transcripts); err != nil {
			o.log.WithError(err).WithField("run_id", runID).
				Warn("Archiving run failed")
		}
	}

	return nil
}
