package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/valuerank/valuerank/pkg/plan"
	"github.com/valuerank/valuerank/pkg/queue"
	"github.com/valuerank/valuerank/pkg/store"
)

// Recovery actions, in repair priority order.
const (
	ActionRequeuedProbes         = "requeued_probes"
	ActionRequeuedSummarizeJobs  = "requeued_summarize_jobs"
	ActionCompletedRun           = "completed_run"
	ActionNoMissingProbes        = "no_missing_probes"
	ActionTriggeredSummarization = "triggered_summarization"
)

// DetectedRun describes one recovery candidate and what the engine
// observed about it.
type DetectedRun struct {
	RunID         string          `json:"runId"`
	Status        store.RunStatus `json:"status"`
	ProgressTotal int             `json:"progressTotal"`
	ProgressDone  int             `json:"progressDone"`
	PendingJobs   int64           `json:"pendingJobs"`
	ActiveJobs    int64           `json:"activeJobs"`
	MissingProbes int             `json:"missingProbes"`
	StuckMinutes  int             `json:"stuckMinutes"`
}

// RecoveredRun records the repair applied to one run.
type RecoveredRun struct {
	RunID         string `json:"runId"`
	Action        string `json:"action"`
	RequeuedCount int    `json:"requeuedCount,omitempty"`
}

// RecoveryError records a failure repairing one run. It never aborts
// the scan.
type RecoveryError struct {
	RunID string `json:"runId"`
	Error string `json:"error"`
}

// RecoveryResult is the outcome of a recovery pass.
type RecoveryResult struct {
	Detected  []DetectedRun   `json:"detected"`
	Recovered []RecoveredRun  `json:"recovered"`
	Errors    []RecoveryError `json:"errors"`
}

// recoverableStatuses are the only statuses recovery ever touches.
var recoverableStatuses = []store.RunStatus{
	store.StatusRunning, store.StatusSummarizing,
}

func recoverable(run *store.Run) bool {
	return (run.Status == store.StatusRunning ||
		run.Status == store.StatusSummarizing) &&
		!run.DeletedAt.Valid
}

// RecoverRun reconciles a single run on demand. Runs that are not in a
// recoverable status produce an empty result rather than an error, so
// probing a healthy or terminal run is harmless.
func (o *orchestrator) RecoverRun(
	ctx context.Context, runID string,
) (*RecoveryResult, error) {
	result := &RecoveryResult{
		Detected:  []DetectedRun{},
		Recovered: []RecoveredRun{},
		Errors:    []RecoveryError{},
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if !recoverable(run) {
		return result, nil
	}

	o.recoverOne(ctx, run, result)

	return result, nil
}

// Scan detects every stuck run and repairs each independently. A
// failure on one run is recorded and never blocks the others.
func (o *orchestrator) Scan(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{
		Detected:  []DetectedRun{},
		Recovered: []RecoveredRun{},
		Errors:    []RecoveryError{},
	}

	cutoff := time.Now().UTC().Add(-o.cfg.StuckThreshold())

	stuck, err := o.store.ListStuckRuns(ctx, recoverableStatuses, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stuck runs: %w", err)
	}

	for i := range stuck {
		o.recoverOne(ctx, &stuck[i], result)
	}

	if len(stuck) > 0 {
		o.log.WithFields(logrus.Fields{
			"detected":  len(result.Detected),
			"recovered": len(result.Recovered),
			"errors":    len(result.Errors),
		}).Info("Recovery scan finished")
	}

	return result, nil
}

// recoverOne inspects one candidate and applies at most one repair
// action, appending to the shared result. All failures land in
// result.Errors.
func (o *orchestrator) recoverOne(
	ctx context.Context, run *store.Run, result *RecoveryResult,
) {
	detected, missing, err := o.inspect(ctx, run)
	if err != nil {
		result.Errors = append(result.Errors, RecoveryError{
			RunID: run.ID, Error: err.Error(),
		})

		return
	}

	result.Detected = append(result.Detected, detected)

	recovered, err := o.repair(ctx, run, detected, missing)
	if err != nil {
		result.Errors = append(result.Errors, RecoveryError{
			RunID: run.ID, Error: err.Error(),
		})

		return
	}

	result.Recovered = append(result.Recovered, recovered)
}

// inspect computes the candidate's observed state: outstanding probe
// jobs and the exact set of expected-but-missing probe results.
func (o *orchestrator) inspect(
	ctx context.Context, run *store.Run,
) (DetectedRun, []plan.ProbeJobSpec, error) {
	counts, err := o.queue.CountForRun(ctx, run.ID, queue.TypeProbe)
	if err != nil {
		return DetectedRun{}, nil, fmt.Errorf("counting probe jobs: %w", err)
	}

	missing, err := o.missingProbes(ctx, run)
	if err != nil {
		return DetectedRun{}, nil, err
	}

	stuck := int(time.Since(run.UpdatedAt).Minutes())
	if stuck < 0 {
		stuck = 0
	}

	return DetectedRun{
		RunID:         run.ID,
		Status:        run.Status,
		ProgressTotal: run.ProgressTotal,
		ProgressDone:  run.ProgressCompleted + run.ProgressFailed,
		PendingJobs:   counts.Pending,
		ActiveJobs:    counts.Active,
		MissingProbes: len(missing),
		StuckMinutes:  stuck,
	}, missing, nil
}

// missingProbes reconstructs the expected (model, scenario, sample)
// set from the run's persisted selections and subtracts the observed
// transcripts.
func (o *orchestrator) missingProbes(
	ctx context.Context, run *store.Run,
) ([]plan.ProbeJobSpec, error) {
	selections, err := o.store.ListSelections(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	transcripts, err := o.store.ListTranscripts(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	observed := make(map[string]struct{}, len(transcripts))
	for _, t := range transcripts {
		observed[probeKey(t.ModelID, t.ScenarioID, t.SampleIndex)] = struct{}{}
	}

	var missing []plan.ProbeJobSpec

	for _, sel := range selections {
		for modelID, samples := range sel.ModelSamples {
			for idx := 0; idx < samples; idx++ {
				key := probeKey(modelID, sel.ScenarioID, idx)
				if _, ok := observed[key]; ok {
					continue
				}

				missing = append(missing, plan.ProbeJobSpec{
					RunID:       run.ID,
					ScenarioID:  sel.ScenarioID,
					ModelID:     modelID,
					SampleIndex: idx,
				})
			}
		}
	}

	return missing, nil
}

func probeKey(modelID, scenarioID string, sampleIndex int) string {
	return fmt.Sprintf("%s|%s|%d", modelID, scenarioID, sampleIndex)
}

// repair applies the first applicable action. Requeues only happen
// when nothing for the run is pending or active, which is what makes
// repeated recovery idempotent.
func (o *orchestrator) repair(
	ctx context.Context,
	run *store.Run,
	detected DetectedRun,
	missing []plan.ProbeJobSpec,
) (RecoveredRun, error) {
	jobsOutstanding := detected.PendingJobs+detected.ActiveJobs > 0

	if run.Status == store.StatusRunning {
		switch {
		case len(missing) > 0 && !jobsOutstanding:
			requeued, err := o.requeueProbes(ctx, run, missing)
			if err != nil {
				return RecoveredRun{}, err
			}

			return RecoveredRun{
				RunID:         run.ID,
				Action:        ActionRequeuedProbes,
				RequeuedCount: requeued,
			}, nil

		case len(missing) == 0 && !jobsOutstanding:
			// Every probe result is present; move the run forward.
			if err := o.TriggerSummarization(ctx, run.ID); err != nil {
				return RecoveredRun{}, err
			}

			return RecoveredRun{
				RunID:  run.ID,
				Action: ActionTriggeredSummarization,
			}, nil

		default:
			// Jobs are still working their way through the queue.
			if err := o.store.TouchRun(ctx, run.ID); err != nil {
				return RecoveredRun{}, err
			}

			return RecoveredRun{
				RunID:  run.ID,
				Action: ActionNoMissingProbes,
			}, nil
		}
	}

	// SUMMARIZING.
	unsummarized, err := o.store.ListUnsummarizedTranscripts(ctx, run.ID)
	if err != nil {
		return RecoveredRun{}, err
	}

	if len(unsummarized) == 0 {
		if err := o.CompleteRun(ctx, run.ID); err != nil {
			return RecoveredRun{}, err
		}

		return RecoveredRun{
			RunID:  run.ID,
			Action: ActionCompletedRun,
		}, nil
	}

	sumCounts, err := o.queue.CountForRun(ctx, run.ID, queue.TypeSummarize)
	if err != nil {
		return RecoveredRun{}, err
	}

	if sumCounts.Outstanding() {
		if err := o.store.TouchRun(ctx, run.ID); err != nil {
			return RecoveredRun{}, err
		}

		return RecoveredRun{
			RunID:  run.ID,
			Action: ActionNoMissingProbes,
		}, nil
	}

	requeued, err := o.enqueueSummarize(ctx, run, unsummarized)
	if err != nil {
		return RecoveredRun{}, err
	}

	if err := o.store.TouchRun(ctx, run.ID); err != nil {
		return RecoveredRun{}, err
	}

	o.notifier.NotifyRunActivity(run.ID)

	return RecoveredRun{
		RunID:         run.ID,
		Action:        ActionRequeuedSummarizeJobs,
		RequeuedCount: requeued,
	}, nil
}

// requeueProbes resubmits exactly the missing probe jobs through the
// same router and enqueue path used at run start.
func (o *orchestrator) requeueProbes(
	ctx context.Context, run *store.Run, missing []plan.ProbeJobSpec,
) (int, error) {
	subs, err := o.buildSubmissions(ctx, run, missing)
	if err != nil {
		return 0, err
	}

	if _, err := o.engine.EnqueueAll(ctx, subs); err != nil {
		return 0, fmt.Errorf("requeueing probes for %s: %w", run.ID, err)
	}

	if err := o.store.TouchRun(ctx, run.ID); err != nil {
		return 0, err
	}

	o.notifier.NotifyRunActivity(run.ID)

	o.log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"requeued": len(missing),
	}).Info("Requeued missing probes")

	return len(missing), nil
}
