package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/valuerank/valuerank/pkg/llm"
	"github.com/valuerank/valuerank/pkg/plan"
	"github.com/valuerank/valuerank/pkg/queue"
	"github.com/valuerank/valuerank/pkg/store"
)

// systemPrompt frames every probe conversation.
const systemPrompt = "You are an AI assistant providing moral reasoning analyses."

// scenarioPromptLabel tags the opening turn of a transcript.
const scenarioPromptLabel = "scenario_prompt"

// handleProbe executes one (scenario, model, sample) probe: render the
// prompt from the run's definition snapshot, call the provider, and
// record the transcript. Returning a non-nil error sends the job back
// through the queue's retry accounting.
func (w *worker) handleProbe(ctx context.Context, job *queue.Job) error {
	spec, err := plan.UnmarshalProbeJobSpec(job.Payload)
	if err != nil {
		return fmt.Errorf("decoding probe payload: %w", err)
	}

	run, ok, err := w.actionableRun(ctx, spec.RunID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	if !ok {
		// Run is terminal or gone; settle the job without probing.
		return w.queue.Complete(ctx, job.ID)
	}

	if run.Status == store.StatusPending {
		// First probe to execute moves the run to RUNNING; losing the
		// race to a sibling job is fine.
		if _, err := w.store.TransitionRun(
			ctx, run.ID,
			[]store.RunStatus{store.StatusPending},
			store.StatusRunning,
		); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("starting run: %w", err)
		}
	}

	scenario := run.Config.DefinitionSnapshot.Scenario(spec.ScenarioID)
	if scenario == nil {
		return fmt.Errorf("scenario %s not in run snapshot", spec.ScenarioID)
	}

	adapter, err := w.registry.Lookup(job.Queue)
	if err != nil {
		return fmt.Errorf("resolving provider: %w", err)
	}

	prompt := renderScenarioPrompt(
		run.Config.DefinitionSnapshot.Preamble, scenario.Body,
	)

	resp, err := adapter.Complete(ctx, llm.Request{
		Model:       spec.ModelID,
		System:      systemPrompt,
		Prompt:      prompt,
		Temperature: run.Config.Temperature,
		MaxTokens:   w.cfg.Orchestrator.ProbeMaxTokens,
	})
	if err != nil {
		return fmt.Errorf("probing %s: %w", spec.ModelID, err)
	}

	transcript := &store.Transcript{
		RunID:       run.ID,
		ScenarioID:  spec.ScenarioID,
		ModelID:     spec.ModelID,
		SampleIndex: spec.SampleIndex,
		Content: store.TranscriptContent{
			Turns: []store.TranscriptTurn{
				{
					TurnNumber:     1,
					PromptLabel:    scenarioPromptLabel,
					ProbePrompt:    prompt,
					TargetResponse: resp.Text,
				},
			},
		},
	}

	if err := w.store.UpsertTranscript(ctx, transcript); err != nil {
		return fmt.Errorf("recording transcript: %w", err)
	}

	if err := w.queue.Complete(ctx, job.ID); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}

	fresh, err := w.store.IncrementProbeProgress(ctx, run.ID, false)
	if err != nil {
		return fmt.Errorf("recording progress: %w", err)
	}

	if fresh.ProbesDone() {
		if err := w.orchestrator.TriggerSummarization(ctx, fresh.ID); err != nil {
			w.log.WithError(err).WithField("run_id", fresh.ID).
				Warn("Triggering summarization failed")
		}
	}

	return nil
}

// renderScenarioPrompt builds the opening user message from the
// definition preamble and scenario body.
func renderScenarioPrompt(preamble, body string) string {
	preamble = strings.TrimSpace(preamble)
	body = strings.TrimSpace(body)

	if preamble == "" {
		return body
	}

	return preamble + "\n\n" + body
}
