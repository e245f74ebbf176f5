package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/valuerank/valuerank/pkg/llm"
	"github.com/valuerank/valuerank/pkg/plan"
	"github.com/valuerank/valuerank/pkg/store"
)

// charsPerToken is the rough character-to-token ratio used for prompt
// size estimation. Estimates are for budgeting, not billing.
const charsPerToken = 4

// CostEstimator prices a planned run from its assignment shape. Pure:
// reads pricing, mutates nothing.
type CostEstimator interface {
	Estimate(
		ctx context.Context,
		assignments []plan.Assignment,
		snapshot *store.DefinitionSnapshot,
		maxOutputTokens int,
	) (store.CostBreakdown, error)
}

// Compile-time interface check.
var _ CostEstimator = (*registryEstimator)(nil)

// registryEstimator prices probes from the model registry's
// milli-cents-per-1M-token rates. Models without a registry entry
// estimate at zero.
type registryEstimator struct {
	models plan.ModelSource
}

// NewCostEstimator creates an estimator backed by the model registry.
func NewCostEstimator(models plan.ModelSource) CostEstimator {
	return &registryEstimator{models: models}
}

// Estimate prices each model's probes: prompt tokens approximated from
// the snapshot's preamble plus the mean scenario length, output tokens
// bounded by the probe token cap.
func (e *registryEstimator) Estimate(
	ctx context.Context,
	assignments []plan.Assignment,
	snapshot *store.DefinitionSnapshot,
	maxOutputTokens int,
) (store.CostBreakdown, error) {
	promptTokens := promptTokenEstimate(snapshot)

	probesByModel := make(map[string]int)
	order := make([]string, 0)

	for _, a := range assignments {
		if _, seen := probesByModel[a.ModelID]; !seen {
			order = append(order, a.ModelID)
		}

		probesByModel[a.ModelID] += a.Samples
	}

	breakdown := store.CostBreakdown{
		PerModel: make([]store.ModelCost, 0, len(order)),
	}

	for _, modelID := range order {
		probes := probesByModel[modelID]

		var promptRate, outputRate int64

		provider := llm.InferProvider(modelID)

		model, err := e.models.GetModel(ctx, modelID)

		switch {
		case err == nil:
			promptRate = model.PromptMilliCents1M
			outputRate = model.OutputMilliCents1M
			if model.Provider != "" {
				provider = model.Provider
			}
		case errors.Is(err, store.ErrNotFound):
			// Unpriced model, estimate stays zero.
		default:
			return store.CostBreakdown{}, fmt.Errorf(
				"loading pricing for %s: %w", modelID, err,
			)
		}

		perProbe := (int64(promptTokens)*promptRate +
			int64(maxOutputTokens)*outputRate) / 1_000_000

		cost := store.ModelCost{
			ModelID:    modelID,
			Provider:   provider,
			Probes:     probes,
			MilliCents: int64(probes) * perProbe,
		}

		breakdown.PerModel = append(breakdown.PerModel, cost)
		breakdown.TotalMilliCents += cost.MilliCents
	}

	return breakdown, nil
}

// promptTokenEstimate approximates the prompt size of one probe:
// preamble plus the mean scenario body.
func promptTokenEstimate(snapshot *store.DefinitionSnapshot) int {
	chars := len(snapshot.Preamble)

	if n := len(snapshot.Scenarios); n > 0 {
		total := 0
		for _, s := range snapshot.Scenarios {
			total += len(s.Subject) + len(s.Body)
		}

		chars += total / n
	}

	return chars / charsPerToken
}
