package sampling

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// ConditionPlan is the adaptive planner's verdict for one
// (model, scenario) pair: how many additional samples are needed to
// reach the target interval width. Pairs that already satisfy it are
// not emitted.
type ConditionPlan struct {
	ModelID       string
	ScenarioID    string
	PriorSamples  int
	NeededSamples int
}

// PriorSource supplies the decision codes recorded for a
// (definition, model, scenario) triple across earlier runs.
type PriorSource interface {
	ListDecisionCodes(
		ctx context.Context, definitionID, modelID, scenarioID string,
	) ([]string, error)
}

// FinalTrialPlanner sizes the sampling of a final trial from prior
// evidence rather than a fixed per-scenario count.
type FinalTrialPlanner interface {
	Plan(
		ctx context.Context,
		definitionID string,
		modelIDs, scenarioIDs []string,
	) ([]ConditionPlan, error)
}

// Compile-time interface check.
var _ FinalTrialPlanner = (*wilsonPlanner)(nil)

// WilsonPlannerOptions tune the adaptive sizing.
type WilsonPlannerOptions struct {
	// Confidence level for the Wilson score interval of the dominant
	// decision proportion.
	Confidence float64

	// TargetWidth is the full interval width the trial should reach.
	TargetWidth float64

	// MinSamples is the floor requested for a pair with no prior
	// evidence at all.
	MinSamples int

	// MaxSamples caps the additional samples requested per pair.
	MaxSamples int
}

// DefaultWilsonPlannerOptions are the sizing defaults: a 95% interval
// narrowed to ±0.10 around the dominant decision's proportion.
func DefaultWilsonPlannerOptions() WilsonPlannerOptions {
	return WilsonPlannerOptions{
		Confidence:  0.95,
		TargetWidth: 0.20,
		MinSamples:  10,
		MaxSamples:  50,
	}
}

type wilsonPlanner struct {
	log    logrus.FieldLogger
	priors PriorSource
	opts   WilsonPlannerOptions
}

// NewWilsonPlanner creates a FinalTrialPlanner that sizes each
// (model, scenario) pair from the Wilson score interval of its
// dominant decision proportion in prior runs.
func NewWilsonPlanner(
	log logrus.FieldLogger,
	priors PriorSource,
	opts WilsonPlannerOptions,
) FinalTrialPlanner {
	return &wilsonPlanner{
		log:    log.WithField("component", "final_trial_planner"),
		priors: priors,
		opts:   opts,
	}
}

// Plan returns the pairs that still need samples. A pair with no prior
// evidence gets MinSamples; a pair whose interval is already narrower
// than TargetWidth is omitted.
func (p *wilsonPlanner) Plan(
	ctx context.Context,
	definitionID string,
	modelIDs, scenarioIDs []string,
) ([]ConditionPlan, error) {
	var plans []ConditionPlan

	for _, modelID := range modelIDs {
		for _, scenarioID := range scenarioIDs {
			codes, err := p.priors.ListDecisionCodes(
				ctx, definitionID, modelID, scenarioID,
			)
			if err != nil {
				return nil, fmt.Errorf(
					"loading priors for %s/%s: %w", modelID, scenarioID, err,
				)
			}

			needed := p.neededSamples(codes)
			if needed == 0 {
				continue
			}

			plans = append(plans, ConditionPlan{
				ModelID:       modelID,
				ScenarioID:    scenarioID,
				PriorSamples:  len(codes),
				NeededSamples: needed,
			})
		}
	}

	p.log.WithFields(logrus.Fields{
		"definition_id": definitionID,
		"pairs":         len(plans),
	}).Debug("Planned final trial sampling")

	return plans, nil
}

// neededSamples estimates how many more observations bring the Wilson
// interval of the dominant decision proportion under the target width.
func (p *wilsonPlanner) neededSamples(codes []string) int {
	n := len(codes)
	if n == 0 {
		return p.opts.MinSamples
	}

	counts := make(map[string]int, len(codes))
	dominant := 0

	for _, code := range codes {
		counts[code]++
		if counts[code] > dominant {
			dominant = counts[code]
		}
	}

	prop := float64(dominant) / float64(n)
	z := probit((1 + p.opts.Confidence) / 2)

	if wilsonWidth(prop, n, z) <= p.opts.TargetWidth {
		return 0
	}

	// Solve the normal-approximation width for the total sample size,
	// then subtract what we already have.
	w := p.opts.TargetWidth
	total := math.Ceil(4 * z * z * prop * (1 - prop) / (w * w))

	needed := int(total) - n
	if needed < 1 {
		needed = 1
	}

	if needed > p.opts.MaxSamples {
		needed = p.opts.MaxSamples
	}

	return needed
}

// wilsonWidth is the full width of the Wilson score interval for
// proportion prop over n trials.
func wilsonWidth(prop float64, n int, z float64) float64 {
	fn := float64(n)
	z2 := z * z

	denominator := 1 + z2/fn
	margin := (z / denominator) *
		math.Sqrt(prop*(1-prop)/fn+z2/(4*fn*fn))

	return 2 * margin
}

// probit approximates the standard normal quantile function using the
// Beasley-Springer-Moro rational fit, which is more than accurate
// enough for sample sizing.
func probit(p float64) float64 {
	if p <= 0 || p >= 1 {
		return math.NaN()
	}

	a := [6]float64{
		-39.69683028665376, 220.9460984245205, -275.9285104469687,
		138.3577518672690, -30.66479806614716, 2.506628277459239,
	}
	b := [5]float64{
		-54.47609879822406, 161.5858368580409, -155.6989798598866,
		66.80131188771972, -13.28068155288572,
	}
	c := [6]float64{
		-0.007784894002430293, -0.3223964580411365, -2.400758277161838,
		-2.549732539343734, 4.374664141464968, 2.938163982698783,
	}
	d := [4]float64{
		0.007784695709041462, 0.3224671290700398,
		2.445134137142996, 3.754408661907416,
	}

	const low, high = 0.02425, 1 - 0.02425

	switch {
	case p < low:
		q := math.Sqrt(-2 * math.Log(p))

		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p > high:
		q := math.Sqrt(-2 * math.Log(1-p))

		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	default:
		q := p - 0.5
		r := q * q

		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	}
}
