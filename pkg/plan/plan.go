// Package plan turns a run's scenario selection into the flat list of
// probe jobs the enqueue engine commits to the queue.
package plan

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/valuerank/valuerank/pkg/sampling"
)

// Assignment is the planned sample count for one (model, scenario)
// pair.
type Assignment struct {
	ModelID    string
	ScenarioID string
	Samples    int
}

// ProbeJobSpec is the payload of one probe job: execute one sample of
// one scenario against one model.
type ProbeJobSpec struct {
	RunID       string `json:"runId"`
	ScenarioID  string `json:"scenarioId"`
	ModelID     string `json:"modelId"`
	SampleIndex int    `json:"sampleIndex"`
}

// Marshal encodes the spec for the queue payload.
func (s ProbeJobSpec) Marshal() ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding probe job spec: %w", err)
	}

	return payload, nil
}

// UnmarshalProbeJobSpec decodes a queue payload back into a spec.
func UnmarshalProbeJobSpec(payload []byte) (ProbeJobSpec, error) {
	var spec ProbeJobSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return ProbeJobSpec{}, fmt.Errorf("decoding probe job spec: %w", err)
	}

	return spec, nil
}

// SummarizeJobSpec is the payload of one summarize job: extract the
// decision code from one recorded transcript.
type SummarizeJobSpec struct {
	RunID        string `json:"runId"`
	TranscriptID string `json:"transcriptId"`
}

// Marshal encodes the spec for the queue payload.
func (s SummarizeJobSpec) Marshal() ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding summarize job spec: %w", err)
	}

	return payload, nil
}

// UnmarshalSummarizeJobSpec decodes a queue payload back into a spec.
func UnmarshalSummarizeJobSpec(payload []byte) (SummarizeJobSpec, error) {
	var spec SummarizeJobSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return SummarizeJobSpec{}, fmt.Errorf(
			"decoding summarize job spec: %w", err,
		)
	}

	return spec, nil
}

// Uniform assigns the same sample count to every (model, scenario)
// pair. This is the percentage and explicit-selection planning path.
func Uniform(
	modelIDs, scenarioIDs []string, samplesPerScenario int,
) []Assignment {
	assignments := make(
		[]Assignment, 0, len(modelIDs)*len(scenarioIDs),
	)

	for _, modelID := range modelIDs {
		for _, scenarioID := range scenarioIDs {
			assignments = append(assignments, Assignment{
				ModelID:    modelID,
				ScenarioID: scenarioID,
				Samples:    samplesPerScenario,
			})
		}
	}

	return assignments
}

// FromFinalTrial converts an adaptive plan into assignments. Pairs the
// planner omitted need no samples and produce no assignment.
func FromFinalTrial(plans []sampling.ConditionPlan) []Assignment {
	assignments := make([]Assignment, 0, len(plans))

	for _, p := range plans {
		if p.NeededSamples <= 0 {
			continue
		}

		assignments = append(assignments, Assignment{
			ModelID:    p.ModelID,
			ScenarioID: p.ScenarioID,
			Samples:    p.NeededSamples,
		})
	}

	return assignments
}

// TotalJobs is the probe job count an assignment set expands to.
func TotalJobs(assignments []Assignment) int {
	total := 0
	for _, a := range assignments {
		total += a.Samples
	}

	return total
}

// ExpandJobs flattens assignments into one spec per sample, with
// sample indexes 0..samples-1 per pair. Output order is deterministic:
// assignments in input order, samples in index order.
func ExpandJobs(runID string, assignments []Assignment) []ProbeJobSpec {
	specs := make([]ProbeJobSpec, 0, TotalJobs(assignments))

	for _, a := range assignments {
		for i := 0; i < a.Samples; i++ {
			specs = append(specs, ProbeJobSpec{
				RunID:       runID,
				ScenarioID:  a.ScenarioID,
				ModelID:     a.ModelID,
				SampleIndex: i,
			})
		}
	}

	return specs
}

// ScenarioIDs returns the distinct scenario ids covered by an
// assignment set, sorted.
func ScenarioIDs(assignments []Assignment) []string {
	seen := make(map[string]struct{}, len(assignments))

	for _, a := range assignments {
		seen[a.ScenarioID] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// SamplesByScenario regroups assignments into per-scenario maps of
// model to sample count, the shape persisted on scenario selections.
func SamplesByScenario(
	assignments []Assignment,
) map[string]map[string]int {
	out := make(map[string]map[string]int)

	for _, a := range assignments {
		if out[a.ScenarioID] == nil {
			out[a.ScenarioID] = make(map[string]int)
		}

		out[a.ScenarioID][a.ModelID] = a.Samples
	}

	return out
}
