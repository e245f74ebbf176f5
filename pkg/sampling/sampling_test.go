package sampling_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuerank/valuerank/pkg/sampling"
)

func scenarioIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("scen-%02d", i)
	}

	return ids
}

func TestSamplePercentage_Deterministic(t *testing.T) {
	ids := scenarioIDs(10)

	first := sampling.SamplePercentage(ids, 50, 42)
	second := sampling.SamplePercentage(ids, 50, 42)

	require.Len(t, first, 5)
	assert.Equal(t, first, second, "same seed must reproduce the subset")
}

func TestSamplePercentage_SeedChangesSubset(t *testing.T) {
	ids := scenarioIDs(20)

	a := sampling.SamplePercentage(ids, 50, 42)
	b := sampling.SamplePercentage(ids, 50, 43)

	assert.NotEqual(t, a, b, "different seeds should pick different subsets")
}

func TestSamplePercentage_FullPercentageReturnsAll(t *testing.T) {
	ids := scenarioIDs(7)

	for _, seed := range []int64{1, 42, -5, 0} {
		got := sampling.SamplePercentage(ids, 100, seed)
		assert.Equal(t, ids, got, "seed %d", seed)
	}

	got := sampling.SamplePercentage(ids, 150, 42)
	assert.Equal(t, ids, got)
}

func TestSamplePercentage_AtLeastOne(t *testing.T) {
	ids := scenarioIDs(10)

	got := sampling.SamplePercentage(ids, 1, 42)
	assert.Len(t, got, 1)
}

func TestSamplePercentage_TargetCount(t *testing.T) {
	tests := []struct {
		n          int
		percentage int
		want       int
	}{
		{10, 50, 5},
		{10, 25, 2},
		{3, 33, 1},
		{7, 49, 3},
		{1, 1, 1},
	}

	for _, tt := range tests {
		got := sampling.SamplePercentage(scenarioIDs(tt.n), tt.percentage, 7)
		assert.Len(t, got, tt.want, "n=%d pct=%d", tt.n, tt.percentage)
	}
}

func TestSamplePercentage_SubsetOfInput(t *testing.T) {
	ids := scenarioIDs(12)
	known := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		known[id] = struct{}{}
	}

	got := sampling.SamplePercentage(ids, 75, 99)
	require.Len(t, got, 9)

	seen := make(map[string]struct{}, len(got))

	for _, id := range got {
		_, ok := known[id]
		assert.True(t, ok, "sampled id %s not in input", id)

		_, dup := seen[id]
		assert.False(t, dup, "sampled id %s twice", id)
		seen[id] = struct{}{}
	}
}

func TestSamplePercentage_Empty(t *testing.T) {
	assert.Nil(t, sampling.SamplePercentage(nil, 50, 42))
}

func TestDefaultSeed_Deterministic(t *testing.T) {
	a := sampling.DefaultSeed("def-1")
	b := sampling.DefaultSeed("def-1")
	c := sampling.DefaultSeed("def-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDefaultSeed_ReproducesSample(t *testing.T) {
	ids := scenarioIDs(10)
	seed := sampling.DefaultSeed("def-1")

	first := sampling.SamplePercentage(ids, 50, seed)
	second := sampling.SamplePercentage(ids, 50, sampling.DefaultSeed("def-1"))

	assert.Equal(t, first, second)
}

func TestValidateExplicit(t *testing.T) {
	available := []string{"a", "b", "c"}

	got, err := sampling.ValidateExplicit([]string{"b", "a", "b"}, available)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, got, "dedup keeps first occurrence order")

	_, err = sampling.ValidateExplicit([]string{"a", "x", "y"}, available)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x")
	assert.Contains(t, err.Error(), "y")
}

// fakePriors serves canned decision codes per (model, scenario) pair.
type fakePriors struct {
	codes map[string][]string
}

func (f *fakePriors) ListDecisionCodes(
	_ context.Context, _, modelID, scenarioID string,
) ([]string, error) {
	return f.codes[modelID+"/"+scenarioID], nil
}

func repeat(code string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = code
	}

	return out
}

func TestWilsonPlanner(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	priors := &fakePriors{codes: map[string][]string{
		// No prior evidence: planner asks for the minimum batch.
		"gpt-4o/scen-new": nil,
		// Unanimous verdict over a large sample: interval is already
		// narrow, nothing more needed.
		"gpt-4o/scen-settled": repeat("3", 40),
		// Split verdict over a small sample: more samples needed.
		"gpt-4o/scen-split": {"1", "2", "1", "2", "1", "2"},
	}}

	planner := sampling.NewWilsonPlanner(
		log, priors, sampling.DefaultWilsonPlannerOptions(),
	)

	plans, err := planner.Plan(
		context.Background(), "def-1",
		[]string{"gpt-4o"},
		[]string{"scen-new", "scen-settled", "scen-split"},
	)
	require.NoError(t, err)

	byScenario := make(map[string]sampling.ConditionPlan, len(plans))
	for _, p := range plans {
		byScenario[p.ScenarioID] = p
	}

	require.Contains(t, byScenario, "scen-new")
	assert.Equal(t, 10, byScenario["scen-new"].NeededSamples)
	assert.Equal(t, 0, byScenario["scen-new"].PriorSamples)

	assert.NotContains(t, byScenario, "scen-settled",
		"settled pairs are omitted from the plan")

	require.Contains(t, byScenario, "scen-split")
	assert.Greater(t, byScenario["scen-split"].NeededSamples, 0)
	assert.LessOrEqual(t, byScenario["scen-split"].NeededSamples, 50)
	assert.Equal(t, 6, byScenario["scen-split"].PriorSamples)
}
