package plan_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuerank/valuerank/pkg/plan"
	"github.com/valuerank/valuerank/pkg/sampling"
	"github.com/valuerank/valuerank/pkg/store"
)

func TestUniform(t *testing.T) {
	assignments := plan.Uniform(
		[]string{"gpt-4o", "claude-3"},
		[]string{"s1", "s2", "s3"},
		2,
	)

	require.Len(t, assignments, 6)
	assert.Equal(t, 12, plan.TotalJobs(assignments))

	for _, a := range assignments {
		assert.Equal(t, 2, a.Samples)
	}
}

func TestFromFinalTrial(t *testing.T) {
	assignments := plan.FromFinalTrial([]sampling.ConditionPlan{
		{ModelID: "gpt-4o", ScenarioID: "s1", NeededSamples: 5},
		{ModelID: "gpt-4o", ScenarioID: "s2", NeededSamples: 0},
		{ModelID: "claude-3", ScenarioID: "s1", NeededSamples: 3},
	})

	require.Len(t, assignments, 2)
	assert.Equal(t, 8, plan.TotalJobs(assignments))
}

func TestExpandJobs(t *testing.T) {
	specs := plan.ExpandJobs("run-1", []plan.Assignment{
		{ModelID: "gpt-4o", ScenarioID: "s1", Samples: 2},
		{ModelID: "claude-3", ScenarioID: "s2", Samples: 1},
	})

	require.Len(t, specs, 3)

	assert.Equal(t, plan.ProbeJobSpec{
		RunID: "run-1", ScenarioID: "s1", ModelID: "gpt-4o", SampleIndex: 0,
	}, specs[0])
	assert.Equal(t, plan.ProbeJobSpec{
		RunID: "run-1", ScenarioID: "s1", ModelID: "gpt-4o", SampleIndex: 1,
	}, specs[1])
	assert.Equal(t, plan.ProbeJobSpec{
		RunID: "run-1", ScenarioID: "s2", ModelID: "claude-3", SampleIndex: 0,
	}, specs[2])
}

func TestProbeJobSpecRoundTrip(t *testing.T) {
	spec := plan.ProbeJobSpec{
		RunID: "run-1", ScenarioID: "s1", ModelID: "gpt-4o", SampleIndex: 3,
	}

	payload, err := spec.Marshal()
	require.NoError(t, err)

	got, err := plan.UnmarshalProbeJobSpec(payload)
	require.NoError(t, err)
	assert.Equal(t, spec, got)

	_, err = plan.UnmarshalProbeJobSpec([]byte("not json"))
	assert.Error(t, err)
}

func TestScenarioIDsAndSamplesByScenario(t *testing.T) {
	assignments := []plan.Assignment{
		{ModelID: "gpt-4o", ScenarioID: "s2", Samples: 2},
		{ModelID: "gpt-4o", ScenarioID: "s1", Samples: 2},
		{ModelID: "claude-3", ScenarioID: "s1", Samples: 4},
	}

	assert.Equal(t, []string{"s1", "s2"}, plan.ScenarioIDs(assignments))

	byScenario := plan.SamplesByScenario(assignments)
	require.Len(t, byScenario, 2)
	assert.Equal(t, map[string]int{"gpt-4o": 2, "claude-3": 4}, byScenario["s1"])
	assert.Equal(t, map[string]int{"gpt-4o": 2}, byScenario["s2"])
}

// fakeModelSource resolves models from a map and counts lookups.
type fakeModelSource struct {
	models  map[string]*store.Model
	lookups int
}

func (f *fakeModelSource) GetModel(
	_ context.Context, id string,
) (*store.Model, error) {
	f.lookups++

	m, ok := f.models[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return m, nil
}

func TestRouter_QueueFor(t *testing.T) {
	src := &fakeModelSource{models: map[string]*store.Model{
		"gpt-4o":   {ID: "gpt-4o", Provider: "openai"},
		"my-model": {ID: "my-model", Provider: "selfhosted"},
	}}

	r := plan.NewRouter(src)
	ctx := context.Background()

	queue, err := r.QueueFor(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", queue)

	// Registry beats name inference.
	queue, err = r.QueueFor(ctx, "my-model")
	require.NoError(t, err)
	assert.Equal(t, "selfhosted", queue)

	// Unregistered models fall back to name inference.
	queue, err = r.QueueFor(ctx, "claude-3-5-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", queue)

	queue, err = r.QueueFor(ctx, "unknown-model")
	require.NoError(t, err)
	assert.Equal(t, "mock", queue)
}

func TestRouter_CachesLookups(t *testing.T) {
	src := &fakeModelSource{models: map[string]*store.Model{
		"gpt-4o": {ID: "gpt-4o", Provider: "openai"},
	}}

	r := plan.NewRouter(src)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.QueueFor(ctx, "gpt-4o")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, src.lookups)
}
