package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuerank/valuerank/pkg/config"
	"github.com/valuerank/valuerank/pkg/queue"
	"github.com/valuerank/valuerank/pkg/store"
)

func setupTestQueue(t *testing.T) queue.Queue {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	q := queue.NewQueue(log, s.DB())
	require.NoError(t, q.Start(context.Background()))

	return q
}

func TestQueue_SendAndFetch(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Send(ctx, "openai", []byte(`{"runId":"run-1"}`),
		queue.SendOptions{
			Type:       queue.TypeProbe,
			RunID:      "run-1",
			Priority:   queue.PriorityNormal,
			MaxRetries: 2,
		})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := q.Fetch(ctx, "openai")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, queue.StateActive, job.State)
	assert.Equal(t, `{"runId":"run-1"}`, string(job.Payload))

	// An active job is not fetchable again.
	again, err := q.Fetch(ctx, "openai")
	require.NoError(t, err)
	assert.Nil(t, again)

	// Other queues see nothing.
	other, err := q.Fetch(ctx, "anthropic")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestQueue_FetchHonorsPriority(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Send(ctx, "openai", nil, queue.SendOptions{
		Type: queue.TypeProbe, RunID: "run-low",
		Priority: queue.PriorityLow,
	})
	require.NoError(t, err)

	highID, err := q.Send(ctx, "openai", nil, queue.SendOptions{
		Type: queue.TypeProbe, RunID: "run-high",
		Priority: queue.PriorityHigh,
	})
	require.NoError(t, err)

	job, err := q.Fetch(ctx, "openai")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, highID, job.ID)
}

func TestQueue_Complete(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Send(ctx, "openai", nil, queue.SendOptions{
		Type: queue.TypeProbe, RunID: "run-1",
	})
	require.NoError(t, err)

	_, err = q.Fetch(ctx, "openai")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, jobID))

	// Completing twice fails: the job is no longer active.
	assert.Error(t, q.Complete(ctx, jobID))

	counts, err := q.CountForRun(ctx, "run-1", queue.TypeProbe)
	require.NoError(t, err)
	assert.False(t, counts.Outstanding())
}

func TestQueue_FailRetriesThenRetires(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Send(ctx, "openai", nil, queue.SendOptions{
		Type:       queue.TypeProbe,
		RunID:      "run-1",
		MaxRetries: 1,
	})
	require.NoError(t, err)

	// First failure goes back to pending.
	_, err = q.Fetch(ctx, "openai")
	require.NoError(t, err)

	retired, err := q.Fail(ctx, jobID, errors.New("provider timeout"))
	require.NoError(t, err)
	assert.False(t, retired)

	job, err := q.Fetch(ctx, "openai")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "provider timeout", job.LastError)

	// Second failure exhausts MaxRetries and retires the job.
	retired, err = q.Fail(ctx, jobID, errors.New("provider timeout"))
	require.NoError(t, err)
	assert.True(t, retired)

	job, err = q.Fetch(ctx, "openai")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_FailUnknownJob(t *testing.T) {
	q := setupTestQueue(t)

	_, err := q.Fail(context.Background(), "missing", errors.New("x"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueue_CountForRun(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Send(ctx, "openai", nil, queue.SendOptions{
			Type: queue.TypeProbe, RunID: "run-1",
		})
		require.NoError(t, err)
	}

	_, err := q.Send(ctx, "openai", nil, queue.SendOptions{
		Type: queue.TypeSummarize, RunID: "run-1",
	})
	require.NoError(t, err)

	_, err = q.Fetch(ctx, "openai")
	require.NoError(t, err)

	counts, err := q.CountForRun(ctx, "run-1", queue.TypeProbe)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Pending)
	assert.Equal(t, int64(1), counts.Active)
	assert.True(t, counts.Outstanding())
}

func TestQueue_CancelForRun(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := q.Send(ctx, "openai", nil, queue.SendOptions{
			Type: queue.TypeProbe, RunID: "run-1",
		})
		require.NoError(t, err)
	}

	_, err := q.Send(ctx, "openai", nil, queue.SendOptions{
		Type: queue.TypeProbe, RunID: "run-2",
	})
	require.NoError(t, err)

	cancelled, err := q.CancelForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cancelled)

	// run-2 is untouched.
	job, err := q.Fetch(ctx, "openai")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "run-2", job.RunID)
}

func TestPriorityFromRun(t *testing.T) {
	assert.Equal(t, queue.PriorityHigh, queue.PriorityFromRun(store.PriorityHigh))
	assert.Equal(t, queue.PriorityLow, queue.PriorityFromRun(store.PriorityLow))
	assert.Equal(t, queue.PriorityNormal, queue.PriorityFromRun(store.PriorityNormal))
	assert.Equal(t, queue.PriorityNormal, queue.PriorityFromRun("bogus"))
}
