package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/valuerank/valuerank/pkg/queue"
)

// ErrEnqueueIncomplete marks a run whose planned jobs could not all be
// committed to the durable queue, even after the retry pass.
var ErrEnqueueIncomplete = errors.New("enqueue incomplete")

// Submission is one job ready for the queue.
type Submission struct {
	Queue   string
	Payload []byte
	Opts    queue.SendOptions
}

// submissionFailure pairs a failed submission with its cause.
type submissionFailure struct {
	index int
	err   error
}

// enqueueEngine commits planned jobs to the durable queue in bounded
// concurrent batches with one retry pass and a final integrity check.
type enqueueEngine struct {
	log           logrus.FieldLogger
	queue         queue.Queue
	batchSize     int
	retryBatch    int
	failureLogCap int
}

func newEnqueueEngine(
	log logrus.FieldLogger,
	q queue.Queue,
	batchSize, retryBatch, failureLogCap int,
) *enqueueEngine {
	return &enqueueEngine{
		log:           log.WithField("component", "enqueue"),
		queue:         q,
		batchSize:     batchSize,
		retryBatch:    retryBatch,
		failureLogCap: failureLogCap,
	}
}

// EnqueueAll submits every job, retries the failures once at a smaller
// batch size, and errors with ErrEnqueueIncomplete if any job is still
// uncommitted or a job id is missing. Job ids are returned in
// submission order.
func (e *enqueueEngine) EnqueueAll(
	ctx context.Context, subs []Submission,
) ([]string, error) {
	jobIDs := make([]string, len(subs))

	failed := e.submitBatches(
		ctx, subs, allIndexes(len(subs)), e.batchSize, jobIDs,
	)

	if len(failed) > 0 {
		e.log.WithField("failures", len(failed)).
			Warn("Retrying failed submissions")

		retryIdx := make([]int, 0, len(failed))
		for _, f := range failed {
			retryIdx = append(retryIdx, f.index)
		}

		failed = e.submitBatches(ctx, subs, retryIdx, e.retryBatch, jobIDs)
	}

	committed := 0

	for _, id := range jobIDs {
		if id != "" {
			committed++
		}
	}

	if len(failed) > 0 || committed != len(subs) {
		return nil, fmt.Errorf(
			"%w: %d of %d jobs uncommitted: %s",
			ErrEnqueueIncomplete,
			len(subs)-committed,
			len(subs),
			e.describeFailures(failed),
		)
	}

	return jobIDs, nil
}

// submitBatches pushes the given submission indexes in batches.
// Submissions within a batch proceed concurrently and settle
// independently: a failure is recorded, never propagated, so sibling
// submissions always run to completion.
func (e *enqueueEngine) submitBatches(
	ctx context.Context,
	subs []Submission,
	indexes []int,
	batchSize int,
	jobIDs []string,
) []submissionFailure {
	errs := make([]error, len(subs))

	for start := 0; start < len(indexes); start += batchSize {
		end := start + batchSize
		if end > len(indexes) {
			end = len(indexes)
		}

		g, gctx := errgroup.WithContext(ctx)

		for _, idx := range indexes[start:end] {
			g.Go(func() error {
				jobID, err := e.queue.Send(
					gctx, subs[idx].Queue, subs[idx].Payload, subs[idx].Opts,
				)
				if err != nil {
					errs[idx] = err

					return nil //nolint:nilerr // settle-all, collected below
				}

				if jobID == "" {
					errs[idx] = errors.New("queue returned no job id")

					return nil
				}

				jobIDs[idx] = jobID
				errs[idx] = nil

				return nil
			})
		}

		// Goroutines never return errors, so Wait only reflects ctx.
		_ = g.Wait()
	}

	var failures []submissionFailure

	for _, idx := range indexes {
		if errs[idx] != nil {
			failures = append(failures, submissionFailure{
				index: idx,
				err:   errs[idx],
			})
		}
	}

	return failures
}

// describeFailures renders the remaining failures, capped so a large
// outage does not flood the error message.
func (e *enqueueEngine) describeFailures(
	failures []submissionFailure,
) string {
	if len(failures) == 0 {
		return "job ids missing"
	}

	shown := failures
	if len(shown) > e.failureLogCap {
		shown = shown[:e.failureLogCap]
	}

	parts := make([]string, 0, len(shown)+1)
	for _, f := range shown {
		parts = append(parts, fmt.Sprintf("job[%d]: %v", f.index, f.err))
	}

	if len(failures) > len(shown) {
		parts = append(parts, fmt.Sprintf(
			"and %d more", len(failures)-len(shown),
		))
	}

	return strings.Join(parts, "; ")
}

func allIndexes(n int) []int {
	indexes := make([]int, n)
	for i := range indexes {
		indexes[i] = i
	}

	return indexes
}
