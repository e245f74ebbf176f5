// Package worker drains the provider queues: probe jobs execute
// scenarios against target models and record transcripts, summarize
// jobs extract decision codes from recorded transcripts. Provider
// concurrency and rate limits live here, on the consumer side, so the
// number of queues is the only isolation mechanism the planner needs.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/valuerank/valuerank/pkg/config"
	"github.com/valuerank/valuerank/pkg/llm"
	"github.com/valuerank/valuerank/pkg/orchestrator"
	"github.com/valuerank/valuerank/pkg/queue"
	"github.com/valuerank/valuerank/pkg/store"
)

const defaultConcurrency = 2

// Worker is the background service running one consumer pool per
// provider queue.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Worker = (*worker)(nil)

type worker struct {
	log          logrus.FieldLogger
	cfg          *config.Config
	store        store.Store
	queue        queue.Queue
	notifier     queue.Notifier
	registry     *llm.Registry
	orchestrator orchestrator.Orchestrator
	done         chan struct{}
	wg           sync.WaitGroup
}

// NewWorker creates the worker service. One pool is started per
// configured provider, plus the mock provider so unrouted models are
// always drained.
func NewWorker(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	q queue.Queue,
	notifier queue.Notifier,
	registry *llm.Registry,
	orch orchestrator.Orchestrator,
) Worker {
	return &worker{
		log:          log.WithField("component", "worker"),
		cfg:          cfg,
		store:        st,
		queue:        q,
		notifier:     notifier,
		registry:     registry,
		orchestrator: orch,
		done:         make(chan struct{}),
	}
}

// pool is the consumer configuration for one provider queue.
type pool struct {
	provider     string
	concurrency  int
	limiter      *rate.Limiter
	pollInterval time.Duration
}

// pools derives the consumer pools from configuration. Every
// configured provider gets one; mock is always present.
func (w *worker) pools() []pool {
	seen := map[string]bool{}

	var out []pool

	add := func(provider string, cfg config.ProviderConfig) {
		if seen[provider] {
			return
		}

		seen[provider] = true

		concurrency := cfg.Concurrency
		if concurrency <= 0 {
			concurrency = defaultConcurrency
		}

		limiter := rate.NewLimiter(rate.Inf, 1)
		if cfg.RequestsPerMinute > 0 {
			limiter = rate.NewLimiter(
				rate.Limit(float64(cfg.RequestsPerMinute)/60.0),
				1,
			)
		}

		poll, err := time.ParseDuration(cfg.PollInterval)
		if err != nil || poll <= 0 {
			poll, _ = time.ParseDuration(config.DefaultWorkerPollInterval)
		}

		out = append(out, pool{
			provider:     provider,
			concurrency:  concurrency,
			limiter:      limiter,
			pollInterval: poll,
		})
	}

	for provider, cfg := range w.cfg.Providers {
		add(provider, cfg)
	}

	add(llm.ProviderMock, config.ProviderConfig{})

	return out
}

// Start launches the consumer goroutines for every pool.
func (w *worker) Start(ctx context.Context) error {
	for _, p := range w.pools() {
		w.log.WithFields(logrus.Fields{
			"provider":    p.provider,
			"concurrency": p.concurrency,
		}).Info("Starting provider pool")

		for i := 0; i < p.concurrency; i++ {
			w.wg.Add(1)

			go w.consume(ctx, p)
		}
	}

	return nil
}

// Stop signals all consumers and waits for them to finish their
// current job.
func (w *worker) Stop() error {
	close(w.done)
	w.wg.Wait()

	w.log.Info("Worker stopped")

	return nil
}

// consume is one consumer goroutine: drain the provider queue until
// empty, then sleep until the poll interval elapses or an activity
// signal arrives.
func (w *worker) consume(ctx context.Context, p pool) {
	defer w.wg.Done()

	log := w.log.WithField("provider", p.provider)

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Fetch(ctx, p.provider)
		if err != nil {
			log.WithError(err).Warn("Fetching job failed")

			w.idle(ctx, p.pollInterval)

			continue
		}

		if job == nil {
			w.idle(ctx, p.pollInterval)

			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down mid-claim: release the job for a retry.
			_, _ = w.queue.Fail(ctx, job.ID, err)

			return
		}

		w.execute(ctx, log, job)
	}
}

// idle blocks until the poll interval elapses, an activity signal
// arrives, or shutdown begins.
func (w *worker) idle(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.notifier.Wake():
	case <-w.done:
	case <-ctx.Done():
	}
}

// execute dispatches one claimed job to its handler. Handlers settle
// the job themselves on success so progress accounting never runs
// ahead of queue state; execute only handles the failure path.
func (w *worker) execute(
	ctx context.Context, log logrus.FieldLogger, job *queue.Job,
) {
	var err error

	switch job.Type {
	case queue.TypeProbe:
		err = w.handleProbe(ctx, job)
	case queue.TypeSummarize:
		err = w.handleSummarize(ctx, job)
	default:
		log.WithField("type", job.Type).Warn("Unknown job type, completing")

		err = w.queue.Complete(ctx, job.ID)
	}

	if err == nil {
		return
	}

	log.WithError(err).WithFields(logrus.Fields{
		"job_id": job.ID,
		"run_id": job.RunID,
		"type":   job.Type,
	}).Warn("Job failed")

	retired, ferr := w.queue.Fail(ctx, job.ID, err)
	if ferr != nil {
		log.WithError(ferr).WithField("job_id", job.ID).
			Warn("Recording job failure failed")

		return
	}

	if retired {
		w.retire(ctx, log, job)
	}
}

// retire accounts a permanently failed job against its run's progress
// and pushes the run forward when the failure was the last outstanding
// piece of work.
func (w *worker) retire(
	ctx context.Context, log logrus.FieldLogger, job *queue.Job,
) {
	switch job.Type {
	case queue.TypeProbe:
		run, err := w.store.IncrementProbeProgress(ctx, job.RunID, true)
		if err != nil {
			log.WithError(err).Warn("Recording probe failure failed")

			return
		}

		if run.ProbesDone() {
			if err := w.orchestrator.TriggerSummarization(ctx, run.ID); err != nil {
				log.WithError(err).Warn("Triggering summarization failed")
			}
		}
	case queue.TypeSummarize:
		run, err := w.store.IncrementSummarizeProgress(ctx, job.RunID, true)
		if err != nil {
			log.WithError(err).Warn("Recording summarize failure failed")

			return
		}

		if run.SummarizeDone() {
			if err := w.orchestrator.CompleteRun(ctx, run.ID); err != nil {
				log.WithError(err).Warn("Completing run failed")
			}
		}
	}
}

// actionableRun loads a job's run and reports whether provider-facing
// work should proceed. Jobs for terminal or deleted runs are safe
// no-ops.
func (w *worker) actionableRun(
	ctx context.Context, runID string,
) (*store.Run, bool, error) {
	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Run soft-deleted after enqueue; drop the job.
			return nil, false, nil
		}

		return nil, false, err
	}

	if !run.IsActionable() {
		return run, false, nil
	}

	return run, true, nil
}
