package main

import (
	"context"
	"fmt"

	"github.com/valuerank/valuerank/pkg/archive"
	"github.com/valuerank/valuerank/pkg/config"
	"github.com/valuerank/valuerank/pkg/llm"
	"github.com/valuerank/valuerank/pkg/orchestrator"
	"github.com/valuerank/valuerank/pkg/queue"
	"github.com/valuerank/valuerank/pkg/sampling"
	"github.com/valuerank/valuerank/pkg/store"
	"github.com/valuerank/valuerank/pkg/worker"
)

// app holds the wired component graph shared by the service commands.
type app struct {
	cfg          *config.Config
	store        store.Store
	queue        queue.Queue
	notifier     queue.Notifier
	registry     *llm.Registry
	orchestrator orchestrator.Orchestrator
	worker       worker.Worker
	scanner      orchestrator.Scanner
}

// loadConfig reads, defaults, and validates the configuration file.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// buildApp constructs and starts the shared components: store, queue,
// notifier, llm registry, orchestrator, worker, and scanner. The
// caller stops it with app.stop.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	if len(cfg.Models) > 0 {
		if err := st.SeedModels(ctx, configuredModels(cfg)); err != nil {
			return nil, fmt.Errorf("seeding models: %w", err)
		}
	}

	q := queue.NewQueue(log, st.DB())
	if err := q.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting queue: %w", err)
	}

	notifier := queue.NewNotifier(log, &cfg.NATS)
	if err := notifier.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting notifier: %w", err)
	}

	registry := llm.NewRegistry(log, cfg.Providers)

	var archiver orchestrator.Archiver

	if cfg.Archive != nil && cfg.Archive.S3 != nil && cfg.Archive.S3.Enabled {
		a, err := archive.NewS3Archiver(log, cfg.Archive.S3)
		if err != nil {
			return nil, fmt.Errorf("initializing archiver: %w", err)
		}

		if err := a.Preflight(ctx); err != nil {
			return nil, fmt.Errorf("archive preflight: %w", err)
		}

		archiver = a

		log.Info("S3 run archiving enabled")
	}

	planner := sampling.NewWilsonPlanner(
		log, st, sampling.DefaultWilsonPlannerOptions(),
	)

	orch := orchestrator.NewOrchestrator(
		log, &cfg.Orchestrator, st, q, notifier, planner,
		orchestrator.NewCostEstimator(st), archiver,
	)

	return &app{
		cfg:          cfg,
		store:        st,
		queue:        q,
		notifier:     notifier,
		registry:     registry,
		orchestrator: orch,
		worker: worker.NewWorker(
			log, cfg, st, q, notifier, registry, orch,
		),
		scanner: orchestrator.NewScanner(
			log, orch, cfg.Orchestrator.ScanPeriod(),
		),
	}, nil
}

// stop shuts down the shared components in reverse order.
func (a *app) stop() {
	if err := a.notifier.Stop(); err != nil {
		log.WithError(err).Warn("Notifier stop error")
	}

	if err := a.store.Stop(); err != nil {
		log.WithError(err).Warn("Store stop error")
	}
}

// configuredModels converts the config model list into registry rows.
func configuredModels(cfg *config.Config) []store.Model {
	models := make([]store.Model, 0, len(cfg.Models))

	for _, m := range cfg.Models {
		active := true
		if m.Active != nil {
			active = *m.Active
		}

		models = append(models, store.Model{
			ID:                 m.ID,
			Provider:           m.Provider,
			Active:             active,
			PromptMilliCents1M: m.PromptMilliCents1M,
			OutputMilliCents1M: m.OutputMilliCents1M,
		})
	}

	return models
}
