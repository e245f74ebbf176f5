package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valuerank/valuerank/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, workers, and recovery scanner",
	Long: `Start the full valuerank service: the HTTP API, the per-provider
worker pools, and the periodic stuck-run recovery scanner.`,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start only the worker pools and recovery scanner",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.API == nil {
		return fmt.Errorf("api section is required in config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.stop()

	srv := api.NewServer(log, cfg.API, a.store, a.orchestrator)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	if cfg.Orchestrator.ScanEnabled {
		if err := a.scanner.Start(ctx); err != nil {
			return fmt.Errorf("starting recovery scanner: %w", err)
		}
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if cfg.Orchestrator.ScanEnabled {
		if err := a.scanner.Stop(); err != nil {
			log.WithError(err).Warn("Scanner stop error")
		}
	}

	if err := a.worker.Stop(); err != nil {
		log.WithError(err).Warn("Worker stop error")
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.stop()

	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	if cfg.Orchestrator.ScanEnabled {
		if err := a.scanner.Start(ctx); err != nil {
			return fmt.Errorf("starting recovery scanner: %w", err)
		}
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if cfg.Orchestrator.ScanEnabled {
		if err := a.scanner.Stop(); err != nil {
			log.WithError(err).Warn("Scanner stop error")
		}
	}

	return a.worker.Stop()
}
