package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage the model registry",
}

var modelsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the model registry from the config file",
	RunE:  runModelsSeed,
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered models",
	RunE:  runModelsList,
}

func init() {
	modelsCmd.AddCommand(modelsSeedCmd)
	modelsCmd.AddCommand(modelsListCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runModelsSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(cfg.Models) == 0 {
		return fmt.Errorf("no models in config")
	}

	ctx := context.Background()

	// buildApp already seeds configured models at startup.
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.stop()

	fmt.Printf("Seeded %d model(s)\n", len(cfg.Models))

	return nil
}

func runModelsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.stop()

	models, err := a.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}

	for _, m := range models {
		state := "active"
		if !m.Active {
			state = "inactive"
		}

		fmt.Printf("%-40s  %-10s  %s\n", m.ID, m.Provider, state)
	}

	return nil
}
