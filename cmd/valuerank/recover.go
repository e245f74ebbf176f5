package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valuerank/valuerank/pkg/orchestrator"
)

var recoverCmd = &cobra.Command{
	Use:   "recover [run-id]",
	Short: "Recover stuck runs",
	Long: `Recover runs stuck in RUNNING or SUMMARIZING: requeue missing
probe or summarize jobs, trigger summarization, or complete runs whose
work already finished. With a run id, only that run is inspected;
otherwise every stuck run past the idle threshold is swept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
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

	var result *orchestrator.RecoveryResult

	if len(args) == 1 {
		result, err = a.orchestrator.RecoverRun(ctx, args[0])
	} else {
		result, err = a.orchestrator.Scan(ctx)
	}

	if err != nil {
		return fmt.Errorf("running recovery: %w", err)
	}

	fmt.Printf("Detected %d stuck run(s)\n", len(result.Detected))

	for _, r := range result.Recovered {
		if r.RequeuedCount > 0 {
			fmt.Printf("  %s: %s (%d requeued)\n", r.RunID, r.Action, r.RequeuedCount)
		} else {
			fmt.Printf("  %s: %s\n", r.RunID, r.Action)
		}
	}

	for _, e := range result.Errors {
		fmt.Printf("  %s: error: %s\n", e.RunID, e.Error)
	}

	return nil
}
