package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valuerank/valuerank/pkg/orchestrator"
	"github.com/valuerank/valuerank/pkg/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage probe runs",
}

var (
	runDefinitionID string
	runExperimentID string
	runModels       []string
	runPercentage   int
	runSeed         int64
	runSeedSet      bool
	runSamples      int
	runTemperature  float64
	runTempSet      bool
	runPriority     string
	runScenarioIDs  []string
	runFinalTrial   bool
)

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new run",
	RunE:  runStart,
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runList,
}

func init() {
	runStartCmd.Flags().StringVar(&runDefinitionID, "definition", "",
		"definition id (required)")
	runStartCmd.Flags().StringVar(&runExperimentID, "experiment", "",
		"experiment id for survey runs")
	runStartCmd.Flags().StringSliceVar(&runModels, "model", nil,
		"target model id (repeatable, required)")
	runStartCmd.Flags().IntVar(&runPercentage, "sample-percentage", 100,
		"percentage of scenarios to sample")
	runStartCmd.Flags().Int64Var(&runSeed, "sample-seed", 0,
		"sampling seed (defaults to a seed derived from the definition)")
	runStartCmd.Flags().IntVar(&runSamples, "samples-per-scenario", 1,
		"samples per (model, scenario) pair")
	runStartCmd.Flags().Float64Var(&runTemperature, "temperature", 0,
		"probe temperature")
	runStartCmd.Flags().StringVar(&runPriority, "priority", store.PriorityNormal,
		"queue priority (LOW, NORMAL, HIGH)")
	runStartCmd.Flags().StringSliceVar(&runScenarioIDs, "scenario", nil,
		"probe only these scenario ids (repeatable)")
	runStartCmd.Flags().BoolVar(&runFinalTrial, "final-trial", false,
		"adaptive final trial sizing from prior decision codes")

	_ = runStartCmd.MarkFlagRequired("definition")
	_ = runStartCmd.MarkFlagRequired("model")

	runListCmd.Flags().StringVar(&runDefinitionID, "definition", "",
		"filter by definition id")

	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runCancelCmd)
	runCmd.AddCommand(runListCmd)
	rootCmd.AddCommand(runCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
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

	runSeedSet = cmd.Flags().Changed("sample-seed")
	runTempSet = cmd.Flags().Changed("temperature")

	input := orchestrator.StartRunInput{
		DefinitionID:       runDefinitionID,
		Models:             runModels,
		SamplePercentage:   runPercentage,
		SamplesPerScenario: runSamples,
		Priority:           runPriority,
		ScenarioIDs:        runScenarioIDs,
		FinalTrial:         runFinalTrial,
	}

	if runExperimentID != "" {
		input.ExperimentID = &runExperimentID
	}

	if runSeedSet {
		input.SampleSeed = &runSeed
	}

	if runTempSet {
		input.Temperature = &runTemperature
	}

	result, err := a.orchestrator.StartRun(ctx, input)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}

	fmt.Printf("Started run %s (%s)\n", result.Run.Name, result.Run.ID)
	fmt.Printf("  jobs:           %d\n", result.JobCount)
	fmt.Printf("  estimated cost: %s\n",
		formatMilliCents(result.EstimatedCosts.TotalMilliCents))

	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
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

	run, err := a.orchestrator.CancelRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("cancelling run: %w", err)
	}

	fmt.Printf("Cancelled run %s (%s)\n", run.Name, run.ID)

	return nil
}

func runList(cmd *cobra.Command, args []string) error {
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

	runs, err := a.store.ListRuns(ctx, store.RunFilter{
		DefinitionID: runDefinitionID,
	})
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	for i := range runs {
		run := &runs[i]

		fmt.Printf("%-36s  %-16s  %-11s  %d/%d probes  %d/%d summaries\n",
			run.ID, run.Name, run.Status,
			run.ProgressCompleted+run.ProgressFailed, run.ProgressTotal,
			run.SummarizeCompleted+run.SummarizeFailed, run.SummarizeTotal)
	}

	return nil
}

// formatMilliCents renders a milli-cent amount as dollars.
func formatMilliCents(mc int64) string {
	return fmt.Sprintf("$%.4f", float64(mc)/100000.0)
}
