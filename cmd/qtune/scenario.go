package main

import (
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/san-kum/qtune/internal/automation"
	"github.com/san-kum/qtune/internal/experiment"
	"github.com/san-kum/qtune/internal/logging"
	"github.com/san-kum/qtune/internal/storage"
)

var (
	parallelism  int
	ensembleRuns int
	seedStart    int64
	checkpointed bool
)

func scenarioCommands() []*cobra.Command {
	scenarioCmd := &cobra.Command{
		Use:   "scenario [file]",
		Short: "run every tuning job listed in a scenario file",
		Args:  cobra.ExactArgs(1),
		RunE:  runScenario,
	}
	scenarioCmd.Flags().IntVar(&parallelism, "parallel", 0, "concurrent jobs (default from scenario)")
	scenarioCmd.Flags().BoolVar(&checkpointed, "checkpoint", false, "checkpoint every job into the store")

	ensembleCmd := &cobra.Command{
		Use:   "ensemble",
		Short: "tune the same configuration over many seeds",
		Args:  cobra.NoArgs,
		RunE:  runEnsemble,
	}
	ensembleCmd.Flags().IntVar(&ensembleRuns, "runs", 10, "number of seeds")
	ensembleCmd.Flags().Int64Var(&seedStart, "seed", 1, "first seed")
	ensembleCmd.Flags().IntVar(&parallelism, "parallel", 4, "concurrent jobs")
	ensembleCmd.Flags().BoolVar(&checkpointed, "checkpoint", false, "checkpoint every job into the store")

	return []*cobra.Command{scenarioCmd, ensembleCmd}
}

func runScenario(cmd *cobra.Command, args []string) error {
	sc, err := automation.LoadScenario(args[0])
	if err != nil {
		return err
	}
	jobs, err := sc.Expand()
	if err != nil {
		return err
	}
	limit := sc.Parallelism
	if cmd.Flags().Changed("parallel") {
		limit = parallelism
	}
	fmt.Printf("scenario: %s (%d jobs)\n", sc.Name, len(jobs))
	if sc.Description != "" {
		fmt.Println(sc.Description)
	}
	return runBatch(cmd, jobs, limit)
}

func runEnsemble(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Printf("ensemble: %s over seeds %d..%d\n", cfg.Name, seedStart, seedStart+int64(ensembleRuns)-1)
	return runBatch(cmd, automation.Ensemble(cfg.Name, cfg, ensembleRuns, seedStart), parallelism)
}

func runBatch(cmd *cobra.Command, jobs []automation.Job, limit int) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := []automation.RunnerOption{
		automation.WithLogger(logger),
		automation.WithParallelism(limit),
	}
	if checkpointed {
		st, err := storage.NewStore(cfg.Storage.Kind, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer storage.CloseIfSupported(st)
		if err := st.Init(ctx); err != nil {
			return err
		}
		opts = append(opts, automation.WithStore(st))
	}

	results, runErr := automation.NewRunner(experiment.NewRegistry(), opts...).Run(ctx, jobs)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSEED\tCOMPLETE\tSATISFIED\tTRANSITIONS\tMEASUREMENTS\tEFFORT\tWORST\tERROR")
	for _, r := range results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%d\t%t\t%t\t%d\t%d\t%.4g\t%.3g\t%s\n",
			r.Name, r.Seed, r.Complete, r.Satisfied, r.Transitions, r.Measurements, r.Effort, r.Worst, errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	sum := automation.Summarize(results)
	fmt.Printf("\ncompleted %d/%d, satisfied %.0f%%, failed %d\n",
		sum.Completed, sum.Runs, 100*sum.SuccessRate(), sum.Failed)
	if sum.Completed > 0 {
		fmt.Printf("transitions: mean %.1f, p90 %d, max %d\n", sum.MeanTransitions, sum.P90Transitions, sum.MaxTransitions)
	}
	logger.Debug("batch finished", zap.Int("jobs", len(jobs)), zap.Error(runErr))
	return runErr
}
