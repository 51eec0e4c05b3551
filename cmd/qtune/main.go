package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/san-kum/qtune/internal/config"
)

var (
	configFile  string
	layout      string
	preset      string
	storeKind   string
	storePath   string
	maxIter     int
	logLevel    string
	devLogging  bool
	useTUI      bool
	stepDelay   int
	metricsAddr string
	gateFilter  []string
	paramFilter []string
	tunedOnly   bool
)

// main registers the qtune commands and exits with status 1 when one fails.
func main() {
	rootCmd := &cobra.Command{
		Use:          "qtune",
		Short:        "gate voltage autotuner for quantum dot devices",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().StringVar(&layout, "layout", "double_dot", "preset device layout")
	rootCmd.PersistentFlags().StringVar(&preset, "preset", "default", "preset configuration for the layout")
	rootCmd.PersistentFlags().StringVar(&storeKind, "store", "", "checkpoint store (file, sqlite, memory)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store-path", "", "checkpoint directory or sqlite file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level")
	rootCmd.PersistentFlags().BoolVar(&devLogging, "dev", false, "human readable logs")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "tune a device from scratch",
		Args:  cobra.NoArgs,
		RunE:  runTuning,
	}
	addLoopFlags(runCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume [run_id]",
		Short: "continue a run from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  resumeTuning,
	}
	addLoopFlags(resumeCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "validate a configuration and the hierarchy built from it",
		Args:  cobra.NoArgs,
		RunE:  checkConfig,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		Args:  cobra.NoArgs,
		RunE:  listRuns,
	}

	statusCmd := &cobra.Command{
		Use:   "status [run_id]",
		Short: "show the latest checkpoint of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot gate voltages and parameters over a run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringSliceVar(&gateFilter, "gate", nil, "gates to plot (default all)")
	plotCmd.Flags().StringSliceVar(&paramFilter, "param", nil, "parameters to plot (default all)")

	exportCmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "export run history to CSV",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRun,
	}
	exportCmd.Flags().BoolVar(&tunedOnly, "tuned", false, "export only tuned positions of the latest checkpoint")

	presetsCmd := &cobra.Command{
		Use:   "presets [layout]",
		Short: "list available presets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layouts := config.ListLayouts()
			if len(args) > 0 {
				layouts = args
			}
			for _, l := range layouts {
				presets := config.ListPresets(l)
				if len(presets) == 0 {
					fmt.Printf("no presets for layout: %s\n", l)
					continue
				}
				fmt.Printf("%s: %s\n", l, strings.Join(presets, ", "))
			}
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, resumeCmd, checkCmd, listCmd, statusCmd, plotCmd, exportCmd, presetsCmd)
	rootCmd.AddCommand(scenarioCommands()...)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addLoopFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&maxIter, "max-iter", 0, "transition budget (default from config)")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "show a live terminal view")
	cmd.Flags().IntVar(&stepDelay, "delay-ms", 0, "pause between transitions in the live view")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
}

// loadConfig resolves the preset or config file, then applies any flag
// that was set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else {
		p := config.GetPreset(layout, preset)
		if p == nil {
			return nil, fmt.Errorf("unknown preset: %s/%s (available: %v)", layout, preset, config.ListPresets(layout))
		}
		cfg = p.Clone()
		cfg.ApplyDefaults()
	}

	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Storage.Kind = storeKind
	}
	if flags.Changed("store-path") {
		cfg.Storage.Path = storePath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("dev") {
		cfg.Log.Development = devLogging
	}
	if flags.Lookup("max-iter") != nil && flags.Changed("max-iter") {
		cfg.MaxIterations = maxIter
	}
	if flags.Lookup("metrics-addr") != nil && flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	return cfg, nil
}
