package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/san-kum/qtune/internal/storage"
)

// withStore opens the configured store for reading and closes it after fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st storage.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := storage.NewStore(cfg.Storage.Kind, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer storage.CloseIfSupported(st)

	ctx := cmd.Context()
	if err := st.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, st)
}

func listRuns(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st storage.Store) error {
		runs, err := st.Runs(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs found")
			return nil
		}

		sort.Slice(runs, func(i, j int) bool { return runs[i].Updated.After(runs[j].Updated) })

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLABEL\tSTARTED\tUPDATED\tCHECKPOINTS\tSTAGE\tSTATUS")
		for _, run := range runs {
			status := "running"
			if run.Complete() {
				status = "complete"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n",
				run.ID,
				run.Label,
				run.Started.Format("2006-01-02 15:04:05"),
				run.Updated.Format("2006-01-02 15:04:05"),
				run.Checkpoints,
				run.Stage, run.Stages,
				status,
			)
		}
		return w.Flush()
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st storage.Store) error {
		cp, ok, err := st.Latest(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", args[0], storage.ErrNoRun)
		}

		fmt.Printf("run: %s\n", cp.RunID)
		if cp.Label != "" {
			fmt.Printf("label: %s\n", cp.Label)
		}
		fmt.Printf("sequence: %d at %s\n", cp.Sequence, cp.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Printf("stage: %d/%d awaiting_step=%t\n", cp.State.Index, len(cp.Stages), cp.State.AwaitingStep)
		if cp.State.Pending != nil {
			fmt.Printf("pending: %v\n", cp.State.Pending)
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tKIND\tPARAMETERS\tGATES\tTUNED\tLAST SAMPLE")
		for i, s := range cp.Stages {
			fmt.Fprintf(w, "%d\t%s\t%v\t%v\t%d\t%v\n",
				i, s.Kind, s.Parameters, s.Gates, len(s.TunedPositions), s.LastSample)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(cp.Voltages) > 0 {
			fmt.Println()
			gates := make([]string, 0, len(cp.Voltages))
			for g := range cp.Voltages {
				gates = append(gates, g)
			}
			sort.Strings(gates)
			for _, g := range gates {
				fmt.Printf("  %-8s %+.6f\n", g, cp.Voltages[g])
			}
		}
		return nil
	})
}

func plotRun(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st storage.Store) error {
		history, err := st.History(ctx, args[0])
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return fmt.Errorf("%s: %w", args[0], storage.ErrNoRun)
		}

		fmt.Printf("run: %s\n", args[0])
		fmt.Printf("checkpoints: %d\n\n", len(history))

		gates := gateFilter
		if len(gates) == 0 {
			gates = storage.Gates(history)
		}
		for _, g := range gates {
			plotSeries(storage.VoltageSeries(history, g), g+" (V)")
		}

		params := paramFilter
		if len(params) == 0 {
			params = storage.Parameters(history)
		}
		for _, p := range params {
			plotSeries(storage.ParameterSeries(history, p), p)
		}
		return nil
	})
}

// plotSeries draws the series with gaps removed; asciigraph cannot plot NaN.
func plotSeries(series []float64, caption string) {
	data := make([]float64, 0, len(series))
	for _, v := range series {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			data = append(data, v)
		}
	}
	if len(data) < 2 {
		fmt.Printf("%s: not enough samples\n\n", caption)
		return
	}

	graph := asciigraph.Plot(data,
		asciigraph.Height(10),
		asciigraph.Width(80),
		asciigraph.Caption(caption),
	)
	fmt.Println(graph)
	fmt.Println()
}

func exportRun(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st storage.Store) error {
		if tunedOnly {
			cp, ok, err := st.Latest(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", args[0], storage.ErrNoRun)
			}
			return storage.ExportTunedCSV(os.Stdout, cp)
		}

		history, err := st.History(ctx, args[0])
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return fmt.Errorf("%s: %w", args[0], storage.ErrNoRun)
		}
		return storage.ExportCSV(os.Stdout, history)
	})
}
