package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/san-kum/qtune/internal/autotuner"
	"github.com/san-kum/qtune/internal/config"
	"github.com/san-kum/qtune/internal/experiment"
	"github.com/san-kum/qtune/internal/logging"
	"github.com/san-kum/qtune/internal/storage"
	"github.com/san-kum/qtune/internal/tui"
)

// session holds everything a tuning command opens and must close.
type session struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   storage.Store
	writer  *storage.Writer
	metrics *http.Server
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := zap.NewNop()
	if !useTUI {
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return nil, err
		}
	}

	store, err := storage.NewStore(cfg.Storage.Kind, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Init(cmd.Context()); err != nil {
		return nil, fmt.Errorf("init %s store: %w", cfg.Storage.Kind, err)
	}

	s := &session{
		cfg:    cfg,
		logger: logger,
		store:  store,
		writer: storage.NewWriter(store,
			storage.WithTimeout(cfg.Storage.Timeout),
			storage.WithLogger(logger)),
	}
	if cfg.MetricsAddr != "" {
		s.serveMetrics(cfg.MetricsAddr)
	}
	return s, nil
}

func (s *session) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("serving metrics", zap.String("addr", addr))
}

// close waits for pending checkpoints before releasing the store.
func (s *session) close(at *autotuner.Autotuner) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Storage.Timeout)
	defer cancel()

	var errs []error
	if at != nil {
		errs = append(errs, at.Close(ctx))
	} else {
		errs = append(errs, s.writer.Close(ctx))
	}
	if s.metrics != nil {
		errs = append(errs, s.metrics.Shutdown(ctx))
	}
	errs = append(errs, storage.CloseIfSupported(s.store))
	_ = s.logger.Sync()
	return errors.Join(errs...)
}

func runTuning(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	exp, err := experiment.NewRegistry().Build(ctx, s.cfg, experiment.WithLogger(s.logger))
	if err != nil {
		_ = s.close(nil)
		return err
	}
	return s.drive(ctx, exp, nil)
}

func resumeTuning(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	cp, ok, err := s.store.Latest(ctx, args[0])
	if err != nil {
		_ = s.close(nil)
		return err
	}
	if !ok {
		_ = s.close(nil)
		return fmt.Errorf("%s: %w", args[0], storage.ErrNoRun)
	}
	if cp.Complete() {
		fmt.Printf("run %s already complete at sequence %d\n", cp.RunID, cp.Sequence)
		return s.close(nil)
	}

	// Estimators come back from the checkpoint, so probing again would
	// only disturb the device.
	exp, err := experiment.NewRegistry().Build(ctx, s.cfg,
		experiment.WithLogger(s.logger), experiment.WithoutProbe())
	if err != nil {
		_ = s.close(nil)
		return err
	}
	if sim, ok := exp.Sim(); ok && len(cp.Voltages) > 0 {
		if err := sim.SetVoltages(ctx, cp.Voltages); err != nil {
			_ = s.close(nil)
			return fmt.Errorf("restore device voltages: %w", err)
		}
	}
	return s.drive(ctx, exp, &cp)
}

// drive runs the hierarchy to completion, restoring from cp when given.
func (s *session) drive(ctx context.Context, exp *experiment.Experiment, cp *storage.Checkpoint) error {
	var live *tui.Live
	if useTUI {
		live = tui.NewLive(s.cfg.Name, stageInfo(s.cfg), time.Duration(stepDelay)*time.Millisecond)
	}

	opts := []autotuner.Option{
		autotuner.WithLogger(s.logger),
		autotuner.WithWriter(s.writer),
		autotuner.WithLabel(s.cfg.Name),
	}
	if live != nil {
		opts = append(opts, autotuner.WithObserver(live.Observe))
	}
	at, err := autotuner.New(ctx, exp.Device, exp.Hierarchy, opts...)
	if err != nil {
		_ = s.close(nil)
		return err
	}
	if cp != nil {
		if err := at.Restore(*cp); err != nil {
			_ = s.close(at)
			return err
		}
	}

	s.logger.Info("tuning started",
		zap.String("run_id", at.RunID()),
		zap.String("label", at.Label()),
		zap.Int("stages", len(exp.Hierarchy)),
		zap.String("phase", string(at.Phase())))

	start := time.Now()
	var n int
	if live != nil {
		n, err = live.Run(ctx, at, s.cfg.MaxIterations)
		if tui.IsQuit(err) {
			err = nil
		}
	} else {
		n, err = at.Run(ctx, s.cfg.MaxIterations)
	}
	closeErr := s.close(at)

	fmt.Printf("run: %s\n", at.RunID())
	fmt.Printf("transitions: %d in %s\n", n, time.Since(start).Truncate(time.Millisecond))
	fmt.Printf("stage: %d/%d\n", at.State().Index, len(exp.Hierarchy))
	effort := at.Effort()
	fmt.Printf("moves: %d, mean step %.4g V, largest %.4g V\n", effort.Moves(), effort.Value(), effort.Largest())
	if at.IsTuningComplete() {
		fmt.Println("tuning complete")
		for i, t := range at.Hierarchy() {
			positions := t.TunedPositions()
			if len(positions) > 0 {
				fmt.Printf("  stage %d %s tuned at %v\n", i, t.Kind(), positions[len(positions)-1])
			}
		}
	}
	return errors.Join(err, closeErr)
}

func stageInfo(cfg *config.Config) []tui.StageInfo {
	infos := make([]tui.StageInfo, len(cfg.Stages))
	for i, st := range cfg.Stages {
		names := make([]string, len(st.Targets))
		for j, t := range st.Targets {
			names[j] = t.Name
		}
		infos[i] = tui.StageInfo{Kind: st.Kind, Parameters: names}
	}
	return infos
}

func checkConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := cmd.Context()
	exp, err := experiment.NewRegistry().Build(ctx, cfg, experiment.WithoutProbe())
	if err != nil {
		return err
	}
	at, err := autotuner.New(ctx, exp.Device, exp.Hierarchy, autotuner.WithLabel(cfg.Name))
	if err != nil {
		return err
	}
	ready, problems, err := at.ReadyToTune(ctx)
	if err != nil {
		return err
	}
	for _, p := range problems {
		fmt.Println(p.String())
	}
	if !ready {
		return &autotuner.ConsistencyError{Inconsistencies: problems}
	}
	fmt.Printf("%s: %d stages ready\n", cfg.Name, len(exp.Hierarchy))
	return nil
}
