package experiment

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/san-kum/qtune/internal/config"
	"github.com/san-kum/qtune/internal/device"
	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/estimator"
	"github.com/san-kum/qtune/internal/solver"
	"github.com/san-kum/qtune/internal/tuner"
)

// Experiment is a device and the stage hierarchy that tunes it.
type Experiment struct {
	Config    *config.Config
	Device    dynamo.Device
	Hierarchy []tuner.Tuner
}

// Sim returns the simulated device, if that is what the experiment runs on.
func (e *Experiment) Sim() (*device.Sim, bool) {
	sim, ok := e.Device.(*device.Sim)
	return sim, ok
}

type buildOptions struct {
	skipProbe bool
	logger    *zap.Logger
}

type BuildOption func(*buildOptions)

// WithoutProbe leaves probed estimators at zero. Used when a checkpoint
// will overwrite them anyway.
func WithoutProbe() BuildOption {
	return func(o *buildOptions) { o.skipProbe = true }
}

func WithLogger(logger *zap.Logger) BuildOption {
	return func(o *buildOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Build validates cfg and constructs its device and hierarchy. Probing
// estimators moves the device and restores it afterwards.
func (r *Registry) Build(ctx context.Context, cfg *config.Config, opts ...BuildOption) (*Experiment, error) {
	o := buildOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	newDevice, err := r.GetDevice(cfg.Device.Kind)
	if err != nil {
		return nil, err
	}
	dev, evals, err := newDevice(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}

	hierarchy := make([]tuner.Tuner, 0, len(cfg.Stages))
	for i, sc := range cfg.Stages {
		t, err := r.buildStage(ctx, dev, evals, sc, o)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		o.logger.Debug("stage built",
			zap.Int("stage", i),
			zap.String("kind", sc.Kind),
			zap.Strings("gates", t.Gates()),
			zap.Strings("parameters", t.Parameters()))
		hierarchy = append(hierarchy, t)
	}

	return &Experiment{Config: cfg, Device: dev, Hierarchy: hierarchy}, nil
}

func (r *Registry) buildStage(ctx context.Context, dev dynamo.Device, evals EvaluatorFactory, sc config.StageConfig, o buildOptions) (tuner.Tuner, error) {
	newStage, err := r.GetStage(sc.Kind)
	if err != nil {
		return nil, err
	}
	cheap, err := bindEvaluators(evals, sc.Evaluators)
	if err != nil {
		return nil, err
	}
	expensive, err := bindEvaluators(evals, sc.Expensive)
	if err != nil {
		return nil, err
	}

	entries := make([]solver.TargetEntry, len(sc.Targets))
	for i, tc := range sc.Targets {
		entries[i] = tc.Entry()
	}
	target, err := solver.NewTarget(entries...)
	if err != nil {
		return nil, err
	}

	ests, err := buildEstimators(sc, target.Names())
	if err != nil {
		return nil, err
	}
	if sc.Estimator.Init == config.InitProbe && !o.skipProbe {
		probe := combined("probe", cheap)
		for _, est := range ests {
			if err := est.Probe(ctx, dev, probe, sc.Estimator.ProbeStep); err != nil {
				return nil, fmt.Errorf("probe: %w", err)
			}
			o.logger.Info("gradient probed",
				zap.Strings("parameters", est.Parameters()),
				zap.Strings("gates", est.Gates()))
		}
	}

	s, err := solver.NewNewton(target, sc.Gates, ests,
		solver.WithMaxStep(sc.Solver.MaxStep),
		solver.WithRcond(sc.Solver.Rcond))
	if err != nil {
		return nil, err
	}
	return newStage(StageSpec{Gates: sc.Gates, Cheap: cheap, Expensive: expensive, Solver: s})
}

// buildEstimators makes one estimator per parameter, or a single one for
// all of them when the stage asks for a joint estimate.
func buildEstimators(sc config.StageConfig, parameters []string) ([]*estimator.Kalman, error) {
	groups := make([][]string, 0, len(parameters))
	if sc.Estimator.Joint {
		groups = append(groups, parameters)
	} else {
		for _, p := range parameters {
			groups = append(groups, []string{p})
		}
	}

	gates := append([]string(nil), sc.Gates...)
	sort.Strings(gates)

	ests := make([]*estimator.Kalman, 0, len(groups))
	for _, group := range groups {
		var opts []estimator.Option
		if sc.Estimator.Init == config.InitGiven {
			opts = append(opts, estimator.WithGradient(sc.Estimator.GradientRows(group, gates)))
		}
		if sc.Estimator.Covariance > 0 {
			opts = append(opts, estimator.WithCovariance(sc.Estimator.Covariance))
		}
		if sc.Estimator.ForgettingFactor > 0 {
			opts = append(opts, estimator.WithForgettingFactor(sc.Estimator.ForgettingFactor))
		}
		if sc.Estimator.NoiseFloor > 0 {
			opts = append(opts, estimator.WithNoiseFloor(sc.Estimator.NoiseFloor))
		}
		est, err := estimator.NewKalman(gates, group, opts...)
		if err != nil {
			return nil, err
		}
		ests = append(ests, est)
	}
	return ests, nil
}

func bindEvaluators(evals EvaluatorFactory, cfgs []config.EvaluatorConfig) ([]dynamo.Evaluator, error) {
	out := make([]dynamo.Evaluator, 0, len(cfgs))
	for _, ec := range cfgs {
		e, err := evals(ec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// combined runs every evaluator and merges their samples.
func combined(name string, evals []dynamo.Evaluator) dynamo.Evaluator {
	var params []string
	for _, e := range evals {
		params = append(params, e.Parameters()...)
	}
	return device.NewFuncEvaluator(name, params, func(ctx context.Context) (dynamo.Sample, error) {
		var sample dynamo.Sample
		for _, e := range evals {
			s, err := e.Evaluate(ctx)
			if err != nil {
				return nil, err
			}
			sample = sample.Merge(s)
		}
		return sample, nil
	})
}
