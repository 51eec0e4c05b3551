package experiment

import (
	"fmt"
	"sort"

	"github.com/san-kum/qtune/internal/config"
	"github.com/san-kum/qtune/internal/device"
	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/solver"
	"github.com/san-kum/qtune/internal/tuner"
)

// EvaluatorFactory binds an evaluator description to a device.
type EvaluatorFactory func(cfg config.EvaluatorConfig) (dynamo.Evaluator, error)

type DeviceFactory func(cfg config.DeviceConfig) (dynamo.Device, EvaluatorFactory, error)

// StageSpec carries everything a stage factory needs.
type StageSpec struct {
	Gates     []string
	Cheap     []dynamo.Evaluator
	Expensive []dynamo.Evaluator
	Solver    *solver.Newton
}

type StageFactory func(spec StageSpec) (tuner.Tuner, error)

type Registry struct {
	devices map[string]DeviceFactory
	stages  map[string]StageFactory
}

func NewRegistry() *Registry {
	r := &Registry{
		devices: make(map[string]DeviceFactory),
		stages:  make(map[string]StageFactory),
	}

	r.devices["sim"] = func(cfg config.DeviceConfig) (dynamo.Device, EvaluatorFactory, error) {
		sim, err := device.NewSim(cfg.Voltages, cfg.Parameters,
			device.WithNoise(cfg.Noise),
			device.WithDrift(cfg.Drift),
			device.WithSeed(cfg.Seed))
		if err != nil {
			return nil, nil, err
		}
		evals := func(ec config.EvaluatorConfig) (dynamo.Evaluator, error) {
			known := dynamo.NameSet(sim.Parameters())
			if missing := dynamo.MissingNames(ec.Parameters, known); len(missing) > 0 {
				return nil, &dynamo.ConfigError{Component: "evaluator " + ec.Name, Names: missing, Wrapped: dynamo.ErrTargetMismatch}
			}
			return device.NewSimEvaluator(ec.Name, sim, ec.Parameters...), nil
		}
		return sim, evals, nil
	}

	r.stages[string(tuner.KindSubset)] = func(spec StageSpec) (tuner.Tuner, error) {
		return tuner.NewSubset(spec.Cheap, spec.Gates, spec.Solver)
	}
	r.stages[string(tuner.KindSensingDot)] = func(spec StageSpec) (tuner.Tuner, error) {
		return tuner.NewSensingDot(spec.Cheap, spec.Expensive, spec.Gates, spec.Solver)
	}

	return r
}

func (r *Registry) RegisterDevice(name string, fn DeviceFactory) { r.devices[name] = fn }
func (r *Registry) RegisterStage(name string, fn StageFactory)   { r.stages[name] = fn }

func (r *Registry) GetDevice(name string) (DeviceFactory, error) {
	fn, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("unknown device: %s", name)
	}
	return fn, nil
}

func (r *Registry) GetStage(name string) (StageFactory, error) {
	fn, ok := r.stages[name]
	if !ok {
		return nil, fmt.Errorf("unknown stage kind: %s", name)
	}
	return fn, nil
}

func (r *Registry) ListDevices() []string { return sortedNames(r.devices) }
func (r *Registry) ListStages() []string  { return sortedNames(r.stages) }

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
