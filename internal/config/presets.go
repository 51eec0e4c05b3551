package config

import (
	"sort"

	"github.com/san-kum/qtune/internal/device"
)

var doubleDotDevice = DeviceConfig{
	Kind:     "sim",
	Voltages: map[string]float64{"LP": 0, "RP": 0, "CB": 0, "SG": 0},
	Parameters: []device.ParameterModel{
		{Name: "mu_l", Offset: 0, Slopes: map[string]float64{"LP": 1.0, "RP": 0.3, "CB": 0.2}},
		{Name: "mu_r", Offset: 0, Slopes: map[string]float64{"LP": 0.25, "RP": 0.9, "CB": 0.2}},
		{Name: "tunnel", Offset: 0.2, Slopes: map[string]float64{"CB": 1.5, "LP": 0.1, "RP": 0.1}},
		{Name: "contrast", Offset: 0.4, Slopes: map[string]float64{"SG": 2.0, "LP": 0.05}},
	},
	Noise: 1e-4,
	Seed:  1,
}

var doubleDotStages = []StageConfig{
	{
		Kind:       "subset",
		Gates:      []string{"CB"},
		Evaluators: []EvaluatorConfig{{Name: "transition", Parameters: []string{"tunnel"}}},
		Targets:    []TargetConfig{{Name: "tunnel", Desired: F(0.5), Tolerance: F(0.02)}},
		Solver:     SolverConfig{MaxStep: 0.05},
		Estimator:  EstimatorConfig{Init: InitProbe, ForgettingFactor: 1.02},
	},
	{
		Kind:       "subset",
		Gates:      []string{"LP", "RP"},
		Evaluators: []EvaluatorConfig{{Name: "charge_diagram", Parameters: []string{"mu_l", "mu_r"}}},
		Targets: []TargetConfig{
			{Name: "mu_l", Desired: F(0.3), Tolerance: F(0.02)},
			{Name: "mu_r", Desired: F(-0.2), Tolerance: F(0.02)},
		},
		Solver:    SolverConfig{MaxStep: 0.05},
		Estimator: EstimatorConfig{Init: InitProbe, Joint: true, ForgettingFactor: 1.02},
	},
	{
		Kind:       "sensing_dot",
		Gates:      []string{"SG"},
		Evaluators: []EvaluatorConfig{{Name: "sensor_1d", Parameters: []string{"contrast"}}},
		Expensive:  []EvaluatorConfig{{Name: "sensor_2d", Parameters: []string{"contrast"}}},
		Targets:    []TargetConfig{{Name: "contrast", Desired: F(1.0), Minimum: F(0.8), CostThreshold: F(0.9)}},
		Solver:     SolverConfig{MaxStep: 0.05},
		Estimator: EstimatorConfig{
			Init:     InitGiven,
			Gradient: map[string]map[string]float64{"contrast": {"SG": 1.5}},
		},
	},
}

var Presets = map[string]map[string]*Config{
	"double_dot": {
		"default": {
			Name: "double_dot", MaxIterations: 600,
			Device: doubleDotDevice,
			Stages: doubleDotStages,
		},
		"drifting": {
			Name: "double_dot_drifting", MaxIterations: 1200,
			Device: withDrift(doubleDotDevice, 2e-4),
			Stages: doubleDotStages,
		},
		"quiet": {
			Name: "double_dot_quiet", MaxIterations: 600,
			Device: withNoise(doubleDotDevice, 1e-6),
			Stages: doubleDotStages,
		},
	},
	"single_dot": {
		"default": {
			Name: "single_dot", MaxIterations: 300,
			Device: DeviceConfig{
				Kind:     "sim",
				Voltages: map[string]float64{"P": 0, "B": 0},
				Parameters: []device.ParameterModel{
					{Name: "mu", Offset: -0.1, Slopes: map[string]float64{"P": 0.8, "B": 0.3}},
				},
				Noise: 1e-4,
				Seed:  3,
			},
			Stages: []StageConfig{{
				Kind:       "subset",
				Gates:      []string{"P", "B"},
				Evaluators: []EvaluatorConfig{{Name: "coulomb", Parameters: []string{"mu"}}},
				Targets:    []TargetConfig{{Name: "mu", Desired: F(0.25), Tolerance: F(0.01)}},
				Solver:     SolverConfig{MaxStep: 0.05},
				Estimator: EstimatorConfig{
					Init:     InitGiven,
					Gradient: map[string]map[string]float64{"mu": {"P": 1, "B": 0.2}},
				},
			}},
		},
	},
}

func withDrift(d DeviceConfig, sigma float64) DeviceConfig {
	d.Drift = sigma
	return d
}

func withNoise(d DeviceConfig, sigma float64) DeviceConfig {
	d.Noise = sigma
	return d
}

func GetPreset(layout, preset string) *Config {
	layoutPresets, ok := Presets[layout]
	if !ok {
		return nil
	}
	cfg, ok := layoutPresets[preset]
	if !ok {
		return nil
	}
	return cfg
}

func ListPresets(layout string) []string {
	layoutPresets, ok := Presets[layout]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(layoutPresets))
	for name := range layoutPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ListLayouts() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
