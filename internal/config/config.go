package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/qtune/internal/device"
	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/solver"
	"github.com/san-kum/qtune/internal/storage"
	"github.com/san-kum/qtune/internal/tuner"
)

const (
	DefaultMaxIterations = 500
	DefaultMaxStep       = 0.05
	DefaultRcond         = 1e-10
	DefaultProbeStep     = 1e-3
	DefaultStorePath     = "runs"
	DefaultWriteTimeout  = 10 * time.Second

	InitZero  = "zero"
	InitGiven = "given"
	InitProbe = "probe"
)

type Config struct {
	Name          string        `yaml:"name"`
	MaxIterations int           `yaml:"max_iterations"`
	MetricsAddr   string        `yaml:"metrics_addr,omitempty"`
	Device        DeviceConfig  `yaml:"device"`
	Stages        []StageConfig `yaml:"stages"`
	Storage       StorageConfig `yaml:"storage"`
	Log           LogConfig     `yaml:"log"`
}

type DeviceConfig struct {
	Kind       string                  `yaml:"kind"`
	Voltages   map[string]float64      `yaml:"voltages"`
	Parameters []device.ParameterModel `yaml:"parameters"`
	Noise      float64                 `yaml:"noise"`
	Drift      float64                 `yaml:"drift"`
	Seed       int64                   `yaml:"seed"`
}

type StageConfig struct {
	Kind       string            `yaml:"kind"`
	Gates      []string          `yaml:"gates"`
	Evaluators []EvaluatorConfig `yaml:"evaluators"`
	// Expensive evaluators are only used by sensing_dot stages.
	Expensive []EvaluatorConfig `yaml:"expensive,omitempty"`
	Targets   []TargetConfig    `yaml:"targets"`
	Solver    SolverConfig      `yaml:"solver"`
	Estimator EstimatorConfig   `yaml:"estimator"`
}

type EvaluatorConfig struct {
	Name       string   `yaml:"name"`
	Parameters []string `yaml:"parameters"`
}

// TargetConfig leaves unset fields unconstrained.
type TargetConfig struct {
	Name          string   `yaml:"name"`
	Desired       *float64 `yaml:"desired,omitempty"`
	Tolerance     *float64 `yaml:"tolerance,omitempty"`
	Minimum       *float64 `yaml:"minimum,omitempty"`
	CostThreshold *float64 `yaml:"cost_threshold,omitempty"`
}

type SolverConfig struct {
	MaxStep float64 `yaml:"max_step"`
	Rcond   float64 `yaml:"rcond"`
}

type EstimatorConfig struct {
	Init             string                        `yaml:"init"`
	Joint            bool                          `yaml:"joint"`
	Gradient         map[string]map[string]float64 `yaml:"gradient,omitempty"`
	Covariance       float64                       `yaml:"covariance"`
	ForgettingFactor float64                       `yaml:"forgetting_factor"`
	NoiseFloor       float64                       `yaml:"noise_floor"`
	ProbeStep        float64                       `yaml:"probe_step"`
}

type StorageConfig struct {
	Kind    string        `yaml:"kind"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func DefaultConfig() *Config {
	cfg := GetPreset("double_dot", "default").Clone()
	cfg.ApplyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Clone deep-copies the configuration through its YAML form.
func (c *Config) Clone() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	out := &Config{}
	if err := yaml.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	return out
}

// ApplyDefaults fills every unset numeric option.
func (c *Config) ApplyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Device.Kind == "" {
		c.Device.Kind = "sim"
	}
	if c.Device.Noise == 0 {
		c.Device.Noise = device.DefaultNoise
	}
	for i := range c.Stages {
		s := &c.Stages[i]
		if s.Solver.MaxStep == 0 {
			s.Solver.MaxStep = DefaultMaxStep
		}
		if s.Solver.Rcond == 0 {
			s.Solver.Rcond = DefaultRcond
		}
		if s.Estimator.Init == "" {
			s.Estimator.Init = InitProbe
		}
		if s.Estimator.ProbeStep == 0 {
			s.Estimator.ProbeStep = DefaultProbeStep
		}
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = storage.KindFile
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStorePath
	}
	if c.Storage.Timeout == 0 {
		c.Storage.Timeout = DefaultWriteTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Device.Voltages) == 0 {
		errs = append(errs, errors.New("device: no gates"))
	}
	if len(c.Stages) == 0 {
		errs = append(errs, errors.New("no stages"))
	}
	for i, s := range c.Stages {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("stage %d: %w", i, err))
		}
	}
	switch c.Storage.Kind {
	case storage.KindFile, storage.KindSQLite, storage.KindMemory:
	default:
		errs = append(errs, fmt.Errorf("storage kind %q: %w", c.Storage.Kind, dynamo.ErrInvalidOption))
	}
	if c.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("max_iterations %d: %w", c.MaxIterations, dynamo.ErrInvalidOption))
	}
	return errors.Join(errs...)
}

func (s StageConfig) validate() error {
	switch tuner.Kind(s.Kind) {
	case tuner.KindSubset:
		if len(s.Expensive) > 0 {
			return fmt.Errorf("subset stage with expensive evaluators: %w", dynamo.ErrInvalidOption)
		}
	case tuner.KindSensingDot:
	default:
		return fmt.Errorf("stage kind %q: %w", s.Kind, dynamo.ErrInvalidOption)
	}
	if len(s.Gates) == 0 {
		return fmt.Errorf("no gates: %w", dynamo.ErrInvalidOption)
	}
	if len(s.Targets) == 0 || len(s.Evaluators) == 0 {
		return fmt.Errorf("stage needs targets and evaluators: %w", dynamo.ErrTargetMismatch)
	}
	switch s.Estimator.Init {
	case InitZero, InitProbe:
	case InitGiven:
		for _, t := range s.Targets {
			if _, ok := s.Estimator.Gradient[t.Name]; !ok {
				return fmt.Errorf("given gradient lacks %s: %w", t.Name, dynamo.ErrInvalidOption)
			}
		}
	default:
		return fmt.Errorf("estimator init %q: %w", s.Estimator.Init, dynamo.ErrInvalidOption)
	}
	if s.Solver.MaxStep <= 0 {
		return fmt.Errorf("max_step %v: %w", s.Solver.MaxStep, dynamo.ErrInvalidOption)
	}
	return nil
}

// Entry converts the target to its solver form.
func (t TargetConfig) Entry() solver.TargetEntry {
	return solver.TargetEntry{
		Name:          t.Name,
		Desired:       orNaN(t.Desired),
		Tolerance:     orNaN(t.Tolerance),
		Minimum:       orNaN(t.Minimum),
		CostThreshold: orNaN(t.CostThreshold),
	}
}

// GradientRows lays out the given gradient in sorted parameter and gate
// order. Missing entries are zero.
func (e EstimatorConfig) GradientRows(parameters, gates []string) [][]float64 {
	rows := make([][]float64, len(parameters))
	for i, p := range parameters {
		rows[i] = make([]float64, len(gates))
		for j, g := range gates {
			rows[i][j] = e.Gradient[p][g]
		}
	}
	return rows
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func F(v float64) *float64 { return &v }
