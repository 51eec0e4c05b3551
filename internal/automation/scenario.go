// Package automation runs batches of tuning runs: scenarios read from
// YAML and seed ensembles of a single configuration.
package automation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/qtune/internal/config"
)

// Scenario is a named list of tuning runs.
type Scenario struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parallelism int            `yaml:"parallelism,omitempty"`
	Steps       []ScenarioStep `yaml:"steps"`
}

// ScenarioStep selects a configuration by preset or file and overrides a
// few device and loop settings. Zero values keep the configuration's own.
type ScenarioStep struct {
	Name          string  `yaml:"name"`
	Layout        string  `yaml:"layout,omitempty"`
	Preset        string  `yaml:"preset,omitempty"`
	Config        string  `yaml:"config,omitempty"`
	Seed          int64   `yaml:"seed,omitempty"`
	Noise         float64 `yaml:"noise,omitempty"`
	Drift         float64 `yaml:"drift,omitempty"`
	MaxIterations int     `yaml:"max_iterations,omitempty"`
	Repeat        int     `yaml:"repeat,omitempty"`
}

// LoadScenario loads a scenario from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, err
	}
	if len(scenario.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q: no steps", scenario.Name)
	}
	return &scenario, nil
}

// Resolve returns the configuration the step runs with.
func (s ScenarioStep) Resolve() (*config.Config, error) {
	var cfg *config.Config
	switch {
	case s.Config != "":
		loaded, err := config.Load(s.Config)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", s.Name, err)
		}
		cfg = loaded
	default:
		layout, preset := s.Layout, s.Preset
		if layout == "" {
			layout = "double_dot"
		}
		if preset == "" {
			preset = "default"
		}
		p := config.GetPreset(layout, preset)
		if p == nil {
			return nil, fmt.Errorf("step %s: unknown preset %s/%s", s.Name, layout, preset)
		}
		cfg = p.Clone()
		cfg.ApplyDefaults()
	}

	if s.Seed != 0 {
		cfg.Device.Seed = s.Seed
	}
	if s.Noise != 0 {
		cfg.Device.Noise = s.Noise
	}
	if s.Drift != 0 {
		cfg.Device.Drift = s.Drift
	}
	if s.MaxIterations != 0 {
		cfg.MaxIterations = s.MaxIterations
	}
	return cfg, nil
}

// Expand turns the scenario into one job per run, repeating steps with
// consecutive seeds.
func (sc *Scenario) Expand() ([]Job, error) {
	var jobs []Job
	for _, step := range sc.Steps {
		cfg, err := step.Resolve()
		if err != nil {
			return nil, err
		}
		name := step.Name
		if name == "" {
			name = cfg.Name
		}
		repeat := max(step.Repeat, 1)
		for i := 0; i < repeat; i++ {
			c := cfg.Clone()
			c.Device.Seed = cfg.Device.Seed + int64(i)
			jobName := name
			if repeat > 1 {
				jobName = fmt.Sprintf("%s#%d", name, i)
			}
			jobs = append(jobs, Job{Name: jobName, Config: c})
		}
	}
	return jobs, nil
}
