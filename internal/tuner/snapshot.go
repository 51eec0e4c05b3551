package tuner

import (
	"fmt"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/solver"
)

// Snapshot is the persisted state of a stage. Evaluators are bound to the
// device and are rebuilt from configuration, not stored.
type Snapshot struct {
	Kind           Kind              `yaml:"kind"`
	Parameters     []string          `yaml:"parameters"`
	Gates          []string          `yaml:"gates"`
	LastVoltages   dynamo.Voltages   `yaml:"last_voltages,omitempty"`
	LastSample     dynamo.Sample     `yaml:"last_sample,omitempty"`
	TunedPositions []dynamo.Voltages `yaml:"tuned_positions"`
	Escalations    int               `yaml:"escalations,omitempty"`
	Solver         solver.Snapshot   `yaml:"solver"`
}

func (b *base) snapshot() Snapshot {
	return Snapshot{
		Kind:           b.kind,
		Parameters:     b.Parameters(),
		Gates:          b.Gates(),
		LastVoltages:   b.lastVoltages.Clone(),
		LastSample:     b.lastSample.Clone(),
		TunedPositions: b.TunedPositions(),
		Solver:         b.solver.Snapshot(),
	}
}

func (b *base) restore(s Snapshot) error {
	if s.Kind != b.kind {
		return fmt.Errorf("restore %s tuner from %s snapshot: %w", b.kind, s.Kind, dynamo.ErrTargetMismatch)
	}
	if diff := symmetricDifference(s.Parameters, b.parameters); len(diff) > 0 {
		return &dynamo.ConfigError{Component: "restore " + string(b.kind) + " tuner", Names: diff, Wrapped: dynamo.ErrTargetMismatch}
	}
	if diff := symmetricDifference(s.Gates, b.gates); len(diff) > 0 {
		return &dynamo.ConfigError{Component: "restore " + string(b.kind) + " tuner gates", Names: diff, Wrapped: dynamo.ErrInvalidOption}
	}
	sol, err := solver.FromSnapshot(s.Solver)
	if err != nil {
		return fmt.Errorf("restore %s solver: %w", b.kind, err)
	}
	if diff := symmetricDifference(sol.Target().Names(), b.parameters); len(diff) > 0 {
		return &dynamo.ConfigError{Component: "restore " + string(b.kind) + " solver", Names: diff, Wrapped: dynamo.ErrTargetMismatch}
	}
	if diff := symmetricDifference(sol.Gates(), b.gates); len(diff) > 0 {
		return &dynamo.ConfigError{Component: "restore " + string(b.kind) + " solver gates", Names: diff, Wrapped: dynamo.ErrInvalidOption}
	}

	b.solver = sol
	b.lastVoltages = s.LastVoltages.Clone()
	b.lastSample = s.LastSample.Clone()
	WithTunedPositions(s.TunedPositions)(b)
	return nil
}

func (t *Subset) Snapshot() Snapshot       { return t.snapshot() }
func (t *Subset) Restore(s Snapshot) error { return t.restore(s) }

func (t *SensingDot) Snapshot() Snapshot {
	s := t.snapshot()
	s.Escalations = t.escalations
	return s
}

func (t *SensingDot) Restore(s Snapshot) error {
	if err := t.restore(s); err != nil {
		return err
	}
	t.escalations = s.Escalations
	return nil
}
