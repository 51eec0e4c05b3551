package solver

import (
	"fmt"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/estimator"
)

// Snapshot is the lossless persisted form of a Newton solver.
type Snapshot struct {
	Target     []TargetEntry        `yaml:"target"`
	Gates      []string             `yaml:"gates"`
	MaxStep    float64              `yaml:"max_step"`
	Rcond      float64              `yaml:"rcond"`
	Position   dynamo.Voltages      `yaml:"position,omitempty"`
	Sample     dynamo.Sample        `yaml:"sample,omitempty"`
	Estimators []estimator.Snapshot `yaml:"estimators"`
}

func (n *Newton) Snapshot() Snapshot {
	ests := make([]estimator.Snapshot, len(n.estimators))
	for i, est := range n.estimators {
		ests[i] = est.Snapshot()
	}
	return Snapshot{
		Target:     n.target.Entries(),
		Gates:      n.Gates(),
		MaxStep:    n.maxStep,
		Rcond:      n.rcond,
		Position:   n.position.Clone(),
		Sample:     n.sample.Clone(),
		Estimators: ests,
	}
}

// FromSnapshot rebuilds a solver and its estimators.
func FromSnapshot(s Snapshot) (*Newton, error) {
	target, err := NewTarget(s.Target...)
	if err != nil {
		return nil, err
	}
	ests := make([]*estimator.Kalman, len(s.Estimators))
	for i, es := range s.Estimators {
		est, err := estimator.FromSnapshot(es)
		if err != nil {
			return nil, fmt.Errorf("estimator %d: %w", i, err)
		}
		ests[i] = est
	}
	n, err := NewNewton(target, s.Gates, ests, WithMaxStep(s.MaxStep), WithRcond(s.Rcond))
	if err != nil {
		return nil, err
	}
	n.position = s.Position.Clone()
	n.sample = s.Sample.Clone()
	return n, nil
}
