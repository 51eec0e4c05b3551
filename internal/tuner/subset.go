package tuner

import (
	"context"
	"fmt"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/solver"
)

// Subset tunes its parameters with a declared subset of gates. It is tuned
// when every parameter is within tolerance of its desired value.
type Subset struct {
	base
}

func NewSubset(evaluators []dynamo.Evaluator, gates []string, s *solver.Newton, opts ...Option) (*Subset, error) {
	b, err := newBase(KindSubset, evaluators, gates, s, opts)
	if err != nil {
		return nil, err
	}
	return &Subset{base: b}, nil
}

func (t *Subset) IsTuned(ctx context.Context, voltages dynamo.Voltages) (bool, error) {
	sample, err := t.Evaluate(ctx)
	if err != nil {
		return false, err
	}
	if err := t.absorb(voltages, sample); err != nil {
		return false, err
	}

	for _, e := range t.solver.Target().Entries() {
		if !e.WithinTolerance(sample[e.Name].Value) {
			return false, nil
		}
	}
	t.markTuned(voltages)
	return true, nil
}

// NextVoltages merges the solver's next position into the last known full
// device state.
func (t *Subset) NextVoltages() (dynamo.Voltages, error) {
	if t.lastVoltages == nil {
		return nil, fmt.Errorf("subset tuner: %w", solver.ErrNoMeasurement)
	}
	next, err := t.solver.SuggestNextPosition()
	if err != nil {
		return nil, err
	}
	return t.lastVoltages.Merge(next), nil
}
