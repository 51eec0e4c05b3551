package tuner

import (
	"context"
	"fmt"
	"sort"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/solver"
)

// SensingDot bounds measurement cost with two evaluator tiers. The cheap
// evaluators run on every decision and alone decide whether the stage is
// tuned. The expensive evaluators run only when a cheap value falls below
// its cost threshold; their values then replace the cheap ones before the
// solver sees the sample.
type SensingDot struct {
	base
	expensive       []dynamo.Evaluator
	expensiveParams []string
	escalations     int
}

func NewSensingDot(cheap, expensive []dynamo.Evaluator, gates []string, s *solver.Newton, opts ...Option) (*SensingDot, error) {
	b, err := newBase(KindSensingDot, cheap, gates, s, opts)
	if err != nil {
		return nil, err
	}
	params, err := collectParameters("sensing_dot tuner expensive", expensive)
	if err != nil {
		return nil, err
	}
	if missing := dynamo.MissingNames(params, dynamo.NameSet(b.parameters)); len(missing) > 0 {
		return nil, &dynamo.ConfigError{Component: "sensing_dot tuner expensive", Names: missing, Wrapped: dynamo.ErrTargetMismatch}
	}
	sort.Strings(params)
	return &SensingDot{
		base:            b,
		expensive:       append([]dynamo.Evaluator(nil), expensive...),
		expensiveParams: params,
	}, nil
}

// Escalations counts expensive evaluations.
func (t *SensingDot) Escalations() int { return t.escalations }

func (t *SensingDot) IsTuned(ctx context.Context, voltages dynamo.Voltages) (bool, error) {
	cheap, err := t.Evaluate(ctx)
	if err != nil {
		return false, err
	}

	sample := cheap
	if t.needsEscalation(cheap) {
		precise, err := evaluateAll(ctx, t.expensive, t.expensiveParams)
		if err != nil {
			return false, err
		}
		t.escalations++
		sample = cheap.Merge(precise)
	}
	if err := t.absorb(voltages, sample); err != nil {
		return false, err
	}

	for _, e := range t.solver.Target().Entries() {
		if e.BelowMinimum(cheap[e.Name].Value) {
			return false, nil
		}
	}
	t.markTuned(voltages)
	return true, nil
}

func (t *SensingDot) needsEscalation(cheap dynamo.Sample) bool {
	if len(t.expensive) == 0 {
		return false
	}
	for _, e := range t.solver.Target().Entries() {
		if e.BelowCostThreshold(cheap[e.Name].Value) {
			return true
		}
	}
	return false
}

// NextVoltages adds the solver step to the last known full device state.
func (t *SensingDot) NextVoltages() (dynamo.Voltages, error) {
	if t.lastVoltages == nil {
		return nil, fmt.Errorf("sensing_dot tuner: %w", solver.ErrNoMeasurement)
	}
	step, err := t.solver.SuggestStep()
	if err != nil {
		return nil, err
	}
	return t.lastVoltages.Add(step), nil
}
