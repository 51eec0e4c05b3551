package tuner

import (
	"context"
	"fmt"
	"sort"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/solver"
)

type Kind string

const (
	KindSubset     Kind = "subset"
	KindSensingDot Kind = "sensing_dot"
)

// Tuner is one stage of the hierarchy.
type Tuner interface {
	Kind() Kind
	// Parameters are sorted and equal to the solver target names.
	Parameters() []string
	// Gates is the declared subset of gates the stage may move.
	Gates() []string
	Solver() *solver.Newton

	Evaluate(ctx context.Context) (dynamo.Sample, error)
	// IsTuned measures at voltages, feeds the solver once and reports
	// whether the stage's criterion holds.
	IsTuned(ctx context.Context, voltages dynamo.Voltages) (bool, error)
	// NextVoltages is the full device state the stage wants next.
	NextVoltages() (dynamo.Voltages, error)

	LastVoltages() dynamo.Voltages
	SetLastVoltages(v dynamo.Voltages)
	LastSample() dynamo.Sample
	TunedPositions() []dynamo.Voltages

	Snapshot() Snapshot
	Restore(s Snapshot) error

	sealed()
}

type Option func(*base)

// WithLastVoltages seeds the full device state known to the stage.
func WithLastVoltages(v dynamo.Voltages) Option {
	return func(b *base) { b.lastVoltages = v.Clone() }
}

// WithTunedPositions seeds the tuned history. The slice is copied.
func WithTunedPositions(positions []dynamo.Voltages) Option {
	return func(b *base) {
		b.tunedPositions = make([]dynamo.Voltages, 0, len(positions))
		for _, p := range positions {
			b.tunedPositions = append(b.tunedPositions, p.Clone())
		}
	}
}

type base struct {
	kind       Kind
	evaluators []dynamo.Evaluator
	parameters []string
	gates      []string
	solver     *solver.Newton

	lastVoltages   dynamo.Voltages
	lastSample     dynamo.Sample
	tunedPositions []dynamo.Voltages
}

func newBase(kind Kind, evaluators []dynamo.Evaluator, gates []string, s *solver.Newton, opts []Option) (base, error) {
	component := string(kind) + " tuner"
	if s == nil || len(evaluators) == 0 {
		return base{}, &dynamo.ConfigError{Component: component, Wrapped: dynamo.ErrTargetMismatch}
	}

	params, err := collectParameters(component, evaluators)
	if err != nil {
		return base{}, err
	}
	if diff := symmetricDifference(params, s.Target().Names()); len(diff) > 0 {
		return base{}, &dynamo.ConfigError{Component: component, Names: diff, Wrapped: dynamo.ErrTargetMismatch}
	}

	sortedGates := append([]string(nil), gates...)
	sort.Strings(sortedGates)
	if dups := dynamo.Duplicates(sortedGates); len(dups) > 0 {
		return base{}, &dynamo.ConfigError{Component: component, Names: dups, Wrapped: dynamo.ErrInvalidOption}
	}
	if diff := symmetricDifference(sortedGates, s.Gates()); len(diff) > 0 {
		return base{}, &dynamo.ConfigError{Component: component + " gates", Names: diff, Wrapped: dynamo.ErrInvalidOption}
	}

	b := base{
		kind:           kind,
		evaluators:     append([]dynamo.Evaluator(nil), evaluators...),
		parameters:     params,
		gates:          sortedGates,
		solver:         s,
		tunedPositions: []dynamo.Voltages{},
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b, nil
}

func (b *base) Kind() Kind                        { return b.kind }
func (b *base) Parameters() []string              { return append([]string(nil), b.parameters...) }
func (b *base) Gates() []string                   { return append([]string(nil), b.gates...) }
func (b *base) Solver() *solver.Newton            { return b.solver }
func (b *base) LastVoltages() dynamo.Voltages     { return b.lastVoltages.Clone() }
func (b *base) SetLastVoltages(v dynamo.Voltages) { b.lastVoltages = v.Clone() }
func (b *base) LastSample() dynamo.Sample         { return b.lastSample.Clone() }
func (b *base) sealed()                           {}

func (b *base) TunedPositions() []dynamo.Voltages {
	out := make([]dynamo.Voltages, len(b.tunedPositions))
	for i, p := range b.tunedPositions {
		out[i] = p.Clone()
	}
	return out
}

func (b *base) Evaluate(ctx context.Context) (dynamo.Sample, error) {
	return evaluateAll(ctx, b.evaluators, b.parameters)
}

// absorb records the sample at voltages and forwards it to the solver.
func (b *base) absorb(voltages dynamo.Voltages, sample dynamo.Sample) error {
	b.lastVoltages = voltages.Clone()
	b.lastSample = b.lastSample.Merge(sample)
	if _, err := b.solver.UpdateAfterStep(voltages, sample); err != nil {
		return fmt.Errorf("%s tuner: %w", b.kind, err)
	}
	return nil
}

func (b *base) markTuned(voltages dynamo.Voltages) {
	b.tunedPositions = append(b.tunedPositions, voltages.Clone())
}

func evaluateAll(ctx context.Context, evaluators []dynamo.Evaluator, want []string) (dynamo.Sample, error) {
	var sample dynamo.Sample
	for _, e := range evaluators {
		s, err := e.Evaluate(ctx)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", e.Name(), err)
		}
		sample = sample.Merge(s)
	}
	out := make(dynamo.Sample, len(want))
	var missing []string
	for _, name := range want {
		m, ok := sample[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out[name] = m
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("evaluation lacks %v: %w", missing, dynamo.ErrTargetMismatch)
	}
	return out, nil
}

func collectParameters(component string, evaluators []dynamo.Evaluator) ([]string, error) {
	var params []string
	for _, e := range evaluators {
		params = append(params, e.Parameters()...)
	}
	if dups := dynamo.Duplicates(params); len(dups) > 0 {
		return nil, &dynamo.ConfigError{Component: component, Names: dups, Wrapped: dynamo.ErrDuplicateParameter}
	}
	sort.Strings(params)
	return params, nil
}

func symmetricDifference(a, b []string) []string {
	diff := dynamo.MissingNames(a, dynamo.NameSet(b))
	diff = append(diff, dynamo.MissingNames(b, dynamo.NameSet(a))...)
	sort.Strings(diff)
	return diff
}
