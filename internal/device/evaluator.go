package device

import (
	"context"
	"sort"

	"github.com/san-kum/qtune/internal/dynamo"
)

// SimEvaluator measures a fixed subset of a Sim's parameters.
type SimEvaluator struct {
	name       string
	parameters []string
	sim        *Sim
	Calls      int
}

func NewSimEvaluator(name string, sim *Sim, parameters ...string) *SimEvaluator {
	params := append([]string(nil), parameters...)
	sort.Strings(params)
	return &SimEvaluator{name: name, parameters: params, sim: sim}
}

func (e *SimEvaluator) Name() string         { return e.name }
func (e *SimEvaluator) Parameters() []string { return append([]string(nil), e.parameters...) }

func (e *SimEvaluator) Evaluate(ctx context.Context) (dynamo.Sample, error) {
	e.Calls++
	return e.sim.Measure(ctx, e.parameters)
}

// StaticEvaluator always reports the same values.
type StaticEvaluator struct {
	name     string
	values   map[string]float64
	variance float64
	Calls    int
}

func NewStaticEvaluator(name string, values map[string]float64, variance float64) *StaticEvaluator {
	v := make(map[string]float64, len(values))
	for k, x := range values {
		v[k] = x
	}
	return &StaticEvaluator{name: name, values: v, variance: variance}
}

func (e *StaticEvaluator) Name() string { return e.name }

func (e *StaticEvaluator) Parameters() []string {
	names := make([]string, 0, len(e.values))
	for k := range e.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (e *StaticEvaluator) Evaluate(ctx context.Context) (dynamo.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.Calls++
	out := make(dynamo.Sample, len(e.values))
	for k, x := range e.values {
		out[k] = dynamo.Measurement{Value: x, Variance: e.variance}
	}
	return out, nil
}

// Set changes a reported value.
func (e *StaticEvaluator) Set(name string, value float64) {
	e.values[name] = value
}

// FuncEvaluator delegates to a function.
type FuncEvaluator struct {
	name       string
	parameters []string
	fn         func(ctx context.Context) (dynamo.Sample, error)
	Calls      int
}

func NewFuncEvaluator(name string, parameters []string, fn func(ctx context.Context) (dynamo.Sample, error)) *FuncEvaluator {
	params := append([]string(nil), parameters...)
	sort.Strings(params)
	return &FuncEvaluator{name: name, parameters: params, fn: fn}
}

func (e *FuncEvaluator) Name() string         { return e.name }
func (e *FuncEvaluator) Parameters() []string { return append([]string(nil), e.parameters...) }

func (e *FuncEvaluator) Evaluate(ctx context.Context) (dynamo.Sample, error) {
	e.Calls++
	return e.fn(ctx)
}
