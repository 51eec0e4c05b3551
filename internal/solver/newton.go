package solver

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/estimator"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultMaxStep = 1e-3
	DefaultRcond   = 1e-10
)

// ErrNoMeasurement is returned when a step is requested before any sample
// was absorbed.
var ErrNoMeasurement = errors.New("solver: no measurement absorbed yet")

// Newton proposes gate steps from the stacked gradient estimates so the
// measured parameters move to their desired values.
type Newton struct {
	target     Target
	gates      []string
	estimators []*estimator.Kalman
	owner      map[string]int // parameter -> estimator index

	position dynamo.Voltages
	sample   dynamo.Sample

	maxStep float64
	rcond   float64
}

type Option func(*Newton) error

// WithMaxStep bounds the Euclidean norm of a suggested step.
func WithMaxStep(norm float64) Option {
	return func(n *Newton) error {
		if !(norm > 0) {
			return fmt.Errorf("max step %v: %w", norm, dynamo.ErrInvalidOption)
		}
		n.maxStep = norm
		return nil
	}
}

// WithRcond sets the relative singular value cutoff of the least squares solve.
func WithRcond(rcond float64) Option {
	return func(n *Newton) error {
		if !(rcond >= 0) || rcond >= 1 {
			return fmt.Errorf("rcond %v: %w", rcond, dynamo.ErrInvalidOption)
		}
		n.rcond = rcond
		return nil
	}
}

// WithPosition sets the operating point before the first sample.
func WithPosition(v dynamo.Voltages) Option {
	return func(n *Newton) error {
		n.position = v.Select(n.gates)
		return nil
	}
}

func NewNewton(target Target, gates []string, estimators []*estimator.Kalman, opts ...Option) (*Newton, error) {
	if target.Len() == 0 || len(gates) == 0 {
		return nil, &dynamo.ConfigError{Component: "newton solver", Wrapped: dynamo.ErrDimensionMismatch}
	}
	if dups := dynamo.Duplicates(gates); len(dups) > 0 {
		return nil, &dynamo.ConfigError{Component: "newton solver", Names: dups, Wrapped: dynamo.ErrInvalidOption}
	}

	n := &Newton{
		target:     target,
		gates:      append([]string(nil), gates...),
		estimators: append([]*estimator.Kalman(nil), estimators...),
		owner:      make(map[string]int),
		maxStep:    DefaultMaxStep,
		rcond:      DefaultRcond,
	}
	sort.Strings(n.gates)

	known := dynamo.NameSet(target.Names())
	gateSet := dynamo.NameSet(n.gates)
	var dups []string
	for i, est := range n.estimators {
		if missing := dynamo.MissingNames(est.Parameters(), known); len(missing) > 0 {
			return nil, &dynamo.ConfigError{Component: "newton solver", Names: missing, Wrapped: dynamo.ErrTargetMismatch}
		}
		if missing := dynamo.MissingNames(est.Gates(), gateSet); len(missing) > 0 {
			return nil, &dynamo.ConfigError{Component: "newton solver", Names: missing, Wrapped: dynamo.ErrNotReady}
		}
		for _, p := range est.Parameters() {
			if _, ok := n.owner[p]; ok {
				dups = append(dups, p)
			}
			n.owner[p] = i
		}
	}
	if len(dups) > 0 {
		return nil, &dynamo.ConfigError{Component: "newton solver", Names: dups, Wrapped: dynamo.ErrDuplicateParameter}
	}

	var uncovered []string
	for _, e := range target.entries {
		if _, ok := n.owner[e.Name]; e.Steers() && !ok {
			uncovered = append(uncovered, e.Name)
		}
	}
	if len(uncovered) > 0 {
		return nil, &dynamo.ConfigError{Component: "newton solver", Names: uncovered, Wrapped: dynamo.ErrTargetMismatch}
	}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, &dynamo.ConfigError{Component: "newton solver", Wrapped: err}
		}
	}
	return n, nil
}

func (n *Newton) Target() Target                   { return n.target }
func (n *Newton) Gates() []string                  { return append([]string(nil), n.gates...) }
func (n *Newton) MaxStep() float64                 { return n.maxStep }
func (n *Newton) CurrentPosition() dynamo.Voltages { return n.position.Clone() }
func (n *Newton) LastSample() dynamo.Sample        { return n.sample.Clone() }
func (n *Newton) Estimators() []*estimator.Kalman {
	return append([]*estimator.Kalman(nil), n.estimators...)
}

// UpdateAfterStep absorbs the sample measured at position. Every estimator
// sees it exactly once; the first call only sets the operating point. It
// returns the number of estimators whose gradient changed.
func (n *Newton) UpdateAfterStep(position dynamo.Voltages, sample dynamo.Sample) (int, error) {
	if missing := dynamo.MissingNames(n.gates, dynamo.NameSet(position.Keys())); len(missing) > 0 {
		return 0, fmt.Errorf("position lacks %v: %w", missing, dynamo.ErrDimensionMismatch)
	}
	updated := 0
	for _, est := range n.estimators {
		if est.Observe(position, sample) {
			updated++
		}
	}
	n.position = position.Select(n.gates)
	n.sample = n.sample.Merge(sample)
	return updated, nil
}

// Residual returns measured minus desired for every steering parameter with
// a finite measurement.
func (n *Newton) Residual() (names []string, residual []float64) {
	for _, e := range n.target.entries {
		m, ok := n.sample[e.Name]
		if !e.Steers() || !ok || math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			continue
		}
		names = append(names, e.Name)
		residual = append(residual, m.Value-e.Desired)
	}
	return names, residual
}

// Jacobian stacks the estimator rows for the given parameters, columns in
// Gates order.
func (n *Newton) Jacobian(parameters []string) *mat.Dense {
	j := mat.NewDense(len(parameters), len(n.gates), nil)
	for i, p := range parameters {
		idx, ok := n.owner[p]
		if !ok {
			continue
		}
		row, _ := n.estimators[idx].Row(p)
		for c, gate := range n.gates {
			j.Set(i, c, row[gate])
		}
	}
	return j
}

// SuggestStep solves J step = -residual in the minimum-norm least squares
// sense and clips the result to the maximum step norm.
func (n *Newton) SuggestStep() (dynamo.Voltages, error) {
	if n.sample == nil {
		return nil, ErrNoMeasurement
	}
	step := make(dynamo.Voltages, len(n.gates))
	for _, g := range n.gates {
		step[g] = 0
	}

	names, residual := n.Residual()
	if len(names) == 0 {
		return step, nil
	}

	b := make([]float64, len(residual))
	for i, r := range residual {
		b[i] = -r
	}
	// Solve for b scaled to unit max-norm so huge but finite residuals do
	// not overflow; the true solution is dir * bScale.
	bScale := floats.Norm(b, math.Inf(1))
	if !(bScale > 0) || math.IsInf(bScale, 0) {
		return step, nil
	}
	floats.Scale(1/bScale, b)
	dir := leastSquares(n.Jacobian(names), b, n.rcond)

	norm := floats.Norm(dir, 2)
	scale := bScale
	if norm > n.maxStep/bScale {
		scale = n.maxStep / norm
	}
	for i, g := range n.gates {
		step[g] = dir[i] * scale
	}
	return step, nil
}

// SuggestNextPosition is the current position moved by SuggestStep.
func (n *Newton) SuggestNextPosition() (dynamo.Voltages, error) {
	step, err := n.SuggestStep()
	if err != nil {
		return nil, err
	}
	return n.position.Select(n.gates).Add(step), nil
}

// leastSquares returns the minimum-norm solution of a x = b through the
// pseudo-inverse. Singular values below rcond times the largest are
// dropped. A zero vector comes back when nothing finite can be produced.
func leastSquares(a *mat.Dense, b []float64, rcond float64) []float64 {
	_, cols := a.Dims()
	x := make([]float64, cols)

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return x
	}
	values := svd.Values(nil)
	if len(values) == 0 || !(values[0] > 0) || math.IsInf(values[0], 0) {
		return x
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := rcond * values[0]
	for k, s := range values {
		if s <= cutoff {
			break
		}
		coef := 0.0
		for i := range b {
			coef += u.At(i, k) * b[i]
		}
		coef /= s
		for j := 0; j < cols; j++ {
			x[j] += coef * v.At(j, k)
		}
	}
	for _, xi := range x {
		if math.IsNaN(xi) || math.IsInf(xi, 0) {
			return make([]float64, cols)
		}
	}
	return x
}
