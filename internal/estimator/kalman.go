package estimator

import (
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/qtune/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultForgettingFactor  = 1.02
	DefaultNoiseFloor        = 1e-12
	DefaultEpsilon           = 1e-12
	DefaultInitialCovariance = 1.0

	// smallest innovation variance accepted before an update is skipped
	minDenominator = 1e-300
)

// Kalman estimates the gradient d(parameters)/d(gates) around the current
// operating point.
type Kalman struct {
	gates      []string
	parameters []string

	gradient   *mat.Dense // parameters x gates
	covariance *mat.Dense // gates x gates

	alpha      float64
	noiseFloor float64
	epsilon    float64

	position dynamo.Voltages
	values   dynamo.Sample

	updates int
	skipped int
}

type Option func(*Kalman) error

// WithGradient sets the initial guess, one row per parameter.
func WithGradient(rows [][]float64) Option {
	return func(k *Kalman) error {
		g, err := fromRows(rows, len(k.parameters), len(k.gates))
		if err != nil {
			return fmt.Errorf("initial gradient: %w", err)
		}
		k.gradient = g
		return nil
	}
}

// WithCovariance sets the initial covariance to scale times identity.
func WithCovariance(scale float64) Option {
	return func(k *Kalman) error {
		if scale < 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
			return fmt.Errorf("covariance scale %v: %w", scale, dynamo.ErrInvalidOption)
		}
		n := len(k.gates)
		k.covariance = mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			k.covariance.Set(i, i, scale)
		}
		return nil
	}
}

func WithCovarianceMatrix(rows [][]float64) Option {
	return func(k *Kalman) error {
		p, err := fromRows(rows, len(k.gates), len(k.gates))
		if err != nil {
			return fmt.Errorf("initial covariance: %w", err)
		}
		k.covariance = p
		return nil
	}
}

// WithForgettingFactor sets the covariance inflation applied after each
// update. It must exceed 1.
func WithForgettingFactor(alpha float64) Option {
	return func(k *Kalman) error {
		if !(alpha > 1) || math.IsInf(alpha, 0) {
			return fmt.Errorf("forgetting factor %v: %w", alpha, dynamo.ErrInvalidOption)
		}
		k.alpha = alpha
		return nil
	}
}

// WithNoiseFloor sets the minimum measurement noise used in the gain.
func WithNoiseFloor(r float64) Option {
	return func(k *Kalman) error {
		if !(r >= 0) || math.IsInf(r, 0) {
			return fmt.Errorf("noise floor %v: %w", r, dynamo.ErrInvalidOption)
		}
		k.noiseFloor = r
		return nil
	}
}

func WithEpsilon(eps float64) Option {
	return func(k *Kalman) error {
		if !(eps > 0) {
			return fmt.Errorf("epsilon %v: %w", eps, dynamo.ErrInvalidOption)
		}
		k.epsilon = eps
		return nil
	}
}

// WithOperatingPoint records the position and values the first delta is taken from.
func WithOperatingPoint(position dynamo.Voltages, values dynamo.Sample) Option {
	return func(k *Kalman) error {
		k.record(position, values)
		return nil
	}
}

func NewKalman(gates, parameters []string, opts ...Option) (*Kalman, error) {
	if len(gates) == 0 || len(parameters) == 0 {
		return nil, &dynamo.ConfigError{Component: "kalman estimator", Wrapped: dynamo.ErrDimensionMismatch}
	}
	if dups := dynamo.Duplicates(parameters); len(dups) > 0 {
		return nil, &dynamo.ConfigError{Component: "kalman estimator", Names: dups, Wrapped: dynamo.ErrDuplicateParameter}
	}
	if dups := dynamo.Duplicates(gates); len(dups) > 0 {
		return nil, &dynamo.ConfigError{Component: "kalman estimator", Names: dups, Wrapped: dynamo.ErrInvalidOption}
	}

	k := &Kalman{
		gates:      sortedCopy(gates),
		parameters: sortedCopy(parameters),
		alpha:      DefaultForgettingFactor,
		noiseFloor: DefaultNoiseFloor,
		epsilon:    DefaultEpsilon,
	}
	k.gradient = mat.NewDense(len(k.parameters), len(k.gates), nil)
	if err := WithCovariance(DefaultInitialCovariance)(k); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(k); err != nil {
			return nil, &dynamo.ConfigError{Component: "kalman estimator", Wrapped: err}
		}
	}
	return k, nil
}

func (k *Kalman) Gates() []string      { return append([]string(nil), k.gates...) }
func (k *Kalman) Parameters() []string { return append([]string(nil), k.parameters...) }
func (k *Kalman) ForgettingFactor() float64 {
	return k.alpha
}

// CurrentPosition is the operating point the next delta is taken from, nil
// before the first observation.
func (k *Kalman) CurrentPosition() dynamo.Voltages { return k.position.Clone() }
func (k *Kalman) CurrentValues() dynamo.Sample     { return k.values.Clone() }

// Updates and Skipped count accepted and rejected samples.
func (k *Kalman) Updates() int { return k.updates }
func (k *Kalman) Skipped() int { return k.skipped }

// Estimate returns copies of the gradient and its covariance.
func (k *Kalman) Estimate() (*mat.Dense, *mat.Dense) {
	return mat.DenseCopyOf(k.gradient), mat.DenseCopyOf(k.covariance)
}

// Row returns the gradient of one parameter keyed by gate.
func (k *Kalman) Row(parameter string) (dynamo.Voltages, bool) {
	i := sort.SearchStrings(k.parameters, parameter)
	if i == len(k.parameters) || k.parameters[i] != parameter {
		return nil, false
	}
	row := make(dynamo.Voltages, len(k.gates))
	for j, gate := range k.gates {
		row[gate] = k.gradient.At(i, j)
	}
	return row, true
}

func (k *Kalman) CovarianceTrace() float64 {
	return mat.Trace(k.covariance)
}

// Predict returns the linear prediction G*dx.
func (k *Kalman) Predict(dx []float64) ([]float64, error) {
	if len(dx) != len(k.gates) {
		return nil, dynamo.ErrDimensionMismatch
	}
	var y mat.VecDense
	y.MulVec(k.gradient, mat.NewVecDense(len(dx), append([]float64(nil), dx...)))
	return y.RawVector().Data, nil
}

// Inflate scales the covariance by the forgetting factor.
func (k *Kalman) Inflate() {
	k.covariance.Scale(k.alpha, k.covariance)
}

// Update ingests one (gate delta, parameter delta) pair. variance is the
// measurement noise of dy; it is raised to the noise floor. It reports
// false, leaving the estimate untouched, for degenerate or non-finite input.
func (k *Kalman) Update(dx, dy []float64, variance float64) bool {
	n, m := len(k.gates), len(k.parameters)
	if len(dx) != n || len(dy) != m || !finite(dx) || !finite(dy) || math.IsNaN(variance) || math.IsInf(variance, 0) {
		k.skipped++
		return false
	}

	x := mat.NewVecDense(n, append([]float64(nil), dx...))
	if mat.Norm(x, 2) < k.epsilon {
		k.skipped++
		return false
	}

	var px mat.VecDense
	px.MulVec(k.covariance, x)
	s := mat.Dot(x, &px) + math.Max(variance, k.noiseFloor)
	if !(s > minDenominator) || math.IsInf(s, 0) {
		k.skipped++
		return false
	}

	var gain mat.VecDense
	gain.ScaleVec(1/s, &px)

	var predicted mat.VecDense
	predicted.MulVec(k.gradient, x)
	innovation := mat.NewVecDense(m, append([]float64(nil), dy...))
	innovation.SubVec(innovation, &predicted)

	var correction mat.Dense
	correction.Outer(1, innovation, &gain)
	var gradient mat.Dense
	gradient.Add(k.gradient, &correction)

	// P - k (Px)^T equals (I - k x^T) P for symmetric P.
	var shrink mat.Dense
	shrink.Outer(1, &gain, &px)
	var covariance mat.Dense
	covariance.Sub(k.covariance, &shrink)
	var transposed mat.Dense
	transposed.CloneFrom(covariance.T())
	covariance.Add(&covariance, &transposed)
	covariance.Scale(0.5*k.alpha, &covariance)

	if !finiteDense(&gradient) || !finiteDense(&covariance) {
		k.skipped++
		return false
	}

	k.gradient = &gradient
	k.covariance = &covariance
	k.updates++
	return true
}

// Observe takes the delta between the recorded operating point and the new
// one, updates the estimate from it, then moves the operating point. The
// first call only records. It reports whether the gradient was updated.
func (k *Kalman) Observe(position dynamo.Voltages, sample dynamo.Sample) bool {
	defer k.record(position, sample)

	if k.position == nil || k.values == nil {
		return false
	}

	dx := make([]float64, len(k.gates))
	for j, gate := range k.gates {
		now, ok := position[gate]
		if !ok {
			k.skipped++
			return false
		}
		dx[j] = now - k.position[gate]
	}

	dy := make([]float64, len(k.parameters))
	variance := 0.0
	for i, p := range k.parameters {
		now, ok := sample[p]
		before, seen := k.values[p]
		if !ok || !seen {
			k.skipped++
			return false
		}
		dy[i] = now.Value - before.Value
		variance += now.Variance + before.Variance
	}
	variance /= float64(len(k.parameters))

	return k.Update(dx, dy, variance)
}

func (k *Kalman) record(position dynamo.Voltages, sample dynamo.Sample) {
	if position != nil {
		k.position = position.Select(k.gates)
	}
	if sample != nil {
		values := make(dynamo.Sample, len(k.parameters))
		for _, p := range k.parameters {
			if m, ok := sample[p]; ok {
				values[p] = m
			}
		}
		k.values = values
	}
}

func sortedCopy(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func finiteDense(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		if !finite(m.RawRowView(i)[:c]) {
			return false
		}
	}
	return true
}

func toRows(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		mat.Row(rows[i], i, m)
	}
	return rows
}

func fromRows(rows [][]float64, r, c int) (*mat.Dense, error) {
	if len(rows) != r {
		return nil, fmt.Errorf("%d rows, want %d: %w", len(rows), r, dynamo.ErrDimensionMismatch)
	}
	data := make([]float64, 0, r*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("row %d has %d columns, want %d: %w", i, len(row), c, dynamo.ErrDimensionMismatch)
		}
		if !finite(row) {
			return nil, fmt.Errorf("row %d: %w", i, dynamo.ErrInvalidOption)
		}
		data = append(data, row...)
	}
	return mat.NewDense(r, c, data), nil
}
