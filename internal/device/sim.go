package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/san-kum/qtune/internal/dynamo"
	"gonum.org/v1/gonum/mat"
)

const DefaultNoise = 1e-4

var ErrUnknownGate = errors.New("device: unknown gate")

// ParameterModel describes one simulated parameter: its value at the origin
// and its slope with respect to each gate.
type ParameterModel struct {
	Name   string             `yaml:"name"`
	Offset float64            `yaml:"offset"`
	Slopes map[string]float64 `yaml:"slopes"`
}

// Sim is a linear device: p = offset + J (v - origin) + noise.
type Sim struct {
	gates      []string
	parameters []string
	origin     *mat.VecDense
	offset     *mat.VecDense
	jacobian   *mat.Dense

	voltages dynamo.Voltages
	noise    float64
	drift    float64
	rng      *rand.Rand

	Reads        int
	Writes       int
	Measurements int
}

type SimOption func(*Sim)

// WithNoise sets the standard deviation of every measured parameter.
func WithNoise(sigma float64) SimOption {
	return func(s *Sim) { s.noise = math.Abs(sigma) }
}

// WithDrift makes every Jacobian entry take a gaussian random walk step of
// the given size per measurement.
func WithDrift(sigma float64) SimOption {
	return func(s *Sim) { s.drift = math.Abs(sigma) }
}

func WithSeed(seed int64) SimOption {
	return func(s *Sim) { s.rng = rand.New(rand.NewSource(seed)) }
}

// NewSim builds a device at the given voltages, which are also the origin of
// the linear model.
func NewSim(voltages dynamo.Voltages, params []ParameterModel, opts ...SimOption) (*Sim, error) {
	if len(voltages) == 0 {
		return nil, fmt.Errorf("device: no gates")
	}
	s := &Sim{
		gates:    voltages.Keys(),
		voltages: voltages.Clone(),
		noise:    DefaultNoise,
		rng:      rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(s)
	}

	sorted := append([]ParameterModel(nil), params...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	names := make([]string, len(sorted))
	for i, p := range sorted {
		names[i] = p.Name
	}
	if dups := dynamo.Duplicates(names); len(dups) > 0 {
		return nil, &dynamo.ConfigError{Component: "simulated device", Names: dups, Wrapped: dynamo.ErrDuplicateParameter}
	}
	s.parameters = names

	s.origin = mat.NewVecDense(len(s.gates), voltages.Vector(s.gates))
	if len(sorted) == 0 {
		return s, nil
	}

	known := dynamo.NameSet(s.gates)
	s.offset = mat.NewVecDense(len(sorted), nil)
	s.jacobian = mat.NewDense(len(sorted), len(s.gates), nil)
	for i, p := range sorted {
		s.offset.SetVec(i, p.Offset)
		for gate, slope := range p.Slopes {
			if _, ok := known[gate]; !ok {
				return nil, fmt.Errorf("parameter %s slope on %s: %w", p.Name, gate, ErrUnknownGate)
			}
			s.jacobian.Set(i, sort.SearchStrings(s.gates, gate), slope)
		}
	}
	return s, nil
}

func (s *Sim) Gates() []string      { return append([]string(nil), s.gates...) }
func (s *Sim) Parameters() []string { return append([]string(nil), s.parameters...) }

func (s *Sim) ReadVoltages(ctx context.Context) (dynamo.Voltages, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.Reads++
	return s.voltages.Clone(), nil
}

// SetVoltages writes the given gates; gates not mentioned keep their value.
func (s *Sim) SetVoltages(ctx context.Context, v dynamo.Voltages) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if missing := v.Missing(dynamo.NameSet(s.gates)); len(missing) > 0 {
		return fmt.Errorf("set %v: %w", missing, ErrUnknownGate)
	}
	if !v.IsValid() {
		return fmt.Errorf("device: refusing non-finite voltages")
	}
	for gate, x := range v {
		s.voltages[gate] = x
	}
	s.Writes++
	return nil
}

// Jacobian returns a copy of the true gradient, rows in Parameters order and
// columns in Gates order.
func (s *Sim) Jacobian() *mat.Dense {
	if s.jacobian == nil {
		return nil
	}
	return mat.DenseCopyOf(s.jacobian)
}

// Exact returns the noise-free parameter values at the current voltages.
func (s *Sim) Exact() map[string]float64 {
	out := make(map[string]float64, len(s.parameters))
	if s.jacobian == nil {
		return out
	}
	dv := mat.NewVecDense(len(s.gates), s.voltages.Vector(s.gates))
	dv.SubVec(dv, s.origin)
	var p mat.VecDense
	p.MulVec(s.jacobian, dv)
	p.AddVec(&p, s.offset)
	for i, name := range s.parameters {
		out[name] = p.AtVec(i)
	}
	return out
}

// Measure evaluates the named parameters with noise.
func (s *Sim) Measure(ctx context.Context, names []string) (dynamo.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exact := s.Exact()
	out := make(dynamo.Sample, len(names))
	for _, name := range names {
		v, ok := exact[name]
		if !ok {
			return nil, fmt.Errorf("device: unknown parameter %s", name)
		}
		out[name] = dynamo.Measurement{
			Value:    v + s.noise*s.rng.NormFloat64(),
			Variance: s.noise * s.noise,
		}
	}
	s.Measurements++
	s.step()
	return out, nil
}

func (s *Sim) step() {
	if s.drift == 0 || s.jacobian == nil {
		return
	}
	r, c := s.jacobian.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if s.jacobian.At(i, j) == 0 {
				continue
			}
			s.jacobian.Set(i, j, s.jacobian.At(i, j)+s.drift*s.rng.NormFloat64())
		}
	}
}
