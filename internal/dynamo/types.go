package dynamo

import (
	"context"
	"math"
	"sort"
)

// Voltages maps a control-channel (gate) name to its value.
type Voltages map[string]float64

func (v Voltages) Clone() Voltages {
	if v == nil {
		return nil
	}
	c := make(Voltages, len(v))
	for k, x := range v {
		c[k] = x
	}
	return c
}

// Keys returns the channel names in sorted order.
func (v Voltages) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Voltages) IsValid() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func (v Voltages) Norm() float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Add returns v + other. Channels missing on either side count as zero.
func (v Voltages) Add(other Voltages) Voltages {
	result := v.Clone()
	if result == nil {
		result = make(Voltages, len(other))
	}
	for k, x := range other {
		result[k] += x
	}
	return result
}

// Sub returns v - other over the channels of v only.
func (v Voltages) Sub(other Voltages) Voltages {
	result := make(Voltages, len(v))
	for k, x := range v {
		result[k] = x - other[k]
	}
	return result
}

// Merge returns a copy of v with every channel of other written over it.
func (v Voltages) Merge(other Voltages) Voltages {
	result := v.Clone()
	if result == nil {
		result = make(Voltages, len(other))
	}
	for k, x := range other {
		result[k] = x
	}
	return result
}

// Select returns the named channels. Names absent from v are skipped.
func (v Voltages) Select(names []string) Voltages {
	result := make(Voltages, len(names))
	for _, name := range names {
		if x, ok := v[name]; ok {
			result[name] = x
		}
	}
	return result
}

// Vector returns the values for names in order, zero for absent names.
func (v Voltages) Vector(names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = v[name]
	}
	return out
}

// Missing returns the sorted channel names of v that are not in known.
func (v Voltages) Missing(known map[string]struct{}) []string {
	return MissingNames(v.Keys(), known)
}

// NameSet builds a lookup set from a list of names.
func NameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// MissingNames returns the names absent from known, sorted.
func MissingNames(names []string, known map[string]struct{}) []string {
	var missing []string
	for _, name := range names {
		if _, ok := known[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Measurement is one evaluated observable.
type Measurement struct {
	Value    float64 `yaml:"value"`
	Variance float64 `yaml:"variance"`
}

// Sample maps an observable (parameter) name to its measurement.
type Sample map[string]Measurement

func (s Sample) Clone() Sample {
	if s == nil {
		return nil
	}
	c := make(Sample, len(s))
	for k, m := range s {
		c[k] = m
	}
	return c
}

func (s Sample) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns a copy of s with every measurement of other written over it.
func (s Sample) Merge(other Sample) Sample {
	result := s.Clone()
	if result == nil {
		result = make(Sample, len(other))
	}
	for k, m := range other {
		result[k] = m
	}
	return result
}

// Values returns the measured values for names in order, NaN when absent.
func (s Sample) Values(names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		m, ok := s[name]
		if !ok {
			out[i] = math.NaN()
			continue
		}
		out[i] = m.Value
	}
	return out
}

// Device is the instrument under tuning. Reads immediately after a write
// must reflect the write.
type Device interface {
	ReadVoltages(ctx context.Context) (Voltages, error)
	SetVoltages(ctx context.Context, v Voltages) error
}

// Evaluator runs one measurement and extracts a fixed set of parameters.
type Evaluator interface {
	Name() string
	Parameters() []string
	Evaluate(ctx context.Context) (Sample, error)
}
