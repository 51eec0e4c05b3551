package estimator

import (
	"github.com/san-kum/qtune/internal/dynamo"
)

// Snapshot is the lossless persisted form of a Kalman estimator.
type Snapshot struct {
	Gates            []string        `yaml:"gates"`
	Parameters       []string        `yaml:"parameters"`
	Gradient         [][]float64     `yaml:"gradient"`
	Covariance       [][]float64     `yaml:"covariance"`
	ForgettingFactor float64         `yaml:"forgetting_factor"`
	NoiseFloor       float64         `yaml:"noise_floor"`
	Epsilon          float64         `yaml:"epsilon"`
	Position         dynamo.Voltages `yaml:"position,omitempty"`
	Values           dynamo.Sample   `yaml:"values,omitempty"`
	Updates          int             `yaml:"updates"`
	Skipped          int             `yaml:"skipped"`
}

func (k *Kalman) Snapshot() Snapshot {
	return Snapshot{
		Gates:            k.Gates(),
		Parameters:       k.Parameters(),
		Gradient:         toRows(k.gradient),
		Covariance:       toRows(k.covariance),
		ForgettingFactor: k.alpha,
		NoiseFloor:       k.noiseFloor,
		Epsilon:          k.epsilon,
		Position:         k.position.Clone(),
		Values:           k.values.Clone(),
		Updates:          k.updates,
		Skipped:          k.skipped,
	}
}

// FromSnapshot rebuilds an estimator from its persisted form.
func FromSnapshot(s Snapshot) (*Kalman, error) {
	k, err := NewKalman(s.Gates, s.Parameters,
		WithGradient(s.Gradient),
		WithCovarianceMatrix(s.Covariance),
		WithForgettingFactor(s.ForgettingFactor),
		WithNoiseFloor(s.NoiseFloor),
		WithEpsilon(s.Epsilon),
	)
	if err != nil {
		return nil, err
	}
	k.position = s.Position.Clone()
	k.values = s.Values.Clone()
	k.updates = s.Updates
	k.skipped = s.Skipped
	return k, nil
}
