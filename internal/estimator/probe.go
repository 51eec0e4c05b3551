package estimator

import (
	"context"
	"fmt"

	"github.com/san-kum/qtune/internal/dynamo"
)

const DefaultProbeStep = 1e-3

// Probe replaces the gradient with a central finite-difference estimate.
// Each gate is moved by +step and -step around the current device state and
// the evaluator is run at both points. The device is returned to its
// starting voltages, which become the operating point.
func (k *Kalman) Probe(ctx context.Context, dev dynamo.Device, eval dynamo.Evaluator, step float64) error {
	if !(step > 0) {
		return fmt.Errorf("probe step %v: %w", step, dynamo.ErrInvalidOption)
	}
	provided := dynamo.NameSet(eval.Parameters())
	if missing := dynamo.MissingNames(k.parameters, provided); len(missing) > 0 {
		return &dynamo.ConfigError{Component: "gradient probe", Names: missing, Wrapped: dynamo.ErrTargetMismatch}
	}

	base, err := dev.ReadVoltages(ctx)
	if err != nil {
		return fmt.Errorf("read voltages: %w", err)
	}
	if missing := dynamo.MissingNames(k.gates, dynamo.NameSet(base.Keys())); len(missing) > 0 {
		return &dynamo.ConfigError{Component: "gradient probe", Names: missing, Wrapped: dynamo.ErrNotReady}
	}

	rows := make([][]float64, len(k.parameters))
	for i := range rows {
		rows[i] = make([]float64, len(k.gates))
	}

	for j, gate := range k.gates {
		up, err := k.measureAt(ctx, dev, eval, base, gate, step)
		if err != nil {
			return err
		}
		down, err := k.measureAt(ctx, dev, eval, base, gate, -step)
		if err != nil {
			return err
		}
		for i, p := range k.parameters {
			rows[i][j] = (up[p].Value - down[p].Value) / (2 * step)
		}
	}

	if err := dev.SetVoltages(ctx, base); err != nil {
		return fmt.Errorf("restore voltages: %w", err)
	}
	center, err := eval.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", eval.Name(), err)
	}

	g, err := fromRows(rows, len(k.parameters), len(k.gates))
	if err != nil {
		return fmt.Errorf("probed gradient: %w", err)
	}
	k.gradient = g
	k.record(base, center)
	return nil
}

func (k *Kalman) measureAt(ctx context.Context, dev dynamo.Device, eval dynamo.Evaluator, base dynamo.Voltages, gate string, delta float64) (dynamo.Sample, error) {
	if err := dev.SetVoltages(ctx, base.Add(dynamo.Voltages{gate: delta})); err != nil {
		return nil, fmt.Errorf("set %s: %w", gate, err)
	}
	s, err := eval.Evaluate(ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", eval.Name(), err)
	}
	return s, nil
}
