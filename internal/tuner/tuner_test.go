package tuner

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/san-kum/qtune/internal/device"
	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/estimator"
	"github.com/san-kum/qtune/internal/solver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNewton(t *testing.T, gates []string, entries ...solver.TargetEntry) *solver.Newton {
	t.Helper()
	target, err := solver.NewTarget(entries...)
	require.NoError(t, err)

	var ests []*estimator.Kalman
	for _, e := range entries {
		rows := [][]float64{make([]float64, len(gates))}
		for j := range rows[0] {
			rows[0][j] = 1
		}
		k, err := estimator.NewKalman(gates, []string{e.Name}, estimator.WithGradient(rows))
		require.NoError(t, err)
		ests = append(ests, k)
	}
	n, err := solver.NewNewton(target, gates, ests, solver.WithMaxStep(1))
	require.NoError(t, err)
	return n
}

func TestNewSubsetRejectsDuplicateParameters(t *testing.T) {
	s := newNewton(t, []string{"A"}, solver.Entry("x", 0, 1))
	a := device.NewStaticEvaluator("a", map[string]float64{"x": 0}, 0)
	b := device.NewStaticEvaluator("b", map[string]float64{"x": 0}, 0)

	_, err := NewSubset([]dynamo.Evaluator{a, b}, []string{"A"}, s)
	assert.ErrorIs(t, err, dynamo.ErrDuplicateParameter)

	var cfgErr *dynamo.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"x"}, cfgErr.Names)
}

func TestNewSubsetRejectsTargetMismatch(t *testing.T) {
	s := newNewton(t, []string{"A"}, solver.Entry("x", 0, 1))
	e := device.NewStaticEvaluator("e", map[string]float64{"x": 0, "y": 0}, 0)

	_, err := NewSubset([]dynamo.Evaluator{e}, []string{"A"}, s)
	assert.ErrorIs(t, err, dynamo.ErrTargetMismatch)

	_, err = NewSubset([]dynamo.Evaluator{device.NewStaticEvaluator("e", map[string]float64{"x": 0}, 0)}, []string{"B"}, s)
	assert.ErrorIs(t, err, dynamo.ErrInvalidOption)
}

func TestSubsetRecordsTunedPositions(t *testing.T) {
	ctx := context.Background()
	s := newNewton(t, []string{"A"}, solver.Entry("x", 1, 0.1))
	e := device.NewStaticEvaluator("e", map[string]float64{"x": 1}, 0)
	tu, err := NewSubset([]dynamo.Evaluator{e}, []string{"A"}, s)
	require.NoError(t, err)

	other, err := NewSubset([]dynamo.Evaluator{e}, []string{"A"}, newNewton(t, []string{"A"}, solver.Entry("x", 1, 0.1)))
	require.NoError(t, err)

	tuned, err := tu.IsTuned(ctx, dynamo.Voltages{"A": 0.2, "B": 1})
	require.NoError(t, err)
	assert.True(t, tuned)
	assert.Equal(t, []dynamo.Voltages{{"A": 0.2, "B": 1}}, tu.TunedPositions())
	assert.Empty(t, other.TunedPositions())
	assert.Equal(t, 1.0, tu.LastSample()["x"].Value)
}

func TestSubsetUntunedProposesMergedVoltages(t *testing.T) {
	ctx := context.Background()
	s := newNewton(t, []string{"A"}, solver.Entry("x", 0, 0.1))
	e := device.NewStaticEvaluator("e", map[string]float64{"x": 0.5}, 0)
	tu, err := NewSubset([]dynamo.Evaluator{e}, []string{"A"}, s)
	require.NoError(t, err)

	_, err = tu.NextVoltages()
	assert.ErrorIs(t, err, solver.ErrNoMeasurement)

	tuned, err := tu.IsTuned(ctx, dynamo.Voltages{"A": 1, "B": 2})
	require.NoError(t, err)
	assert.False(t, tuned)
	assert.Empty(t, tu.TunedPositions())

	next, err := tu.NextVoltages()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, next["A"], 1e-12)
	assert.Equal(t, 2.0, next["B"])
}

func TestSubsetNaNToleranceAlwaysTuned(t *testing.T) {
	s := newNewton(t, []string{"A"}, solver.Entry("x", 0, math.NaN()))
	e := device.NewStaticEvaluator("e", map[string]float64{"x": 100}, 0)
	tu, err := NewSubset([]dynamo.Evaluator{e}, []string{"A"}, s)
	require.NoError(t, err)

	tuned, err := tu.IsTuned(context.Background(), dynamo.Voltages{"A": 0})
	require.NoError(t, err)
	assert.True(t, tuned)
}

func TestSensingDotEscalatesOnlyBelowCostThreshold(t *testing.T) {
	ctx := context.Background()
	s := newNewton(t, []string{"S"}, solver.Threshold("signal", 1, 0.5, 0.8))

	readings := []float64{0.9, 0.85, 0.79, 0.6, 0.4, 0.95}
	i := 0
	cheap := device.NewFuncEvaluator("cheap", []string{"signal"}, func(context.Context) (dynamo.Sample, error) {
		v := readings[i]
		i++
		return dynamo.Sample{"signal": {Value: v, Variance: 1e-2}}, nil
	})
	expensive := device.NewStaticEvaluator("expensive", map[string]float64{"signal": 0.7}, 1e-4)

	tu, err := NewSensingDot([]dynamo.Evaluator{cheap}, []dynamo.Evaluator{expensive}, []string{"S"}, s)
	require.NoError(t, err)

	type step struct {
		tuned     bool
		expensive int
	}
	want := []step{
		{true, 0},  // 0.9 above cost threshold
		{true, 0},  // 0.85
		{true, 1},  // 0.79 escalates but stays above minimum
		{true, 2},  // 0.6
		{false, 3}, // 0.4 below minimum
		{true, 3},  // 0.95
	}
	for n, w := range want {
		tuned, err := tu.IsTuned(ctx, dynamo.Voltages{"S": float64(n)})
		require.NoError(t, err)
		assert.Equal(t, w.tuned, tuned, "reading %d", n)
		assert.Equal(t, n+1, cheap.Calls, "reading %d", n)
		assert.Equal(t, w.expensive, expensive.Calls, "reading %d", n)
	}
	assert.Equal(t, 3, tu.Escalations())
	assert.Len(t, tu.TunedPositions(), 5)
}

func TestSensingDotFeedsMergedSample(t *testing.T) {
	ctx := context.Background()
	s := newNewton(t, []string{"S"}, solver.Threshold("signal", 1, 0.5, 0.8))
	cheap := device.NewStaticEvaluator("cheap", map[string]float64{"signal": 0.3}, 1e-2)
	expensive := device.NewStaticEvaluator("expensive", map[string]float64{"signal": 0.6}, 1e-4)

	tu, err := NewSensingDot([]dynamo.Evaluator{cheap}, []dynamo.Evaluator{expensive}, []string{"S"}, s)
	require.NoError(t, err)

	tuned, err := tu.IsTuned(ctx, dynamo.Voltages{"S": 0, "T": 4})
	require.NoError(t, err)
	assert.False(t, tuned)
	assert.Equal(t, dynamo.Measurement{Value: 0.6, Variance: 1e-4}, tu.LastSample()["signal"])
	assert.Equal(t, 0.6, s.LastSample()["signal"].Value)

	next, err := tu.NextVoltages()
	require.NoError(t, err)
	assert.InDelta(t, 0.4, next["S"], 1e-12)
	assert.Equal(t, 4.0, next["T"])
}

func TestNewSensingDotRejectsUnknownExpensiveParameter(t *testing.T) {
	s := newNewton(t, []string{"S"}, solver.Threshold("signal", 1, 0.5, 0.8))
	cheap := device.NewStaticEvaluator("cheap", map[string]float64{"signal": 1}, 0)
	expensive := device.NewStaticEvaluator("expensive", map[string]float64{"noise": 1}, 0)

	_, err := NewSensingDot([]dynamo.Evaluator{cheap}, []dynamo.Evaluator{expensive}, []string{"S"}, s)
	assert.ErrorIs(t, err, dynamo.ErrTargetMismatch)
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	e := device.NewStaticEvaluator("e", map[string]float64{"x": 0.5}, 1e-6)
	tu, err := NewSubset([]dynamo.Evaluator{e}, []string{"A"}, newNewton(t, []string{"A"}, solver.Entry("x", 0, 0.1)))
	require.NoError(t, err)
	_, err = tu.IsTuned(ctx, dynamo.Voltages{"A": 1})
	require.NoError(t, err)

	fresh, err := NewSubset([]dynamo.Evaluator{e}, []string{"A"}, newNewton(t, []string{"A"}, solver.Entry("x", 0, 0.1)))
	require.NoError(t, err)
	require.NoError(t, fresh.Restore(tu.Snapshot()))

	assert.Equal(t, tu.LastVoltages(), fresh.LastVoltages())
	assert.Equal(t, tu.LastSample(), fresh.LastSample())
	want, _ := tu.NextVoltages()
	got, err := fresh.NextVoltages()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	dot, err := NewSensingDot([]dynamo.Evaluator{e}, nil, []string{"A"}, newNewton(t, []string{"A"}, solver.Entry("x", 0, 0.1)))
	require.NoError(t, err)
	assert.ErrorIs(t, dot.Restore(tu.Snapshot()), dynamo.ErrTargetMismatch)
}

func TestRestoreRejectsSolverGatesOutsideDeclaredSubset(t *testing.T) {
	e := device.NewStaticEvaluator("e", map[string]float64{"x": 0.5}, 1e-6)
	wide, err := NewSubset([]dynamo.Evaluator{e}, []string{"A", "B"}, newNewton(t, []string{"A", "B"}, solver.Entry("x", 0, 0.1)))
	require.NoError(t, err)

	snap := wide.Snapshot()
	snap.Gates = []string{"A"}

	narrow, err := NewSubset([]dynamo.Evaluator{e}, []string{"A"}, newNewton(t, []string{"A"}, solver.Entry("x", 0, 0.1)))
	require.NoError(t, err)
	before := narrow.Solver()

	err = narrow.Restore(snap)
	require.ErrorIs(t, err, dynamo.ErrInvalidOption)
	var ce *dynamo.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"B"}, ce.Names)
	assert.Same(t, before, narrow.Solver(), "failed restore must keep the old solver")
	assert.Equal(t, []string{"A"}, narrow.Solver().Gates())
}
