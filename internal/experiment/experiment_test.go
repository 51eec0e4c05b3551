package experiment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/san-kum/qtune/internal/autotuner"
	"github.com/san-kum/qtune/internal/config"
	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/tuner"
)

func preset(t *testing.T, layout, name string) *config.Config {
	t.Helper()
	p := config.GetPreset(layout, name)
	require.NotNil(t, p)
	cfg := p.Clone()
	cfg.ApplyDefaults()
	cfg.Storage.Kind = "memory"
	return cfg
}

func TestRegistryLists(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"sim"}, r.ListDevices())
	assert.Equal(t, []string{"sensing_dot", "subset"}, r.ListStages())

	_, err := r.GetDevice("dilution_fridge")
	assert.Error(t, err)
	_, err = r.GetStage("mystery")
	assert.Error(t, err)
}

func TestBuildDoubleDot(t *testing.T) {
	ctx := context.Background()
	cfg := preset(t, "double_dot", "quiet")

	exp, err := NewRegistry().Build(ctx, cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.Len(t, exp.Hierarchy, 3)

	assert.Equal(t, tuner.KindSubset, exp.Hierarchy[0].Kind())
	assert.Equal(t, tuner.KindSubset, exp.Hierarchy[1].Kind())
	assert.Equal(t, tuner.KindSensingDot, exp.Hierarchy[2].Kind())
	assert.Equal(t, []string{"LP", "RP"}, exp.Hierarchy[1].Gates())

	sim, ok := exp.Sim()
	require.True(t, ok)

	// probing restores the device
	v, err := sim.ReadVoltages(ctx)
	require.NoError(t, err)
	assert.Equal(t, dynamo.Voltages{"LP": 0, "RP": 0, "CB": 0, "SG": 0}, v)

	// a joint probe recovers the true 2x2 block
	ests := exp.Hierarchy[1].Solver().Estimators()
	require.Len(t, ests, 1)
	row, ok := ests[0].Row("mu_l")
	require.True(t, ok)
	assert.InDelta(t, 1.0, row["LP"], 1e-2)
	assert.InDelta(t, 0.3, row["RP"], 1e-2)

	// the sensing stage uses the given guess, not the truth
	row, ok = exp.Hierarchy[2].Solver().Estimators()[0].Row("contrast")
	require.True(t, ok)
	assert.Equal(t, 1.5, row["SG"])
}

func TestBuildWithoutProbeLeavesDeviceAlone(t *testing.T) {
	ctx := context.Background()
	exp, err := NewRegistry().Build(ctx, preset(t, "double_dot", "default"), WithoutProbe())
	require.NoError(t, err)

	sim, _ := exp.Sim()
	assert.Zero(t, sim.Writes)
	row, _ := exp.Hierarchy[0].Solver().Estimators()[0].Row("tunnel")
	assert.Equal(t, 0.0, row["CB"])
}

func TestBuildRejectsUnknownEvaluatorParameter(t *testing.T) {
	cfg := preset(t, "single_dot", "default")
	cfg.Stages[0].Evaluators[0].Parameters = []string{"mu", "spin"}
	cfg.Stages[0].Targets = append(cfg.Stages[0].Targets, config.TargetConfig{Name: "spin", Desired: config.F(0), Tolerance: config.F(1)})
	cfg.Stages[0].Estimator.Gradient["spin"] = map[string]float64{"P": 1}

	_, err := NewRegistry().Build(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dynamo.ErrTargetMismatch))
}

func TestBuildRejectsTargetEvaluatorMismatch(t *testing.T) {
	cfg := preset(t, "single_dot", "default")
	cfg.Stages[0].Targets = append(cfg.Stages[0].Targets, config.TargetConfig{Name: "other", Desired: config.F(0)})
	cfg.Stages[0].Estimator.Gradient["other"] = map[string]float64{"P": 1}

	_, err := NewRegistry().Build(context.Background(), cfg)
	assert.ErrorIs(t, err, dynamo.ErrTargetMismatch)
}

func TestSingleDotPresetTunes(t *testing.T) {
	ctx := context.Background()
	cfg := preset(t, "single_dot", "default")

	exp, err := NewRegistry().Build(ctx, cfg)
	require.NoError(t, err)

	at, err := autotuner.New(ctx, exp.Device, exp.Hierarchy)
	require.NoError(t, err)
	_, err = at.Run(ctx, cfg.MaxIterations)
	require.NoError(t, err)
	assert.True(t, at.IsTuningComplete())

	sim, _ := exp.Sim()
	assert.InDelta(t, 0.25, sim.Exact()["mu"], 0.011)
}

func TestDoubleDotPresetTunes(t *testing.T) {
	ctx := context.Background()
	cfg := preset(t, "double_dot", "quiet")

	exp, err := NewRegistry().Build(ctx, cfg)
	require.NoError(t, err)

	at, err := autotuner.New(ctx, exp.Device, exp.Hierarchy)
	require.NoError(t, err)
	_, err = at.Run(ctx, cfg.MaxIterations)
	require.NoError(t, err)

	sim, _ := exp.Sim()
	exact := sim.Exact()
	assert.InDelta(t, 0.3, exact["mu_l"], 0.021)
	assert.InDelta(t, -0.2, exact["mu_r"], 0.021)
	assert.GreaterOrEqual(t, exact["contrast"], 0.8-1e-3)
	assert.NotEmpty(t, exp.Hierarchy[2].TunedPositions())
}
