package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/estimator"
	"github.com/san-kum/qtune/internal/solver"
	"github.com/san-kum/qtune/internal/tuner"
)

func fixture(runID string, seq int) Checkpoint {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second)
	return Checkpoint{
		Version:   CurrentVersion,
		RunID:     runID,
		Sequence:  seq,
		Timestamp: ts,
		Label:     "double-dot",
		State:     State{Index: 0, AwaitingStep: seq%2 == 1, Pending: dynamo.Voltages{"g1": 0.1 * float64(seq)}},
		Voltages:  dynamo.Voltages{"g1": 0.1 * float64(seq), "g2": -0.2},
		Stages: []tuner.Snapshot{{
			Kind:       tuner.KindSensingDot,
			Parameters: []string{"contrast"},
			Gates:      []string{"g1", "g2"},
			LastSample: dynamo.Sample{"contrast": {Value: float64(seq), Variance: 1e-4}},
			TunedPositions: []dynamo.Voltages{
				{"g1": 0.5, "g2": -0.2},
			},
			Escalations: seq,
			Solver: solver.Snapshot{
				Target:  []solver.TargetEntry{solver.Threshold("contrast", math.NaN(), 0.8, 0.9)},
				Gates:   []string{"g1", "g2"},
				MaxStep: 1e-3,
				Rcond:   1e-10,
				Estimators: []estimator.Snapshot{{
					Gates:            []string{"g1", "g2"},
					Parameters:       []string{"contrast"},
					Gradient:         [][]float64{{1, math.Inf(1)}},
					Covariance:       [][]float64{{1, 0}, {0, 1}},
					ForgettingFactor: 1.02,
				}},
			},
		}},
	}
}

func TestCodecRoundTripKeepsNonFinite(t *testing.T) {
	data, err := Encode(fixture("run", 3))
	require.NoError(t, err)

	c, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, "run", c.RunID)
	assert.Equal(t, 3, c.Sequence)
	assert.True(t, c.State.AwaitingStep)
	assert.InDelta(t, 0.3, c.State.Pending["g1"], 1e-12)
	require.Len(t, c.Stages, 1)
	st := c.Stages[0]
	assert.Equal(t, tuner.KindSensingDot, st.Kind)
	assert.Equal(t, 3, st.Escalations)
	assert.True(t, math.IsNaN(st.Solver.Target[0].Desired))
	assert.True(t, math.IsNaN(st.Solver.Target[0].Tolerance))
	assert.Equal(t, 0.8, st.Solver.Target[0].Minimum)
	assert.True(t, math.IsInf(st.Solver.Estimators[0].Gradient[0][1], 1))
	assert.True(t, c.Timestamp.Equal(fixture("run", 3).Timestamp))
}

func TestDecodeRejectsOtherVersions(t *testing.T) {
	c := fixture("run", 0)
	c.Version = CurrentVersion + 1
	data, err := yaml.Marshal(c)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestEncodeRequiresRunID(t *testing.T) {
	_, err := Encode(Checkpoint{})
	assert.Error(t, err)
}

func TestNewStoreKinds(t *testing.T) {
	dir := t.TempDir()
	for kind, want := range map[string]any{
		"":         &FileStore{},
		KindFile:   &FileStore{},
		KindMemory: &MemoryStore{},
		KindSQLite: &SQLiteStore{},
	} {
		s, err := NewStore(kind, filepath.Join(dir, "x"))
		require.NoError(t, err)
		assert.IsType(t, want, s, kind)
	}
	_, err := NewStore("hdf5", dir)
	assert.Error(t, err)
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sqlite := NewSQLiteStore(filepath.Join(dir, "qtune.db"))
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"file":   NewFileStore(filepath.Join(dir, "runs")),
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreBackends(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Init(ctx))

			_, ok, err := s.Latest(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			for seq := 0; seq < 3; seq++ {
				require.NoError(t, s.Save(ctx, fixture("a", seq)))
			}
			require.NoError(t, s.Save(ctx, fixture("b", 0)))

			// overwrite keeps one entry per sequence
			again := fixture("a", 1)
			again.Label = "replaced"
			require.NoError(t, s.Save(ctx, again))

			latest, ok, err := s.Latest(ctx, "a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 2, latest.Sequence)

			history, err := s.History(ctx, "a")
			require.NoError(t, err)
			require.Len(t, history, 3)
			for i, c := range history {
				assert.Equal(t, i, c.Sequence)
			}
			assert.Equal(t, "replaced", history[1].Label)

			runs, err := s.Runs(ctx)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			byID := map[string]RunInfo{}
			for _, r := range runs {
				byID[r.ID] = r
			}
			assert.Equal(t, 3, byID["a"].Checkpoints)
			assert.Equal(t, 1, byID["a"].Stages)
			assert.False(t, byID["a"].Complete())
			assert.True(t, byID["a"].Updated.After(byID["a"].Started))
		})
	}
}

func TestSQLiteRequiresInit(t *testing.T) {
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "q.db"))
	err := s.Save(context.Background(), fixture("a", 0))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestExportCSV(t *testing.T) {
	history := []Checkpoint{fixture("a", 0), fixture("a", 1)}
	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, history))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"sequence", "timestamp", "stage", "awaiting_step", "g1", "g2", "contrast"}, records[0])
	assert.Equal(t, "1", records[2][0])
	assert.Equal(t, "true", records[2][3])
	assert.Equal(t, "0.1", records[2][4])
	assert.Equal(t, "1", records[2][6])

	assert.Equal(t, []float64{0, 1}, ParameterSeries(history, "contrast"))
	assert.True(t, math.IsNaN(VoltageSeries(history, "g9")[0]))
}

func TestExportTunedCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportTunedCSV(&buf, fixture("a", 0)))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "stage,kind,visit,g1,g2\n"))
	assert.Contains(t, out, "0,sensing_dot,0,0.5,-0.2")
}
