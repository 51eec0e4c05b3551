package autotuner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/storage"
	"github.com/san-kum/qtune/internal/tuner"
)

// Snapshot captures the loop position and every stage's solver and
// estimator state.
func (a *Autotuner) Snapshot() storage.Checkpoint {
	stages := make([]tuner.Snapshot, len(a.hierarchy))
	for i, t := range a.hierarchy {
		stages[i] = t.Snapshot()
	}
	return storage.Checkpoint{
		Version:   storage.CurrentVersion,
		RunID:     a.runID,
		Sequence:  a.sequence,
		Timestamp: a.now().UTC(),
		Label:     a.label,
		State:     a.State(),
		Voltages:  a.knownVoltages(),
		Stages:    stages,
	}
}

// Restore loads a checkpoint into a hierarchy built from the same
// configuration. Later checkpoints continue the restored run's sequence.
func (a *Autotuner) Restore(c storage.Checkpoint) error {
	if len(c.Stages) != len(a.hierarchy) {
		return &dynamo.ConfigError{
			Component: fmt.Sprintf("restore %d stages into %d", len(c.Stages), len(a.hierarchy)),
			Wrapped:   dynamo.ErrTargetMismatch,
		}
	}
	if c.State.Index < 0 || c.State.Index > len(a.hierarchy) {
		return &dynamo.ConfigError{Component: "restore state", Names: []string{fmt.Sprint(c.State.Index)}, Wrapped: dynamo.ErrInvalidOption}
	}
	for i, t := range a.hierarchy {
		if err := t.Restore(c.Stages[i]); err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
	}
	a.state = cloneState(c.State)
	a.runID = c.RunID
	a.sequence = c.Sequence + 1
	if c.Label != "" {
		a.label = c.Label
	}
	a.logger.Info("checkpoint restored",
		zap.String("run_id", c.RunID),
		zap.Int("sequence", c.Sequence),
		zap.String("phase", string(a.Phase())))
	return nil
}

// Close waits for the last enqueued checkpoint to be written.
func (a *Autotuner) Close(ctx context.Context) error {
	if a.writer == nil {
		return nil
	}
	return a.writer.Close(ctx)
}

func (a *Autotuner) checkpoint() {
	defer func() { a.sequence++ }()
	if a.writer == nil {
		return
	}
	c := a.Snapshot()
	if err := a.writer.Enqueue(c); err != nil {
		a.logger.Warn("checkpoint not enqueued",
			zap.Int("sequence", c.Sequence),
			zap.Error(err))
	}
}

// knownVoltages is the last full device state seen by the active stage,
// or by the final stage once tuning is complete.
func (a *Autotuner) knownVoltages() dynamo.Voltages {
	idx := a.state.Index
	if idx >= len(a.hierarchy) {
		idx = len(a.hierarchy) - 1
	}
	if idx < 0 {
		return nil
	}
	return a.hierarchy[idx].LastVoltages()
}
