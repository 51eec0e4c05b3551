package autotuner

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/metrics"
)

// Iterate performs exactly one transition of the state machine. It refuses
// to run once tuning is complete or while ReadyToTune fails. Device and
// evaluator errors are returned unchanged apart from stage context; the
// state is checkpointed whether or not the transition succeeded.
func (a *Autotuner) Iterate(ctx context.Context) error {
	phase := a.Phase()
	if phase == PhaseComplete {
		return fmt.Errorf("iterate: %w", dynamo.ErrTuningComplete)
	}

	ready, issues, err := a.ReadyToTune(ctx)
	if err != nil {
		return err
	}
	if !ready {
		metrics.NotReadyTotal.Inc()
		cerr := &ConsistencyError{Inconsistencies: issues}
		a.logger.Error("hierarchy not ready", zap.Error(cerr))
		return cerr
	}

	ev := Event{Phase: phase, Stage: a.state.Index, Distance: math.NaN(), StepNorm: math.NaN()}
	switch phase {
	case PhaseApply:
		err = a.apply(ctx, &ev)
	case PhaseDecide:
		err = a.decide(ctx, &ev)
	case PhasePropose:
		err = a.propose(&ev)
	}
	metrics.IterationsTotal.WithLabelValues(string(phase)).Inc()
	metrics.StageIndex.Set(float64(a.state.Index))

	ev.Sequence = a.sequence
	ev.State = a.State()
	ev.Err = err
	a.checkpoint()
	if a.observer != nil {
		a.observer(ev)
	}
	return err
}

func (a *Autotuner) apply(ctx context.Context, ev *Event) error {
	pending := a.state.Pending
	if err := a.device.SetVoltages(ctx, pending); err != nil {
		return fmt.Errorf("apply voltages: %w", err)
	}
	if t, ok := a.CurrentTuner(); ok {
		a.effort.Observe(t.LastVoltages(), pending)
	}
	a.logger.Debug("voltages applied", zap.Any("voltages", pending))

	ev.Voltages = pending.Clone()
	a.state = State{}
	return nil
}

func (a *Autotuner) decide(ctx context.Context, ev *Event) error {
	idx := a.state.Index
	t := a.hierarchy[idx]
	stage := strconv.Itoa(idx)

	voltages, err := a.device.ReadVoltages(ctx)
	if err != nil {
		return fmt.Errorf("stage %d: read voltages: %w", idx, err)
	}
	ev.Voltages = voltages.Clone()

	updates, skipped := a.estimatorCounts(idx)
	tuned, err := t.IsTuned(ctx, voltages)
	if err != nil {
		return fmt.Errorf("stage %d: %w", idx, err)
	}
	newUpdates, newSkipped := a.estimatorCounts(idx)
	metrics.EstimatorUpdates.WithLabelValues(stage).Add(float64(newUpdates - updates))
	metrics.EstimatorSkipped.WithLabelValues(stage).Add(float64(newSkipped - skipped))

	ev.Tuned = tuned
	ev.Distance = a.distance(idx)
	if !math.IsNaN(ev.Distance) {
		metrics.DistanceToTarget.WithLabelValues(stage).Set(ev.Distance)
	}

	if tuned {
		metrics.StageTuned.WithLabelValues(stage, string(t.Kind())).Inc()
		a.state.Index++
		a.logger.Info("stage tuned",
			zap.Int("stage", idx),
			zap.String("kind", string(t.Kind())),
			zap.Int("visits", len(t.TunedPositions())))
		if a.state.Index == len(a.hierarchy) {
			a.logger.Info("tuning complete", zap.String("run_id", a.runID))
		}
		return nil
	}

	metrics.StageUntuned.WithLabelValues(stage, string(t.Kind())).Inc()
	a.state.AwaitingStep = true
	a.logger.Info("stage not tuned",
		zap.Int("stage", idx),
		zap.String("kind", string(t.Kind())),
		zap.Float64("distance", ev.Distance),
		zap.Any("errors", a.residuals(idx)))
	return nil
}

func (a *Autotuner) propose(ev *Event) error {
	idx := a.state.Index
	t := a.hierarchy[idx]

	next, err := t.NextVoltages()
	if err != nil {
		return fmt.Errorf("stage %d: propose: %w", idx, err)
	}
	step := next.Sub(t.LastVoltages()).Norm()
	metrics.StepNorm.WithLabelValues(strconv.Itoa(idx)).Observe(step)
	a.logger.Debug("step proposed",
		zap.Int("stage", idx),
		zap.Float64("step_norm", step))

	ev.StepNorm = step
	ev.Voltages = next.Clone()
	a.state.Pending = next
	a.state.AwaitingStep = false
	return nil
}

// Run iterates until tuning completes, ctx ends or maxIterations
// transitions have been made. A non-positive limit means no limit. It
// returns the number of transitions performed.
func (a *Autotuner) Run(ctx context.Context, maxIterations int) (int, error) {
	n := 0
	for !a.IsTuningComplete() {
		if maxIterations > 0 && n >= maxIterations {
			return n, ErrIterationLimit
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := a.Iterate(ctx); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (a *Autotuner) estimatorCounts(idx int) (updates, skipped int) {
	for _, est := range a.hierarchy[idx].Solver().Estimators() {
		updates += est.Updates()
		skipped += est.Skipped()
	}
	return updates, skipped
}

// distance is the euclidean norm of the stage residual, NaN when no
// parameter steers.
func (a *Autotuner) distance(idx int) float64 {
	_, residual := a.hierarchy[idx].Solver().Residual()
	if len(residual) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, r := range residual {
		sum += r * r
	}
	return math.Sqrt(sum)
}

func (a *Autotuner) residuals(idx int) map[string]float64 {
	names, residual := a.hierarchy[idx].Solver().Residual()
	out := make(map[string]float64, len(names))
	for i, n := range names {
		out[n] = residual[i]
	}
	return out
}
