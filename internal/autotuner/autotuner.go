package autotuner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/metrics"
	"github.com/san-kum/qtune/internal/storage"
	"github.com/san-kum/qtune/internal/tuner"
)

// State is the resumable position of the control loop.
type State = storage.State

type Phase string

const (
	PhaseApply    Phase = "apply"
	PhaseDecide   Phase = "decide"
	PhasePropose  Phase = "propose"
	PhaseComplete Phase = "complete"
)

// ErrIterationLimit is returned by Run when the budget runs out first.
var ErrIterationLimit = errors.New("autotuner: iteration limit reached")

// Event describes one completed transition.
type Event struct {
	Sequence int
	Phase    Phase
	State    State
	Stage    int
	Tuned    bool
	Distance float64
	StepNorm float64
	Voltages dynamo.Voltages
	Err      error
}

type Autotuner struct {
	device    dynamo.Device
	hierarchy []tuner.Tuner
	state     State

	logger   *zap.Logger
	writer   *storage.Writer
	observer func(Event)
	now      func() time.Time
	runID    string
	label    string
	sequence int
	effort   *metrics.ControlEffort
}

type Option func(*Autotuner)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Autotuner) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithWriter checkpoints every transition through w. Close closes it.
func WithWriter(w *storage.Writer) Option {
	return func(a *Autotuner) { a.writer = w }
}

func WithRunID(id string) Option {
	return func(a *Autotuner) { a.runID = id }
}

func WithLabel(label string) Option {
	return func(a *Autotuner) { a.label = label }
}

// WithState starts from a saved loop position instead of stage zero.
func WithState(s State) Option {
	return func(a *Autotuner) { a.state = cloneState(s) }
}

// WithObserver is called synchronously after every transition.
func WithObserver(fn func(Event)) Option {
	return func(a *Autotuner) { a.observer = fn }
}

func WithClock(now func() time.Time) Option {
	return func(a *Autotuner) {
		if now != nil {
			a.now = now
		}
	}
}

// New validates the hierarchy and seeds every stage that has no known
// voltages with the device's current state.
func New(ctx context.Context, device dynamo.Device, hierarchy []tuner.Tuner, opts ...Option) (*Autotuner, error) {
	if device == nil {
		return nil, &dynamo.ConfigError{Component: "autotuner device", Wrapped: dynamo.ErrInvalidOption}
	}
	var params []string
	for i, t := range hierarchy {
		if t == nil {
			return nil, &dynamo.ConfigError{Component: fmt.Sprintf("autotuner stage %d", i), Wrapped: dynamo.ErrInvalidOption}
		}
		params = append(params, t.Parameters()...)
	}
	if dups := dynamo.Duplicates(params); len(dups) > 0 {
		return nil, &dynamo.ConfigError{Component: "autotuner hierarchy", Names: dups, Wrapped: dynamo.ErrDuplicateParameter}
	}

	a := &Autotuner{
		device:    device,
		hierarchy: append([]tuner.Tuner(nil), hierarchy...),
		logger:    zap.NewNop(),
		now:       time.Now,
		effort:    metrics.NewControlEffort(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.state.Index < 0 || a.state.Index > len(a.hierarchy) {
		return nil, &dynamo.ConfigError{Component: "autotuner state", Names: []string{fmt.Sprint(a.state.Index)}, Wrapped: dynamo.ErrInvalidOption}
	}
	if a.runID == "" {
		a.runID = storage.NewRunID()
	}

	var current dynamo.Voltages
	for _, t := range a.hierarchy {
		if t.LastVoltages() != nil {
			continue
		}
		if current == nil {
			v, err := device.ReadVoltages(ctx)
			if err != nil {
				return nil, fmt.Errorf("read device voltages: %w", err)
			}
			current = v
		}
		t.SetLastVoltages(current)
	}

	metrics.StageIndex.Set(float64(a.state.Index))
	return a, nil
}

func (a *Autotuner) Phase() Phase {
	switch {
	case a.state.Pending != nil:
		return PhaseApply
	case a.state.Index >= len(a.hierarchy):
		return PhaseComplete
	case a.state.AwaitingStep:
		return PhasePropose
	default:
		return PhaseDecide
	}
}

func (a *Autotuner) IsTuningComplete() bool { return a.Phase() == PhaseComplete }

func (a *Autotuner) State() State { return cloneState(a.state) }

// CurrentTuner returns the active stage, or false once tuning is complete.
func (a *Autotuner) CurrentTuner() (tuner.Tuner, bool) {
	if a.state.Index >= len(a.hierarchy) {
		return nil, false
	}
	return a.hierarchy[a.state.Index], true
}

func (a *Autotuner) Hierarchy() []tuner.Tuner {
	return append([]tuner.Tuner(nil), a.hierarchy...)
}

func (a *Autotuner) RunID() string { return a.runID }
func (a *Autotuner) Label() string { return a.label }

// Sequence is the number the next checkpoint will carry.
func (a *Autotuner) Sequence() int { return a.sequence }

func (a *Autotuner) Effort() *metrics.ControlEffort { return a.effort }

func cloneState(s State) State {
	return State{Index: s.Index, AwaitingStep: s.AwaitingStep, Pending: s.Pending.Clone()}
}
