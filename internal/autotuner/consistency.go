package autotuner

import (
	"context"
	"fmt"
	"strings"

	"github.com/san-kum/qtune/internal/dynamo"
)

// Inconsistency names gates referenced by the hierarchy that the device
// does not report. Stage is -1 for the autotuner's own pending voltages.
type Inconsistency struct {
	Stage     int
	Component string
	Missing   []string
}

func (i Inconsistency) String() string {
	if i.Stage < 0 {
		return fmt.Sprintf("%s: unknown gates %s", i.Component, strings.Join(i.Missing, ", "))
	}
	return fmt.Sprintf("stage %d %s: unknown gates %s", i.Stage, i.Component, strings.Join(i.Missing, ", "))
}

// ConsistencyError is returned by Iterate when ReadyToTune fails.
type ConsistencyError struct {
	Inconsistencies []Inconsistency
}

func (e *ConsistencyError) Error() string {
	parts := make([]string, len(e.Inconsistencies))
	for i, inc := range e.Inconsistencies {
		parts[i] = inc.String()
	}
	return fmt.Sprintf("%v: %s", dynamo.ErrNotReady, strings.Join(parts, "; "))
}

func (e *ConsistencyError) Unwrap() error {
	return dynamo.ErrNotReady
}

// ReadyToTune checks every gate name the hierarchy references against the
// gates the device currently reports. It fails closed: any unknown name
// makes the hierarchy not ready.
func (a *Autotuner) ReadyToTune(ctx context.Context) (bool, []Inconsistency, error) {
	current, err := a.device.ReadVoltages(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("read device voltages: %w", err)
	}
	known := dynamo.NameSet(current.Keys())

	var issues []Inconsistency
	check := func(stage int, component string, names []string) {
		if missing := dynamo.MissingNames(names, known); len(missing) > 0 {
			issues = append(issues, Inconsistency{Stage: stage, Component: component, Missing: missing})
		}
	}

	check(-1, "pending voltages", a.state.Pending.Keys())
	for i, t := range a.hierarchy {
		check(i, "declared gates", t.Gates())
		check(i, "last voltages", t.LastVoltages().Keys())
		s := t.Solver()
		check(i, "solver position", s.CurrentPosition().Keys())
		for j, est := range s.Estimators() {
			check(i, fmt.Sprintf("estimator %d operating point", j), est.CurrentPosition().Keys())
		}
	}
	return len(issues) == 0, issues, nil
}
