package solver

import (
	"math"
	"sort"

	"github.com/san-kum/qtune/internal/dynamo"
)

// TargetEntry is the goal for one parameter. NaN fields are unconstrained:
// a NaN Desired takes no part in the Newton step, a NaN Tolerance is always
// satisfied and a NaN Minimum or CostThreshold never triggers.
type TargetEntry struct {
	Name          string  `yaml:"name"`
	Desired       float64 `yaml:"desired"`
	Tolerance     float64 `yaml:"tolerance"`
	Minimum       float64 `yaml:"minimum"`
	CostThreshold float64 `yaml:"cost_threshold"`
}

// Entry returns a tolerance-based goal without thresholds.
func Entry(name string, desired, tolerance float64) TargetEntry {
	return TargetEntry{
		Name:          name,
		Desired:       desired,
		Tolerance:     tolerance,
		Minimum:       math.NaN(),
		CostThreshold: math.NaN(),
	}
}

// Threshold returns a goal that is met while the value stays at or above
// minimum. Values below costThreshold ask for a more accurate measurement.
func Threshold(name string, desired, minimum, costThreshold float64) TargetEntry {
	return TargetEntry{
		Name:          name,
		Desired:       desired,
		Tolerance:     math.NaN(),
		Minimum:       minimum,
		CostThreshold: costThreshold,
	}
}

// Steers reports whether the entry contributes a row to the Newton step.
func (e TargetEntry) Steers() bool {
	return !math.IsNaN(e.Desired) && !math.IsInf(e.Desired, 0)
}

// WithinTolerance implements the tolerance-on-error policy.
func (e TargetEntry) WithinTolerance(value float64) bool {
	if math.IsNaN(e.Tolerance) || math.IsInf(e.Tolerance, 1) || !e.Steers() {
		return true
	}
	return math.Abs(e.Desired-value) < e.Tolerance
}

// BelowMinimum implements the minimum-threshold-on-value policy.
func (e TargetEntry) BelowMinimum(value float64) bool {
	return !math.IsNaN(e.Minimum) && (value < e.Minimum || math.IsNaN(value))
}

func (e TargetEntry) BelowCostThreshold(value float64) bool {
	return !math.IsNaN(e.CostThreshold) && (value < e.CostThreshold || math.IsNaN(value))
}

// Target is a name-sorted set of goals.
type Target struct {
	entries []TargetEntry
}

func NewTarget(entries ...TargetEntry) (Target, error) {
	sorted := append([]TargetEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	names := make([]string, len(sorted))
	for i, e := range sorted {
		names[i] = e.Name
	}
	if dups := dynamo.Duplicates(names); len(dups) > 0 {
		return Target{}, &dynamo.ConfigError{Component: "target", Names: dups, Wrapped: dynamo.ErrDuplicateParameter}
	}
	if len(sorted) == 0 {
		return Target{}, &dynamo.ConfigError{Component: "target", Wrapped: dynamo.ErrTargetMismatch}
	}
	return Target{entries: sorted}, nil
}

func (t Target) Len() int { return len(t.entries) }

func (t Target) Names() []string {
	names := make([]string, len(t.entries))
	for i, e := range t.entries {
		names[i] = e.Name
	}
	return names
}

func (t Target) Entries() []TargetEntry {
	return append([]TargetEntry(nil), t.entries...)
}

func (t Target) Lookup(name string) (TargetEntry, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Name >= name })
	if i == len(t.entries) || t.entries[i].Name != name {
		return TargetEntry{}, false
	}
	return t.entries[i], true
}

// Desired returns the desired values keyed by parameter.
func (t Target) Desired() map[string]float64 {
	out := make(map[string]float64, len(t.entries))
	for _, e := range t.entries {
		out[e.Name] = e.Desired
	}
	return out
}
