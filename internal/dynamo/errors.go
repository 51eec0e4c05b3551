package dynamo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Domain errors for tuning operations.
var (
	// ErrDuplicateParameter indicates two evaluators or stages produce the same parameter.
	ErrDuplicateParameter = errors.New("dynamo: parameter produced more than once")

	// ErrTargetMismatch indicates the evaluated parameters differ from the solver target.
	ErrTargetMismatch = errors.New("dynamo: evaluator parameters do not match target")

	// ErrDimensionMismatch indicates vectors of different length were combined.
	ErrDimensionMismatch = errors.New("dynamo: dimension mismatch")

	// ErrInvalidOption indicates an out-of-range configuration value.
	ErrInvalidOption = errors.New("dynamo: invalid option")

	// ErrNotReady indicates the hierarchy references channels the device does not know.
	ErrNotReady = errors.New("dynamo: setup of the autotuner is incomplete")

	// ErrTuningComplete indicates iterate was called after the last stage was tuned.
	ErrTuningComplete = errors.New("dynamo: tuning is already complete")
)

// ConfigError wraps a construction-time failure with the offending names.
type ConfigError struct {
	Component string
	Names     []string
	Wrapped   error
}

func (e *ConfigError) Error() string {
	if len(e.Names) == 0 {
		return fmt.Sprintf("%s: %v", e.Component, e.Wrapped)
	}
	return fmt.Sprintf("%s: %v: %s", e.Component, e.Wrapped, strings.Join(e.Names, ", "))
}

func (e *ConfigError) Unwrap() error {
	return e.Wrapped
}

// Duplicates returns the names occurring more than once, sorted.
func Duplicates(names []string) []string {
	seen := make(map[string]int, len(names))
	for _, name := range names {
		seen[name]++
	}
	var dups []string
	for name, n := range seen {
		if n > 1 {
			dups = append(dups, name)
		}
	}
	sort.Strings(dups)
	return dups
}
