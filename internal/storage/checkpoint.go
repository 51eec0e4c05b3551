package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/tuner"
)

const CurrentVersion = 1

var (
	ErrVersionMismatch = errors.New("storage: checkpoint version mismatch")
	ErrNoRun           = errors.New("storage: run has no checkpoints")
	ErrNotInitialized  = errors.New("storage: store is not initialized")
)

// State locates the autotuner inside its stage hierarchy.
type State struct {
	Index        int             `yaml:"index"`
	AwaitingStep bool            `yaml:"awaiting_step"`
	Pending      dynamo.Voltages `yaml:"pending,omitempty"`
}

type Checkpoint struct {
	Version   int              `yaml:"version"`
	RunID     string           `yaml:"run_id"`
	Sequence  int              `yaml:"sequence"`
	Timestamp time.Time        `yaml:"timestamp"`
	Label     string           `yaml:"label,omitempty"`
	State     State            `yaml:"state"`
	Voltages  dynamo.Voltages  `yaml:"voltages,omitempty"`
	Stages    []tuner.Snapshot `yaml:"stages"`
}

// Complete reports whether the checkpointed run had finished every stage.
func (c Checkpoint) Complete() bool {
	return c.State.Index >= len(c.Stages)
}

func NewRunID() string {
	return uuid.NewString()
}

func Encode(c Checkpoint) ([]byte, error) {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	if c.RunID == "" {
		return nil, errors.New("storage: checkpoint without run id")
	}
	return yaml.Marshal(c)
}

func Decode(data []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, err
	}
	if err := checkVersion(c.Version); err != nil {
		return Checkpoint{}, err
	}
	return c, nil
}

func checkVersion(v int) error {
	if v != CurrentVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, v, CurrentVersion)
	}
	return nil
}
