package storage

import (
	"context"
	"time"
)

// RunInfo summarises one run from its latest checkpoint.
type RunInfo struct {
	ID          string
	Label       string
	Checkpoints int
	Started     time.Time
	Updated     time.Time
	Stage       int
	Stages      int
}

func (r RunInfo) Complete() bool { return r.Stage >= r.Stages }

// Store persists checkpoints keyed by run id and sequence number. Saving a
// sequence that already exists replaces it.
type Store interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, c Checkpoint) error
	Latest(ctx context.Context, runID string) (Checkpoint, bool, error)
	History(ctx context.Context, runID string) ([]Checkpoint, error)
	Runs(ctx context.Context) ([]RunInfo, error)
}

func summarise(first, last Checkpoint, count int) RunInfo {
	return RunInfo{
		ID:          last.RunID,
		Label:       last.Label,
		Checkpoints: count,
		Started:     first.Timestamp,
		Updated:     last.Timestamp,
		Stage:       last.State.Index,
		Stages:      len(last.Stages),
	}
}

func unixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
