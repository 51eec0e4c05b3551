// Package storage persists autotuner checkpoints.
//
// A checkpoint is the complete resumable state of a tuning run: the
// autotuner's position in the hierarchy and a snapshot of every stage.
// Checkpoints are encoded as YAML so that NaN and infinite target
// fields survive the round trip. Backends share the Store interface;
// Writer serialises saves off the control loop.
package storage
