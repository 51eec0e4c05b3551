// Package autotuner sequences a hierarchy of tuning stages against a
// device.
//
// The driver is a four-phase state machine. Each call to Iterate performs
// exactly one device-facing transition:
//
//	apply    write the pending voltages and restart from the first stage
//	decide   measure the active stage; advance if tuned
//	propose  ask the active stage for its next voltages
//	complete every stage is tuned
//
// Any voltage change may un-tune a coarser stage, so applying a step always
// restarts the hierarchy from stage zero. After every transition the full
// state is handed to a storage.Writer so a crashed run can be resumed.
package autotuner
