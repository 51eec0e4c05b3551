// Package dynamo provides the core primitives shared by every tuning stage.
//
// The package defines the vocabulary of the control loop:
//
//   - [Voltages]: named control-channel values, used both as an absolute
//     device state and as a delta to apply
//   - [Sample]: named observables with their variances, as produced by an
//     evaluation
//   - [Device]: the instrument the loop reads and commands
//   - [Evaluator]: a measurement that turns the current device state into
//     a [Sample]
//
// # Example
//
//	v, _ := dev.ReadVoltages(ctx)
//	next := v.Add(dynamo.Voltages{"BA": 1e-3})
//	_ = dev.SetVoltages(ctx, next)
//	sample, _ := eval.Evaluate(ctx)
//
// # Thread Safety
//
// None of the types here are synchronized. The control loop is strictly
// sequential; a Device is assumed to accept one command at a time.
package dynamo
