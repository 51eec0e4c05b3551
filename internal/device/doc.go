// Package device provides in-process stand-ins for the instrument and its
// measurements.
//
//   - [Sim]: a linear device whose parameters respond to gate voltages
//     through a fixed (optionally drifting) Jacobian plus gaussian noise
//   - [SimEvaluator]: reads a subset of the simulated parameters
//   - [StaticEvaluator], [FuncEvaluator]: scripted evaluators for tests
//
// Nothing here talks to hardware.
package device
