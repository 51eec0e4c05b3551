// Package tuner implements the stages of a tuning hierarchy.
//
// Each stage owns a fixed set of parameters, the evaluators that measure
// them and a [solver.Newton] that proposes gate steps for them. The set of
// stage kinds is closed:
//
//   - [Subset]: tunes with a declared subset of gates; a parameter is tuned
//     when it is within tolerance of its desired value
//   - [SensingDot]: measures cheaply first and escalates to an expensive
//     evaluation only when a value falls below its cost threshold; tuned
//     while no value is below its minimum
package tuner
