// Package estimator tracks the local gradient between device gates and
// evaluated parameters.
//
// [Kalman] is a recursive least-squares fit written as a Kalman filter on
// the gradient matrix. After every accepted sample the error covariance is
// inflated by the forgetting factor so the estimate keeps following a
// slowly drifting device instead of freezing once it is confident.
package estimator
