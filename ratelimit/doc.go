// Package ratelimit admits or rejects requests using four stacked
// strategies evaluated concurrently per check: fixed-window per-action
// limits, burst protection over a sliding timestamp window, DDoS
// detection with an hour-long ban, and progressive penalties that double
// for repeat offenders.
//
// The limiter fails OPEN: when the backing store is unreachable the
// request is admitted and the failure is audited. Availability wins here;
// the token layer makes the opposite call.
package ratelimit
