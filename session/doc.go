// Package session manages server-side session records in the shared kv
// store: creation under a per-user concurrency cap, activity tracking with
// anomaly detection, privilege-change rotation signalling, locking, and
// audited destruction.
//
// A session outlives any single token; the token layer binds credentials
// to a session id and the gateway consults both. All cross-request state
// lives in the store, so any number of gateway replicas can share one
// session space.
package session
