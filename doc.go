// Package authgate is a token-based authentication and adaptive
// protection layer: signed access/refresh credentials, server-side
// sessions with concurrency caps and anomaly detection, multi-strategy
// rate limiting, and an HTTP gateway tying them together.
//
// The [Builder] wires the pieces over a shared key-value store:
//
//	gw, err := authgate.New().
//		WithConfig(cfg).
//		WithRedis(client).
//		WithCredentials(creds).
//		Build()
//
// Every cross-request decision (blacklists, counters, sessions,
// penalties) lives in the store, so any number of gateway replicas share
// one security state.
package authgate
