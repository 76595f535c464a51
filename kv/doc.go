// Package kv defines the key-value store contract that every authgate
// component persists through, together with the Redis-backed production
// implementation and an in-memory implementation for tests and embedding.
//
// The contract is deliberately minimal: get, set with TTL, delete. Stores
// that can do better advertise optional capabilities (see [Counter]) which
// callers detect with a type assertion.
package kv
