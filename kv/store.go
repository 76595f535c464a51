package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Store.Get] when the key does not exist or
// has already expired.
var ErrNotFound = errors.New("kv: key not found")

// ErrUnavailable wraps transport or backend failures. Callers decide the
// failure policy per component: token verification fails closed on it,
// rate limiting fails open.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the persistence contract shared by the token, session, and
// rate-limit components. Implementations must be safe for concurrent use.
//
// TTL semantics: ttl <= 0 stores the value without expiry; otherwise the
// key disappears after ttl. There are no transactions and no cross-key
// ordering guarantees beyond last-write-wins per key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Counter is an optional capability for stores that support atomic
// increments. The Redis store implements it; rate-limit counters use it
// when present and fall back to read-then-write otherwise, accepting the
// documented undercount race.
type Counter interface {
	// Incr atomically increments key by one and returns the new value.
	// The TTL is applied only when the increment creates the key, giving
	// fixed-window semantics.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Pinger is an optional capability for stores that can report backend
// health, surfaced on the security-status endpoint.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}
