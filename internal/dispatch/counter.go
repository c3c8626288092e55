// Package dispatch wraps outbound message sends with shared rate limiting
// and a per-channel circuit breaker, backed by TTL-bounded counters that
// every worker mutates through a common CounterStore.
package dispatch

import (
	"context"
	"time"
)

// CounterStore is the shared, TTL-bounded counter state behind the guard.
// Keys expire; an expired key reads as absent. Implementations must be safe
// for concurrent use across workers.
type CounterStore interface {
	// Increment adds one to the counter, creating it with the given TTL if
	// absent or expired, and returns the new value. The TTL is set only on
	// creation; incrementing a live counter keeps its existing window.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decrement subtracts one from the counter, floored at zero. A missing
	// or expired counter stays at zero.
	Decrement(ctx context.Context, key string) (int64, error)

	// Get returns the counter value and whether the key is live.
	Get(ctx context.Context, key string) (int64, bool, error)

	// Set stores an absolute value with the given TTL.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
}
