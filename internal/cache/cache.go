package cache

import (
	"context"
	"time"
)

// Store is a TTL key/value store used for idempotency guards and cached
// operation results. Cross-process coordination goes through here, never
// through in-process locks.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores the value only if the key is absent; reports whether the
	// caller won the slot.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Incr increments a counter, setting the TTL on first use.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Window counts events in a sliding time window, keyed by caller identity.
type Window interface {
	// AddAndCount records one event at now and returns how many events the
	// key has seen inside the window, including this one.
	AddAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
}
