// Package store provides the counter store adapter: the single shared
// mutable resource behind rate counters, block entries and alert cooldowns.
// All cross-process coordination goes through these atomic primitives;
// nothing in the engine does a read-modify-write split across two calls.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the backing store could not be reached.
// Callers resolve it through the per-rule fail-open/fail-closed policy;
// it is never surfaced as a user-facing error by itself.
var ErrUnavailable = errors.New("store unavailable")

// Store abstracts an atomic increment-with-expiry primitive over a shared
// key/value store. Implementations must be safe for concurrent use.
type Store interface {
	// IncrementWithExpiry atomically increments the counter at key,
	// attaching ttl only when the key is created. This is a single
	// operation so two concurrent first-touches cannot each attach a
	// fresh full TTL. Returns the new count and the remaining TTL.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)

	// Get retrieves a value without mutating it. ok is false when the key
	// does not exist or has expired.
	Get(ctx context.Context, key string) (value string, ttlRemaining time.Duration, ok bool, err error)

	// SetIfAbsent stores value under key with ttl only if the key does not
	// already exist. Reports whether the value was set.
	SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
