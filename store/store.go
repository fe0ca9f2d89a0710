// Package store provides the shared counter backends that quotakit tracks
// quota usage against.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the counter store could not complete an
// operation (connection, timeout, or protocol failure). Implementations wrap
// every failure with this sentinel so callers can match it with errors.Is
// without distinguishing finer-grained causes.
var ErrUnavailable = errors.New("quota store unavailable")

// Store is the atomic counter contract consumed by the quota tracker.
// Implementations must be safe for concurrent use from many goroutines and,
// for shared backends, from many process instances at once.
type Store interface {
	// Increment atomically increments the counter for the given key and
	// returns the post-increment count along with the time remaining until
	// the window resets. If the key is absent the counter is created with
	// count=1 and its expiry set to the window duration as part of the same
	// indivisible operation; the expiry is never set on an existing counter.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Get retrieves the current count for the given key without incrementing.
	// Returns 0 if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
