// Package store provides the key-value persistence layer shared by all
// stateful components (chunk records, rate-limit state, fingerprints).
// Every mutation of shared state goes through the conditional primitives
// defined here; there are no broad locks anywhere above this package.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested key does not exist.
var ErrNotFound = errors.New("key not found")

// KV is the persistence contract injected into every stateful component.
// Values are opaque bytes; callers own serialization.
//
// A ttl of zero means the key does not expire.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if the key does not already exist.
	// Returns true if the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSwap replaces the value only if the current value is
	// byte-equal to old. Returns false if the key is missing or the
	// current value differs. This is the sole concurrency-safety
	// mechanism for chunk and batch transitions.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)

	// Keys returns all keys matching the glob pattern (e.g. "batch:*:chunk:*").
	Keys(ctx context.Context, pattern string) ([]string, error)
}
