// Package kvstore defines the thin contract over the external atomic
// key-value store that backs the cache, blacklist, and rate limiter.
//
// The evaluation core holds no authoritative shared state of its own: all
// cross-request mutable state lives behind this interface and relies on the
// backing store's atomic per-key operations. That is what lets the core
// scale horizontally without coordination.
package kvstore

import (
	"context"
	"time"
)

// KV is a key-value pair returned by Scan.
type KV struct {
	Key   string
	Value []byte
}

// Store is the atomic key-value contract. All operations are single-key
// atomic; callers never need client-side locking for correctness.
//
// A ttl of zero means the key does not expire.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given ttl. Overwrites any
	// existing value and resets the ttl (last-write-wins).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key, reporting whether it was present.
	Delete(ctx context.Context, key string) (bool, error)

	// Incr atomically increments the integer counter at key by one and
	// returns the new value. A new counter starts at 1 and takes the ttl;
	// the ttl of an existing counter is not reset.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Expire resets the ttl of an existing key, reporting whether the key
	// was present.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Scan returns up to limit entries whose key starts with prefix,
	// ordered by key, skipping offset entries.
	Scan(ctx context.Context, prefix string, limit, offset int) ([]KV, error)
}
