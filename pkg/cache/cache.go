// Package cache abstracts the shared distributed cache the proxy
// instances cooperate through, with memcached and redis backends.
//
// The cache is strictly best-effort: every operation may fail at any
// time and callers must degrade to treating keys as absent. No error
// from this package is ever surfaced to an HTTP client.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss indicates the requested key was not found.
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotStored indicates an Add lost the race to an existing key.
	ErrNotStored = errors.New("not stored")
)

// FailureEvent reports a cache node or cluster problem.
type FailureEvent struct {
	// Op is the operation that observed the failure.
	Op string

	// Err is the underlying transport error.
	Err error
}

// Cache is the operation set the proxy core needs from the cluster.
// Key distribution across nodes is the backend client library's
// responsibility.
type Cache interface {
	// Get returns the value stored at key, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. ttl == 0 leaves expiry to the cache's
	// default eviction.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Add stores value at key only if the key does not already exist,
	// atomically. Returns ErrNotStored when it does.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Failures delivers node-failure events. Delivery is best-effort;
	// events are dropped when the receiver lags.
	Failures() <-chan FailureEvent

	Close() error
}
