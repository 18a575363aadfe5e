package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// failureBuffer bounds undelivered failure events per backend.
const failureBuffer = 16

// Memcached is the memcached cluster backend. The client library
// distributes keys across the configured nodes by hashing each key
// modulo the node count; this is not consistent hashing, so adding or
// removing a node remaps most keys.
//
// gomemcache does not take a context; the per-operation socket
// timeout bounds blocking instead.
type Memcached struct {
	client   *memcache.Client
	failures chan FailureEvent
}

// NewMemcached connects to the given "host:port" nodes.
func NewMemcached(servers []string, timeout time.Duration) *Memcached {
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &Memcached{
		client:   client,
		failures: make(chan FailureEvent, failureBuffer),
	}
}

// Ping verifies every node is reachable; it fails if any node is down.
func (m *Memcached) Ping() error {
	return m.client.Ping()
}

// Get implements Cache.
func (m *Memcached) Get(_ context.Context, key string) ([]byte, error) {
	item, err := m.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, ErrCacheMiss
		}
		m.reportFailure("get", err)
		return nil, fmt.Errorf("memcached get: %w", err)
	}
	return item.Value, nil
}

// Set implements Cache.
func (m *Memcached) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := m.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: expiration(ttl),
	})
	if err != nil {
		m.reportFailure("set", err)
		return fmt.Errorf("memcached set: %w", err)
	}
	return nil
}

// Add implements Cache. memcached's add is atomic across all clients
// of the node owning the key.
func (m *Memcached) Add(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := m.client.Add(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: expiration(ttl),
	})
	if err != nil {
		if errors.Is(err, memcache.ErrNotStored) {
			return ErrNotStored
		}
		m.reportFailure("add", err)
		return fmt.Errorf("memcached add: %w", err)
	}
	return nil
}

// Delete implements Cache.
func (m *Memcached) Delete(_ context.Context, key string) error {
	err := m.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		m.reportFailure("delete", err)
		return fmt.Errorf("memcached delete: %w", err)
	}
	return nil
}

// Failures implements Cache.
func (m *Memcached) Failures() <-chan FailureEvent {
	return m.failures
}

// Close implements Cache. The memcache client holds only idle
// sockets, reclaimed when the process exits.
func (m *Memcached) Close() error {
	return nil
}

func (m *Memcached) reportFailure(op string, err error) {
	select {
	case m.failures <- FailureEvent{Op: op, Err: err}:
	default:
	}
}

func expiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	return int32(ttl / time.Second)
}
