package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is an alternative cluster backend implementing the same
// operation set. Lock acquisition maps to SET NX.
type Redis struct {
	client   *redis.Client
	failures chan FailureEvent
}

// NewRedis connects to a redis node at addr.
func NewRedis(addr string) *Redis {
	return &Redis{
		client:   redis.NewClient(&redis.Options{Addr: addr}),
		failures: make(chan FailureEvent, failureBuffer),
	}
}

// Ping verifies the node is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		r.reportFailure("get", err)
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.reportFailure("set", err)
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Add implements Cache.
func (r *Redis) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		r.reportFailure("add", err)
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !stored {
		return ErrNotStored
	}
	return nil
}

// Delete implements Cache.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.reportFailure("delete", err)
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Failures implements Cache.
func (r *Redis) Failures() <-chan FailureEvent {
	return r.failures
}

// Close implements Cache.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) reportFailure(op string, err error) {
	select {
	case r.failures <- FailureEvent{Op: op, Err: err}:
	default:
	}
}
