package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Elector grants a lease to at most one instance at a time.
type Elector interface {
	// Acquire takes or renews the lease and reports whether it is held.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lease up if it is held.
	Release(ctx context.Context) error
}

// RedisClient is the subset of the redis client used for leases.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// DefaultKey is the redis key holding the leader's instance id.
const DefaultKey = "scale:scheduler:leader"

// RedisElector holds the lease as a redis key with a TTL.
type RedisElector struct {
	client     RedisClient
	key        string
	instanceID string
	ttl        time.Duration
}

// NewRedisElector creates an elector for instanceID. The lease lapses ttl
// after the last renewal.
func NewRedisElector(client RedisClient, key, instanceID string, ttl time.Duration) *RedisElector {
	if key == "" {
		key = DefaultKey
	}
	return &RedisElector{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

func (e *RedisElector) Acquire(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.key, e.instanceID, e.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader: setnx: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := e.client.Get(ctx, e.key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("leader: get: %w", err)
	}
	if current != e.instanceID {
		return false, nil
	}
	renewed, err := e.client.Expire(ctx, e.key, e.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader: expire: %w", err)
	}
	// The key lapsed between Get and Expire.
	return renewed, nil
}

func (e *RedisElector) Release(ctx context.Context) error {
	current, err := e.client.Get(ctx, e.key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("leader: get: %w", err)
	}
	if current != e.instanceID {
		return nil
	}
	if err := e.client.Del(ctx, e.key).Err(); err != nil {
		return fmt.Errorf("leader: del: %w", err)
	}
	return nil
}

// LocalElector always holds the lease. It serves single-instance
// deployments.
type LocalElector struct{}

func (LocalElector) Acquire(context.Context) (bool, error) { return true, nil }
func (LocalElector) Release(context.Context) error         { return nil }
