package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only while this instance still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// Lease is a Redis-held leadership lease shared by every orchestrator
// instance. Only the holder runs the periodic maintenance jobs.
type Lease struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLease returns a lease on key held for ttl per acquisition.
func NewLease(client *redis.Client, key, instanceID string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// Acquire takes the lease with SETNX or renews it if this instance
// already holds it. It reports whether this instance is the leader.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease setnx: %w", err)
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lease renew: %w", err)
	}
	return n == 1, nil
}

// Release drops the lease if this instance holds it.
func (l *Lease) Release(ctx context.Context) error {
	held, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lease get: %w", err)
	}
	if held != l.instanceID {
		return nil
	}
	return l.client.Del(ctx, l.key).Err()
}
