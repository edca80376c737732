package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/orchestrator"
)

// pushBounded appends ARGV[2] to KEYS[1] unless the list already holds
// ARGV[1] entries. A zero bound means unbounded. Returns -1 when full.
var pushBounded = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call("LLEN", KEYS[1]) >= max then
	return -1
end
return redis.call("RPUSH", KEYS[1], ARGV[2])
`)

// ListQueue is an orchestrator.Queue backed by a Redis list. Each
// orchestrator instance needs its own key.
type ListQueue struct {
	client *redis.Client
	key    string
	maxLen int
}

var _ orchestrator.Queue = (*ListQueue)(nil)

// NewListQueue creates a queue on key holding at most maxLen ids (0 = no bound).
func NewListQueue(client *redis.Client, key string, maxLen int) *ListQueue {
	if key == "" {
		key = "case:queue"
	}
	return &ListQueue{client: client, key: key, maxLen: maxLen}
}

func (q *ListQueue) Enqueue(ctx context.Context, id string) error {
	n, err := pushBounded.Run(ctx, q.client, []string{q.key}, q.maxLen, id).Int64()
	if err != nil {
		return fmt.Errorf("redis enqueue %s: %w", id, err)
	}
	if n < 0 {
		return &domain.QueueFullError{Capacity: q.maxLen}
	}
	return nil
}

// Dequeue blocks on BLPOP for up to timeout.
func (q *ListQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", orchestrator.ErrQueueEmpty
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("redis dequeue: %w", err)
	}
	// BLPOP answers [key, value].
	return res[1], nil
}

func (q *ListQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue length: %w", err)
	}
	return n, nil
}
