package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
)

// ErrQueueEmpty is returned by Dequeue when nothing arrived before the timeout.
var ErrQueueEmpty = errors.New("queue empty")

// Queue is the FIFO of case ids waiting for dispatch.
type Queue interface {
	Enqueue(ctx context.Context, id string) error
	// Dequeue waits up to timeout for the next id.
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
	Len(ctx context.Context) (int64, error)
}

// MemoryQueue is a bounded in-process Queue.
type MemoryQueue struct {
	ch chan string
}

// NewMemoryQueue creates a MemoryQueue holding at most capacity ids.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan string, capacity)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- id:
		return nil
	default:
		return &domain.QueueFullError{Capacity: cap(q.ch)}
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrQueueEmpty
	}
}

func (q *MemoryQueue) Len(context.Context) (int64, error) { return int64(len(q.ch)), nil }
