//go:build integration

package redis_test

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/orchestrator"
	redisstore "github.com/ramiqadoumi/go-case-flow/internal/redis"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	connStr, err := ctr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	// ConnectionString returns "redis://host:port"; go-redis wants host:port.
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")
	return m.Run()
}

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

// ── Snapshots ────────────────────────────────────────────────────────────────

func TestSnapshotStore_RoundTrip(t *testing.T) {
	store := redisstore.NewSnapshotStore(newRedisClient(t), time.Hour)
	ctx := context.Background()

	task := domain.NewTask("user-1", domain.CategoryFiscal,
		domain.WithTitle("Declaration 2025"),
		domain.WithRequiredDocuments("avis_imposition"),
	)
	task.SetMeta("missing_documents", []string{"avis_imposition"})
	require.NoError(t, store.Save(ctx, task.Snapshot()))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "Declaration 2025", got.Title)
	assert.Equal(t, domain.StateCreated, got.State)
	assert.Equal(t, []string{"avis_imposition"}, got.RequiredDocuments)

	state, err := store.GetState(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, state)

	ids, err := store.UserCases(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, ids)
}

func TestSnapshotStore_NotFound(t *testing.T) {
	store := redisstore.NewSnapshotStore(newRedisClient(t), 0)

	_, err := store.Get(context.Background(), "does-not-exist")
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.TaskID)
}

func TestSnapshotStore_Delete(t *testing.T) {
	store := redisstore.NewSnapshotStore(newRedisClient(t), 0)
	ctx := context.Background()
	task := domain.NewTask("user-2", domain.CategoryHealth)
	require.NoError(t, store.Save(ctx, task.Snapshot()))

	require.NoError(t, store.Delete(ctx, task.ID, "user-2"))
	_, err := store.GetState(ctx, task.ID)
	var notFound *domain.TaskNotFoundError
	assert.ErrorAs(t, err, &notFound)
	ids, err := store.UserCases(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// ── Queue ────────────────────────────────────────────────────────────────────

func TestListQueue_FIFO(t *testing.T) {
	q := redisstore.NewListQueue(newRedisClient(t), "test:queue", 0)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, id))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestListQueue_EmptyTimesOut(t *testing.T) {
	q := redisstore.NewListQueue(newRedisClient(t), "test:empty", 0)
	_, err := q.Dequeue(context.Background(), time.Second)
	assert.ErrorIs(t, err, orchestrator.ErrQueueEmpty)
}

func TestListQueue_Bounded(t *testing.T) {
	q := redisstore.NewListQueue(newRedisClient(t), "test:bounded", 2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))

	err := q.Enqueue(ctx, "c")
	var full *domain.QueueFullError
	require.True(t, errors.As(err, &full), "expected QueueFullError, got %v", err)
	assert.Equal(t, 2, full.Capacity)
}

// ── Rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Second)
	ctx := context.Background()

	for range 3 {
		ok, err := limiter.Allow(ctx, "portal:impots")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "portal:impots")
	require.NoError(t, err)
	assert.False(t, ok, "4th call should be rate-limited")
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	window := 200 * time.Millisecond
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 2, window)
	ctx := context.Background()

	for range 2 {
		ok, err := limiter.Allow(ctx, "portal:ameli")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "portal:ameli")
	require.NoError(t, err)
	assert.False(t, ok, "should be blocked within window")

	time.Sleep(window + 50*time.Millisecond)

	ok, err = limiter.Allow(ctx, "portal:ameli")
	require.NoError(t, err)
	assert.True(t, ok, "should be allowed after window expires")
}

func TestRateLimiter_IndependentKeys(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 1, time.Second)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "portal:ants")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "portal:ants")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "portal:impots")
	require.NoError(t, err)
	assert.True(t, ok, "keys are limited independently")
}

// ── Lease ────────────────────────────────────────────────────────────────────

func TestLease_SingleLeader(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	a := redisstore.NewLease(client, "maintenance:leader", "a", time.Second)
	b := redisstore.NewLease(client, "maintenance:leader", "b", time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second instance must not take a held lease")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, b.Release(ctx), "release by non-holder is a no-op")
	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
