package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
)

const defaultSnapshotTTL = 7 * 24 * time.Hour

func stateKey(caseID string) string    { return "case:state:" + caseID }
func snapshotKey(caseID string) string { return "case:snapshot:" + caseID }
func userKey(userID string) string     { return "case:user:" + userID }

// SnapshotStore keeps the latest view of every case in Redis so other
// processes can read case state without going through the orchestrator.
type SnapshotStore interface {
	Save(ctx context.Context, snap domain.Snapshot) error
	Get(ctx context.Context, caseID string) (domain.Snapshot, error)
	GetState(ctx context.Context, caseID string) (domain.State, error)
	UserCases(ctx context.Context, userID string) ([]string, error)
	Delete(ctx context.Context, caseID, userID string) error
}

type snapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotStore creates a Redis-backed SnapshotStore. A zero ttl keeps
// entries for a week.
func NewSnapshotStore(client *redis.Client, ttl time.Duration) SnapshotStore {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &snapshotStore{client: client, ttl: ttl}
}

// Save writes the snapshot, its state key and the user index in one
// transaction.
func (s *snapshotStore) Save(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.ID), data, s.ttl)
	pipe.Set(ctx, stateKey(snap.ID), string(snap.State), s.ttl)
	pipe.SAdd(ctx, userKey(snap.UserID), snap.ID)
	pipe.Expire(ctx, userKey(snap.UserID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *snapshotStore) Get(ctx context.Context, caseID string) (domain.Snapshot, error) {
	data, err := s.client.Get(ctx, snapshotKey(caseID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Snapshot{}, &domain.TaskNotFoundError{TaskID: caseID}
		}
		return domain.Snapshot{}, fmt.Errorf("redis get snapshot %s: %w", caseID, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("unmarshal snapshot %s: %w", caseID, err)
	}
	return snap, nil
}

func (s *snapshotStore) GetState(ctx context.Context, caseID string) (domain.State, error) {
	val, err := s.client.Get(ctx, stateKey(caseID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: caseID}
		}
		return "", fmt.Errorf("redis get state %s: %w", caseID, err)
	}
	return domain.ParseState(val)
}

func (s *snapshotStore) UserCases(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis user cases %s: %w", userID, err)
	}
	return ids, nil
}

func (s *snapshotStore) Delete(ctx context.Context, caseID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, snapshotKey(caseID), stateKey(caseID))
	pipe.SRem(ctx, userKey(userID), caseID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete snapshot %s: %w", caseID, err)
	}
	return nil
}
