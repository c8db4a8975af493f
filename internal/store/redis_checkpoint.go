package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clauseguard/engine/internal/domain"
)

const checkpointKeyPrefix = "checkpoint:"

// RedisCheckpointStore is a Redis-backed CheckpointStore. Checkpoints
// live under one key per session; Archive attaches a TTL so finished
// sessions are evicted after the retention window instead of
// accumulating forever.
type RedisCheckpointStore struct {
	client     *redis.Client
	archiveTTL time.Duration
}

// NewRedisCheckpointStore connects to Redis and verifies the
// connection before returning the store.
func NewRedisCheckpointStore(redisURL string, archiveTTL time.Duration) (*RedisCheckpointStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCheckpointStoreWithClient(client, archiveTTL), nil
}

// NewRedisCheckpointStoreWithClient builds a store from an existing
// client, mainly for tests.
func NewRedisCheckpointStoreWithClient(client *redis.Client, archiveTTL time.Duration) *RedisCheckpointStore {
	if archiveTTL <= 0 {
		archiveTTL = 7 * 24 * time.Hour
	}
	return &RedisCheckpointStore{client: client, archiveTTL: archiveTTL}
}

func (s *RedisCheckpointStore) key(sessionID string) string {
	return checkpointKeyPrefix + sessionID
}

// Save writes the checkpoint under WATCH so the state_version check
// and the SET are atomic against concurrent savers.
func (s *RedisCheckpointStore) Save(ctx context.Context, state *domain.SessionState) error {
	key := s.key(state.SessionID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		switch {
		case err == redis.Nil:
			if state.StateVersion != 0 {
				return domain.ErrOptimisticLock
			}
		case err != nil:
			return domain.WrapEngineError(domain.ErrCheckpointFailed.Code, "read checkpoint", err)
		default:
			// The key is already taken: a version-0 save is a concurrent
			// creator losing the race, anything else a stale writer.
			if state.StateVersion == 0 {
				return domain.ErrDuplicateSession
			}
			var stored domain.SessionState
			if err := json.Unmarshal([]byte(current), &stored); err != nil {
				return domain.WrapEngineError(domain.ErrCheckpointFailed.Code, "decode checkpoint", err)
			}
			if stored.StateVersion != state.StateVersion {
				return domain.ErrOptimisticLock
			}
		}

		next := *state
		next.StateVersion++
		next.UpdatedAtUnix = time.Now().Unix()
		blob, err := json.Marshal(&next)
		if err != nil {
			return domain.WrapEngineError(domain.ErrCheckpointFailed.Code, "marshal checkpoint", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, blob, 0)
			return nil
		})
		if err != nil {
			return domain.WrapEngineError(domain.ErrCheckpointFailed.Code, "write checkpoint", err)
		}
		return nil
	}, key)
	if err != nil {
		return err
	}

	state.StateVersion++
	state.UpdatedAtUnix = time.Now().Unix()
	return nil
}

// Load returns the checkpoint for a session.
func (s *RedisCheckpointStore) Load(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	blob, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrCheckpointMissing
	}
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "load checkpoint", err)
	}

	var state domain.SessionState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "decode checkpoint", err)
	}
	return &state, nil
}

// Archive attaches the retention TTL to the session's key.
func (s *RedisCheckpointStore) Archive(ctx context.Context, sessionID string) error {
	ok, err := s.client.Expire(ctx, s.key(sessionID), s.archiveTTL).Result()
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "archive checkpoint", err)
	}
	if !ok {
		return domain.ErrCheckpointMissing
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}
