package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/clauseguard/engine/internal/domain"
)

func newTestRedisStore(t *testing.T) (*RedisCheckpointStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisCheckpointStoreWithClient(client, time.Hour)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisCheckpointRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	state := newState("s1")
	state.Cursor = 7
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if state.StateVersion != 1 {
		t.Errorf("first save version = %d, want 1", state.StateVersion)
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Cursor != 7 || loaded.StateVersion != 1 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestRedisCheckpointLoadMissing(t *testing.T) {
	store, _ := newTestRedisStore(t)
	if _, err := store.Load(context.Background(), "ghost"); err != domain.ErrCheckpointMissing {
		t.Errorf("expected ErrCheckpointMissing, got %v", err)
	}
}

func TestRedisCheckpointOptimisticLock(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	state := newState("s1")
	if err := store.Save(ctx, state); err != nil {
		t.Fatal(err)
	}

	a, _ := store.Load(ctx, "s1")
	b, _ := store.Load(ctx, "s1")

	a.Cursor = 1
	if err := store.Save(ctx, a); err != nil {
		t.Fatalf("first racer: %v", err)
	}

	b.Cursor = 2
	if err := store.Save(ctx, b); err != domain.ErrOptimisticLock {
		t.Errorf("second racer: got %v, want ErrOptimisticLock", err)
	}
}

func TestRedisCheckpointStaleInsert(t *testing.T) {
	store, _ := newTestRedisStore(t)
	state := newState("s1")
	state.StateVersion = 4
	if err := store.Save(context.Background(), state); err != domain.ErrOptimisticLock {
		t.Errorf("versioned save of an absent key: got %v, want ErrOptimisticLock", err)
	}
}

func TestRedisSaveDuplicateSessionID(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	winner := newState("s1")
	winner.Cursor = 2
	if err := store.Save(ctx, winner); err != nil {
		t.Fatal(err)
	}

	// A version-0 save against an existing key is a concurrent creator
	// losing the race, not a retryable checkpoint failure.
	if err := store.Save(ctx, newState("s1")); err != domain.ErrDuplicateSession {
		t.Errorf("duplicate insert: got %v, want ErrDuplicateSession", err)
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Cursor != 2 {
		t.Errorf("winner's checkpoint clobbered: %+v", loaded)
	}
}

func TestRedisArchiveAppliesTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Archive(ctx, "ghost"); err != domain.ErrCheckpointMissing {
		t.Errorf("archive missing: got %v", err)
	}

	state := newState("s1")
	if err := store.Save(ctx, state); err != nil {
		t.Fatal(err)
	}
	if err := store.Archive(ctx, "s1"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if ttl := mr.TTL("checkpoint:s1"); ttl != time.Hour {
		t.Errorf("archive TTL = %s, want 1h", ttl)
	}

	// Still loadable until the TTL fires, gone after.
	if _, err := store.Load(ctx, "s1"); err != nil {
		t.Fatalf("load before expiry: %v", err)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := store.Load(ctx, "s1"); err != domain.ErrCheckpointMissing {
		t.Errorf("load after expiry: got %v, want ErrCheckpointMissing", err)
	}
}
