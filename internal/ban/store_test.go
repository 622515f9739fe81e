package ban

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store on a fresh miniredis instance.
func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewStore(client, 30*time.Second), mr
}

func TestLookup_Miss(t *testing.T) {
	store, _ := newTestStore(t)

	banned, found, err := store.Lookup(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found || banned {
		t.Errorf("expected miss, got banned=%v found=%v", banned, found)
	}
}

func TestStoreAndLookup(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Store(ctx, 7, true); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	if err := store.Store(ctx, 8, false); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	banned, found, err := store.Lookup(ctx, 7)
	if err != nil || !found || !banned {
		t.Errorf("user 7: banned=%v found=%v err=%v, want banned", banned, found, err)
	}
	banned, found, err = store.Lookup(ctx, 8)
	if err != nil || !found || banned {
		t.Errorf("user 8: banned=%v found=%v err=%v, want cached not-banned", banned, found, err)
	}

	if ttl := mr.TTL(BanPrefix + "7"); ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("expected TTL in (0,30s], got %v", ttl)
	}
}

func TestEntryExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Store(ctx, 9, true); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	mr.FastForward(31 * time.Second)

	_, found, err := store.Lookup(ctx, 9)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if found {
		t.Error("expected entry to expire")
	}
}

func TestInvalidate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_ = store.Store(ctx, 1, true)
	_ = store.Store(ctx, 2, true)
	_ = store.Store(ctx, 3, false)

	if err := store.Invalidate(ctx, 1); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	if _, found, _ := store.Lookup(ctx, 1); found {
		t.Error("user 1 should be gone after Invalidate")
	}

	n, err := store.InvalidateAll(ctx)
	if err != nil {
		t.Fatalf("InvalidateAll() error: %v", err)
	}
	if n != 2 {
		t.Errorf("InvalidateAll removed %d keys, want 2", n)
	}
	if _, found, _ := store.Lookup(ctx, 2); found {
		t.Error("user 2 should be gone after InvalidateAll")
	}
}

func TestLookup_RedisDown(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	if _, _, err := store.Lookup(context.Background(), 1); err == nil {
		t.Error("expected an error when Redis is unavailable")
	}
}
