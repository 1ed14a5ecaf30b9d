//go:build integration

package nonce

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newRedisStore connects to the Redis named by BREAKGLASS_TEST_REDIS_ADDR.
// The consume and revoke scripts run server-side, so these tests need a real
// instance rather than a stub.
func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("BREAKGLASS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BREAKGLASS_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func redisTestRecord(t *testing.T, suffix string) Record {
	t.Helper()
	return Record{
		Nonce:     fmt.Sprintf("it-%s-%d-%s", t.Name(), time.Now().UnixNano(), suffix),
		ReqID:     "REQ-1",
		ExpiresTS: time.Now().Add(5 * time.Minute),
	}
}

func TestRedisStoreConsumeOnce(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	rec := redisTestRecord(t, "a")

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.MarkUsed(ctx, rec.Nonce, time.Now()); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := store.MarkUsed(ctx, rec.Nonce, time.Now()); !errors.Is(err, ErrConsumed) {
		t.Fatalf("expected ErrConsumed on second consume, got %v", err)
	}

	got, err := store.Find(ctx, rec.Nonce)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.Used {
		t.Fatalf("expected the nonce to be marked used, got %+v", got)
	}
}

func TestRedisStoreConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	rec := redisTestRecord(t, "b")

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	const racers = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.MarkUsed(ctx, rec.Nonce, time.Now())
			if err == nil {
				successes.Add(1)
			} else if !errors.Is(err, ErrConsumed) {
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes.Load() != 1 {
		t.Fatalf("exactly one consumer must win, got %d", successes.Load())
	}
}

func TestRedisStoreRevokeAndUnknown(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	rec := redisTestRecord(t, "c")

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Revoke(ctx, rec.Nonce); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err := store.Find(ctx, rec.Nonce)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.Revoked {
		t.Fatalf("expected the nonce to be revoked, got %+v", got)
	}
	if err := store.MarkUsed(ctx, rec.Nonce, time.Now()); !errors.Is(err, ErrConsumed) {
		t.Fatalf("expected revoked nonce to refuse consumption, got %v", err)
	}

	if err := store.MarkUsed(ctx, "it-never-saved", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown nonce to be not found, got %v", err)
	}
}
