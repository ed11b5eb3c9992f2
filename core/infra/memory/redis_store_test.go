package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	if err := store.Set(ctx, ResultKey("r1"), []byte(`{"status":"queued"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := store.Get(ctx, ResultKey("r1"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got) != `{"status":"queued"}` {
		t.Fatalf("get = %q", got)
	}
}

func TestRedisStoreAppliesTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	ttl := mr.TTL("k")
	if ttl <= 0 || ttl > 24*time.Hour {
		t.Fatalf("ttl = %s, want within default 24h", ttl)
	}
}

func TestRedisStoreTTLFromEnv(t *testing.T) {
	t.Setenv("REDIS_DATA_TTL_SECONDS", "60")
	store, mr := newTestRedisStore(t)

	if err := store.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl := mr.TTL("k"); ttl != 60*time.Second {
		t.Fatalf("ttl = %s, want 60s", ttl)
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestRedisStoreOpTimeoutIndependentOfCaller(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// store writes survive a cancelled caller context; stage handoffs must
	// not lose state mid-write
	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set with cancelled context: %v", err)
	}
	if _, ok, err := store.Get(context.Background(), "k"); err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
}
