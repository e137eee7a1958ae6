package reputation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/store"
)

func redisAvailable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func cleanupRedisKeys(t *testing.T, client *redis.Client, prefix string) {
	t.Helper()
	ctx := context.Background()
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

func testGateConfig() config.ReputationConfig {
	return config.ReputationConfig{
		BlockThreshold: 50,
		CacheTTL:       time.Hour,
		LockTTL:        10 * time.Second,
		Timeout:        2 * time.Second,
	}
}

func TestGateCachedVerdict(t *testing.T) {
	client := redisAvailable(t)
	prefix := "edgegate-test:rg:"
	defer cleanupRedisKeys(t, client, prefix)

	ctx := context.Background()
	keys := store.Keys{Prefix: prefix}

	client.Set(ctx, keys.Reputation("203.0.113.5"), `[{"score":90}]`, time.Minute)
	client.Set(ctx, keys.Reputation("203.0.113.6"), `[{"score":10}]`, time.Minute)

	gate := NewGate(client, keys, NewAdapterSet(), testGateConfig())

	if !gate.Blocked(ctx, "203.0.113.5") {
		t.Error("expected block for cached score 90")
	}
	if gate.Blocked(ctx, "203.0.113.6") {
		t.Error("expected pass for cached score 10")
	}

	stats := gate.Stats()
	if stats.CacheHits != 2 {
		t.Errorf("expected 2 cache hits, got %d", stats.CacheHits)
	}
	if stats.Fetches != 0 {
		t.Errorf("expected no fetches, got %d", stats.Fetches)
	}
}

func TestGateThresholdIsInclusive(t *testing.T) {
	client := redisAvailable(t)
	prefix := "edgegate-test:rt:"
	defer cleanupRedisKeys(t, client, prefix)

	ctx := context.Background()
	keys := store.Keys{Prefix: prefix}
	client.Set(ctx, keys.Reputation("203.0.113.7"), `[{"score":50}]`, time.Minute)

	gate := NewGate(client, keys, NewAdapterSet(), testGateConfig())
	if !gate.Blocked(ctx, "203.0.113.7") {
		t.Error("score equal to threshold must block")
	}
}

func TestGateFetchesOnMissAndCaches(t *testing.T) {
	client := redisAvailable(t)
	prefix := "edgegate-test:rf:"
	defer cleanupRedisKeys(t, client, prefix)

	ctx := context.Background()
	keys := store.Keys{Prefix: prefix}

	adapter := &fixedAdapter{name: "stub", score: 80}
	gate := NewGate(client, keys, NewAdapterSet(adapter), testGateConfig())

	if !gate.Blocked(ctx, "203.0.113.5") {
		t.Error("expected block from fetched score 80")
	}
	if got := adapter.calls.Load(); got != 1 {
		t.Errorf("expected 1 adapter call, got %d", got)
	}

	// Verdict is cached with a TTL and the lock is gone.
	ttl, err := client.TTL(ctx, keys.Reputation("203.0.113.5")).Result()
	if err != nil || ttl <= 0 {
		t.Errorf("expected cached verdict with TTL, got ttl=%v err=%v", ttl, err)
	}
	if exists, _ := client.Exists(ctx, keys.ReputationLock("203.0.113.5")).Result(); exists != 0 {
		t.Error("expected lock to be released after fetch")
	}

	// Second check hits the cache, not the adapter.
	if !gate.Blocked(ctx, "203.0.113.5") {
		t.Error("expected cached block")
	}
	if got := adapter.calls.Load(); got != 1 {
		t.Errorf("expected adapter untouched on cache hit, got %d calls", got)
	}
}

func TestGateLockBusyPasses(t *testing.T) {
	client := redisAvailable(t)
	prefix := "edgegate-test:rl:"
	defer cleanupRedisKeys(t, client, prefix)

	ctx := context.Background()
	keys := store.Keys{Prefix: prefix}

	// Another replica holds the lock.
	client.Set(ctx, keys.ReputationLock("203.0.113.5"), "foreign-token", time.Minute)

	adapter := &fixedAdapter{name: "stub", score: 99}
	gate := NewGate(client, keys, NewAdapterSet(adapter), testGateConfig())

	if gate.Blocked(ctx, "203.0.113.5") {
		t.Error("expected pass while another replica refreshes")
	}
	if got := adapter.calls.Load(); got != 0 {
		t.Errorf("adapter must not run without the lock, got %d calls", got)
	}
	if gate.Stats().LockBusy != 1 {
		t.Error("expected lock-busy counter increment")
	}
}

func TestGateCorruptCacheBehavesAsMiss(t *testing.T) {
	client := redisAvailable(t)
	prefix := "edgegate-test:rc:"
	defer cleanupRedisKeys(t, client, prefix)

	ctx := context.Background()
	keys := store.Keys{Prefix: prefix}
	client.Set(ctx, keys.Reputation("203.0.113.5"), "{not-json", time.Minute)

	adapter := &fixedAdapter{name: "stub", score: 80}
	gate := NewGate(client, keys, NewAdapterSet(adapter), testGateConfig())

	if !gate.Blocked(ctx, "203.0.113.5") {
		t.Error("expected corrupt entry to trigger a fresh fetch")
	}
	if got := adapter.calls.Load(); got != 1 {
		t.Errorf("expected 1 adapter call, got %d", got)
	}

	// The fetch overwrote the corrupt entry.
	raw, err := client.Get(ctx, keys.Reputation("203.0.113.5")).Result()
	if err != nil || raw == "{not-json" {
		t.Errorf("expected rewritten cache entry, got %q err=%v", raw, err)
	}
}

func TestGateFailsOpenOnStoreError(t *testing.T) {
	dead := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer dead.Close()

	adapter := &fixedAdapter{name: "stub", score: 99}
	gate := NewGate(dead, store.Keys{Prefix: "x:"}, NewAdapterSet(adapter), testGateConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if gate.Blocked(ctx, "203.0.113.5") {
		t.Error("expected fail-open on unreachable store")
	}
	if gate.Stats().FailOpen != 1 {
		t.Error("expected fail-open counter increment")
	}
}

func TestReleaseLockKeepsForeignToken(t *testing.T) {
	client := redisAvailable(t)
	prefix := "edgegate-test:rr:"
	defer cleanupRedisKeys(t, client, prefix)

	ctx := context.Background()
	keys := store.Keys{Prefix: prefix}
	client.Set(ctx, keys.ReputationLock("203.0.113.5"), "successor-token", time.Minute)

	gate := NewGate(client, keys, NewAdapterSet(), testGateConfig())
	gate.releaseLock("203.0.113.5", "my-expired-token")

	val, err := client.Get(ctx, keys.ReputationLock("203.0.113.5")).Result()
	if err != nil || val != "successor-token" {
		t.Errorf("compare-and-delete must keep a foreign lock, got %q err=%v", val, err)
	}
}

func TestGateMissingIPPasses(t *testing.T) {
	gate := NewGate(nil, store.Keys{}, NewAdapterSet(), testGateConfig())

	// No IP in context means pass; Blocked is never consulted.
	called := false
	handler := gate.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("expected pass-through when client IP is absent")
	}
}
