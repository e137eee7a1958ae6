package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/middleware/auth"
	"github.com/edgegate/edgegate/internal/middleware/compression"
	"github.com/edgegate/edgegate/internal/middleware/cors"
	"github.com/edgegate/edgegate/internal/middleware/policy"
	"github.com/edgegate/edgegate/internal/middleware/ratelimit"
	"github.com/edgegate/edgegate/internal/middleware/realip"
	"github.com/edgegate/edgegate/internal/middleware/reputation"
	"github.com/edgegate/edgegate/internal/store"
)

const (
	testSecret    = "gateway-test-secret"
	testLimitsKey = "lb:test:rl-config"
)

// redisAvailable returns a client against the local store, skipping the
// test when none is running.
func redisAvailable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available at localhost:6379: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// deadRedisClient returns a client pointed at a closed port so every
// command fails fast.
func deadRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
		MaxRetries:   -1,
	})
}

// testRedis prepares a clean store for one test: every key the pipeline
// writes lives under the lb: prefix.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redisAvailable(t)
	flushTestKeys(t, client)
	t.Cleanup(func() { flushTestKeys(t, client) })
	return client
}

func flushTestKeys(t *testing.T, client *redis.Client) {
	t.Helper()
	ctx := context.Background()
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, "lb:*", 100).Result()
		if err != nil {
			t.Fatalf("failed to scan test keys: %v", err)
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				t.Fatalf("failed to delete test keys: %v", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// testConfig returns the fixture configuration shared by the pipeline
// tests: lb: key prefix, a tight public bucket and a trusted test proxy.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Redis.KeyPrefix = "lb:"
	cfg.Proxy.Trusted = []string{"192.0.2.0/24"} // httptest.NewRequest peers
	cfg.Auth.JWTSecret = testSecret
	cfg.Reputation.BlockThreshold = 50
	cfg.Reputation.CacheTTL = 3600 * time.Second
	cfg.Reputation.LockTTL = 10 * time.Second
	cfg.RateLimit.DefaultCapacity = 2
	cfg.RateLimit.DefaultRefillTokens = 1
	cfg.RateLimit.DefaultRefillInterval = time.Second
	return cfg
}

// newTestServer assembles a Server around an existing store client. The
// caller seeds policy keys before this runs: the snapshot bootstrap
// happens here. A nil country function disables country blocking.
func newTestServer(t *testing.T, client *redis.Client, cfg *config.Config, country policy.CountryFunc) *Server {
	t.Helper()

	s := &Server{
		cfg:       cfg,
		rdb:       client,
		keys:      store.Keys{Prefix: cfg.Redis.KeyPrefix},
		startTime: time.Now(),
	}

	var err error
	if s.resolver, err = realip.New(cfg.Proxy.Trusted); err != nil {
		t.Fatalf("realip: %v", err)
	}

	if cfg.Policy.Enabled {
		s.policyCache = policy.NewCache(client, s.keys)
		if err := s.policyCache.Bootstrap(context.Background(), 0); err != nil {
			t.Fatalf("policy bootstrap: %v", err)
		}
		s.policyGate = policy.NewGate(s.policyCache, country)
	}

	if cfg.Reputation.Enabled {
		s.repGate = reputation.NewGate(client, s.keys, reputation.NewAdapterSet(), cfg.Reputation)
	}

	s.limits = ratelimit.NewConfigStore(client, testLimitsKey,
		cfg.RateLimit.DefaultCapacity, cfg.RateLimit.RefillRate())

	if cfg.RateLimit.Enabled {
		s.bucket = ratelimit.NewBucketLimiter(ratelimit.BucketConfig{
			Client: client,
			Key:    s.keys.RateBucket,
			TTL:    cfg.RateLimit.TTL,
			GetID:  ratelimit.APIKeyOrClientIP,
			Limits: s.resolveLimits,
		})
	}

	if s.adminWindow, err = ratelimit.NewWindowLimiter(ratelimit.WindowConfig{
		Client: client,
		Key:    s.keys.AdminWindow,
		Limit:  cfg.RateLimit.Admin.Limit,
		Window: cfg.RateLimit.Admin.Window,
		GetID:  adminIdentifier,
	}); err != nil {
		t.Fatalf("admin limiter: %v", err)
	}

	if s.jwt, err = auth.NewJWTAuth(cfg.Auth); err != nil {
		t.Fatalf("auth: %v", err)
	}
	s.cors = cors.New(cfg.CORS)
	s.compressor = compression.New(cfg.Compression)

	return s
}

// seedSet adds members to one policy set before the snapshot bootstrap.
func seedSet(t *testing.T, client *redis.Client, key string, members ...interface{}) {
	t.Helper()
	if err := client.SAdd(context.Background(), key, members...).Err(); err != nil {
		t.Fatalf("failed to seed %s: %v", key, err)
	}
}

// send runs one request through a handler and returns the recorder.
// httptest.NewRequest peers requests from 192.0.2.1, which testConfig
// lists as a trusted proxy.
func send(h http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	return sendJSON(h, method, path, headers, "")
}

// sendJSON is send with a JSON request body.
func sendJSON(h http.Handler, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// signTestToken issues an HS256 token the admin chain accepts.
func signTestToken(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// testEnvelope is the response wrapper both surfaces emit.
type testEnvelope struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode envelope %q: %v", rec.Body.String(), err)
	}
	return env
}
