package reputation

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/middleware/realip"
	"github.com/edgegate/edgegate/internal/store"
)

// releaseLockScript deletes the lock only while it still holds our token,
// so a slow fetch can never release a successor's lock.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Gate blocks IPs whose aggregate reputation score crosses the threshold.
// Verdicts are cached in the shared store; at most one replica refreshes a
// given IP at a time, and everything fails open.
type Gate struct {
	rdb      *redis.Client
	keys     store.Keys
	adapters *AdapterSet
	sf       singleflight.Group

	threshold int
	cacheTTL  time.Duration
	lockTTL   time.Duration
	timeout   time.Duration

	checks    atomic.Int64
	cacheHits atomic.Int64
	fetches   atomic.Int64
	blocked   atomic.Int64
	failOpen  atomic.Int64
	lockBusy  atomic.Int64
}

// cachedRead carries a singleflight result; found distinguishes a miss
// from an empty verdict.
type cachedRead struct {
	verdict Verdict
	found   bool
}

// NewGate creates a reputation gate.
func NewGate(rdb *redis.Client, keys store.Keys, adapters *AdapterSet, cfg config.ReputationConfig) *Gate {
	return &Gate{
		rdb:       rdb,
		keys:      keys,
		adapters:  adapters,
		threshold: cfg.BlockThreshold,
		cacheTTL:  cfg.CacheTTL,
		lockTTL:   cfg.LockTTL,
		timeout:   cfg.Timeout,
	}
}

// Middleware returns the enforcement middleware. Requests without a client
// IP pass; absence is not a reputation signal. Allowlisted requests were
// already admitted by policy and skip the reputation flow entirely.
func (g *Gate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if middleware.Exempt(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}
			ip := realip.FromContext(r.Context())
			if ip == "" {
				next.ServeHTTP(w, r)
				return
			}
			if g.Blocked(r.Context(), ip) {
				errors.ErrForbidden.WithMessage("IP blocked by reputation").WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Blocked runs the cache → lock → fetch flow for one IP. Every unexpected
// failure logs and passes.
func (g *Gate) Blocked(ctx context.Context, ip string) bool {
	g.checks.Add(1)

	verdict, found, err := g.cachedVerdict(ctx, ip)
	if err != nil {
		g.failOpen.Add(1)
		logging.Warn("reputation cache read failed", zap.String("ip", ip), zap.Error(err))
		return false
	}
	if found {
		g.cacheHits.Add(1)
		return g.evaluate(ip, verdict)
	}

	// Cache miss: only one replica refreshes. The token ties the lock to
	// this holder for the release step.
	token := uuid.NewString()
	acquired, err := g.rdb.SetNX(ctx, g.keys.ReputationLock(ip), token, g.lockTTL).Result()
	if err != nil {
		g.failOpen.Add(1)
		logging.Warn("reputation lock acquire failed", zap.String("ip", ip), zap.Error(err))
		return false
	}
	if !acquired {
		// Another replica is already fetching; stale-allow beats queueing.
		g.lockBusy.Add(1)
		return false
	}
	defer g.releaseLock(ip, token)

	verdict = g.fetchAndStore(ctx, ip)
	return g.evaluate(ip, verdict)
}

// cachedVerdict reads the cached verdict, collapsing concurrent in-process
// reads for the same IP into one store command.
func (g *Gate) cachedVerdict(ctx context.Context, ip string) (Verdict, bool, error) {
	v, err, _ := g.sf.Do(ip, func() (interface{}, error) {
		// Followers share this read: run it on a detached deadline so the
		// leader's request aborting doesn't fail everyone.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()

		raw, err := g.rdb.Get(rctx, g.keys.Reputation(ip)).Result()
		if err == redis.Nil {
			return cachedRead{}, nil
		}
		if err != nil {
			return cachedRead{}, err
		}

		var verdict Verdict
		if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
			// Corrupt cache entry behaves like a miss and gets rewritten.
			logging.Warn("corrupt reputation cache entry", zap.String("ip", ip), zap.Error(err))
			return cachedRead{}, nil
		}
		return cachedRead{verdict: verdict, found: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	read := v.(cachedRead)
	return read.verdict, read.found, nil
}

// fetchAndStore fans out the adapters and caches the collected verdict.
func (g *Gate) fetchAndStore(ctx context.Context, ip string) Verdict {
	fctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	verdict := g.adapters.Fetch(fctx, ip)
	g.fetches.Add(1)

	// A client abort mid-fetch degrades every adapter to empty; caching
	// that would blind all replicas for a full TTL.
	if ctx.Err() == context.Canceled {
		logging.Debug("skipping verdict cache write after client abort", zap.String("ip", ip))
		return verdict
	}

	payload, err := json.Marshal(verdict)
	if err != nil {
		logging.Error("failed to encode reputation verdict", zap.String("ip", ip), zap.Error(err))
		return verdict
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()
	if err := g.rdb.Set(wctx, g.keys.Reputation(ip), payload, g.cacheTTL).Err(); err != nil {
		logging.Warn("failed to cache reputation verdict", zap.String("ip", ip), zap.Error(err))
	}
	return verdict
}

// releaseLock runs detached from the request: the lock must go away even
// when the client is gone.
func (g *Gate) releaseLock(ip, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := releaseLockScript.Run(ctx, g.rdb, []string{g.keys.ReputationLock(ip)}, token).Err(); err != nil {
		logging.Warn("failed to release reputation lock", zap.String("ip", ip), zap.Error(err))
	}
}

func (g *Gate) evaluate(ip string, verdict Verdict) bool {
	score := verdict.MaxScore()
	if score >= g.threshold {
		g.blocked.Add(1)
		logging.Warn("IP blocked by reputation",
			zap.String("ip", ip),
			zap.Int("score", score),
			zap.Int("threshold", g.threshold),
		)
		return true
	}
	return false
}

// Stats returns metrics for the reputation gate.
type Stats struct {
	Checks    int64 `json:"checks"`
	CacheHits int64 `json:"cache_hits"`
	Fetches   int64 `json:"fetches"`
	Blocked   int64 `json:"blocked"`
	FailOpen  int64 `json:"fail_open"`
	LockBusy  int64 `json:"lock_busy"`
}

// Stats returns the current metrics.
func (g *Gate) Stats() Stats {
	return Stats{
		Checks:    g.checks.Load(),
		CacheHits: g.cacheHits.Load(),
		Fetches:   g.fetches.Load(),
		Blocked:   g.blocked.Load(),
		FailOpen:  g.failOpen.Load(),
		LockBusy:  g.lockBusy.Load(),
	}
}
