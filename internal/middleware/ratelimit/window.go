package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/internal/logging"
)

// WindowLimiter admits up to limit requests per fixed window. The window
// starts at the first hit: INCR, then EXPIRE only when the counter is new.
type WindowLimiter struct {
	rdb          *redis.Client
	key          func(id string) string
	headerPrefix string
	limit        int64
	window       time.Duration
	getID        IDFunc

	allowed  atomic.Int64
	rejected atomic.Int64
	failures atomic.Int64
}

// WindowConfig wires a WindowLimiter.
type WindowConfig struct {
	Client       *redis.Client
	Key          func(id string) string
	HeaderPrefix string
	Limit        int
	Window       time.Duration
	GetID        IDFunc
}

// NewWindowLimiter creates a fixed-window limiter. Parameters are validated
// here; there is no per-request resolution.
func NewWindowLimiter(cfg WindowConfig) (*WindowLimiter, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("window limit must be positive, got %d", cfg.Limit)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window duration must be positive, got %s", cfg.Window)
	}
	if cfg.HeaderPrefix == "" {
		cfg.HeaderPrefix = "X-RateLimit"
	}
	return &WindowLimiter{
		rdb:          cfg.Client,
		key:          cfg.Key,
		headerPrefix: cfg.HeaderPrefix,
		limit:        int64(cfg.Limit),
		window:       cfg.Window,
		getID:        cfg.GetID,
	}, nil
}

// Middleware returns the admission middleware. Like the bucket limiter it
// fails closed on store errors.
func (l *WindowLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := l.getID(r)
			if id == "" {
				errors.ErrBadRequest.WithMessage("Unable to identify client for rate limiting").WriteJSON(w)
				return
			}

			ctx := r.Context()
			key := l.key(id)

			n, err := l.rdb.Incr(ctx, key).Result()
			if err != nil {
				l.failures.Add(1)
				logging.Error("window limit step failed", zap.String("id", id), zap.Error(err))
				errors.ErrInternalServer.WriteJSON(w)
				return
			}
			if n == 1 {
				if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
					logging.Warn("window TTL set failed", zap.String("id", id), zap.Error(err))
				}
			}

			h := w.Header()
			h.Set(l.headerPrefix+"-Limit", strconv.FormatInt(l.limit, 10))
			remaining := l.limit - n
			if remaining < 0 {
				remaining = 0
			}
			h.Set(l.headerPrefix+"-Remaining", strconv.FormatInt(remaining, 10))
			ttl, ttlErr := l.rdb.TTL(ctx, key).Result()
			if ttlErr == nil && ttl > 0 {
				reset := time.Now().Unix() + int64(ttl.Seconds())
				h.Set(l.headerPrefix+"-Reset", strconv.FormatInt(reset, 10))
			}

			if n > l.limit {
				l.rejected.Add(1)
				retryAfter := int64(1)
				if ttlErr == nil && ttl > 0 {
					retryAfter = int64(math.Ceil(ttl.Seconds()))
				}
				h.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				errors.ErrTooManyRequests.WriteJSON(w)
				return
			}
			l.allowed.Add(1)
			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns the current metrics.
func (l *WindowLimiter) Stats() Stats {
	return Stats{
		Allowed:  l.allowed.Load(),
		Rejected: l.rejected.Load(),
		Failures: l.failures.Load(),
	}
}
