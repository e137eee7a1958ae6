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
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/middleware/realip"
)

// tokenBucketScript performs the refill-then-consume step atomically: two
// concurrent consumers can never both spend the last token. A rejected
// request persists nothing. The balance comes back stringified because Lua
// number returns are truncated to integers on the wire.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'lastRefillTime')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

local new_tokens
if tokens == nil or last_refill == nil then
    new_tokens = capacity
else
    local elapsed = (now - last_refill) / 1000
    if elapsed < 0 then
        elapsed = 0
    end
    new_tokens = math.min(capacity, tokens + elapsed * refill_rate)
end

if new_tokens < 1 then
    return {0, tostring(new_tokens)}
end

redis.call('HSET', key, 'tokens', tostring(new_tokens - 1), 'lastRefillTime', now)
redis.call('EXPIRE', key, ttl)
return {1, tostring(new_tokens)}
`)

// IDFunc extracts the rate-limit identifier from a request.
type IDFunc func(r *http.Request) string

// LimitFunc resolves the bucket parameters for one identifier. An error
// means the store could not answer; non-positive values mean misconfig.
type LimitFunc func(r *http.Request, id string) (capacity int, refillRate float64, err error)

// APIKeyOrClientIP identifies public traffic by API key when present,
// falling back to the resolved client IP.
func APIKeyOrClientIP(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return realip.FromContext(r.Context())
}

// BucketLimiter admits requests from a distributed token bucket.
type BucketLimiter struct {
	rdb          *redis.Client
	key          func(id string) string
	headerPrefix string
	ttl          time.Duration
	getID        IDFunc
	limits       LimitFunc

	allowed  atomic.Int64
	rejected atomic.Int64
	failures atomic.Int64
}

// BucketConfig wires a BucketLimiter.
type BucketConfig struct {
	Client       *redis.Client
	Key          func(id string) string
	HeaderPrefix string
	TTL          time.Duration
	GetID        IDFunc
	Limits       LimitFunc
}

// NewBucketLimiter creates a token-bucket limiter.
func NewBucketLimiter(cfg BucketConfig) *BucketLimiter {
	if cfg.HeaderPrefix == "" {
		cfg.HeaderPrefix = "X-RateLimit"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &BucketLimiter{
		rdb:          cfg.Client,
		key:          cfg.Key,
		headerPrefix: cfg.HeaderPrefix,
		ttl:          cfg.TTL,
		getID:        cfg.GetID,
		limits:       cfg.Limits,
	}
}

// Middleware returns the admission middleware. Allowlisted requests skip
// the bucket without spending a token. Store failures reject with 500: a
// limiter that silently stops limiting is worse than a brief outage.
func (l *BucketLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if middleware.Exempt(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}
			id := l.getID(r)
			if id == "" {
				errors.ErrBadRequest.WithMessage("Unable to identify client for rate limiting").WriteJSON(w)
				return
			}

			capacity, refillRate, err := l.limits(r, id)
			if err != nil {
				l.failures.Add(1)
				logging.Error("rate limit resolution failed", zap.String("id", id), zap.Error(err))
				errors.ErrInternalServer.WriteJSON(w)
				return
			}
			if capacity <= 0 || refillRate <= 0 {
				l.failures.Add(1)
				logging.Error("rate limiter misconfigured",
					zap.String("id", id),
					zap.Int("capacity", capacity),
					zap.Float64("refill_rate", refillRate),
				)
				errors.ErrInternalServer.WriteJSON(w)
				return
			}

			now := time.Now().UnixMilli()
			reply, err := tokenBucketScript.Run(r.Context(), l.rdb,
				[]string{l.key(id)},
				now, capacity, refillRate, int(l.ttl.Seconds()),
			).Slice()
			if err != nil {
				l.failures.Add(1)
				logging.Error("rate limit step failed", zap.String("id", id), zap.Error(err))
				errors.ErrInternalServer.WriteJSON(w)
				return
			}

			allowed, newTokens, err := parseBucketReply(reply)
			if err != nil {
				l.failures.Add(1)
				logging.Error("rate limit reply malformed", zap.Error(err))
				errors.ErrInternalServer.WriteJSON(w)
				return
			}

			writeBucketHeaders(w.Header(), l.headerPrefix, capacity, refillRate, newTokens, allowed, now)

			if !allowed {
				l.rejected.Add(1)
				errors.ErrTooManyRequests.WriteJSON(w)
				return
			}
			l.allowed.Add(1)
			next.ServeHTTP(w, r)
		})
	}
}

// parseBucketReply unpacks {allowed, balance-as-string}.
func parseBucketReply(reply []interface{}) (bool, float64, error) {
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("expected 2 elements, got %d", len(reply))
	}
	flag, ok := reply[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("allowed flag has type %T", reply[0])
	}
	raw, ok := reply[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("balance has type %T", reply[1])
	}
	balance, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("balance %q: %w", raw, err)
	}
	return flag == 1, balance, nil
}

// writeBucketHeaders exposes the decision. On success Reset predicts a full
// bucket; on rejection it predicts the next available token.
func writeBucketHeaders(h http.Header, prefix string, capacity int, refillRate, newTokens float64, allowed bool, nowMs int64) {
	nowSec := float64(nowMs) / 1000
	h.Set(prefix+"-Limit", strconv.Itoa(capacity))

	if allowed {
		remaining := int(math.Floor(math.Max(0, newTokens-1)))
		reset := int64(math.Ceil(nowSec + (float64(capacity)-newTokens+1)/refillRate))
		h.Set(prefix+"-Remaining", strconv.Itoa(remaining))
		h.Set(prefix+"-Reset", strconv.FormatInt(reset, 10))
		return
	}

	wait := math.Ceil((1 - newTokens) / refillRate)
	reset := int64(math.Floor(nowSec + wait))
	h.Set(prefix+"-Remaining", "0")
	h.Set(prefix+"-Reset", strconv.FormatInt(reset, 10))

	retryAfter := int(wait)
	if retryAfter < 1 {
		retryAfter = 1
	}
	h.Set("Retry-After", strconv.Itoa(retryAfter))
}

// Stats returns metrics for the bucket limiter.
type Stats struct {
	Allowed  int64 `json:"allowed"`
	Rejected int64 `json:"rejected"`
	Failures int64 `json:"failures"`
}

// Stats returns the current metrics.
func (l *BucketLimiter) Stats() Stats {
	return Stats{
		Allowed:  l.allowed.Load(),
		Rejected: l.rejected.Load(),
		Failures: l.failures.Load(),
	}
}
