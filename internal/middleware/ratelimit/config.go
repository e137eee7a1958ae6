package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/logging"
)

// StoredLimit is the per-API-key override kept in the config hash.
type StoredLimit struct {
	Capacity   int     `json:"capacity"`
	RefillRate float64 `json:"refillRate"`
}

// Limit is a resolved limit; IsDefault marks fallback values.
type Limit struct {
	Capacity   int     `json:"capacity"`
	RefillRate float64 `json:"refillRate"`
	IsDefault  bool    `json:"isDefault"`
}

// ConfigStore reads and writes per-API-key limits in a single hash. One
// field per API key, value JSON {capacity, refillRate}.
type ConfigStore struct {
	rdb      *redis.Client
	key      string
	defaults Limit
}

// NewConfigStore creates the store. key is the hash key; defaults apply to
// API keys without an override.
func NewConfigStore(rdb *redis.Client, key string, defaultCapacity int, defaultRefillRate float64) *ConfigStore {
	return &ConfigStore{
		rdb: rdb,
		key: key,
		defaults: Limit{
			Capacity:   defaultCapacity,
			RefillRate: defaultRefillRate,
			IsDefault:  true,
		},
	}
}

// Defaults returns the fallback limit.
func (s *ConfigStore) Defaults() Limit {
	return s.defaults
}

// ErrInvalidLimit marks rejected override parameters, as opposed to
// store failures.
var ErrInvalidLimit = errors.New("invalid rate limit")

// IsInvalidLimit reports whether err is a validation rejection.
func IsInvalidLimit(err error) bool {
	return errors.Is(err, ErrInvalidLimit)
}

// Update validates and writes an override for one API key.
func (s *ConfigStore) Update(ctx context.Context, apiKey string, capacity int, refillRate float64) error {
	if apiKey == "" {
		return fmt.Errorf("%w: api key must not be empty", ErrInvalidLimit)
	}
	if capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidLimit, capacity)
	}
	if refillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %f", ErrInvalidLimit, refillRate)
	}

	payload, err := json.Marshal(StoredLimit{Capacity: capacity, RefillRate: refillRate})
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key, apiKey, payload).Err()
}

// Get returns the override for apiKey, or the defaults (IsDefault) when
// none is stored or the stored value cannot be used. Only a store failure
// surfaces as error.
func (s *ConfigStore) Get(ctx context.Context, apiKey string) (Limit, error) {
	raw, err := s.rdb.HGet(ctx, s.key, apiKey).Result()
	if err == redis.Nil {
		return s.defaults, nil
	}
	if err != nil {
		return s.defaults, err
	}

	var stored StoredLimit
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		logging.Warn("corrupt rate limit config entry",
			zap.String("api_key", apiKey),
			zap.Error(err),
		)
		return s.defaults, nil
	}
	if stored.Capacity <= 0 || stored.RefillRate <= 0 {
		logging.Warn("non-positive rate limit config entry",
			zap.String("api_key", apiKey),
			zap.Int("capacity", stored.Capacity),
			zap.Float64("refill_rate", stored.RefillRate),
		)
		return s.defaults, nil
	}

	return Limit{Capacity: stored.Capacity, RefillRate: stored.RefillRate}, nil
}

// Delete removes the override for apiKey and reports whether one existed.
func (s *ConfigStore) Delete(ctx context.Context, apiKey string) (bool, error) {
	n, err := s.rdb.HDel(ctx, s.key, apiKey).Result()
	return n > 0, err
}

// List enumerates all overrides, skipping corrupt entries with a log line.
func (s *ConfigStore) List(ctx context.Context) (map[string]StoredLimit, error) {
	all, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]StoredLimit, len(all))
	for apiKey, raw := range all {
		var stored StoredLimit
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			logging.Warn("skipping corrupt rate limit config entry",
				zap.String("api_key", apiKey),
				zap.Error(err),
			)
			continue
		}
		out[apiKey] = stored
	}
	return out, nil
}
