package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/edgegate/edgegate/internal/store"
)

// Cache holds the current policy snapshot and keeps it in sync with the
// shared store. Reads never block on a reload.
type Cache struct {
	rdb  *redis.Client
	keys store.Keys

	snapshot atomic.Pointer[Snapshot]

	// Concurrent reloads collapse: whoever holds reloadMu keeps loading
	// while the dirty flag is set, so a request that arrives mid-reload
	// triggers at most one more pass.
	reloadMu sync.Mutex
	dirty    atomic.Bool

	reloads      atomic.Int64
	reloadErrors atomic.Int64
}

// NewCache creates a policy cache. It serves an empty snapshot until
// Bootstrap installs the first real one.
func NewCache(rdb *redis.Client, keys store.Keys) *Cache {
	c := &Cache{rdb: rdb, keys: keys}
	c.snapshot.Store(newSnapshot(nil, nil, nil, nil))
	return c
}

// Bootstrap fetches the four policy sets and installs the first snapshot,
// retrying transient store failures with exponential backoff. Startup must
// not proceed on a store that never answers.
func (c *Cache) Bootstrap(ctx context.Context, maxRetries uint64) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(func() error { return c.load(ctx) }, bo); err != nil {
		return fmt.Errorf("policy bootstrap failed: %w", err)
	}
	return nil
}

// Reload refreshes the snapshot from the store. Safe to call concurrently:
// one caller runs, the rest return immediately after marking it dirty
// (run-then-recheck). On failure the previous snapshot stays in effect.
func (c *Cache) Reload(ctx context.Context) error {
	c.dirty.Store(true)
	if !c.reloadMu.TryLock() {
		return nil
	}
	defer c.reloadMu.Unlock()

	var err error
	for c.dirty.Swap(false) {
		err = c.load(ctx)
	}
	return err
}

// load fetches all four sets in parallel and swaps in the new snapshot.
func (c *Cache) load(ctx context.Context) error {
	var allow, deny, cidrs, countries []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		allow, err = c.rdb.SMembers(gctx, c.keys.AllowlistIPs()).Result()
		return err
	})
	g.Go(func() (err error) {
		deny, err = c.rdb.SMembers(gctx, c.keys.BlocklistIPs()).Result()
		return err
	})
	g.Go(func() (err error) {
		cidrs, err = c.rdb.SMembers(gctx, c.keys.BlocklistCIDRs()).Result()
		return err
	})
	g.Go(func() (err error) {
		countries, err = c.rdb.SMembers(gctx, c.keys.BlocklistCountries()).Result()
		return err
	})
	if err := g.Wait(); err != nil {
		c.reloadErrors.Add(1)
		return fmt.Errorf("policy fetch failed: %w", err)
	}

	c.snapshot.Store(newSnapshot(allow, deny, cidrs, countries))
	c.reloads.Add(1)
	return nil
}

// Current returns the active snapshot.
func (c *Cache) Current() *Snapshot {
	return c.snapshot.Load()
}

// Stats returns metrics for the policy cache.
type CacheStats struct {
	Reloads      int64     `json:"reloads"`
	ReloadErrors int64     `json:"reload_errors"`
	LoadedAt     time.Time `json:"loaded_at"`
	Allowlist    int       `json:"allowlist"`
	Denylist     int       `json:"denylist"`
	CIDRs        int       `json:"cidrs"`
	Countries    int       `json:"countries"`
}

// Stats returns the current metrics.
func (c *Cache) Stats() CacheStats {
	snap := c.Current()
	allow, deny, cidr, country := snap.Counts()
	return CacheStats{
		Reloads:      c.reloads.Load(),
		ReloadErrors: c.reloadErrors.Load(),
		LoadedAt:     snap.LoadedAt(),
		Allowlist:    allow,
		Denylist:     deny,
		CIDRs:        cidr,
		Countries:    country,
	}
}
