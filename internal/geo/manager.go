package geo

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/logging"
)

const reloadDebounce = 500 * time.Millisecond

// Manager wraps a geolocation Provider with a lookup cache and optional
// hot reload when the database file is replaced on disk.
type Manager struct {
	path  string
	cache *lru.LRU[string, *Result]

	mu       sync.RWMutex
	provider Provider

	watcher *fsnotify.Watcher

	lookups atomic.Int64
	hits    atomic.Int64
	reloads atomic.Int64
}

// NewManager opens the database at cfg.Database and, when cfg.Watch is set,
// starts watching its directory for replacements.
func NewManager(cfg config.GeoConfig) (*Manager, error) {
	provider, err := NewProvider(cfg.Database)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:     cfg.Database,
		provider: provider,
		cache:    lru.NewLRU[string, *Result](cfg.CacheSize, nil, cfg.CacheTTL),
	}

	if cfg.Watch {
		if err := m.startWatcher(); err != nil {
			provider.Close()
			return nil, fmt.Errorf("failed to watch geo database: %w", err)
		}
	}

	return m, nil
}

// newManagerWithProvider wires a prebuilt provider; used by tests.
func newManagerWithProvider(p Provider, cacheSize int, cacheTTL time.Duration) *Manager {
	return &Manager{
		provider: p,
		cache:    lru.NewLRU[string, *Result](cacheSize, nil, cacheTTL),
	}
}

// Lookup resolves ip to a country. Returns nil when the database has no
// record for the address or the lookup fails; failures are not fatal.
func (m *Manager) Lookup(ip string) *Result {
	m.lookups.Add(1)

	if res, ok := m.cache.Get(ip); ok {
		m.hits.Add(1)
		return res
	}

	m.mu.RLock()
	res, err := m.provider.Lookup(ip)
	m.mu.RUnlock()
	if err != nil {
		logging.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	if res.CountryCode == "" {
		// Negative entries are cached too; unknown IPs stay unknown
		// until the TTL expires.
		res = nil
	} else {
		res.CountryCode = strings.ToUpper(res.CountryCode)
	}

	m.cache.Add(ip, res)
	return res
}

// CountryCode returns the uppercase alpha-2 country for ip, or "" when
// unknown. This is the shape the policy gate consumes.
func (m *Manager) CountryCode(ip string) string {
	if res := m.Lookup(ip); res != nil {
		return res.CountryCode
	}
	return ""
}

// startWatcher reloads the provider when the database file is rewritten.
func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go m.watch()
	return nil
}

// watch monitors for file changes
func (m *Manager) watch() {
	var debounceTimer *time.Timer
	var lastEvent time.Time

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			// Only react to our database file
			if filepath.Base(event.Name) != filepath.Base(m.path) {
				continue
			}

			// Only react to write/create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Debounce rapid events
			now := time.Now()
			if now.Sub(lastEvent) < reloadDebounce {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
			}
			lastEvent = now

			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				m.reload()
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("geo watcher error", zap.Error(err))
		}
	}
}

// reload swaps in a fresh provider; on failure the old one stays active.
func (m *Manager) reload() {
	next, err := NewProvider(m.path)
	if err != nil {
		logging.Error("failed to reload geo database", zap.String("path", m.path), zap.Error(err))
		return
	}

	m.mu.Lock()
	old := m.provider
	m.provider = next
	m.mu.Unlock()

	old.Close()
	m.cache.Purge()
	m.reloads.Add(1)

	logging.Info("geo database reloaded", zap.String("path", m.path))
}

// Close stops the watcher and releases the provider.
func (m *Manager) Close() error {
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider.Close()
}

// Stats returns metrics for the geo manager.
type Stats struct {
	Lookups   int64 `json:"lookups"`
	CacheHits int64 `json:"cache_hits"`
	Reloads   int64 `json:"reloads"`
	CacheLen  int   `json:"cache_len"`
}

// Stats returns the current metrics.
func (m *Manager) Stats() Stats {
	return Stats{
		Lookups:   m.lookups.Load(),
		CacheHits: m.hits.Load(),
		Reloads:   m.reloads.Load(),
		CacheLen:  m.cache.Len(),
	}
}
