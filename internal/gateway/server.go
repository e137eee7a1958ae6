// Package gateway assembles the enforcement pipeline and the admin API
// into two HTTP listeners and manages their lifecycle.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/geo"
	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/middleware/auth"
	"github.com/edgegate/edgegate/internal/middleware/compression"
	"github.com/edgegate/edgegate/internal/middleware/cors"
	"github.com/edgegate/edgegate/internal/middleware/policy"
	"github.com/edgegate/edgegate/internal/middleware/ratelimit"
	"github.com/edgegate/edgegate/internal/middleware/realip"
	"github.com/edgegate/edgegate/internal/middleware/reputation"
	"github.com/edgegate/edgegate/internal/store"
)

// Server owns the public enforcement listener and the admin listener,
// plus every long-lived subsystem behind them.
type Server struct {
	cfg  *config.Config
	rdb  *redis.Client
	keys store.Keys

	resolver    *realip.Resolver
	geo         *geo.Manager // nil when no database is configured
	policyCache *policy.Cache
	bus         *policy.Bus
	policyGate  *policy.Gate
	repGate     *reputation.Gate
	bucket      *ratelimit.BucketLimiter
	adminWindow *ratelimit.WindowLimiter
	limits      *ratelimit.ConfigStore

	jwt        *auth.JWTAuth
	cors       *cors.Handler
	compressor *compression.Compressor

	public    *http.Server
	admin     *http.Server
	startTime time.Time
}

// NewServer wires every subsystem from config. The shared store must be
// reachable; with policy enabled the first snapshot must load before
// the server is considered up.
func NewServer(cfg *config.Config) (*Server, error) {
	rdb, err := store.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		rdb:       rdb,
		keys:      store.Keys{Prefix: cfg.Redis.KeyPrefix},
		startTime: time.Now(),
	}

	if s.resolver, err = realip.New(cfg.Proxy.Trusted); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("realip: %w", err)
	}

	if cfg.Geo.Database != "" {
		if s.geo, err = geo.NewManager(cfg.Geo); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("geo: %w", err)
		}
	}

	if cfg.Policy.Enabled {
		if err := s.initPolicy(); err != nil {
			s.closeEarly()
			return nil, err
		}
	}

	if cfg.Reputation.Enabled {
		s.repGate = reputation.NewGate(rdb, s.keys, buildAdapters(cfg.Reputation), cfg.Reputation)
	}

	s.limits = ratelimit.NewConfigStore(rdb, s.keys.RateLimitConfig(),
		cfg.RateLimit.DefaultCapacity, cfg.RateLimit.RefillRate())

	if cfg.RateLimit.Enabled {
		s.bucket = ratelimit.NewBucketLimiter(ratelimit.BucketConfig{
			Client: rdb,
			Key:    s.keys.RateBucket,
			TTL:    cfg.RateLimit.TTL,
			GetID:  ratelimit.APIKeyOrClientIP,
			Limits: s.resolveLimits,
		})
	}

	if s.adminWindow, err = ratelimit.NewWindowLimiter(ratelimit.WindowConfig{
		Client: rdb,
		Key:    s.keys.AdminWindow,
		Limit:  cfg.RateLimit.Admin.Limit,
		Window: cfg.RateLimit.Admin.Window,
		GetID:  adminIdentifier,
	}); err != nil {
		s.closeEarly()
		return nil, fmt.Errorf("admin limiter: %w", err)
	}

	if s.jwt, err = auth.NewJWTAuth(cfg.Auth); err != nil {
		s.closeEarly()
		return nil, fmt.Errorf("auth: %w", err)
	}
	s.cors = cors.New(cfg.CORS)
	s.compressor = compression.New(cfg.Compression)

	s.public = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      s.publicHandler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	s.admin = &http.Server{
		Addr:         cfg.Server.AdminListen,
		Handler:      s.adminHandler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// initPolicy bootstraps the snapshot and subscribes to invalidations.
func (s *Server) initPolicy() error {
	ctx := context.Background()

	s.policyCache = policy.NewCache(s.rdb, s.keys)
	if err := s.policyCache.Bootstrap(ctx, uint64(s.cfg.Policy.BootstrapRetries)); err != nil {
		return fmt.Errorf("policy bootstrap: %w", err)
	}

	bus, err := policy.Subscribe(ctx, s.rdb, s.policyCache)
	if err != nil {
		return fmt.Errorf("policy subscribe: %w", err)
	}
	s.bus = bus

	var country policy.CountryFunc
	if s.geo != nil {
		country = s.geo.CountryCode
	}
	s.policyGate = policy.NewGate(s.policyCache, country)
	return nil
}

// buildAdapters assembles the reputation providers that have API keys,
// each wrapped with a breaker, retry and outbound throttle.
func buildAdapters(cfg config.ReputationConfig) *reputation.AdapterSet {
	client := &http.Client{Timeout: cfg.Timeout}

	var adapters []reputation.Adapter
	if cfg.AbuseIPDB.APIKey != "" {
		adapters = append(adapters, reputation.Guard(reputation.NewAbuseIPDB(cfg.AbuseIPDB, client), cfg.MaxRPS))
	}
	if cfg.IPQualityScore.APIKey != "" {
		adapters = append(adapters, reputation.Guard(reputation.NewIPQualityScore(cfg.IPQualityScore, client), cfg.MaxRPS))
	}
	return reputation.NewAdapterSet(adapters...)
}

// resolveLimits returns the bucket parameters for one identifier.
// API-key callers get their stored override; a store hiccup falls back
// to defaults rather than rejecting, since the bucket step right after
// will surface a hard store failure anyway.
func (s *Server) resolveLimits(r *http.Request, id string) (int, float64, error) {
	if r.Header.Get("X-API-Key") == "" {
		d := s.limits.Defaults()
		return d.Capacity, d.RefillRate, nil
	}
	limit, err := s.limits.Get(r.Context(), id)
	if err != nil {
		logging.Warn("Rate limit config lookup failed, using defaults",
			zap.String("api_key", id), zap.Error(err))
	}
	return limit.Capacity, limit.RefillRate, nil
}

// adminIdentifier keys the fixed-window limiter on the authenticated
// identity. Auth runs earlier in the chain, so an empty result means a
// broken chain, which the limiter rejects with 400.
func adminIdentifier(r *http.Request) string {
	if id := auth.IdentityFromContext(r.Context()); id != nil {
		return id.ID
	}
	return ""
}

// Start brings up both listeners and waits briefly for bind errors.
func (s *Server) Start() error {
	errCh := make(chan error, 2)

	go func() {
		logging.Info("Starting public listener", zap.String("addr", s.public.Addr))
		if err := s.public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("public server error: %w", err)
		}
	}()
	go func() {
		logging.Info("Starting admin listener", zap.String("addr", s.admin.Addr))
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		// Give listeners a moment to bind.
	}
	return nil
}

// Run starts the server and blocks on signals. SIGHUP reloads the
// policy snapshot; SIGINT/SIGTERM shut down gracefully.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			if s.policyCache == nil {
				logging.Warn("SIGHUP ignored: policy disabled")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.policyCache.Reload(ctx); err != nil {
				logging.Error("Policy reload failed", zap.Error(err))
			} else {
				logging.Info("Policy snapshot reloaded")
			}
			cancel()
		default:
			logging.Info("Shutting down gracefully...")
			return s.Shutdown(s.cfg.Server.ShutdownTimeout)
		}
	}
	return nil
}

// Shutdown stops the listeners, then releases subsystems. The store
// client closes last so draining requests keep a working store.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.admin.Shutdown(ctx); err != nil {
		logging.Error("Admin server shutdown error", zap.Error(err))
	}
	if err := s.public.Shutdown(ctx); err != nil {
		logging.Error("Public server shutdown error", zap.Error(err))
	}

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			logging.Error("Invalidation bus close error", zap.Error(err))
		}
	}
	if s.geo != nil {
		if err := s.geo.Close(); err != nil {
			logging.Error("Geo manager close error", zap.Error(err))
		}
	}
	if err := s.rdb.Close(); err != nil {
		logging.Error("Store client close error", zap.Error(err))
		return err
	}

	logging.Info("Server shutdown complete")
	return nil
}

// closeEarly releases what NewServer built before a wiring failure.
func (s *Server) closeEarly() {
	if s.bus != nil {
		s.bus.Close()
	}
	if s.geo != nil {
		s.geo.Close()
	}
	s.rdb.Close()
}
