package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes. Environment variables in
// ${VAR} form are expanded first; unset variables expand to empty strings.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return ""
	})
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// validate checks configuration invariants.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.AdminListen == "" {
		return fmt.Errorf("server.admin_listen is required")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console (got %q)", cfg.Logging.Format)
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be positive")
	}
	if cfg.Redis.DialTimeout <= 0 || cfg.Redis.CommandTimeout <= 0 {
		return fmt.Errorf("redis timeouts must be positive")
	}

	for _, entry := range cfg.Proxy.Trusted {
		if err := validateCIDROrIP(entry); err != nil {
			return fmt.Errorf("proxy.trusted: %w", err)
		}
	}

	if cfg.Geo.Database != "" {
		ext := strings.ToLower(filepath.Ext(cfg.Geo.Database))
		if ext != ".mmdb" && ext != ".ipdb" {
			return fmt.Errorf("geo.database must be a .mmdb or .ipdb file (got %q)", cfg.Geo.Database)
		}
		if cfg.Geo.CacheSize <= 0 {
			return fmt.Errorf("geo.cache_size must be positive")
		}
		if cfg.Geo.CacheTTL <= 0 {
			return fmt.Errorf("geo.cache_ttl must be positive")
		}
	}

	if cfg.Policy.BootstrapRetries < 0 {
		return fmt.Errorf("policy.bootstrap_retries must not be negative")
	}

	if cfg.Reputation.Enabled {
		r := cfg.Reputation
		if r.BlockThreshold < 0 || r.BlockThreshold > 100 {
			return fmt.Errorf("reputation.block_threshold must be within 0-100 (got %d)", r.BlockThreshold)
		}
		if r.CacheTTL <= 0 {
			return fmt.Errorf("reputation.cache_ttl must be positive")
		}
		if r.LockTTL <= 0 {
			return fmt.Errorf("reputation.lock_ttl must be positive")
		}
		if r.Timeout <= 0 {
			return fmt.Errorf("reputation.timeout must be positive")
		}
		if r.Timeout > r.LockTTL {
			return fmt.Errorf("reputation.timeout (%s) must not exceed reputation.lock_ttl (%s)", r.Timeout, r.LockTTL)
		}
		if r.MaxRPS <= 0 {
			return fmt.Errorf("reputation.max_rps must be positive")
		}
	}

	if cfg.RateLimit.Enabled {
		rl := cfg.RateLimit
		if rl.DefaultCapacity <= 0 {
			return fmt.Errorf("rate_limit.default_capacity must be positive")
		}
		if rl.DefaultRefillTokens <= 0 {
			return fmt.Errorf("rate_limit.default_refill_tokens must be positive")
		}
		if rl.DefaultRefillInterval <= 0 {
			return fmt.Errorf("rate_limit.default_refill_interval must be positive")
		}
		if rl.TTL <= 0 {
			return fmt.Errorf("rate_limit.ttl must be positive")
		}
		if rl.Admin.Limit <= 0 {
			return fmt.Errorf("rate_limit.admin.limit must be positive")
		}
		if rl.Admin.Window <= 0 {
			return fmt.Errorf("rate_limit.admin.window must be positive")
		}
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(cfg.Auth.AllowedRoles) == 0 {
		return fmt.Errorf("auth.allowed_roles must not be empty")
	}

	if cfg.Compression.Enabled {
		if cfg.Compression.Level < 1 || cfg.Compression.Level > 9 {
			return fmt.Errorf("compression.level must be within 1-9 (got %d)", cfg.Compression.Level)
		}
		if cfg.Compression.MinSize < 0 {
			return fmt.Errorf("compression.min_size must not be negative")
		}
	}

	return nil
}

// validateCIDROrIP accepts a CIDR prefix or a bare IP address.
func validateCIDROrIP(entry string) error {
	if strings.Contains(entry, "/") {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		return nil
	}
	if _, err := netip.ParseAddr(entry); err != nil {
		return fmt.Errorf("invalid IP %q: %w", entry, err)
	}
	return nil
}
