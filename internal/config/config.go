package config

import "time"

// Config is the root configuration for the gateway.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Redis       RedisConfig       `yaml:"redis"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Geo         GeoConfig         `yaml:"geo"`
	Policy      PolicyConfig      `yaml:"policy"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Auth        AuthConfig        `yaml:"auth"`
	CORS        CORSConfig        `yaml:"cors"`
	Compression CompressionConfig `yaml:"compression"`
}

// ServerConfig defines the listeners and HTTP server timeouts.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`       // public listener address
	AdminListen     string        `yaml:"admin_listen"` // admin API listener address
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string            `yaml:"level"`  // debug|info|warn|error
	Format   string            `yaml:"format"` // json|console
	Output   string            `yaml:"output"` // stdout|stderr|file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
// Only applies when Output is a file path.
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
}

// RedisConfig defines the shared store connection.
type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	KeyPrefix      string        `yaml:"key_prefix"` // applied to all keys except the rate-limit config hash
	PoolSize       int           `yaml:"pool_size"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"` // per-command deadline on the request path
}

// ProxyConfig identifies trusted upstream proxies.
type ProxyConfig struct {
	Trusted []string `yaml:"trusted"` // CIDRs; bare IPs are widened to /32 or /128
}

// GeoConfig defines the IP geolocation database.
type GeoConfig struct {
	Database  string        `yaml:"database"`   // path to a .mmdb or .ipdb file; empty disables geo lookups
	Watch     bool          `yaml:"watch"`      // hot-swap the provider when the file changes
	CacheSize int           `yaml:"cache_size"` // entries in the lookup LRU
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// PolicyConfig defines the policy engine.
type PolicyConfig struct {
	Enabled          bool `yaml:"enabled"`
	BootstrapRetries int  `yaml:"bootstrap_retries"` // startup snapshot fetch attempts beyond the first
}

// ReputationConfig defines the IP reputation gate and its providers.
type ReputationConfig struct {
	Enabled        bool            `yaml:"enabled"`
	BlockThreshold int             `yaml:"block_threshold"` // minimum aggregate score that rejects
	CacheTTL       time.Duration   `yaml:"cache_ttl"`       // verdict cache lifetime
	LockTTL        time.Duration   `yaml:"lock_ttl"`        // single-flight lock lifetime
	Timeout        time.Duration   `yaml:"timeout"`         // provider fan-out deadline; must not exceed lock_ttl
	MaxRPS         int             `yaml:"max_rps"`         // outbound request cap per provider
	AbuseIPDB      AbuseIPDBConfig `yaml:"abuseipdb"`
	IPQualityScore IPQSConfig      `yaml:"ipqualityscore"`
}

// AbuseIPDBConfig configures the AbuseIPDB provider.
type AbuseIPDBConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	MaxAgeDays int    `yaml:"max_age_days"` // report window forwarded upstream
}

// IPQSConfig configures the IPQualityScore provider.
type IPQSConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// RateLimitConfig defines both rate-limiting strategies.
type RateLimitConfig struct {
	Enabled               bool           `yaml:"enabled"`
	DefaultCapacity       int            `yaml:"default_capacity"`
	DefaultRefillTokens   int            `yaml:"default_refill_tokens"`
	DefaultRefillInterval time.Duration  `yaml:"default_refill_interval"`
	TTL                   time.Duration  `yaml:"ttl"` // idle bucket expiry
	Admin                 AdminRateLimit `yaml:"admin"`
}

// RefillRate returns the default refill rate in tokens per second.
func (c RateLimitConfig) RefillRate() float64 {
	if c.DefaultRefillInterval <= 0 {
		return 0
	}
	return float64(c.DefaultRefillTokens) / c.DefaultRefillInterval.Seconds()
}

// AdminRateLimit defines the fixed-window limiter on the admin surface.
type AdminRateLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// AuthConfig defines admin API authentication.
type AuthConfig struct {
	JWTSecret    string   `yaml:"jwt_secret"`
	AllowedRoles []string `yaml:"allowed_roles"`
}

// CORSConfig defines CORS settings for the admin API.
type CORSConfig struct {
	AllowedOrigins []string      `yaml:"allowed_origins"`
	AllowedMethods []string      `yaml:"allowed_methods"`
	AllowedHeaders []string      `yaml:"allowed_headers"`
	MaxAge         time.Duration `yaml:"max_age"`
}

// CompressionConfig defines gzip compression of admin responses.
type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	MinSize int  `yaml:"min_size"` // bytes buffered before compression kicks in
	Level   int  `yaml:"level"`    // gzip level 1-9
}

// DefaultConfig returns a configuration with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			AdminListen:     ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       10,
			DialTimeout:    5 * time.Second,
			CommandTimeout: 500 * time.Millisecond,
		},
		Geo: GeoConfig{
			CacheSize: 10000,
			CacheTTL:  time.Hour,
		},
		Policy: PolicyConfig{
			Enabled:          true,
			BootstrapRetries: 5,
		},
		Reputation: ReputationConfig{
			Enabled:        true,
			BlockThreshold: 50,
			CacheTTL:       time.Hour,
			LockTTL:        10 * time.Second,
			Timeout:        5 * time.Second,
			MaxRPS:         10,
			AbuseIPDB: AbuseIPDBConfig{
				BaseURL:    "https://api.abuseipdb.com/api/v2",
				MaxAgeDays: 90,
			},
			IPQualityScore: IPQSConfig{
				BaseURL: "https://ipqualityscore.com/api/json/ip",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:               true,
			DefaultCapacity:       60,
			DefaultRefillTokens:   60,
			DefaultRefillInterval: time.Minute,
			TTL:                   time.Hour,
			Admin: AdminRateLimit{
				Limit:  100,
				Window: time.Minute,
			},
		},
		Auth: AuthConfig{
			AllowedRoles: []string{"admin"},
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         10 * time.Minute,
		},
		Compression: CompressionConfig{
			Enabled: true,
			MinSize: 1024,
			Level:   5,
		},
	}
}
