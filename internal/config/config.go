// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // checked on cookie-authenticated POSTs
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig is optional; without a URL the service falls back to
// in-process rate limiting and locking.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	CookieName   string `yaml:"cookie_name"`
	CookieDomain string `yaml:"cookie_domain"`
	SecureCookie bool   `yaml:"secure_cookie"`
}

type TokensConfig struct {
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RateLimitConfig struct {
	HeartbeatPerMinute int `yaml:"heartbeat_per_minute"`
	ControlPerMinute   int `yaml:"control_per_minute"` // start/stop
}

type StatusConfig struct {
	RecentWindow time.Duration `yaml:"recent_window"`
}

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Tokens    TokensConfig    `yaml:"tokens"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Status    StatusConfig    `yaml:"status"`

	Runtime RuntimeConfig `yaml:"-"`
}

// MemoryDatabaseURL selects the in-process store. Dev only.
const MemoryDatabaseURL = "memory"

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

// Parse decodes YAML, applies defaults and validates required fields.
func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 15 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "jobelix_session"
	}
	if cfg.Tokens.CacheTTL <= 0 {
		cfg.Tokens.CacheTTL = 5 * time.Minute
	}
	if cfg.Tokens.SweepInterval <= 0 {
		cfg.Tokens.SweepInterval = time.Minute
	}
	if cfg.RateLimit.HeartbeatPerMinute <= 0 {
		cfg.RateLimit.HeartbeatPerMinute = 120
	}
	if cfg.RateLimit.ControlPerMinute <= 0 {
		cfg.RateLimit.ControlPerMinute = 10
	}
	if cfg.Status.RecentWindow <= 0 {
		cfg.Status.RecentWindow = 24 * time.Hour
	}
	for i, o := range cfg.HTTP.AllowedOrigins {
		cfg.HTTP.AllowedOrigins[i] = strings.TrimSuffix(strings.TrimSpace(o), "/")
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Database.URL == MemoryDatabaseURL && !dev {
		return nil, errors.New("database.url=memory is only allowed with -dev")
	}
	if len(cfg.Auth.JWTSecret) < 32 && !dev {
		return nil, errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
