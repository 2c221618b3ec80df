// Package config loads and validates gateway configuration from a YAML
// file with environment-variable overrides (LLM_GATEWAY_*).
package config

import (
	"fmt"
	"time"

	"github.com/user/llm-gateway/internal/models"
)

// Config holds all gateway configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Upstreams   []UpstreamEntry   `mapstructure:"upstreams"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Store       StoreConfig       `mapstructure:"store"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	LogRotation LogRotationConfig `mapstructure:"log_rotation"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds inbound authentication settings. Keys may be given in
// plaintext or as bcrypt hashes ($2a$...).
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Header  string   `mapstructure:"header"` // "authorization" (Bearer) or "x-api-key"
	Keys    []string `mapstructure:"keys"`
}

// UpstreamEntry is the config-file shape of one upstream provider.
type UpstreamEntry struct {
	Name             string          `mapstructure:"name"`
	Kind             string          `mapstructure:"kind"`
	BaseURL          string          `mapstructure:"base_url"`
	CredentialSource string          `mapstructure:"credential_source"`
	Models           []string        `mapstructure:"models"`
	Priority         int             `mapstructure:"priority"`
	Enabled          bool            `mapstructure:"enabled"`
	Forced           bool            `mapstructure:"forced"`
	TimeoutMs        int             `mapstructure:"timeout_ms"`
	MaxRetries       int             `mapstructure:"max_retries"`
	Capabilities     []string        `mapstructure:"capabilities"`
	RetryStrategy    string          `mapstructure:"retry_strategy"`
	Retry            *RetryOverride  `mapstructure:"retry"`
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryWindow   time.Duration `mapstructure:"recovery_window"`
}

// RetryOverride is a partial parameter set; nil fields inherit from the
// next scope down (per-strategy > per-class > per-upstream > global).
type RetryOverride struct {
	MaxAttempts   *int           `mapstructure:"max_attempts"`
	BaseDelay     *time.Duration `mapstructure:"base_delay"`
	MaxDelay      *time.Duration `mapstructure:"max_delay"`
	BackoffFactor *float64       `mapstructure:"backoff_factor"`
	JitterFactor  *float64       `mapstructure:"jitter_factor"`
}

// RetryConfig holds retry strategy parameters at global scope plus
// per-strategy and per-error-class overrides.
type RetryConfig struct {
	MaxAttempts   int                      `mapstructure:"max_attempts"`
	BaseDelay     time.Duration            `mapstructure:"base_delay"`
	MaxDelay      time.Duration            `mapstructure:"max_delay"`
	BackoffFactor float64                  `mapstructure:"backoff_factor"`
	JitterFactor  float64                  `mapstructure:"jitter_factor"`
	PerStrategy   map[string]RetryOverride `mapstructure:"per_strategy"`
	PerClass      map[string]RetryOverride `mapstructure:"per_class"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// StoreConfig selects the shared K/V backend for breaker state.
type StoreConfig struct {
	Backend string       `mapstructure:"backend"` // "memory", "redis", "sqlite"
	Redis   RedisConfig  `mapstructure:"redis"`
	SQLite  SQLiteConfig `mapstructure:"sqlite"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`
}

// SQLiteConfig holds sqlite store settings.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// HealthCheckConfig holds health probe loop settings.
type HealthCheckConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	ResultTTL    time.Duration `mapstructure:"result_ttl"`
}

// RateLimitConfig holds inbound rate limiting configuration.
type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxRequests   int  `mapstructure:"max_requests"`
	WindowSeconds int  `mapstructure:"window_seconds"`
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			LogLevel:        "info",
			RequestTimeout:  300 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: true,
			Header:  "authorization",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryWindow:   60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			JitterFactor:  0.2,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        time.Hour,
			MaxEntries: 10000,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		HealthCheck: HealthCheckConfig{
			Enabled:      true,
			Interval:     60 * time.Second,
			ProbeTimeout: 30 * time.Second,
			ResultTTL:    30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:       false,
			MaxRequests:   100,
			WindowSeconds: 60,
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Validate checks the configuration for errors, including the registry
// invariants: unique upstream names and at most one forced upstream.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Breaker.FailureThreshold < 1 {
		return &ConfigError{Field: "breaker.failure_threshold", Message: "must be at least 1"}
	}
	if c.Breaker.RecoveryWindow <= 0 {
		return &ConfigError{Field: "breaker.recovery_window", Message: "must be positive"}
	}
	if c.Retry.MaxAttempts < 0 {
		return &ConfigError{Field: "retry.max_attempts", Message: "must not be negative"}
	}
	switch c.Store.Backend {
	case "memory", "redis", "sqlite":
	default:
		return &ConfigError{Field: "store.backend", Message: "must be one of memory, redis, sqlite"}
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return &ConfigError{Field: "store.redis.addr", Message: "required for redis backend"}
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLite.Path == "" {
		return &ConfigError{Field: "store.sqlite.path", Message: "required for sqlite backend"}
	}

	seen := make(map[string]bool, len(c.Upstreams))
	forced := 0
	for i, u := range c.Upstreams {
		field := fmt.Sprintf("upstreams[%d]", i)
		if u.Name == "" {
			return &ConfigError{Field: field + ".name", Message: "required"}
		}
		if seen[u.Name] {
			return &ConfigError{Field: field + ".name", Message: "duplicate upstream name " + u.Name}
		}
		seen[u.Name] = true
		if !knownKind(u.Kind) {
			return &ConfigError{Field: field + ".kind", Message: "unknown kind " + u.Kind}
		}
		if u.BaseURL == "" {
			return &ConfigError{Field: field + ".base_url", Message: "required"}
		}
		if len(u.Models) == 0 {
			return &ConfigError{Field: field + ".models", Message: "at least one model required"}
		}
		for _, cap := range u.Capabilities {
			if !knownCapability(cap) {
				return &ConfigError{Field: field + ".capabilities", Message: "unknown capability " + cap}
			}
		}
		switch u.RetryStrategy {
		case "", "exponential", "immediate", "adaptive":
		default:
			return &ConfigError{Field: field + ".retry_strategy", Message: "unknown strategy " + u.RetryStrategy}
		}
		if u.Forced && u.Enabled {
			forced++
		}
	}
	if forced > 1 {
		return &ConfigError{Field: "upstreams", Message: "at most one upstream may be forced"}
	}
	return nil
}

// UpstreamConfigs converts the config entries into domain upstreams.
func (c *Config) UpstreamConfigs() []models.UpstreamConfig {
	out := make([]models.UpstreamConfig, 0, len(c.Upstreams))
	for _, u := range c.Upstreams {
		timeout := time.Duration(u.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		maxRetries := u.MaxRetries
		if maxRetries == 0 {
			maxRetries = c.Retry.MaxAttempts
		}
		caps := make([]models.Capability, 0, len(u.Capabilities))
		for _, cap := range u.Capabilities {
			caps = append(caps, models.Capability(cap))
		}
		var override *models.RetryOverride
		if u.Retry != nil {
			override = &models.RetryOverride{
				MaxAttempts:   u.Retry.MaxAttempts,
				BaseDelay:     u.Retry.BaseDelay,
				MaxDelay:      u.Retry.MaxDelay,
				BackoffFactor: u.Retry.BackoffFactor,
				JitterFactor:  u.Retry.JitterFactor,
			}
		}
		out = append(out, models.UpstreamConfig{
			Name:             u.Name,
			Kind:             models.UpstreamKind(u.Kind),
			BaseURL:          u.BaseURL,
			CredentialSource: u.CredentialSource,
			Models:           append([]string(nil), u.Models...),
			Priority:         u.Priority,
			Enabled:          u.Enabled,
			Forced:           u.Forced,
			Timeout:          timeout,
			MaxRetries:       maxRetries,
			Capabilities:     caps,
			RetryStrategy:    u.RetryStrategy,
			Retry:            override,
		})
	}
	return out
}

func knownKind(kind string) bool {
	for _, k := range models.KnownKinds {
		if string(k) == kind {
			return true
		}
	}
	return false
}

func knownCapability(cap string) bool {
	switch models.Capability(cap) {
	case models.CapChatCompletion, models.CapTextCompletion, models.CapEmbeddings,
		models.CapStreaming, models.CapModelDiscovery, models.CapImageGeneration,
		models.CapVideoGeneration, models.CapToolCalling:
		return true
	}
	return false
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}
