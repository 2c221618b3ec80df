package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the given file (YAML) merged over
// defaults, with LLM_GATEWAY_* environment variables taking precedence.
// An empty path loads gateway.yaml from the working directory if present;
// a missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LLM_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers defaults so env-only overrides still resolve.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.log_level", cfg.Server.LogLevel)
	v.SetDefault("server.request_timeout", cfg.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("auth.enabled", cfg.Auth.Enabled)
	v.SetDefault("auth.header", cfg.Auth.Header)
	v.SetDefault("breaker.failure_threshold", cfg.Breaker.FailureThreshold)
	v.SetDefault("breaker.recovery_window", cfg.Breaker.RecoveryWindow)
	v.SetDefault("retry.max_attempts", cfg.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("retry.backoff_factor", cfg.Retry.BackoffFactor)
	v.SetDefault("retry.jitter_factor", cfg.Retry.JitterFactor)
	v.SetDefault("cache.enabled", cfg.Cache.Enabled)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)
	v.SetDefault("cache.max_entries", cfg.Cache.MaxEntries)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("health_check.enabled", cfg.HealthCheck.Enabled)
	v.SetDefault("health_check.interval", cfg.HealthCheck.Interval)
	v.SetDefault("health_check.probe_timeout", cfg.HealthCheck.ProbeTimeout)
	v.SetDefault("health_check.result_ttl", cfg.HealthCheck.ResultTTL)
	v.SetDefault("rate_limit.enabled", cfg.RateLimit.Enabled)
	v.SetDefault("rate_limit.max_requests", cfg.RateLimit.MaxRequests)
	v.SetDefault("rate_limit.window_seconds", cfg.RateLimit.WindowSeconds)
	v.SetDefault("log_rotation.max_size_mb", cfg.LogRotation.MaxSizeMB)
	v.SetDefault("log_rotation.max_backups", cfg.LogRotation.MaxBackups)
	v.SetDefault("log_rotation.max_age_days", cfg.LogRotation.MaxAgeDays)
	v.SetDefault("log_rotation.compress", cfg.LogRotation.Compress)
}
