// Package config loads service configuration from a TOML file and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all podsync configuration.
type Config struct {
	App      AppConfig
	Redis    RedisConfig
	Supplier SupplierConfig
	Batch    BatchConfig
	Webhook  WebhookConfig
	Log      LogConfig
}

// AppConfig holds application-specific settings.
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SupplierConfig holds settings for the outbound supplier API client.
type SupplierConfig struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	BreakerFailures int
	BreakerCooldown time.Duration
}

// BatchConfig holds batch pipeline settings.
type BatchConfig struct {
	ChunkSize        int
	ChunkStagger     time.Duration
	MaxChunkRetries  int
	Retention        time.Duration
	ProgressCacheTTL time.Duration
	SweepInterval    time.Duration
}

// WebhookConfig holds inbound webhook settings.
type WebhookConfig struct {
	Secret               string
	DedupWindow          time.Duration
	MaxBodyBytes         int64
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Pretty bool
}

// Load loads configuration from config.toml and environment variables.
// Priority (highest to lowest):
// 1. Environment variables with PODSYNC_ prefix (e.g. PODSYNC_SUPPLIER_TOKEN)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/podsync")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("PODSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Supplier: SupplierConfig{
			BaseURL:              v.GetString("supplier.base_url"),
			Token:                v.GetString("supplier.token"),
			RequestTimeout:       v.GetDuration("supplier.request_timeout"),
			MaxAttempts:          v.GetInt("supplier.max_attempts"),
			InitialBackoff:       v.GetDuration("supplier.initial_backoff"),
			MaxBackoff:           v.GetDuration("supplier.max_backoff"),
			RateLimitWindow:      v.GetDuration("supplier.rate_limit_window"),
			RateLimitMaxRequests: v.GetInt("supplier.rate_limit_max_requests"),
			BreakerFailures:      v.GetInt("supplier.breaker_failures"),
			BreakerCooldown:      v.GetDuration("supplier.breaker_cooldown"),
		},
		Batch: BatchConfig{
			ChunkSize:        v.GetInt("batch.chunk_size"),
			ChunkStagger:     v.GetDuration("batch.chunk_stagger"),
			MaxChunkRetries:  v.GetInt("batch.max_chunk_retries"),
			Retention:        v.GetDuration("batch.retention"),
			ProgressCacheTTL: v.GetDuration("batch.progress_cache_ttl"),
			SweepInterval:    v.GetDuration("batch.sweep_interval"),
		},
		Webhook: WebhookConfig{
			Secret:               v.GetString("webhook.secret"),
			DedupWindow:          v.GetDuration("webhook.dedup_window"),
			MaxBodyBytes:         v.GetInt64("webhook.max_body_bytes"),
			RateLimitWindow:      v.GetDuration("webhook.rate_limit_window"),
			RateLimitMaxRequests: v.GetInt("webhook.rate_limit_max_requests"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers built-in defaults. Retry caps, retention, and the
// dedup window are deliberately configuration rather than constants.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "podsync")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("supplier.request_timeout", 30*time.Second)
	v.SetDefault("supplier.max_attempts", 4)
	v.SetDefault("supplier.initial_backoff", time.Second)
	v.SetDefault("supplier.max_backoff", 30*time.Second)
	v.SetDefault("supplier.rate_limit_window", time.Minute)
	v.SetDefault("supplier.rate_limit_max_requests", 120)
	v.SetDefault("supplier.breaker_failures", 5)
	v.SetDefault("supplier.breaker_cooldown", 30*time.Second)

	v.SetDefault("batch.chunk_size", 10)
	v.SetDefault("batch.chunk_stagger", 200*time.Millisecond)
	v.SetDefault("batch.max_chunk_retries", 3)
	v.SetDefault("batch.retention", 720*time.Hour)
	v.SetDefault("batch.progress_cache_ttl", 5*time.Second)
	v.SetDefault("batch.sweep_interval", 5*time.Minute)

	v.SetDefault("webhook.dedup_window", 5*time.Minute)
	v.SetDefault("webhook.max_body_bytes", 1<<20)
	v.SetDefault("webhook.rate_limit_window", time.Minute)
	v.SetDefault("webhook.rate_limit_max_requests", 300)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate checks settings that have no usable zero value.
func (c *Config) Validate() error {
	if c.Batch.ChunkSize <= 0 {
		return fmt.Errorf("batch.chunk_size must be positive (got %d)", c.Batch.ChunkSize)
	}
	if c.Supplier.MaxAttempts <= 0 {
		return fmt.Errorf("supplier.max_attempts must be positive (got %d)", c.Supplier.MaxAttempts)
	}
	if c.Supplier.RateLimitMaxRequests <= 0 {
		return fmt.Errorf("supplier.rate_limit_max_requests must be positive (got %d)", c.Supplier.RateLimitMaxRequests)
	}
	return nil
}
