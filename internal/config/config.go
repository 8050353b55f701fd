// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file, when present, is
// loaded into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example REDIS_URL becomes redis_url in
// YAML.
//
// The default STORE=memory needs no external services; keys and channels
// then come from SEED_FILE.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// LogFile, when set, sends logs to a rotated file instead of stdout.
	LogFile string

	// Store selects where keys, channels and usage aggregates live:
	//   "memory": in-process maps, seeded from SeedFile. Single replica only.
	//   "redis":  Redis (requires REDIS_URL).
	//   "sql":    PostgreSQL or SQLite through GORM (requires DATABASE_DSN).
	// Default: "memory".
	Store string

	// Redis holds the connection URL for the redis store and the shared
	// rate limiter.
	Redis RedisConfig

	// DatabaseDSN is a postgres:// URL, a key=value Postgres DSN or a SQLite
	// path. Required when Store is "sql".
	DatabaseDSN string

	// SeedFile is an optional YAML file of channels and keys applied at start.
	SeedFile string

	Pricing PricingConfig

	// BucketLocation is the time zone that defines day buckets. Default: UTC.
	BucketLocation *time.Location

	Admission AdmissionConfig

	Channels ChannelConfig

	Usage UsageConfig

	Events EventsConfig

	// ProviderTimeout bounds one upstream call on the built-in forwarding
	// path. Default: 60s.
	ProviderTimeout time.Duration

	// HealthInterval is how often channels are probed. Default: 30s.
	HealthInterval time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// InternalToken, when set, must be sent in the X-Internal-Token header on the
	// internal admission, usage, key and channel endpoints.
	InternalToken string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// PricingConfig locates the model price table.
type PricingConfig struct {
	// File is a YAML price table. Without it every model is unpriced.
	File string
	// Refresh is how often File is checked for changes. 0 disables reloads.
	// Default: 1m.
	Refresh time.Duration
}

// AdmissionConfig controls the admission hot path.
type AdmissionConfig struct {
	// Timeout bounds one admission; a timeout denies. Default: 2s.
	Timeout time.Duration
	// KeyCacheTTL is how long looked-up keys are cached. Default: 5s.
	KeyCacheTTL time.Duration
}

// ChannelConfig controls the channel pool and its circuit breakers.
type ChannelConfig struct {
	// Refresh bounds how stale the pool's channel list may get. Default: 5s.
	Refresh time.Duration

	// FailureThreshold is the number of consecutive failures that open a
	// channel's circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long an open circuit waits before a trial call.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeRatio is the share of selections given to trial candidates while
	// healthy channels exist. Default: 0.1.
	ProbeRatio float64
}

// UsageConfig controls metering.
type UsageConfig struct {
	// IdempotencyTTL is how long a call ID is remembered. Default: 48h.
	IdempotencyTTL time.Duration

	// BillFailedPartial charges failed calls for the tokens they report.
	BillFailedPartial bool

	// RetentionDays deletes day buckets older than this many days.
	// 0 keeps everything. Default: 400.
	RetentionDays int
}

// EventsConfig selects the per-call usage event sink.
type EventsConfig struct {
	// Sink is "log" (default) or "clickhouse".
	Sink string

	ClickHouse ClickHouseConfig
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
	TLS      bool
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", "memory")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("BUCKET_TIMEZONE", "UTC")

	v.SetDefault("PRICING_REFRESH", "1m")

	// Admission defaults.
	v.SetDefault("ADMISSION_TIMEOUT", "2s")
	v.SetDefault("KEY_CACHE_TTL", "5s")

	// Channel pool and circuit breaker defaults.
	v.SetDefault("CHANNEL_REFRESH", "5s")
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_COOLDOWN", "30s")
	v.SetDefault("CB_PROBE_RATIO", 0.1)

	// Metering defaults.
	v.SetDefault("IDEMPOTENCY_TTL", "48h")
	v.SetDefault("BILL_FAILED_PARTIAL", false)
	v.SetDefault("USAGE_RETENTION_DAYS", 400)

	v.SetDefault("EVENT_SINK", "log")
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")
	v.SetDefault("CLICKHOUSE_TABLE", "usage_events")

	v.SetDefault("PROVIDER_TIMEOUT", "60s")
	v.SetDefault("HEALTH_INTERVAL", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFile:  v.GetString("LOG_FILE"),

		Store:       strings.ToLower(v.GetString("STORE")),
		Redis:       RedisConfig{URL: v.GetString("REDIS_URL")},
		DatabaseDSN: v.GetString("DATABASE_DSN"),
		SeedFile:    v.GetString("SEED_FILE"),

		Pricing: PricingConfig{
			File:    v.GetString("PRICING_FILE"),
			Refresh: v.GetDuration("PRICING_REFRESH"),
		},

		Admission: AdmissionConfig{
			Timeout:     v.GetDuration("ADMISSION_TIMEOUT"),
			KeyCacheTTL: v.GetDuration("KEY_CACHE_TTL"),
		},

		Channels: ChannelConfig{
			Refresh:          v.GetDuration("CHANNEL_REFRESH"),
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			Cooldown:         v.GetDuration("CB_COOLDOWN"),
			ProbeRatio:       v.GetFloat64("CB_PROBE_RATIO"),
		},

		Usage: UsageConfig{
			IdempotencyTTL:    v.GetDuration("IDEMPOTENCY_TTL"),
			BillFailedPartial: v.GetBool("BILL_FAILED_PARTIAL"),
			RetentionDays:     v.GetInt("USAGE_RETENTION_DAYS"),
		},

		Events: EventsConfig{
			Sink: strings.ToLower(v.GetString("EVENT_SINK")),
			ClickHouse: ClickHouseConfig{
				Addr:     v.GetString("CLICKHOUSE_ADDR"),
				Database: v.GetString("CLICKHOUSE_DATABASE"),
				Username: v.GetString("CLICKHOUSE_USERNAME"),
				Password: v.GetString("CLICKHOUSE_PASSWORD"),
				Table:    v.GetString("CLICKHOUSE_TABLE"),
				TLS:      v.GetBool("CLICKHOUSE_TLS"),
			},
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		HealthInterval:  v.GetDuration("HEALTH_INTERVAL"),

		CORSOrigins:   splitList(v.GetString("CORS_ORIGINS")),
		InternalToken: v.GetString("INTERNAL_TOKEN"),
	}

	loc, err := time.LoadLocation(v.GetString("BUCKET_TIMEZONE"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid BUCKET_TIMEZONE %q: %w", v.GetString("BUCKET_TIMEZONE"), err)
	}
	cfg.BucketLocation = loc

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Store {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("config: REDIS_URL is required when STORE=redis")
		}
	case "sql":
		if c.DatabaseDSN == "" {
			return fmt.Errorf("config: DATABASE_DSN is required when STORE=sql")
		}
	default:
		return fmt.Errorf("config: invalid STORE %q; must be one of: memory, redis, sql", c.Store)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Events.Sink {
	case "log":
	case "clickhouse":
		if c.Events.ClickHouse.Addr == "" {
			return fmt.Errorf("config: CLICKHOUSE_ADDR is required when EVENT_SINK=clickhouse")
		}
	default:
		return fmt.Errorf("config: invalid EVENT_SINK %q; must be one of: log, clickhouse", c.Events.Sink)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}
	if c.Admission.Timeout <= 0 {
		return fmt.Errorf("config: ADMISSION_TIMEOUT must be a positive duration")
	}
	if c.Admission.KeyCacheTTL < 0 {
		return fmt.Errorf("config: KEY_CACHE_TTL must not be negative")
	}
	if c.Channels.Refresh <= 0 {
		return fmt.Errorf("config: CHANNEL_REFRESH must be a positive duration")
	}
	if c.Channels.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.Channels.FailureThreshold)
	}
	if c.Channels.Cooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN must be a positive duration")
	}
	if c.Channels.ProbeRatio < 0 || c.Channels.ProbeRatio > 1 {
		return fmt.Errorf("config: CB_PROBE_RATIO must be in [0, 1], got %g", c.Channels.ProbeRatio)
	}
	if c.Usage.IdempotencyTTL <= 0 {
		return fmt.Errorf("config: IDEMPOTENCY_TTL must be a positive duration")
	}
	if c.Usage.RetentionDays < 0 {
		return fmt.Errorf("config: USAGE_RETENTION_DAYS must not be negative")
	}
	if c.Pricing.Refresh < 0 {
		return fmt.Errorf("config: PRICING_REFRESH must not be negative")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("config: HEALTH_INTERVAL must be a positive duration")
	}

	return nil
}

// splitList splits a comma or whitespace separated list.
func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
