// Package config defines the application configuration and its loading
// rules. Configuration is organized into logical groups and validated
// after loading so that invalid deployments fail fast at startup.
package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"     validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"    validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue"      validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" validate:"required"`
	Retry     RetryConfig     `mapstructure:"retry"      validate:"required"`
}

// ServerConfig contains all HTTP server related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains the settings for the optional Postgres-backed
// persistent store. When URL is empty the in-memory store is used.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// StorageConfig contains all storage manager related settings.
type StorageConfig struct {
	// QuotaBytes is the hard capacity ceiling of the persistent store.
	QuotaBytes int64 `mapstructure:"quota_bytes" validate:"required,gt=0"`

	// WarningPercent and CriticalPercent are the usage thresholds at which
	// the quota monitor emits warning and critical events.
	WarningPercent  float64 `mapstructure:"warning_percent"  validate:"required,gt=0,lt=100"`
	CriticalPercent float64 `mapstructure:"critical_percent" validate:"required,gt=0,lte=100,gtfield=WarningPercent"`

	// TargetPercent is the usage level cleanup drives towards.
	TargetPercent float64 `mapstructure:"target_percent" validate:"required,gt=0,lt=100"`

	// MonitorInterval is how often the quota monitor samples usage.
	MonitorInterval time.Duration `mapstructure:"monitor_interval" validate:"required"`

	// AutoCleanup enables LRU eviction before writes that would exceed
	// the quota and at the critical threshold.
	AutoCleanup bool `mapstructure:"auto_cleanup"`
}

// QueueConfig contains all job queue related settings.
type QueueConfig struct {
	// Concurrency is the maximum number of jobs executing simultaneously.
	Concurrency int `mapstructure:"concurrency" validate:"required,gt=0"`

	// TickInterval is the period of the scheduler's wake cycle.
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"required"`

	// BaseRetryDelay seeds the exponential backoff between job retries.
	BaseRetryDelay time.Duration `mapstructure:"base_retry_delay" validate:"required"`

	// DefaultMaxRetries applies to jobs enqueued without an explicit limit.
	DefaultMaxRetries int `mapstructure:"default_max_retries" validate:"gte=0"`
}

// RateLimitConfig contains the default settings for outbound call throttling.
type RateLimitConfig struct {
	// MinInterval is the minimum spacing between successive calls to one
	// rate-limited destination.
	MinInterval time.Duration `mapstructure:"min_interval" validate:"required"`
}

// RetryConfig contains the default settings for the retry-with-backoff helper.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
	BaseDelay  time.Duration `mapstructure:"base_delay"  validate:"required"`
	MaxDelay   time.Duration `mapstructure:"max_delay"   validate:"required"`
}
