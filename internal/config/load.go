package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file: asynccore.yaml in the working directory.
	v.SetConfigName("asynccore")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; defaults plus env vars apply.
	}

	// Environment variables use the ASYNCCORE_ prefix, with nested keys
	// joined by underscores (e.g. ASYNCCORE_SERVER_PORT).
	v.SetEnvPrefix("ASYNCCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration against its struct validation tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// setDefaults registers the default value for every configuration key so a
// bare environment still yields a runnable config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")

	// 10 MB mirrors the default ceiling of the capacity-bounded store.
	v.SetDefault("storage.quota_bytes", int64(10*1024*1024))
	v.SetDefault("storage.warning_percent", 80.0)
	v.SetDefault("storage.critical_percent", 95.0)
	v.SetDefault("storage.target_percent", 70.0)
	v.SetDefault("storage.monitor_interval", time.Minute)
	v.SetDefault("storage.auto_cleanup", true)

	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.tick_interval", 5*time.Second)
	v.SetDefault("queue.base_retry_delay", time.Second)
	v.SetDefault("queue.default_max_retries", 3)

	v.SetDefault("rate_limit.min_interval", 500*time.Millisecond)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
}
