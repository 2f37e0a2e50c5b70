// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs in send-time math.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// LoadConfig builds and validates the process configuration from the
// environment. It returns an error (never panics) so callers control the
// exit path.
func LoadConfig() (*Config, error) {
	// All scheduled-for arithmetic assumes UTC. Forcing it here prevents a
	// mis-set TZ on the host from shifting every computed send time.
	time.Local = time.UTC

	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: processing environment: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate runs struct-tag validation plus the cross-field checks envconfig
// tags cannot express.
func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}

	if cfg.Redis.DeadLetterRetention < cfg.Redis.Retention {
		return fmt.Errorf("config: DEADLETTER_RETENTION (%s) must be >= STORE_RETENTION (%s)",
			cfg.Redis.DeadLetterRetention, cfg.Redis.Retention)
	}
	if cfg.Queue.Parallelism < 1 {
		return fmt.Errorf("config: QUEUE_PARALLELISM must be >= 1, got %d", cfg.Queue.Parallelism)
	}
	if cfg.Queue.PublishConcurrency < 1 {
		return fmt.Errorf("config: QUEUE_PUBLISH_CONCURRENCY must be >= 1, got %d", cfg.Queue.PublishConcurrency)
	}

	return nil
}
