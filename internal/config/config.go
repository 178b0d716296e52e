package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the service runtime configuration, loaded from the environment.
type Config struct {
	HTTPPort    string `envconfig:"HTTP_PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`

	// BadgeSecret drives seed derivation and pattern checksums. Required.
	BadgeSecret string `envconfig:"BADGE_SECRET" required:"true"`

	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"720h"`

	PushWebhookURL string `envconfig:"PUSH_WEBHOOK_URL"`

	RateLimitPerSecond int `envconfig:"RATE_LIMIT_PER_SECOND" default:"20"`
	RateLimitBurst     int `envconfig:"RATE_LIMIT_BURST" default:"40"`

	MaxBodyBytes int64 `envconfig:"MAX_BODY_BYTES" default:"1048576"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("HEARTH", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}
	return &cfg, nil
}
