// Package config loads service configuration from PAIRING_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Environment represents different deployment environments.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the pairing service.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
	ServiceName string      `envconfig:"SERVICE_NAME" default:"pairing"`

	NATSURL     string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB     int    `envconfig:"REDIS_DB" default:"0"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9102"`

	// AdminIDs receive scam-report alerts and may issue admin commands.
	AdminIDs []int64 `envconfig:"ADMIN_IDS"`

	// ScamThreshold is the number of scam reports that bans a user.
	ScamThreshold int `envconfig:"SCAM_THRESHOLD" default:"3"`

	// RatingTTL is how long a rating prompt can still be answered.
	RatingTTL time.Duration `envconfig:"RATING_TTL" default:"24h"`

	// PreferenceTimeout bounds how long a VIP prompt may stay unanswered
	// before the search falls back to "any". Zero waits forever.
	PreferenceTimeout time.Duration `envconfig:"PREFERENCE_TIMEOUT" default:"60s"`

	// SearchTimeout bounds the time a searcher stays queued. Zero waits
	// until the user cancels.
	SearchTimeout time.Duration `envconfig:"SEARCH_TIMEOUT" default:"0s"`

	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"5s"`
	DeliveryTimeout   time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"3s"`
	VIPExpiryInterval time.Duration `envconfig:"VIP_EXPIRY_INTERVAL" default:"24h"`
	VIPDefaultDays    int           `envconfig:"VIP_DEFAULT_DAYS" default:"30"`

	// BanCacheTTL is how long a ban flag read from the directory is cached.
	BanCacheTTL time.Duration `envconfig:"BAN_CACHE_TTL" default:"10m"`

	// Workers is the number of command workers. Commands of one user
	// always run on the same worker.
	Workers     int `envconfig:"WORKERS" default:"64"`
	WorkerQueue int `envconfig:"WORKER_QUEUE" default:"256"`

	MessageLimit  int           `envconfig:"MESSAGE_LIMIT" default:"20"`
	MessageWindow time.Duration `envconfig:"MESSAGE_WINDOW" default:"10s"`
	SearchLimit   int           `envconfig:"SEARCH_LIMIT" default:"10"`
	SearchWindow  time.Duration `envconfig:"SEARCH_WINDOW" default:"1m"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("pairing", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that envconfig cannot express.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("config: unsupported ENVIRONMENT %q", c.Environment)
	}
	if c.ScamThreshold < 1 {
		return fmt.Errorf("config: SCAM_THRESHOLD must be >= 1, got %d", c.ScamThreshold)
	}
	if c.PreferenceTimeout < 0 || c.SearchTimeout < 0 || c.RatingTTL < 0 {
		return fmt.Errorf("config: timeouts must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: WORKERS must be >= 1, got %d", c.Workers)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("config: CLEANUP_INTERVAL must be positive")
	}
	if c.PostgresDSN == "" && c.Environment == EnvProduction {
		return fmt.Errorf("config: POSTGRES_DSN is required in %s", c.Environment)
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsAdmin reports whether id is one of the configured administrators.
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}
