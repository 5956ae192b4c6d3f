package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Store backends selectable through STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" default:"development"`
	AppURL        string `env:"APP_URL" default:"http://localhost:8080"`
	Port          string `env:"PORT" default:"8080"`
	AdminSecret   string `env:"ADMIN_SECRET"`
	SessionSecret string `env:"SESSION_SECRET"`
	StoreBackend  string `env:"STORE_BACKEND" default:"memory"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`
	LogLevel      string `env:"LOG_LEVEL" default:"info"`
	LogFormat     string `env:"LOG_FORMAT" default:"text"`

	VoteRateLimit     float64 `env:"VOTE_RATE_LIMIT" default:"5"`
	VoteRateBurst     int     `env:"VOTE_RATE_BURST" default:"10"`
	MutateMaxAttempts int     `env:"MUTATE_MAX_ATTEMPTS" default:"16"`
	MaxViewers        int     `env:"MAX_VIEWERS" default:"10000"`

	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" default:"168h"` // 7 days
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsProduction reports whether the service runs with production cookie settings.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func validate(cfg *Config) error {
	if cfg.AdminSecret == "" {
		return errors.New("ADMIN_SECRET is required")
	}
	if len(cfg.AdminSecret) < 8 {
		return errors.New("ADMIN_SECRET must be at least 8 characters")
	}
	if cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when STORE_BACKEND=redis")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, redis, postgres, got %q", cfg.StoreBackend)
	}

	if cfg.MutateMaxAttempts < 1 {
		return errors.New("MUTATE_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.VoteRateLimit <= 0 || cfg.VoteRateBurst < 1 {
		return errors.New("VOTE_RATE_LIMIT and VOTE_RATE_BURST must be positive")
	}
	if cfg.MaxViewers < 1 {
		return errors.New("MAX_VIEWERS must be at least 1")
	}

	return nil
}
