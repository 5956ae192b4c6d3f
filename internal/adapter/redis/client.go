package redis

import (
	"context"
	"fmt"

	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient parses redisURL, installs the given hooks and verifies the
// connection with a PING.
func NewClient(ctx context.Context, redisURL string, hooks ...goredis.Hook) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := goredis.NewClient(opts)
	for _, h := range hooks {
		client.AddHook(h)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// DefaultHooks returns the metrics and circuit breaker hooks used in production.
func DefaultHooks(m *metrics.RedisMetrics) []goredis.Hook {
	return []goredis.Hook{
		NewMetricsHook(m),
		NewCircuitBreakerHook(m, DefaultBreakerSettings()),
	}
}
