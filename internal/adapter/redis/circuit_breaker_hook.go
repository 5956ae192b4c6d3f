package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const cacheTTL = 5 * time.Minute

// BreakerSettings tunes when the Redis circuit breaker opens and recovers.
type BreakerSettings struct {
	// FailureRate is the percentage of failed executions that opens the breaker.
	FailureRate uint
	// MinExecutions is how many executions inside Period are needed before
	// FailureRate is evaluated.
	MinExecutions uint
	Period        time.Duration
	// Delay is how long the breaker stays open before probing again.
	Delay time.Duration
}

// DefaultBreakerSettings opens at 60% failures over at least 5 commands in a
// 10s window and probes again after 30s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureRate:   60,
		MinExecutions: 5,
		Period:        10 * time.Second,
		Delay:         30 * time.Second,
	}
}

// CircuitBreakerHook fails Redis commands fast while Redis is unhealthy.
// Plain GETs are answered from the last value seen while the breaker is
// open, so readers keep the last known poll during an outage. Writes and
// transactions are never served from cache.
type CircuitBreakerHook struct {
	cb    circuitbreaker.CircuitBreaker[any]
	cache *cacheStore
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

type cacheStore struct {
	mu     sync.RWMutex
	values map[string]cachedValue
}

type cachedValue struct {
	data      string
	timestamp time.Time
}

func NewCircuitBreakerHook(m *metrics.RedisMetrics, settings BreakerSettings) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(settings.FailureRate, settings.MinExecutions, settings.Period).
		WithDelay(settings.Delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if m != nil {
				m.BreakerTransitions.WithLabelValues(e.NewState.String()).Inc()
				m.BreakerState.Set(stateToFloat(e.NewState))
			}
		}).
		Build()

	return &CircuitBreakerHook{
		cb:    cb,
		cache: &cacheStore{values: make(map[string]cachedValue)},
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("circuit breaker dial failed: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return h.handleFallback(cmd)
		}

		err := next(ctx, cmd)
		if healthy(err) {
			h.cb.RecordSuccess()
			h.cacheResult(cmd)
		} else {
			h.cb.RecordError(err)
		}

		if err != nil {
			return fmt.Errorf("circuit breaker process failed: %w", err)
		}
		return nil
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		if healthy(err) {
			h.cb.RecordSuccess()
		} else {
			h.cb.RecordError(err)
		}

		if err != nil {
			return fmt.Errorf("circuit breaker pipeline failed: %w", err)
		}
		return nil
	}
}

// healthy reports whether Redis answered. A missing key, an empty blocking
// read and a lost optimistic transaction are all normal replies.
func healthy(err error) bool {
	return err == nil || errors.Is(err, goredis.Nil) || errors.Is(err, goredis.TxFailedErr)
}

func (h *CircuitBreakerHook) handleFallback(cmd goredis.Cmder) error {
	if cmd.Name() == "get" {
		if c, ok := cmd.(*goredis.StringCmd); ok {
			if result, ok := h.getFromCache(cmd); ok {
				slog.Debug("Circuit breaker open, serving from cache", "command", cmd.Name(), "args", cmd.Args())
				c.SetVal(result)
				return nil
			}
		}
		return fmt.Errorf("redis circuit breaker open and no cached value: %w", circuitbreaker.ErrOpen)
	}

	return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
}

func (h *CircuitBreakerHook) cacheResult(cmd goredis.Cmder) {
	if cmd.Name() != "get" {
		return
	}
	c, ok := cmd.(*goredis.StringCmd)
	if !ok {
		return
	}
	args := cmd.Args()
	if len(args) < 2 {
		return
	}

	key := fmt.Sprintf("%v", args[1])
	value, err := c.Result()

	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	if err != nil {
		// A missing key must not be answered with an older value later.
		delete(h.cache.values, key)
		return
	}
	h.cache.values[key] = cachedValue{data: value, timestamp: time.Now()}
}

func (h *CircuitBreakerHook) getFromCache(cmd goredis.Cmder) (string, bool) {
	args := cmd.Args()
	if len(args) < 2 {
		return "", false
	}
	key := fmt.Sprintf("%v", args[1])

	h.cache.mu.RLock()
	defer h.cache.mu.RUnlock()

	cached, ok := h.cache.values[key]
	if !ok || time.Since(cached.timestamp) > cacheTTL {
		return "", false
	}
	return cached.data, true
}

// State returns the current breaker state.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
