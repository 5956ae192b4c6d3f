package redis

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const rateLimitTimeout = 500 * time.Millisecond

// tokenBucketScript refills the bucket for the elapsed time, then takes one
// token if there is one. Returns 1 when allowed.
// ARGV: [1]=now_ms, [2]=tokens_per_second, [3]=burst, [4]=ttl_ms
var tokenBucketScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local last = tonumber(redis.call('HGET', KEYS[1], 'last'))
if tokens == nil or last == nil then
  tokens = burst
  last = now
end
tokens = math.min(burst, tokens + math.max(0, now - last) / 1000.0 * rate)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return allowed
`)

// RateLimiter is a token bucket per identifier shared by every instance
// behind the same Redis. It satisfies echo's RateLimiterStore.
type RateLimiter struct {
	rdb    *goredis.Client
	clock  clockwork.Clock
	prefix string
	rate   float64
	burst  int
	ttl    time.Duration
}

func NewRateLimiter(rdb *goredis.Client, clock clockwork.Clock, keyPrefix string, ratePerSecond float64, burst int) *RateLimiter {
	refill := time.Duration(math.Ceil(float64(burst)/ratePerSecond)) * time.Second
	return &RateLimiter{
		rdb:    rdb,
		clock:  clock,
		prefix: keyPrefix + ":ratelimit:",
		rate:   ratePerSecond,
		burst:  burst,
		ttl:    refill + time.Second,
	}
}

// Allow takes a token for identifier. When Redis cannot answer the request
// is let through; a vote limiter must not take voting down with it.
func (l *RateLimiter) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rateLimitTimeout)
	defer cancel()

	allowed, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.prefix + identifier},
		strconv.FormatInt(l.clock.Now().UnixMilli(), 10),
		strconv.FormatFloat(l.rate, 'f', -1, 64),
		strconv.Itoa(l.burst),
		strconv.FormatInt(l.ttl.Milliseconds(), 10),
	).Int()
	if err != nil {
		slog.Warn("Rate limit check failed, allowing request", "identifier", identifier, "error", err)
		return true, nil
	}
	return allowed == 1, nil
}
