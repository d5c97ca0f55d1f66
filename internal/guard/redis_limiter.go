package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// slidingWindow removes entries outside the window, counts the rest, and
// either admits (recording the hit) or computes the retry-after from the
// oldest surviving entry. One atomic round trip per decision.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local counter_key = KEYS[2]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local count = redis.call('ZCARD', key)

	if count < limit then
		local counter = redis.call('INCR', counter_key)
		redis.call('ZADD', key, now, now .. ':' .. counter)
		redis.call('PEXPIRE', key, window_ms)
		redis.call('PEXPIRE', counter_key, window_ms)
		return {1, limit - count - 1, 0}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry_after = 0
	if #oldest >= 2 then
		retry_after = oldest[2] + window_ms - now
	end
	return {0, 0, retry_after}
`)

// RedisLimiter is the shared sliding-window counter store. Guard decisions
// stay consistent across server processes because every consume goes
// through one Lua script on the same keys.
//
// [RESILIENCE] The store sits behind a circuit breaker with a fail-open
// policy: when Redis is unreachable the guard admits and logs rather than
// refusing all traffic over an infrastructure outage.
type RedisLimiter struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	prefix  string
	logger  *slog.Logger
}

func NewRedisLimiter(client *redis.Client, prefix string, logger *slog.Logger) *RedisLimiter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rate-limit-store",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("counter store breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &RedisLimiter{
		client:  client,
		breaker: breaker,
		prefix:  prefix,
		logger:  logger,
	}
}

func (l *RedisLimiter) Consume(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	res, err := l.breaker.Execute(func() (any, error) {
		return l.consume(ctx, key, limit, window)
	})
	if err != nil {
		// [FAIL_OPEN] An unreachable store must not turn into a full
		// lockout; the decision degrades to per-process trust.
		l.logger.Warn("counter store unavailable, admitting",
			slog.String("key", key),
			slog.Any("err", err),
		)
		return Decision{Allowed: true, Remaining: limit}, nil
	}
	return res.(Decision), nil
}

func (l *RedisLimiter) consume(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := time.Now()
	redisKey := l.prefix + key
	counterKey := redisKey + ":counter"

	raw, err := slidingWindow.Run(ctx, l.client, []string{redisKey, counterKey},
		now.UnixMilli(),
		now.Add(-window).UnixMilli(),
		limit,
		window.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(raw) < 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected result length %d", len(raw))
	}

	allowed, ok := raw[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("rate limit script: unexpected type %T", raw[0])
	}
	remaining, _ := raw[1].(int64)
	retryAfterMs, _ := raw[2].(int64)

	d := Decision{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
	}
	if !d.Allowed && retryAfterMs > 0 {
		d.RetryAfter = time.Duration(retryAfterMs) * time.Millisecond
	}
	return d, nil
}
