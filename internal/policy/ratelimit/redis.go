package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/metrics"
)

// incrWindow bumps a fixed-window counter and sets its expiry on first use.
const incrWindow = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

// Counter increments the request count for one window key.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisCounter is a Counter shared by every scraper process through Redis.
type RedisCounter struct {
	client *goredis.Client
	script *goredis.Script
}

// NewRedisCounter connects to the Redis instance at redisURL.
func NewRedisCounter(redisURL string) (*RedisCounter, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisCounterFromClient(goredis.NewClient(opts)), nil
}

// NewRedisCounterFromClient wraps an existing client (useful for testing).
func NewRedisCounterFromClient(client *goredis.Client) *RedisCounter {
	return &RedisCounter{client: client, script: goredis.NewScript(incrWindow)}
}

// Incr implements Counter.
func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.script.Run(ctx, c.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

// Ping checks connectivity to the Redis server.
func (c *RedisCounter) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}

// RemoteConfig tunes a RemoteLimiter.
type RemoteConfig struct {
	// Limit is the number of requests per host per Window across all processes.
	Limit     int64
	Window    time.Duration
	KeyPrefix string
	// FailOpen lets requests through when the counter is unreachable.
	FailOpen bool
}

// RemoteLimiter defers rate decisions to a shared fixed-window counter keyed by hostname.
type RemoteLimiter struct {
	counter Counter
	cfg     RemoteConfig
	now     func() time.Time
	logger  *zap.Logger
}

// NewRemoteLimiter builds a RemoteLimiter.
func NewRemoteLimiter(counter Counter, cfg RemoteConfig, logger *zap.Logger) (*RemoteLimiter, error) {
	if counter == nil {
		return nil, fmt.Errorf("counter is required")
	}
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("limit and window must be positive")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "fnscraper:ratelimit:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteLimiter{counter: counter, cfg: cfg, now: time.Now, logger: logger}, nil
}

// Wait implements Waiter.
func (l *RemoteLimiter) Wait(ctx context.Context, rawURL string) error {
	host := Host(rawURL)
	start := l.now()
	for {
		now := l.now()
		window := now.UnixNano() / int64(l.cfg.Window)
		key := l.cfg.KeyPrefix + host + ":" + strconv.FormatInt(window, 10)
		n, err := l.counter.Incr(ctx, key, 2*l.cfg.Window)
		if err != nil {
			if l.cfg.FailOpen {
				l.logger.Warn("remote rate limiter unavailable; allowing request", zap.String("host", host), zap.Error(err))
				return nil
			}
			return fmt.Errorf("rate limit wait: %w", err)
		}
		if n <= l.cfg.Limit {
			if waited := l.now().Sub(start); waited > time.Millisecond {
				metrics.ObserveRateLimitDelay(host, waited)
			}
			return nil
		}
		next := time.Unix(0, (window+1)*int64(l.cfg.Window))
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
