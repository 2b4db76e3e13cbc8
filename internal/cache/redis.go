package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/zhejian/url-shortener/internal/cache")

// RedisOptions tunes timeouts and failure handling of a RedisCache.
type RedisOptions struct {
	// OpTimeout bounds every round trip; a slow cache counts as unavailable.
	OpTimeout time.Duration
	// VisitTTL is applied to a visit counter when it is first created.
	VisitTTL time.Duration
	// BreakerFailures consecutive failures open the circuit for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// RedisCache implements Cache on Redis strings and counters, guarded by a
// circuit breaker so an unhealthy Redis is skipped instead of waited on.
type RedisCache struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	opts    RedisOptions
}

// NewRedisCache wraps client. Zero options fall back to conservative defaults.
func NewRedisCache(client *redis.Client, opts RedisOptions) *RedisCache {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}
	if opts.VisitTTL <= 0 {
		opts.VisitTTL = 30 * 24 * time.Hour
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 10 * time.Second
	}

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	})

	return &RedisCache{client: client, breaker: breaker, opts: opts}
}

// Get returns the target URL cached for code.
func (c *RedisCache) Get(ctx context.Context, code string) (string, error) {
	v, err := c.do(ctx, "GET", code, func(ctx context.Context) (any, error) {
		val, err := c.client.Get(ctx, urlKey(code)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", ErrMiss
	}
	return v.(string), nil
}

// Set stores targetURL for code with ttl.
func (c *RedisCache) Set(ctx context.Context, code, targetURL string, ttl time.Duration) error {
	_, err := c.do(ctx, "SET", code, func(ctx context.Context) (any, error) {
		return nil, c.client.Set(ctx, urlKey(code), targetURL, ttl).Err()
	})
	return err
}

// Delete removes the entry for code and reports whether one existed.
// The visit counter is left to expire on its own TTL.
func (c *RedisCache) Delete(ctx context.Context, code string) (bool, error) {
	v, err := c.do(ctx, "DEL", code, func(ctx context.Context) (any, error) {
		return c.client.Del(ctx, urlKey(code)).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(int64) > 0, nil
}

// IncrementVisits bumps the counter for code, starting its TTL on creation.
func (c *RedisCache) IncrementVisits(ctx context.Context, code string) (int64, error) {
	v, err := c.do(ctx, "INCR", code, func(ctx context.Context) (any, error) {
		key := visitsKey(code)
		pipe := c.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, c.opts.VisitTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return incr.Val(), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetVisits returns the advisory visit counter for code.
func (c *RedisCache) GetVisits(ctx context.Context, code string) (int64, error) {
	v, err := c.do(ctx, "GET", code, func(ctx context.Context) (any, error) {
		val, err := c.client.Get(ctx, visitsKey(code)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, ErrMiss
	}
	n, err := strconv.ParseInt(v.(string), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt visit counter for %s: %w", ErrUnavailable, code, err)
	}
	return n, nil
}

// Ping bypasses the breaker so health checks see the real backend state.
func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// do runs op through the breaker under the per-operation timeout and maps
// every failure to ErrUnavailable.
func (c *RedisCache) do(ctx context.Context, command, code string, op func(context.Context) (any, error)) (any, error) {
	ctx, span := tracer.Start(ctx, "cache."+command,
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", command),
			attribute.String("short_code", code),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	v, err := c.breaker.Execute(func() (interface{}, error) {
		return op(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, command, code, err)
	}
	return v, nil
}

var _ Cache = (*RedisCache)(nil)
