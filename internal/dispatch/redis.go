package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/outflowhq/outflow/pkg/schema"
)

// NewRedisClient connects to Redis from a URL (redis://host:port/db) and
// verifies the connection with a ping.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "invalid redis url").WithCause(err)
	}

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, schema.NewErrorf(schema.ErrCodeStore, "redis ping failed").WithCause(err)
	}
	return client, nil
}

// RedisCounters is a CounterStore shared across workers. INCR/DECR are
// atomic server-side; the TTL is attached when INCR creates the key.
type RedisCounters struct {
	client *redis.Client
}

// NewRedisCounters wraps an existing Redis client.
func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

func (r *RedisCounters) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "redis incr %q failed", key).WithCause(err)
	}
	// INCR created the key; give it its window.
	if n == 1 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, schema.NewErrorf(schema.ErrCodeStore, "redis expire %q failed", key).WithCause(err)
		}
	}
	return n, nil
}

func (r *RedisCounters) Decrement(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "redis decr %q failed", key).WithCause(err)
	}
	// Clamp at zero without disturbing the key's remaining window.
	if n < 0 {
		if err := r.client.Set(ctx, key, 0, redis.KeepTTL).Err(); err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeStore, "redis clamp %q failed", key).WithCause(err)
		}
		return 0, nil
	}
	return n, nil
}

func (r *RedisCounters) Get(ctx context.Context, key string) (int64, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, schema.NewErrorf(schema.ErrCodeStore, "redis get %q failed", key).WithCause(err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, schema.NewErrorf(schema.ErrCodeStore, "counter %q holds non-numeric value %q", key, val)
	}
	return n, true, nil
}

func (r *RedisCounters) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "redis set %q failed", key).WithCause(err)
	}
	return nil
}
