package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Cache backed by go-redis.
type Redis struct {
	client *redis.Client
	stats  counters
}

// NewRedis connects to the given URL (redis://host:port/db). The password
// argument overrides any password embedded in the URL when non-empty.
func NewRedis(ctx context.Context, url, password string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		r.stats.misses.Add(1)
		return "", ErrMiss
	}
	if err != nil {
		r.stats.errs.Add(1)
		return "", fmt.Errorf("cache: get %s: %w", key, err)
	}
	r.stats.hits.Add(1)
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.stats.errs.Add(1)
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	r.stats.sets.Add(1)
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.stats.errs.Add(1)
		return fmt.Errorf("cache: delete: %w", err)
	}
	r.stats.deletes.Add(int64(len(keys)))
	return nil
}

// DeletePattern walks the keyspace with SCAN and deletes matches in
// batches. Best-effort: keys created mid-scan may survive.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			r.stats.errs.Add(1)
			return deleted, fmt.Errorf("cache: scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				r.stats.errs.Add(1)
				return deleted, fmt.Errorf("cache: delete batch: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.stats.deletes.Add(int64(deleted))
	return deleted, nil
}

// Increment bumps a counter and sets its expiry on first touch, the shape
// the rate limiter needs for fixed windows.
func (r *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.stats.errs.Add(1)
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (r *Redis) Stats() Stats { return r.stats.snapshot() }
func (r *Redis) ResetStats()  { r.stats.reset() }

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: redis ping: %w", err)
	}
	return nil
}

// Close releases the client connections.
func (r *Redis) Close() error { return r.client.Close() }
