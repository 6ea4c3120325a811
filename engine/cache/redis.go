package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spicemcp/spice/engine/query"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
)

// RedisClient defines the minimal Redis interface needed for caching
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Redis shares cached executions across server processes.
type Redis struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis wraps an existing client.
func NewRedis(client RedisClient, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

// NewRedisFromURL connects using a redis:// URL and verifies the connection.
func NewRedisFromURL(ctx context.Context, rawURL, prefix string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedis(client, prefix, ttl), nil
}

func (r *Redis) key(key string) string {
	return r.prefix + key
}

func (r *Redis) Lookup(ctx context.Context, key string) (*query.Execution, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	e, err := decode([]byte(val))
	if err != nil {
		logger.FromContext(ctx).Warn("Dropping corrupt cache entry", "key", key, "error", err)
		_ = r.client.Del(ctx, r.key(key)).Err()
		return nil, false, nil
	}
	return e.Execution, true, nil
}

func (r *Redis) Store(ctx context.Context, key string, exec *query.Execution) error {
	data, err := encode(exec, r.now())
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Mode() string {
	return config.CacheModeRedis
}

func (r *Redis) Close() error {
	return r.client.Close()
}
