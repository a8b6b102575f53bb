// Package redisclient wraps an optional go-redis client used as the
// query layer's result cache.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps *redis.Client with the narrow surface this codebase
// needs: a startup Ping and a small get/set cache API.
type Client struct {
	c *redis.Client
}

// New creates a Client from a REDIS_URL. Returns an error if the URL
// cannot be parsed; callers should treat Redis as optional and log,
// not fail, when RedisURL is empty or New errors.
func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{c: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity at startup.
func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Get implements query.Cache.
func (r *Client) Get(ctx context.Context, key string) (string, bool) {
	v, err := r.c.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// Set implements query.Cache.
func (r *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) {
	r.c.Set(ctx, key, value, ttl)
}

// Close releases the underlying connection pool.
func (r *Client) Close() error {
	return r.c.Close()
}
