// Package redisx implements the Redis-backed control-plane primitives:
// the timestamp-scored retry schedule, shared cancellation flags,
// single-use stream tokens, and the crawl URL dedup window.
package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewClient parses a redis:// URL and verifies connectivity.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redis.new: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=redis.new: ping: %w", err)
	}
	return client, nil
}
