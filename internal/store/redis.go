package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a client and checks it with a ping. A failed ping is
// returned together with the client so callers may keep serving fail-open.
func NewRedisClient(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("redis options are required")
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout(opts))
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func pingTimeout(opts *redis.Options) time.Duration {
	if opts.DialTimeout > 0 {
		return opts.DialTimeout
	}
	return defaultTimeout
}
