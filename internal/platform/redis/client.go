// Package redis opens the shared Redis connection used by the event
// configuration cache and the rate limit buckets.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"crvs/internal/platform/config"
)

const (
	connectAttempts = 3
	connectBackoff  = 500 * time.Millisecond
	healthTimeout   = 2 * time.Second
)

// Client is the process-wide Redis handle.
type Client struct {
	*redis.Client
}

// New connects using cfg. An empty URL means Redis is not configured and
// yields a nil client with no error. The first ping is retried a few times so
// the service can start alongside a Redis that is still booting.
func New(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := ping(ctx, client, logger); err != nil {
		_ = client.Close()
		return nil, err
	}
	if logger != nil {
		logger.InfoContext(ctx, "redis connected", "addr", opts.Addr, "db", opts.DB)
	}
	return &Client{Client: client}, nil
}

func ping(ctx context.Context, client *redis.Client, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}
		if logger != nil {
			logger.WarnContext(ctx, "redis ping failed, retrying", "attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis ping: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * connectBackoff):
		}
	}
	return fmt.Errorf("redis ping failed after %d attempts: %w", connectAttempts, err)
}

// Health pings with a short deadline; it backs the /healthz redis check.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return c.Ping(ctx).Err()
}
