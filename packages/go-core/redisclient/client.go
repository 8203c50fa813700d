package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps a Redis connection used for the TTL-bound state the
// services keep out of Postgres: dedup markers, retry counters, replay
// signatures, sequence cursors and fatigue windows.
type Client struct {
	R   *redis.Client
	Log *zap.Logger
}

// NewClient connects to Redis at the given URL (redis://...) and verifies
// the connection with a ping.
func NewClient(url string, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	r := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx).Err(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info("Redis connected", zap.String("addr", opts.Addr))
	return &Client{R: r, Log: logger}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() {
	if c.R != nil {
		if err := c.R.Close(); err != nil {
			c.Log.Warn("Redis close failed", zap.Error(err))
		}
	}
}
