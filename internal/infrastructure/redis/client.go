package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 2 * time.Second

// Client wraps the Redis client backing the response cache.
type Client struct {
	*redis.Client
}

// NewClient connects to the URL and fails fast when redis is unreachable.
// URL format: redis://[:password@]host:port[/db]
func NewClient(ctx context.Context, url string) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := &Client{Client: redis.NewClient(opts)}
	if err := client.Healthy(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Healthy pings redis with a short deadline; used at startup and by /ready.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.Ping(ctx).Err()
}
