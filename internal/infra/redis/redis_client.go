// File: internal/infra/redis/redis_client.go
package redis

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"email-triage-pipeline/internal/config"
)

// RedisClient is the narrow command surface the pipeline uses: the pricing
// cache decorator and the scheduler's leader lock sit on top of it.
type RedisClient interface {
	Ping(ctx context.Context) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}

var _ RedisClient = (*Client)(nil)

type Client struct {
	rdb *redis.Client
}

// NewClient connects and verifies the connection with a ping. The configured
// URL may be a plain host:port or a full redis:// URL; explicit password/db
// settings override whatever the URL carries.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	opts, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Client{rdb: rdb}, nil
}

func parseOptions(cfg *config.RedisConfig) (*redis.Options, error) {
	if strings.Contains(cfg.URL, "://") {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		if cfg.DB != 0 {
			opts.DB = cfg.DB
		}
		return opts, nil
	}
	return &redis.Options{Addr: cfg.URL, Password: cfg.Password, DB: cfg.DB}, nil
}

func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.rdb.Set(ctx, key, value, expiration).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Close() error { return c.rdb.Close() }
