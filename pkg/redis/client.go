// Package redis provides a thin wrapper around go-redis/v9 exposing the list
// and scripting operations the shared gates and queue are built on.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client and namespaces every key with a prefix.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

// Key returns name qualified with the configured prefix.
func (c *Client) Key(name string) string {
	return c.prefix + name
}

// RPush appends values to the tail of the list at key.
func (c *Client) RPush(ctx context.Context, key string, values ...interface{}) error {
	return c.rdb.RPush(ctx, key, values...).Err()
}

// BLPop pops from the head of key, waiting up to timeout. It returns
// ok=false when the timeout elapses with nothing to pop.
func (c *Client) BLPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	return pop(c.rdb.BLPop(ctx, timeout, key))
}

// BRPop pops from the tail of key, waiting up to timeout.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	return pop(c.rdb.BRPop(ctx, timeout, key))
}

func pop(cmd *redis.StringSliceCmd) (string, bool, error) {
	vals, err := cmd.Result()
	if err != nil {
		if IsNilError(err) {
			return "", false, nil
		}
		return "", false, err
	}
	// [key, value]
	if len(vals) != 2 {
		return "", false, fmt.Errorf("unexpected pop reply of length %d", len(vals))
	}
	return vals[1], true, nil
}

// LLen returns the length of the list at key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// Eval runs a cached Lua script.
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// Del deletes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// NewScript compiles a Lua script for use with Eval.
func NewScript(src string) *redis.Script {
	return redis.NewScript(src)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
