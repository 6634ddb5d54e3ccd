package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
)

// Client implements interfaces.KVStore over Redis
type Client struct {
	rdb    *redis.Client
	logger arbor.ILogger
}

// NewClient connects to Redis with the configured settings
func NewClient(config common.RedisConfig, logger arbor.ILogger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Addr(),
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr(), err)
	}

	logger.Info().Str("addr", config.Addr()).Int("db", config.DB).Msg("Connected to Redis")

	return &Client{rdb: rdb, logger: logger}, nil
}

// NewClientFromAddr connects to a bare host:port address. Used by tests
// running against miniredis.
func NewClientFromAddr(addr string, logger arbor.ILogger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &Client{rdb: rdb, logger: logger}, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	set, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return set, nil
}

// SetMulti sets several keys atomically via MULTI/EXEC. Used by the
// breaker when transitioning to open so {state, opened_at, next_probe}
// land together.
func (c *Client) SetMulti(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range pairs {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv setmulti: %w", err)
	}
	return nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return n, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv expire %s: %w", key, err)
	}
	return nil
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv ttl %s: %w", key, err)
	}
	return ttl, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kv exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv del: %w", err)
	}
	return nil
}

// Keys scans for keys matching a glob pattern. SCAN-based to avoid
// blocking Redis on large keyspaces.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := c.rdb.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv lpush %s: %w", key, err)
	}
	return nil
}

func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := c.rdb.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv rpush %s: %w", key, err)
	}
	return nil
}

func (c *Client) LPop(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv lpop %s: %w", key, err)
	}
	return val, nil
}

func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := c.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("kv ltrim %s: %w", key, err)
	}
	return nil
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kv lrange %s: %w", key, err)
	}
	return vals, nil
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv llen %s: %w", key, err)
	}
	return n, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
