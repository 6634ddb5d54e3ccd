package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by KVStore.Get and LPop for missing keys
var ErrKeyNotFound = errors.New("key not found")

// KVStore is the Redis-like shared key/value store that coordinates
// breaker state, idempotency windows, rate limits, dedup cooldowns, the
// robots cache, and alert suppression across worker processes.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if absent; reports whether it was set
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// SetMulti sets several keys in one atomic multi-command
	SetMulti(ctx context.Context, pairs map[string]string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
