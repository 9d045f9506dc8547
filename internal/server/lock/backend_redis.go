package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

type RedisBackend struct {
	client redis.UniversalClient
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// AcquireIfAbsent sets the key when it is free, or refreshes it when token already holds it.
func (b *RedisBackend) AcquireIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, b.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis acquire %s: %w", key, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release %s: %w", key, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, b.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis extend %s: %w", key, err)
	}
	return n == 1, nil
}

var _ Backend = (*RedisBackend)(nil)
