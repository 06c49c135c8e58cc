package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Returns 1 if acquired or refreshed for the same owner, 0 otherwise.
	redisAcquireLua = `
local cur = redis.call('GET', KEYS[1])
if not cur then
	redis.call('PSETEX', KEYS[1], tonumber(ARGV[2]), ARGV[1])
	return 1
end
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`

	redisRenewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`

	redisReleaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`
)

// RedisBackend keeps leases as Redis keys with a PX expiry. Keys are
// formatted as "stepflow:lock:{key}".
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

// NewRedisBackend creates a Redis lease backend.
func NewRedisBackend(client redis.Cmdable) *RedisBackend {
	return &RedisBackend{client: client, prefix: "stepflow:lock:"}
}

func (b *RedisBackend) redisKey(key string) string {
	return b.prefix + key
}

// TryAcquire runs the acquire script.
func (b *RedisBackend) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("lock ttl must be > 0")
	}
	ok, err := b.eval(ctx, redisAcquireLua, key, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("redis acquire %q: %w", key, err)
	}
	return ok, nil
}

// Renew runs the renew script.
func (b *RedisBackend) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.eval(ctx, redisRenewLua, key, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("redis renew %q: %w", key, err)
	}
	return ok, nil
}

// Release runs the release script.
func (b *RedisBackend) Release(ctx context.Context, key, owner string) error {
	if _, err := b.eval(ctx, redisReleaseLua, key, owner); err != nil {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) eval(ctx context.Context, script, key string, args ...any) (bool, error) {
	res, err := b.client.Eval(ctx, script, []string{b.redisKey(key)}, args...).Result()
	if err != nil {
		return false, err
	}
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case string:
		return v == "1", nil
	default:
		return false, nil
	}
}
