package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"userpipe/pkg/platform/sentinel"
)

const lockKeyPrefix = "userpipe:"

// releaseScript deletes the key only while it still carries our token, so an
// expired lease never frees a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only while the key still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Redis-backed lock shared by every pipeline instance.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisLocker{client: client}, nil
}

// Acquire sets key with NX and a TTL. A held key yields sentinel.ErrLocked.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, lockKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, errors.Join(sentinel.ErrUnavailable, err))
	}
	if !ok {
		return nil, sentinel.ErrLocked
	}
	return &redisLease{client: r.client, key: lockKeyPrefix + key, token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Refresh extends the lease. Connection failures wrap sentinel.ErrUnavailable
// and leave the current expiry in place.
func (le *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, le.client, []string{le.key}, le.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (le *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
