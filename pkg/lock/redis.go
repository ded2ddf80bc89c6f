// Package lock provides a Redis-backed resource lock so callers can
// serialize actions targeting the same resource before submitting them.
// The pipeline itself does not serialize concurrent actions; this is an
// opt-in collaborator for callers that want mutual exclusion.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing a lock this token does not hold,
// typically because the TTL expired and another holder took over.
var ErrNotHeld = errors.New("lock not held")

// redisReleaseScript deletes the lock only when the caller still holds
// it, so a slow holder can never release a successor's lock.
// KEYS[1] = lock key
// ARGV[1] = holder token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock acquires per-resource locks with a TTL so a crashed holder
// cannot wedge a resource forever.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock creates a lock manager backed by Redis.
func NewRedisLock(addr string, password string, db int, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLock{client: rdb, ttl: ttl}
}

// Acquire tries to take the lock for a resource. It returns the holder
// token on success and ok=false when another holder has it.
func (l *RedisLock) Acquire(ctx context.Context, resourceID string) (token string, ok bool, err error) {
	key := fmt.Sprintf("opsentry:lock:%s", resourceID)
	token = uuid.New().String()
	ok, err = l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis lock acquire: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if the token still holds it.
func (l *RedisLock) Release(ctx context.Context, resourceID, token string) error {
	key := fmt.Sprintf("opsentry:lock:%s", resourceID)
	res, err := redisReleaseScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil {
		return fmt.Errorf("redis lock release: %w", err)
	}
	if n, _ := res.(int64); n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Close releases the underlying Redis connection.
func (l *RedisLock) Close() error {
	return l.client.Close()
}
