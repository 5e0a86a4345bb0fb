package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "payment_lock:"

// releaseScript deletes the key only while it still holds the caller's
// token, so a slow worker cannot free a lock re-acquired after expiry.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client is what Locker needs from a Redis client.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Locker hands out at most one live lock per correlationId.
type Locker struct {
	client Client
	ttl    time.Duration
}

func New(client Client, ttl time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl}
}

func Key(correlationID string) string {
	return keyPrefix + correlationID
}

// Acquire sets the lock if absent and returns the token that owns it. ok is
// false when another attempt holds the lock.
func (l *Locker) Acquire(ctx context.Context, correlationID string) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, Key(correlationID), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock for %s: %w", correlationID, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if it still holds token.
func (l *Locker) Release(ctx context.Context, correlationID, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{Key(correlationID)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock for %s: %w", correlationID, err)
	}
	return n == 1, nil
}

// Purge deletes every payment lock and returns how many were removed.
func (l *Locker) Purge(ctx context.Context) (int, error) {
	var keys []string
	iter := l.client.Scan(ctx, 0, keyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan payment locks: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := l.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to purge payment locks: %w", err)
	}
	return int(n), nil
}
