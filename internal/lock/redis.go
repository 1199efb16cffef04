package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisLocker is a distributed Locker backed by redsync. Used when more
// than one instance may mutate the same platform state.
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
}

// NewRedisLocker creates a Locker whose locks expire after expiry if the
// holder dies without unlocking.
func NewRedisLocker(client *redis.Client, prefix string, expiry time.Duration) *RedisLocker {
	pool := goredis.NewPool(client)
	return &RedisLocker{
		rs:     redsync.New(pool),
		prefix: prefix,
		expiry: expiry,
	}
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := fmt.Sprintf("%s:%s", l.prefix, key)
	mutex := l.rs.NewMutex(name, redsync.WithExpiry(l.expiry), redsync.WithTries(64))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return func() {
		if ok, err := mutex.Unlock(); !ok || err != nil {
			slog.Warn("release lock failed", "lock", name, "err", err)
		}
	}, nil
}
