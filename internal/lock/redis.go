// Package lock provides a best-effort lease so that only one replica runs the
// expiry sweep at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var ErrNotAcquired = errors.New("lock: held by another owner")

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

type RedisLocker struct {
	cli redis.UniversalClient
}

func NewRedisLocker(cli redis.UniversalClient) *RedisLocker {
	return &RedisLocker{cli: cli}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return cli, nil
}

// TryLock makes a single SETNX attempt. A sweep that loses simply waits for
// the next tick.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Unlock releases key only if token still owns it.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	if err := luaUnlock.Run(ctx, l.cli, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock: %w", err)
	}
	return nil
}

// Noop always grants the lock. It is used when no redis is configured.
type Noop struct{}

func (Noop) TryLock(context.Context, string, time.Duration) (string, error) { return "noop", nil }
func (Noop) Unlock(context.Context, string, string) error                   { return nil }
