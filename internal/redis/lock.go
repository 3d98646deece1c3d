package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired means another booking held the room/day key for the
// whole acquire window.
var ErrLockNotAcquired = errors.New("room lock not acquired")

const (
	acquireWindow = 100 * time.Millisecond
	acquireStep   = 20 * time.Millisecond
)

// Locker guards the check-then-insert section of a booking for one room on
// one day.
type Locker interface {
	WithRoomDayLock(ctx context.Context, date string, room int, fn func(ctx context.Context) error) error
}

type roomLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisRoomLocker(rdb *redis.Client, ttl time.Duration) Locker {
	return &roomLocker{rdb: rdb, ttl: ttl}
}

func LockKey(date string, room int) string {
	return fmt.Sprintf("lock:room:%d:date:%s", room, date)
}

func (l *roomLocker) WithRoomDayLock(ctx context.Context, date string, room int, fn func(ctx context.Context) error) error {
	key, owner := LockKey(date, room), uuid.NewString()
	if err := l.acquire(ctx, key, owner); err != nil {
		return err
	}
	defer l.release(context.WithoutCancel(ctx), key, owner)

	// fn must finish before the key can expire under it.
	held, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()
	return fn(held)
}

// acquire polls SETNX until acquireWindow elapses.
func (l *roomLocker) acquire(ctx context.Context, key, owner string) error {
	deadline := time.Now().Add(acquireWindow)
	for {
		ok, err := l.rdb.SetNX(ctx, key, owner, l.ttl).Result()
		switch {
		case err != nil:
			return fmt.Errorf("acquire %s: %w", key, err)
		case ok:
			return nil
		case time.Now().After(deadline):
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquireStep):
		}
	}
}

// compare-and-delete: a key that expired and was taken by someone else is
// left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *roomLocker) release(ctx context.Context, key, owner string) {
	_ = releaseScript.Run(ctx, l.rdb, []string{key}, owner).Err()
}

// NoopLocker runs fn directly. It serves a single engine instance running
// without Redis.
type NoopLocker struct{}

func (NoopLocker) WithRoomDayLock(ctx context.Context, _ string, _ int, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
