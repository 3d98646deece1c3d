// Package redisclient backs the shared cache tier and the room/day locks
// with Redis.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options selects the server and sizes the connection pool. Zero values
// fall back to small defaults suited to a single clinic.
type Options struct {
	Addr     string
	Username string
	Password string
	PoolSize int
}

// NewRedisClient dials Redis and verifies it answers before handing the
// client to the cache and lock layers.
func NewRedisClient(ctx context.Context, o Options) (*redis.Client, error) {
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Username:     o.Username,
		Password:     o.Password,
		ClientName:   "clinic-scheduling",
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     o.PoolSize,
		MinIdleConns: 1,
	})

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", o.Addr, err)
	}
	return rdb, nil
}
