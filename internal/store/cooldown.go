package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cooldown admits one event per key per window.
type Cooldown struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
}

func NewCooldown(rdb *redis.Client, community string, window time.Duration) *Cooldown {
	if window <= 0 {
		window = time.Minute
	}
	return &Cooldown{rdb: rdb, prefix: keyPrefix(community) + ":cooldown:", window: window}
}

// Allow reports whether key is outside its window and, if so, opens a new one.
func (c *Cooldown) Allow(ctx context.Context, key string) (bool, error) {
	return c.rdb.SetNX(ctx, c.prefix+key, 1, c.window).Result()
}

// Reset closes the window for key early.
func (c *Cooldown) Reset(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+key).Err()
}
