package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courier/pkg/logger"
)

// RedisCache keeps presence marks in Redis so every node sees the same
// view. Each user gets a volatile key; expiry doubles as the liveness
// timeout.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. A non-positive ttl falls back
// to DefaultTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

func (c *RedisCache) SetOnline(ctx context.Context, userID string) error {
	return c.client.Set(ctx, presenceKey(userID), "1", c.ttl).Err()
}

func (c *RedisCache) SetOffline(ctx context.Context, userID string) error {
	return c.client.Del(ctx, presenceKey(userID)).Err()
}

// Refresh rewrites the key rather than just extending it, so a mark that
// lapsed (redis restart, missed pongs) comes back on the next heartbeat.
func (c *RedisCache) Refresh(ctx context.Context, userID string) error {
	return c.client.Set(ctx, presenceKey(userID), "1", c.ttl).Err()
}

// IsOnline reports false on any backend error. Delivery then queues the
// message instead of attempting a live push, which is always safe.
func (c *RedisCache) IsOnline(ctx context.Context, userID string) bool {
	n, err := c.client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		logger.Log.Warn("presence_lookup_failed", zap.String("user", userID), zap.Error(err))
		return false
	}
	return n > 0
}
