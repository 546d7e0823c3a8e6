package inbox

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"courier/pkg/models"
)

// RedisQueue keeps per-user inboxes in Redis lists so any node can
// enqueue for or drain a user. The list key carries a sliding TTL that
// is renewed on every push.
type RedisQueue struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisQueue wraps an existing client. A non-positive ttl falls back
// to DefaultTTL.
func NewRedisQueue(client *redis.Client, ttl time.Duration) *RedisQueue {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisQueue{client: client, ttl: ttl}
}

func inboxKey(userID string) string {
	return "inbox:" + userID
}

func (q *RedisQueue) Push(ctx context.Context, userID, messageID string) error {
	key := inboxKey(userID)
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, messageID)
	pipe.Expire(ctx, key, q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Transientf("push inbox entry for %s: %v", userID, err)
	}
	return nil
}

// Drain atomically takes the whole list and deletes the key, so two
// concurrent connects on different nodes never replay the same entry.
func (q *RedisQueue) Drain(ctx context.Context, userID string) ([]string, error) {
	key := inboxKey(userID)
	pipe := q.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, models.Transientf("drain inbox for %s: %v", userID, err)
	}
	return rangeCmd.Val(), nil
}

func (q *RedisQueue) Remove(ctx context.Context, userID, messageID string) error {
	if err := q.client.LRem(ctx, inboxKey(userID), 1, messageID).Err(); err != nil {
		return models.Transientf("remove inbox entry for %s: %v", userID, err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context, userID string) (int, error) {
	n, err := q.client.LLen(ctx, inboxKey(userID)).Result()
	if err != nil {
		return 0, models.Transientf("inbox length for %s: %v", userID, err)
	}
	return int(n), nil
}
