package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// countTTL bounds staleness of a cached unread count. Clients poll on a
// short interval; the cache is invalidated on every state change anyway,
// so the TTL only covers invalidation failures.
const countTTL = 60 * time.Second

// ErrCountMiss indicates no cached unread count for the user.
var ErrCountMiss = errors.New("unread count not cached")

// CountCache caches per-user unread counts so the polling clients do not
// hit postgres on every poll. The database remains the source of truth.
type CountCache struct {
	client *Client
	logger *zap.Logger
}

// NewCountCache creates a new unread-count cache.
func NewCountCache(client *Client, logger *zap.Logger) *CountCache {
	return &CountCache{
		client: client,
		logger: logger,
	}
}

func countKey(userID uuid.UUID) string {
	return fmt.Sprintf("unread:%s", userID)
}

// Get returns the cached unread count, or ErrCountMiss.
func (c *CountCache) Get(ctx context.Context, userID uuid.UUID) (int, error) {
	val, err := c.client.rdb.Get(ctx, countKey(userID)).Result()
	if err == redis.Nil {
		return 0, ErrCountMiss
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid cached count: %w", err)
	}
	return count, nil
}

// Set stores the unread count for a user.
func (c *CountCache) Set(ctx context.Context, userID uuid.UUID, count int) error {
	if err := c.client.rdb.Set(ctx, countKey(userID), count, countTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached count for one user, after a read/dismiss.
func (c *CountCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.rdb.Del(ctx, countKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// InvalidateMany drops cached counts for a whole audience after fan-out.
// Failures are logged and swallowed: a stale count self-heals via TTL.
func (c *CountCache) InvalidateMany(ctx context.Context, userIDs []uuid.UUID) {
	if len(userIDs) == 0 {
		return
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = countKey(id)
	}

	if err := c.client.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("failed to invalidate unread counts",
			zap.Error(err),
			zap.Int("users", len(userIDs)),
		)
	}
}
