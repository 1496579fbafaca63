package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds how many simulation batches may be submitted
// per window across all workers sharing the Redis instance.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter creates a sliding-window limiter allowing limit
// submissions per window for each key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Allow records an attempt and reports whether it fits in the window.
// Implemented as a sorted set of timestamped members trimmed to the
// window on every call. The count check happens before the insert so a
// denied attempt does not consume quota.
func (l *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := "ratelimit:" + key

	if err := l.client.ZRemRangeByScore(ctx, redisKey, "0",
		fmt.Sprintf("%d", windowStart.UnixNano())).Err(); err != nil {
		return false, fmt.Errorf("rate limiter trim %s: %w", key, err)
	}

	count, err := l.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("rate limiter count %s: %w", key, err)
	}
	if count >= int64(l.limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter record %s: %w", key, err)
	}
	return true, nil
}
