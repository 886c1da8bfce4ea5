package cache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimiter grants or denies one call against a shared budget.
type RateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRateLimiter allows perSecond calls per key across every process sharing client.
func NewRateLimiter(client *redis.Client, perSecond int) *RateLimiter {
	return &RateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   redis_rate.PerSecond(perSecond),
	}
}

// Allow consumes one token for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := r.limiter.Allow(ctx, "ratelimit:"+key, r.limit)
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	return res.Allowed > 0, nil
}
