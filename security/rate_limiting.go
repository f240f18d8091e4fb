package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter counts requests per caller in fixed one-minute windows kept
// in Redis, so every instance shares the same budget.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
	logger *slog.Logger
}

func NewRateLimiter(redisClient *redis.Client, perMinute int, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, limit: int64(perMinute), window: time.Minute, logger: logger}
}

func rateKey(scope, caller string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, caller)
}

// Allow records one request for caller and reports whether it is within
// the limit.
func (r *RateLimiter) Allow(ctx context.Context, scope, caller string) (bool, error) {
	key := rateKey(scope, caller)
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= r.limit, nil
}

// Middleware limits one route group. Authenticated callers are counted by
// user id, everyone else by client IP. Redis failures let the request
// through.
func (r *RateLimiter) Middleware(scope string) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if isSuspiciousUserAgent(e.Request.UserAgent()) {
			return apis.NewForbiddenError("Access denied", nil)
		}

		caller := callerID(e)
		ok, err := r.Allow(e.Request.Context(), scope, caller)
		if err != nil {
			r.logger.Warn("Rate limiter unavailable", "scope", scope, "error", err)
			return e.Next()
		}
		if !ok {
			return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
		}
		return e.Next()
	}
}

func callerID(e *core.RequestEvent) string {
	if e.Auth != nil {
		return "user:" + e.Auth.Id
	}
	return "ip:" + e.RealIP()
}

func isSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
