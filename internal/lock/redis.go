package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const unlockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// Redis is a lease-based lock shared by every instance using the same
// Redis. The lease expires after ttl so a crashed holder cannot wedge a key;
// work under the lock must finish well inside ttl.
type Redis struct {
	redis redis.Cmdable
	ttl   time.Duration
	retry time.Duration
	owner func() string
}

func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{redis: client, ttl: ttl, retry: 25 * time.Millisecond, owner: uuid.NewString}
}

func lockKey(key string) string { return "lock:" + key }

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	owner := r.owner()
	k := lockKey(key)

	for {
		ok, err := r.redis.SetNX(ctx, k, owner, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w: %w", k, ErrNotAcquired, ctx.Err())
		case <-time.After(r.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even if the caller's context is already done.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := r.redis.Eval(ctx, unlockScript, []string{k}, owner).Err(); err != nil {
				slog.Error("lock: release failed", "key", k, "error", err)
			}
		})
	}, nil
}
