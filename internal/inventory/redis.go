package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"cafa-ticket/internal/status"

	"github.com/redis/go-redis/v9"
)

const tierSetKey = "inventory:tiers"

// Per-tier keys share a hash tag so every script touches a single slot.
//
//	counters  hash   total, sold, reserved
//	holds     zset   live token -> deadline (unix ms)
//	state     hash   token -> held|committed|released|expired
//	qty       hash   token -> units
//	done      zset   finished token -> finish time (unix ms)
func tierKeys(tierID string) []string {
	prefix := "inventory:{" + tierID + "}:"
	return []string{prefix + "counters", prefix + "holds", prefix + "state", prefix + "qty", prefix + "done"}
}

// reclaimLua expires every live hold whose deadline is before now and
// returns token, quantity, deadline triples.
const reclaimLua = `
local function reclaim(now)
	local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. now, 'WITHSCORES')
	local out = {}
	for i = 1, #due, 2 do
		local tok = due[i]
		local q = tonumber(redis.call('HGET', KEYS[4], tok) or '0')
		redis.call('HINCRBY', KEYS[1], 'reserved', -q)
		redis.call('HSET', KEYS[3], tok, 'expired')
		redis.call('ZREM', KEYS[2], tok)
		redis.call('ZADD', KEYS[5], now, tok)
		table.insert(out, tok)
		table.insert(out, tostring(q))
		table.insert(out, due[i + 1])
	end
	return out
end
`

var provisionScript = reclaimLua + `
local total = tonumber(ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1], 'total', total, 'sold', 0, 'reserved', 0)
	return {1, 0, 0}
end
reclaim(ARGV[2])
local sold = tonumber(redis.call('HGET', KEYS[1], 'sold') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
if total < sold + reserved then
	return {0, sold, reserved}
end
redis.call('HSET', KEYS[1], 'total', total)
return {1, sold, reserved}
`

var reserveScript = reclaimLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
reclaim(ARGV[2])
local c = redis.call('HMGET', KEYS[1], 'total', 'sold', 'reserved')
local available = tonumber(c[1] or '0') - tonumber(c[2] or '0') - tonumber(c[3] or '0')
local qty = tonumber(ARGV[1])
if available < qty then
	return {0, available}
end
redis.call('HINCRBY', KEYS[1], 'reserved', qty)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
redis.call('HSET', KEYS[3], ARGV[4], 'held')
redis.call('HSET', KEYS[4], ARGV[4], qty)
return {1, available - qty}
`

const commitScript = `
local state = redis.call('HGET', KEYS[3], ARGV[1])
if not state then
	return -1
end
if state == 'committed' then
	return 1
end
if state ~= 'held' then
	return -2
end
local q = tonumber(redis.call('HGET', KEYS[4], ARGV[1]))
local deadline = tonumber(redis.call('ZSCORE', KEYS[2], ARGV[1]))
redis.call('HINCRBY', KEYS[1], 'reserved', -q)
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[5], ARGV[2], ARGV[1])
if deadline < tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[3], ARGV[1], 'expired')
	return -2
end
redis.call('HINCRBY', KEYS[1], 'sold', q)
redis.call('HSET', KEYS[3], ARGV[1], 'committed')
return 1
`

const releaseScript = `
local state = redis.call('HGET', KEYS[3], ARGV[1])
if state == 'committed' then
	return -3
end
if state ~= 'held' then
	return 0
end
local q = tonumber(redis.call('HGET', KEYS[4], ARGV[1]))
redis.call('HINCRBY', KEYS[1], 'reserved', -q)
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], 'released')
redis.call('ZADD', KEYS[5], ARGV[2], ARGV[1])
return 1
`

const revertScript = `
local state = redis.call('HGET', KEYS[3], ARGV[1])
local q = tonumber(redis.call('HGET', KEYS[4], ARGV[1]) or '0')
if state == 'committed' then
	redis.call('HINCRBY', KEYS[1], 'sold', -q)
elseif state == 'held' then
	redis.call('HINCRBY', KEYS[1], 'reserved', -q)
	redis.call('ZREM', KEYS[2], ARGV[1])
else
	return 0
end
redis.call('HSET', KEYS[3], ARGV[1], 'released')
redis.call('ZADD', KEYS[5], ARGV[2], ARGV[1])
return 1
`

var snapshotScript = reclaimLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0, 0, 0}
end
reclaim(ARGV[1])
local c = redis.call('HMGET', KEYS[1], 'total', 'sold', 'reserved')
return {1, tonumber(c[1] or '0'), tonumber(c[2] or '0'), tonumber(c[3] or '0')}
`

var sweepScript = reclaimLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {}
end
local out = reclaim(ARGV[1])
local old = redis.call('ZRANGEBYSCORE', KEYS[5], '-inf', ARGV[2])
for _, tok in ipairs(old) do
	redis.call('HDEL', KEYS[3], tok)
	redis.call('HDEL', KEYS[4], tok)
	redis.call('ZREM', KEYS[5], tok)
end
return out
`

// RedisLedger keeps tier counters in Redis and mutates them only through
// Lua scripts, so capacity checks and increments happen in one atomic step
// no matter how many application instances share the store.
type RedisLedger struct {
	redis redis.Cmdable
	opts  options
}

func NewRedisLedger(client redis.Cmdable, opts ...Option) *RedisLedger {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisLedger{redis: client, opts: o}
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (l *RedisLedger) Provision(ctx context.Context, tierID string, total int) error {
	if total < 0 {
		return status.Validation("tier %s: total cannot be negative", tierID)
	}

	res, err := l.redis.Eval(ctx, provisionScript, tierKeys(tierID), strconv.Itoa(total), ms(l.opts.now())).Int64Slice()
	if err != nil {
		return fmt.Errorf("provision tier %s: %w", tierID, err)
	}
	if res[0] == 0 {
		return status.Validation("tier %s: total %d below sold %d plus reserved %d", tierID, total, res[1], res[2])
	}

	if err := l.redis.SAdd(ctx, tierSetKey, tierID).Err(); err != nil {
		return fmt.Errorf("register tier %s: %w", tierID, err)
	}
	return nil
}

func (l *RedisLedger) Reserve(ctx context.Context, tierID string, quantity int) (*Reservation, error) {
	if quantity <= 0 {
		return nil, status.Validation("reservation quantity must be positive")
	}

	now := l.opts.now()
	expiresAt := now.Add(l.opts.ttl)
	token := l.opts.token(tierID)

	res, err := l.redis.Eval(ctx, reserveScript, tierKeys(tierID),
		strconv.Itoa(quantity), ms(now), ms(expiresAt), token).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve tier %s: %w", tierID, err)
	}

	switch res[0] {
	case -1:
		return nil, status.NotFound("tier", tierID)
	case 0:
		return nil, status.InsufficientInventory(tierID, quantity, int(res[1]))
	}

	return &Reservation{
		Token:     token,
		TierID:    tierID,
		Quantity:  quantity,
		ExpiresAt: time.UnixMilli(expiresAt.UnixMilli()),
	}, nil
}

func (l *RedisLedger) Commit(ctx context.Context, token string) error {
	tierID, ok := TierOf(token)
	if !ok {
		return status.NotFound("reservation", token)
	}

	res, err := l.redis.Eval(ctx, commitScript, tierKeys(tierID), token, ms(l.opts.now())).Int64()
	if err != nil {
		return fmt.Errorf("commit reservation %s: %w", token, err)
	}

	switch res {
	case -1:
		return status.NotFound("reservation", token)
	case -2:
		return status.ReservationExpired(token)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, token string) error {
	tierID, ok := TierOf(token)
	if !ok {
		return nil
	}

	res, err := l.redis.Eval(ctx, releaseScript, tierKeys(tierID), token, ms(l.opts.now())).Int64()
	if err != nil {
		return fmt.Errorf("release reservation %s: %w", token, err)
	}
	if res == -3 {
		return status.Conflict("reservation %s already committed", token)
	}
	return nil
}

func (l *RedisLedger) Revert(ctx context.Context, token string) error {
	tierID, ok := TierOf(token)
	if !ok {
		return nil
	}

	if err := l.redis.Eval(ctx, revertScript, tierKeys(tierID), token, ms(l.opts.now())).Err(); err != nil {
		return fmt.Errorf("revert reservation %s: %w", token, err)
	}
	return nil
}

func (l *RedisLedger) Snapshot(ctx context.Context, tierID string) (Counters, error) {
	res, err := l.redis.Eval(ctx, snapshotScript, tierKeys(tierID), ms(l.opts.now())).Int64Slice()
	if err != nil {
		return Counters{}, fmt.Errorf("snapshot tier %s: %w", tierID, err)
	}
	if res[0] == -1 {
		return Counters{}, status.NotFound("tier", tierID)
	}
	return Counters{Total: int(res[1]), Sold: int(res[2]), Reserved: int(res[3])}, nil
}

// Tiers lists every provisioned tier.
func (l *RedisLedger) Tiers(ctx context.Context) ([]string, error) {
	tiers, err := l.redis.SMembers(ctx, tierSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}
	sort.Strings(tiers)
	return tiers, nil
}

func (l *RedisLedger) ReleaseExpired(ctx context.Context) ([]Reservation, error) {
	tiers, err := l.redis.SMembers(ctx, tierSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}

	now := l.opts.now()
	forgetBefore := now.Add(-l.opts.retention)

	var released []Reservation
	var errs []error
	for _, tierID := range tiers {
		vals, err := l.redis.Eval(ctx, sweepScript, tierKeys(tierID), ms(now), ms(forgetBefore)).StringSlice()
		if err != nil && !errors.Is(err, redis.Nil) {
			errs = append(errs, fmt.Errorf("sweep tier %s: %w", tierID, err))
			continue
		}
		for i := 0; i+2 < len(vals); i += 3 {
			qty, _ := strconv.Atoi(vals[i+1])
			deadline, _ := strconv.ParseFloat(vals[i+2], 64)
			released = append(released, Reservation{
				Token:     vals[i],
				TierID:    tierID,
				Quantity:  qty,
				ExpiresAt: time.UnixMilli(int64(deadline)),
			})
		}
	}
	return released, errors.Join(errs...)
}
