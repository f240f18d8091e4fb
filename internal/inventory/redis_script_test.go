package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"cafa-ticket/internal/status"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests run the Lua scripts for real against miniredis.
func newScriptLedger(t *testing.T, clock *testClock, tiers map[string]int) *RedisLedger {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLedger(client, WithClock(clock.Now), WithTTL(10*time.Minute))
	for id, total := range tiers {
		require.NoError(t, l.Provision(context.Background(), id, total))
	}
	return l
}

func snapshot(t *testing.T, l Ledger, tierID string) Counters {
	t.Helper()
	c, err := l.Snapshot(context.Background(), tierID)
	require.NoError(t, err)
	return c
}

func TestRedisScripts_ReserveCommitRelease(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newScriptLedger(t, clock, map[string]int{"general": 10})

	res, err := l.Reserve(ctx, "general", 3)
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 10, Reserved: 3}, snapshot(t, l, "general"))

	require.NoError(t, l.Commit(ctx, res.Token))
	require.NoError(t, l.Commit(ctx, res.Token))
	assert.Equal(t, Counters{Total: 10, Sold: 3}, snapshot(t, l, "general"))
	assert.ErrorIs(t, l.Release(ctx, res.Token), status.ErrConflict)

	other, err := l.Reserve(ctx, "general", 2)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, other.Token))
	require.NoError(t, l.Release(ctx, other.Token))
	assert.ErrorIs(t, l.Commit(ctx, other.Token), status.ErrReservationExpired)
	assert.Equal(t, Counters{Total: 10, Sold: 3}, snapshot(t, l, "general"))

	_, err = l.Reserve(ctx, "general", 8)
	assert.ErrorIs(t, err, status.ErrInsufficientInventory)
	_, err = l.Reserve(ctx, "missing", 1)
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.ErrorIs(t, l.Commit(ctx, "general.unknown"), status.ErrNotFound)
}

func TestRedisScripts_ExpiredCommitFails(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newScriptLedger(t, clock, map[string]int{"general": 10})

	res, err := l.Reserve(ctx, "general", 4)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	assert.ErrorIs(t, l.Commit(ctx, res.Token), status.ErrReservationExpired)
	assert.ErrorIs(t, l.Commit(ctx, res.Token), status.ErrReservationExpired)
	assert.Equal(t, Counters{Total: 10}, snapshot(t, l, "general"))
}

func TestRedisScripts_ConcurrentReserveNeverOversells(t *testing.T) {
	ctx := context.Background()
	l := newScriptLedger(t, newTestClock(), map[string]int{"general": 10})

	var mu sync.Mutex
	won, lost := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(ctx, "general", 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
				return
			}
			assert.ErrorIs(t, err, status.ErrInsufficientInventory)
			lost++
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, won)
	assert.Equal(t, 40, lost)
	assert.Equal(t, Counters{Total: 10, Reserved: 10}, snapshot(t, l, "general"))
}

func TestRedisScripts_ReleaseExpired(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := newScriptLedger(t, clock, map[string]int{"general": 10, "vip": 2})

	first, err := l.Reserve(ctx, "general", 2)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "vip", 1)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	_, err = l.Reserve(ctx, "general", 1)
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)

	released, err := l.ReleaseExpired(ctx)
	require.NoError(t, err)
	require.Len(t, released, 2)

	units := 0
	for _, r := range released {
		units += r.Quantity
		if r.Token == first.Token {
			assert.Equal(t, "general", r.TierID)
			assert.True(t, r.ExpiresAt.Equal(first.ExpiresAt))
		}
	}
	assert.Equal(t, 3, units)
	assert.Equal(t, Counters{Total: 10, Reserved: 1}, snapshot(t, l, "general"))
	assert.Equal(t, Counters{Total: 2}, snapshot(t, l, "vip"))

	again, err := l.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRedisScripts_Revert(t *testing.T) {
	ctx := context.Background()
	l := newScriptLedger(t, newTestClock(), map[string]int{"general": 10})

	sold, err := l.Reserve(ctx, "general", 3)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, sold.Token))
	held, err := l.Reserve(ctx, "general", 2)
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 10, Sold: 3, Reserved: 2}, snapshot(t, l, "general"))

	require.NoError(t, l.Revert(ctx, sold.Token))
	require.NoError(t, l.Revert(ctx, sold.Token))
	require.NoError(t, l.Revert(ctx, held.Token))
	require.NoError(t, l.Revert(ctx, "general.unknown"))
	assert.Equal(t, Counters{Total: 10}, snapshot(t, l, "general"))

	assert.ErrorIs(t, l.Commit(ctx, sold.Token), status.ErrReservationExpired)
	assert.Equal(t, Counters{Total: 10}, snapshot(t, l, "general"))
}

func TestRedisScripts_ProvisionAndTiers(t *testing.T) {
	ctx := context.Background()
	l := newScriptLedger(t, newTestClock(), map[string]int{"general": 10, "vip": 2})

	_, err := l.Reserve(ctx, "general", 6)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Provision(ctx, "general", 5), status.ErrValidation)
	require.NoError(t, l.Provision(ctx, "general", 20))
	assert.Equal(t, Counters{Total: 20, Reserved: 6}, snapshot(t, l, "general"))

	tiers, err := l.Tiers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"general", "vip"}, tiers)
}
