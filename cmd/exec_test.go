package cmd

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "cafa-ticket/migrations"

	"cafa-ticket/internal/inventory"
	"cafa-ticket/internal/status"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestApp(t *testing.T) *tests.TestApp {
	t.Helper()
	app, err := tests.NewTestApp()
	require.NoError(t, err)
	t.Cleanup(app.Cleanup)
	return app
}

func saveEvent(t *testing.T, app core.App) *core.Record {
	t.Helper()
	col, err := app.FindCollectionByNameOrId("events")
	require.NoError(t, err)
	start := time.Now().Add(24 * time.Hour).UTC()

	rec := core.NewRecord(col)
	rec.Set("title", "Highlife Night")
	rec.Set("organizer", "org-1")
	rec.Set("status", "published")
	rec.Set("start_time", start)
	rec.Set("end_time", start.Add(4*time.Hour))
	require.NoError(t, app.Save(rec))
	return rec
}

func saveTier(t *testing.T, app core.App, eventID string, total int) *core.Record {
	t.Helper()
	col, err := app.FindCollectionByNameOrId("ticket_tiers")
	require.NoError(t, err)

	rec := core.NewRecord(col)
	rec.Set("event", eventID)
	rec.Set("name", "General")
	rec.Set("price", "500.00")
	rec.Set("total", total)
	rec.Set("active", true)
	require.NoError(t, app.Save(rec))
	return rec
}

func counters(t *testing.T, l inventory.Ledger, tierID string) inventory.Counters {
	t.Helper()
	c, err := l.Snapshot(context.Background(), tierID)
	require.NoError(t, err)
	return c
}

func TestTierHooks_FollowDashboardEdits(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)
	ledger := inventory.NewMemoryLedger()
	setupTierHooks(app, ledger, discard)

	event := saveEvent(t, app)
	tier := saveTier(t, app, event.Id, 10)
	assert.Equal(t, inventory.Counters{Total: 10}, counters(t, ledger, tier.Id))

	held, err := ledger.Reserve(ctx, tier.Id, 3)
	require.NoError(t, err)

	tier.Set("total", 20)
	require.NoError(t, app.Save(tier))
	assert.Equal(t, inventory.Counters{Total: 20, Reserved: 3}, counters(t, ledger, tier.Id))

	// Shrinking below what is held is saved but the ledger keeps its total.
	tier.Set("total", 2)
	require.NoError(t, app.Save(tier))
	assert.Equal(t, inventory.Counters{Total: 20, Reserved: 3}, counters(t, ledger, tier.Id))

	require.NoError(t, app.Delete(tier))
	closed := counters(t, ledger, tier.Id)
	assert.Equal(t, inventory.Counters{Total: 3, Reserved: 3}, closed)
	assert.Zero(t, closed.Available())

	_, err = ledger.Reserve(ctx, tier.Id, 1)
	assert.ErrorIs(t, err, status.ErrInsufficientInventory)

	require.NoError(t, ledger.Commit(ctx, held.Token))
	assert.Equal(t, inventory.Counters{Total: 3, Sold: 3}, counters(t, ledger, tier.Id))
}

func TestTierHooks_EventDeleteClosesItsTiers(t *testing.T) {
	app := newTestApp(t)
	ledger := inventory.NewMemoryLedger()
	setupTierHooks(app, ledger, discard)

	event := saveEvent(t, app)
	tier := saveTier(t, app, event.Id, 5)

	require.NoError(t, app.Delete(event))
	assert.Zero(t, counters(t, ledger, tier.Id).Available())
}

func TestSyncTiersToLedger(t *testing.T) {
	app := newTestApp(t)
	event := saveEvent(t, app)
	first := saveTier(t, app, event.Id, 10)
	second := saveTier(t, app, event.Id, 4)

	ledger := inventory.NewMemoryLedger()
	syncTiersToLedger(context.Background(), app, ledger, discard)

	assert.Equal(t, inventory.Counters{Total: 10}, counters(t, ledger, first.Id))
	assert.Equal(t, inventory.Counters{Total: 4}, counters(t, ledger, second.Id))

	tiers, err := ledger.Tiers(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.Id, second.Id}, tiers)
}

// racingLedger lets a reservation land between closeTier's snapshot and
// its resize the first time round.
type racingLedger struct {
	*inventory.MemoryLedger
	raced bool
}

func (l *racingLedger) Provision(ctx context.Context, tierID string, total int) error {
	if !l.raced {
		l.raced = true
		if _, err := l.MemoryLedger.Reserve(ctx, tierID, 1); err != nil {
			return err
		}
	}
	return l.MemoryLedger.Provision(ctx, tierID, total)
}

func TestCloseTier(t *testing.T) {
	ctx := context.Background()
	ledger := &racingLedger{MemoryLedger: inventory.NewMemoryLedger()}
	require.NoError(t, ledger.MemoryLedger.Provision(ctx, "general", 10))
	_, err := ledger.Reserve(ctx, "general", 2)
	require.NoError(t, err)

	require.NoError(t, closeTier(ctx, ledger, "general"))
	assert.True(t, ledger.raced)
	assert.Equal(t, inventory.Counters{Total: 3, Reserved: 3}, counters(t, ledger, "general"))

	require.NoError(t, closeTier(ctx, ledger, "missing"))
}
