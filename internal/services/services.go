// Package services holds the ticketing workflows: the catalog, order
// assembly, payment coordination, check-in and the expiry sweeper.
package services

import (
	"context"
	"log/slog"
	"time"

	"cafa-ticket/internal/inventory"
	"cafa-ticket/internal/lock"
	"cafa-ticket/internal/notify"
	"cafa-ticket/internal/store"
	"cafa-ticket/models"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    string
	Staff bool
}

func (a Actor) Owns(userID string) bool { return a.ID != "" && a.ID == userID }

// Publisher accepts notifications after the state they describe is stored.
type Publisher interface {
	Publish(msg notify.Message) bool
}

// Tracker receives operational measurements.
type Tracker interface {
	TrackReservation(tierID, result string)
	TrackOrder(status models.OrderStatus)
	TrackCallback(gateway models.Gateway, outcome string)
	TrackCheckIn(result string)
	TrackSweep(released, expiredOrders int)
	TrackAssembly(d time.Duration)
	TrackTierAvailability(tierID string, available int)
}

type nopTracker struct{}

func (nopTracker) TrackReservation(string, string) {}
func (nopTracker) TrackOrder(models.OrderStatus) {}
func (nopTracker) TrackCallback(models.Gateway, string) {}
func (nopTracker) TrackCheckIn(string) {}
func (nopTracker) TrackSweep(int, int) {}
func (nopTracker) TrackAssembly(time.Duration) {}
func (nopTracker) TrackTierAvailability(string, int) {}

type nopPublisher struct{}

func (nopPublisher) Publish(notify.Message) bool { return true }

// Deps are the collaborators shared by every service.
type Deps struct {
	Store     store.Store
	Ledger    inventory.Ledger
	Locker    lock.Locker
	Publisher Publisher
	Tracker   Tracker
	Logger    *slog.Logger
	Now       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Tracker == nil {
		d.Tracker = nopTracker{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func orderLockKey(orderID string) string { return "order:" + orderID }

// releaseAll returns every hold and logs the ones that could not be
// released. Expired holds are reclaimed by the sweeper regardless.
func (d Deps) releaseAll(ctx context.Context, orderID string, tokens []string) {
	ctx = context.WithoutCancel(ctx)
	for _, token := range tokens {
		if err := d.Ledger.Release(ctx, token); err != nil {
			d.Logger.Error("Failed to release reservation", "error", err, "order_id", orderID, "token", token)
		}
	}
}

// revertAll returns the units of holds committed for an order whose
// completion was not stored.
func (d Deps) revertAll(ctx context.Context, orderID string, tokens []string) {
	ctx = context.WithoutCancel(ctx)
	for _, token := range tokens {
		if err := d.Ledger.Revert(ctx, token); err != nil {
			d.Logger.Error("Failed to revert reservation", "error", err, "order_id", orderID, "token", token)
		}
	}
}
