package services

import (
	"context"
	"time"
)

// Sweeper periodically returns lapsed reservations to their tiers and
// cancels the orders that held them.
type Sweeper struct {
	Deps
	orders   *OrderService
	interval time.Duration
}

func NewSweeper(d Deps, orders *OrderService, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{Deps: d.withDefaults(), orders: orders, interval: interval}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Logger.Info("Reservation sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("Reservation sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and reports the holds released and orders expired.
func (s *Sweeper) Sweep(ctx context.Context) (released, expired int) {
	holds, err := s.Ledger.ReleaseExpired(ctx)
	if err != nil {
		s.Logger.Error("Failed to release expired reservations", "error", err)
	}
	released = len(holds)

	expired, err = s.orders.ExpireStale(ctx)
	if err != nil {
		s.Logger.Error("Failed to expire stale orders", "error", err)
	}

	s.Tracker.TrackSweep(released, expired)
	if released > 0 || expired > 0 {
		s.Logger.Info("Sweep finished", "released_reservations", released, "expired_orders", expired)
	}
	return released, expired
}
