// Package inventory tracks how many units of each ticket tier are sold,
// held by in-flight orders, or still available. Every mutation preserves
// sold + reserved <= total for its tier.
package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultReservationTTL = 10 * time.Minute

// Ledger is the authority for tier capacity. Reserve is an atomic
// compare-and-increment per tier; Commit and Release are idempotent per token.
type Ledger interface {
	// Provision creates a tier with total units, or resizes an existing one.
	// Shrinking below sold+reserved fails with a validation error.
	Provision(ctx context.Context, tierID string, total int) error
	Reserve(ctx context.Context, tierID string, quantity int) (*Reservation, error)
	// Commit converts a live hold into sold units. Committing an expired or
	// released hold fails with ReservationExpired.
	Commit(ctx context.Context, token string) error
	// Release returns a live hold's units. Releasing an unknown, expired or
	// already released hold is a no-op; releasing a committed hold conflicts.
	Release(ctx context.Context, token string) error
	// Revert hands a hold's units back to the tier whatever its state: a
	// committed hold stops counting as sold, a live hold is released.
	// Finished or unknown holds are a no-op, so repeated calls are safe.
	// A reverted hold can no longer be committed.
	Revert(ctx context.Context, token string) error
	Snapshot(ctx context.Context, tierID string) (Counters, error)
	// ReleaseExpired reclaims every hold whose deadline has passed.
	ReleaseExpired(ctx context.Context) ([]Reservation, error)
}

type Reservation struct {
	Token     string    `json:"token"`
	TierID    string    `json:"tier_id"`
	Quantity  int       `json:"quantity"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Counters struct {
	Total    int `json:"total"`
	Sold     int `json:"sold"`
	Reserved int `json:"reserved"`
}

func (c Counters) Available() int { return c.Total - c.Sold - c.Reserved }

type holdState string

const (
	holdHeld      holdState = "held"
	holdCommitted holdState = "committed"
	holdReleased  holdState = "released"
	holdExpired   holdState = "expired"
)

type Option func(*options)

type options struct {
	ttl       time.Duration
	now       func() time.Time
	retention time.Duration
	newID     func() string
}

func defaultOptions() options {
	return options{
		ttl:       DefaultReservationTTL,
		now:       time.Now,
		retention: 24 * time.Hour,
		newID:     uuid.NewString,
	}
}

// WithTTL sets how long a reservation holds inventory before it expires.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRetention sets how long finished holds are remembered so repeated
// commits and releases stay idempotent.
func WithRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

func withIDs(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

// Tokens embed their tier so a hold can be located without a lookup.
func (o options) token(tierID string) string {
	return tierID + "." + o.newID()
}

// TierOf returns the tier a reservation token was issued for.
func TierOf(token string) (string, bool) {
	i := strings.LastIndex(token, ".")
	if i <= 0 || i == len(token)-1 {
		return "", false
	}
	return token[:i], true
}
