package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"cafa-ticket/internal/status"
)

type memoryTier struct {
	mu       sync.Mutex
	total    int
	sold     int
	reserved int
	holds    map[string]*memoryHold
}

type memoryHold struct {
	Reservation
	state    holdState
	finished time.Time
}

// MemoryLedger keeps counters in process. Each tier has its own lock so
// unrelated tiers never contend.
type MemoryLedger struct {
	opts options

	mu    sync.RWMutex
	tiers map[string]*memoryTier
}

func NewMemoryLedger(opts ...Option) *MemoryLedger {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryLedger{
		opts:  o,
		tiers: make(map[string]*memoryTier),
	}
}

func (l *MemoryLedger) Provision(_ context.Context, tierID string, total int) error {
	if total < 0 {
		return status.Validation("tier %s: total cannot be negative", tierID)
	}

	l.mu.Lock()
	t, ok := l.tiers[tierID]
	if !ok {
		l.tiers[tierID] = &memoryTier{total: total, holds: make(map[string]*memoryHold)}
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	l.reclaimLocked(t, l.opts.now())
	if total < t.sold+t.reserved {
		return status.Validation("tier %s: total %d below sold %d plus reserved %d", tierID, total, t.sold, t.reserved)
	}
	t.total = total
	return nil
}

func (l *MemoryLedger) tier(tierID string) (*memoryTier, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tiers[tierID]
	if !ok {
		return nil, status.NotFound("tier", tierID)
	}
	return t, nil
}

func (l *MemoryLedger) Reserve(_ context.Context, tierID string, quantity int) (*Reservation, error) {
	if quantity <= 0 {
		return nil, status.Validation("reservation quantity must be positive")
	}
	t, err := l.tier(tierID)
	if err != nil {
		return nil, err
	}

	token := l.opts.token(tierID)
	now := l.opts.now()

	t.mu.Lock()
	l.reclaimLocked(t, now)
	if available := t.total - t.sold - t.reserved; available < quantity {
		t.mu.Unlock()
		return nil, status.InsufficientInventory(tierID, quantity, available)
	}
	t.reserved += quantity
	hold := &memoryHold{
		Reservation: Reservation{Token: token, TierID: tierID, Quantity: quantity, ExpiresAt: now.Add(l.opts.ttl)},
		state:       holdHeld,
	}
	t.holds[token] = hold
	t.mu.Unlock()

	res := hold.Reservation
	return &res, nil
}

func (l *MemoryLedger) lookup(token string) (*memoryTier, bool) {
	tierID, ok := TierOf(token)
	if !ok {
		return nil, false
	}
	t, err := l.tier(tierID)
	return t, err == nil
}

func (l *MemoryLedger) Commit(_ context.Context, token string) error {
	t, ok := l.lookup(token)
	if !ok {
		return status.NotFound("reservation", token)
	}

	now := l.opts.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	hold, ok := t.holds[token]
	if !ok {
		return status.NotFound("reservation", token)
	}
	switch hold.state {
	case holdCommitted:
		return nil
	case holdReleased, holdExpired:
		return status.ReservationExpired(token)
	}

	t.reserved -= hold.Quantity
	if now.After(hold.ExpiresAt) {
		hold.state, hold.finished = holdExpired, now
		return status.ReservationExpired(token)
	}
	t.sold += hold.Quantity
	hold.state, hold.finished = holdCommitted, now
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, token string) error {
	t, ok := l.lookup(token)
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	hold, ok := t.holds[token]
	if !ok {
		return nil
	}
	switch hold.state {
	case holdCommitted:
		return status.Conflict("reservation %s already committed", token)
	case holdHeld:
		t.reserved -= hold.Quantity
		hold.state, hold.finished = holdReleased, l.opts.now()
	}
	return nil
}

func (l *MemoryLedger) Revert(_ context.Context, token string) error {
	t, ok := l.lookup(token)
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	hold, ok := t.holds[token]
	if !ok {
		return nil
	}
	switch hold.state {
	case holdCommitted:
		t.sold -= hold.Quantity
	case holdHeld:
		t.reserved -= hold.Quantity
	default:
		return nil
	}
	hold.state, hold.finished = holdReleased, l.opts.now()
	return nil
}

func (l *MemoryLedger) Snapshot(_ context.Context, tierID string) (Counters, error) {
	t, err := l.tier(tierID)
	if err != nil {
		return Counters{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l.reclaimLocked(t, l.opts.now())
	return Counters{Total: t.total, Sold: t.sold, Reserved: t.reserved}, nil
}

func (l *MemoryLedger) Tiers(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.tiers))
	for id := range l.tiers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (l *MemoryLedger) ReleaseExpired(_ context.Context) ([]Reservation, error) {
	l.mu.RLock()
	tiers := make([]*memoryTier, 0, len(l.tiers))
	for _, t := range l.tiers {
		tiers = append(tiers, t)
	}
	l.mu.RUnlock()

	now := l.opts.now()
	var released []Reservation
	for _, t := range tiers {
		t.mu.Lock()
		released = append(released, l.reclaimLocked(t, now)...)
		l.forgetLocked(t, now)
		t.mu.Unlock()
	}

	sort.Slice(released, func(i, j int) bool { return released[i].ExpiresAt.Before(released[j].ExpiresAt) })
	return released, nil
}

// reclaimLocked expires overdue holds on t. Caller holds t.mu.
func (l *MemoryLedger) reclaimLocked(t *memoryTier, now time.Time) []Reservation {
	var out []Reservation
	for _, hold := range t.holds {
		if hold.state == holdHeld && now.After(hold.ExpiresAt) {
			t.reserved -= hold.Quantity
			hold.state, hold.finished = holdExpired, now
			out = append(out, hold.Reservation)
		}
	}
	return out
}

// forgetLocked drops finished holds older than the retention window.
func (l *MemoryLedger) forgetLocked(t *memoryTier, now time.Time) {
	for token, hold := range t.holds {
		if hold.state != holdHeld && now.Sub(hold.finished) > l.opts.retention {
			delete(t.holds, token)
		}
	}
}
