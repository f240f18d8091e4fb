package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"cafa-ticket/internal/status"
	"cafa-ticket/models"

	"github.com/google/uuid"
)

type memoryData struct {
	events   map[string]models.Event
	tiers    map[string]models.TicketTier
	orders   map[string]models.Order
	payments map[string]models.Payment
	tickets  map[string]models.Ticket
}

func (d *memoryData) clone() *memoryData {
	return &memoryData{
		events:   maps.Clone(d.events),
		tiers:    maps.Clone(d.tiers),
		orders:   maps.Clone(d.orders),
		payments: maps.Clone(d.payments),
		tickets:  maps.Clone(d.tickets),
	}
}

// Memory is a Store held entirely in process. Transactions run one at a
// time and roll back by restoring a snapshot when fn fails.
type Memory struct {
	mu   sync.Mutex
	data *memoryData
}

func NewMemory() *Memory {
	return &Memory{data: &memoryData{
		events:   make(map[string]models.Event),
		tiers:    make(map[string]models.TicketTier),
		orders:   make(map[string]models.Order),
		payments: make(map[string]models.Payment),
		tickets:  make(map[string]models.Ticket),
	}}
}

func (m *Memory) Tx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&memoryTx{d: m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

type memoryTx struct {
	d *memoryData
}

// Orders carry slices, so they are copied in and out to keep callers from
// mutating stored state.
func cloneOrder(o models.Order) models.Order {
	items := make([]models.LineItem, len(o.Items))
	for i, item := range o.Items {
		item.Attendees = append([]models.Attendee(nil), item.Attendees...)
		items[i] = item
	}
	o.Items = items
	return o
}

func (tx *memoryTx) InsertEvent(e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, ok := tx.d.events[e.ID]; ok {
		return status.Conflict("event %s already exists", e.ID)
	}
	tx.d.events[e.ID] = *e
	return nil
}

func (tx *memoryTx) Event(id string) (*models.Event, error) {
	e, ok := tx.d.events[id]
	if !ok {
		return nil, status.NotFound("event", id)
	}
	return &e, nil
}

func (tx *memoryTx) InsertTier(t *models.TicketTier) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := tx.d.tiers[t.ID]; ok {
		return status.Conflict("tier %s already exists", t.ID)
	}
	tx.d.tiers[t.ID] = *t
	return nil
}

func (tx *memoryTx) UpdateTier(t *models.TicketTier) error {
	if _, ok := tx.d.tiers[t.ID]; !ok {
		return status.NotFound("tier", t.ID)
	}
	tx.d.tiers[t.ID] = *t
	return nil
}

func (tx *memoryTx) Tier(id string) (*models.TicketTier, error) {
	t, ok := tx.d.tiers[id]
	if !ok {
		return nil, status.NotFound("tier", id)
	}
	return &t, nil
}

func (tx *memoryTx) TiersByEvent(eventID string) ([]*models.TicketTier, error) {
	var out []*models.TicketTier
	for _, t := range tx.d.tiers {
		if t.EventID == eventID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price.Equal(out[j].Price) {
			return out[i].Name < out[j].Name
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out, nil
}

func (tx *memoryTx) InsertOrder(o *models.Order) error {
	if _, ok := tx.d.orders[o.ID]; ok {
		return status.Conflict("order %s already exists", o.ID)
	}
	tx.d.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (tx *memoryTx) UpdateOrder(o *models.Order) error {
	if _, ok := tx.d.orders[o.ID]; !ok {
		return status.NotFound("order", o.ID)
	}
	tx.d.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (tx *memoryTx) Order(id string) (*models.Order, error) {
	o, ok := tx.d.orders[id]
	if !ok {
		return nil, status.NotFound("order", id)
	}
	o = cloneOrder(o)
	return &o, nil
}

func (tx *memoryTx) OrdersByBuyer(buyerID string) ([]*models.Order, error) {
	var out []*models.Order
	for _, o := range tx.d.orders {
		if o.BuyerID == buyerID {
			o = cloneOrder(o)
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (tx *memoryTx) StaleOrders(before time.Time, limit int) ([]*models.Order, error) {
	var out []*models.Order
	for _, o := range tx.d.orders {
		if o.Expired(before) {
			o = cloneOrder(o)
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservationExpiresAt.Before(out[j].ReservationExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *memoryTx) InsertPayment(p *models.Payment) error {
	if _, ok := tx.d.payments[p.ID]; ok {
		return status.Conflict("payment %s already exists", p.ID)
	}
	if p.ExternalReference != "" {
		if _, err := tx.PaymentByReference(p.Gateway, p.ExternalReference); err == nil {
			return status.Conflict("payment reference %s already recorded", p.ExternalReference)
		}
	}
	tx.d.payments[p.ID] = *p
	return nil
}

func (tx *memoryTx) UpdatePayment(p *models.Payment) error {
	if _, ok := tx.d.payments[p.ID]; !ok {
		return status.NotFound("payment", p.ID)
	}
	if p.ExternalReference != "" {
		if other, err := tx.PaymentByReference(p.Gateway, p.ExternalReference); err == nil && other.ID != p.ID {
			return status.Conflict("payment reference %s already recorded", p.ExternalReference)
		}
	}
	tx.d.payments[p.ID] = *p
	return nil
}

func (tx *memoryTx) PaymentByOrder(orderID string) (*models.Payment, error) {
	for _, p := range tx.d.payments {
		if p.OrderID == orderID {
			return &p, nil
		}
	}
	return nil, status.NotFound("payment for order", orderID)
}

func (tx *memoryTx) PaymentByReference(gateway models.Gateway, reference string) (*models.Payment, error) {
	for _, p := range tx.d.payments {
		if p.Gateway == gateway && p.ExternalReference == reference {
			return &p, nil
		}
	}
	return nil, status.NotFound("payment", reference)
}

func (tx *memoryTx) InsertTicket(t *models.Ticket) error {
	if _, ok := tx.d.tickets[t.Number]; ok {
		return status.Conflict("ticket %s already exists", t.Number)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	tx.d.tickets[t.Number] = *t
	return nil
}

func (tx *memoryTx) UpdateTicket(t *models.Ticket) error {
	if _, ok := tx.d.tickets[t.Number]; !ok {
		return status.TicketNotFound(t.Number)
	}
	tx.d.tickets[t.Number] = *t
	return nil
}

func (tx *memoryTx) Ticket(number string) (*models.Ticket, error) {
	t, ok := tx.d.tickets[number]
	if !ok {
		return nil, status.TicketNotFound(number)
	}
	return &t, nil
}

func (tx *memoryTx) TicketsByOrder(orderID string) ([]*models.Ticket, error) {
	var out []*models.Ticket
	for _, t := range tx.d.tickets {
		if t.OrderID == orderID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (tx *memoryTx) TicketsByOwner(ownerID string) ([]*models.Ticket, error) {
	var out []*models.Ticket
	for _, t := range tx.d.tickets {
		if t.OwnerID == ownerID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (tx *memoryTx) MarkTicketUsed(number, by string, at time.Time) (bool, error) {
	t, ok := tx.d.tickets[number]
	if !ok {
		return false, status.TicketNotFound(number)
	}
	if t.Status != models.TicketValid {
		return false, nil
	}
	t.Status = models.TicketUsed
	t.CheckedInAt = &at
	t.CheckedInBy = by
	tx.d.tickets[number] = t
	return true, nil
}

func (tx *memoryTx) CheckInStats(eventID string) (models.CheckInStats, error) {
	stats := models.CheckInStats{EventID: eventID}
	for _, t := range tx.d.tickets {
		if t.EventID != eventID {
			continue
		}
		switch t.Status {
		case models.TicketValid:
			stats.Issued++
		case models.TicketUsed:
			stats.Issued++
			stats.CheckedIn++
		}
	}
	return stats, nil
}
