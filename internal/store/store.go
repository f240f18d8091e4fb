// Package store persists events, tiers, orders, payments and tickets.
// All access happens inside Tx so that multi-record changes such as
// completing an order and issuing its tickets land together or not at all.
package store

import (
	"context"
	"time"

	"cafa-ticket/models"
)

type Store interface {
	Tx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx methods return a status NotFound error for missing records.
type Tx interface {
	InsertEvent(e *models.Event) error
	Event(id string) (*models.Event, error)

	InsertTier(t *models.TicketTier) error
	UpdateTier(t *models.TicketTier) error
	Tier(id string) (*models.TicketTier, error)
	TiersByEvent(eventID string) ([]*models.TicketTier, error)

	InsertOrder(o *models.Order) error
	UpdateOrder(o *models.Order) error
	Order(id string) (*models.Order, error)
	OrdersByBuyer(buyerID string) ([]*models.Order, error)
	// StaleOrders lists open orders whose reservations lapsed before the
	// given time, oldest first.
	StaleOrders(before time.Time, limit int) ([]*models.Order, error)

	InsertPayment(p *models.Payment) error
	UpdatePayment(p *models.Payment) error
	PaymentByOrder(orderID string) (*models.Payment, error)
	PaymentByReference(gateway models.Gateway, reference string) (*models.Payment, error)

	InsertTicket(t *models.Ticket) error
	UpdateTicket(t *models.Ticket) error
	Ticket(number string) (*models.Ticket, error)
	TicketsByOrder(orderID string) ([]*models.Ticket, error)
	// TicketsByOwner lists a buyer's tickets, newest first.
	TicketsByOwner(ownerID string) ([]*models.Ticket, error)
	// MarkTicketUsed flips a valid ticket to used and reports whether this
	// call made the change.
	MarkTicketUsed(number, by string, at time.Time) (bool, error)
	CheckInStats(eventID string) (models.CheckInStats, error)
}
