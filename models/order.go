package models

import (
	"strings"
	"time"

	"cafa-ticket/internal/status"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRefunded   OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderCompleted, OrderCancelled},
	OrderProcessing: {OrderCompleted, OrderCancelled},
	OrderCompleted:  {OrderRefunded},
}

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Open reports whether the order still holds reservations and can be paid or cancelled.
func (s OrderStatus) Open() bool {
	return s == OrderPending || s == OrderProcessing
}

type Attendee struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type LineItem struct {
	TierID               string          `json:"tier_id"`
	TierName             string          `json:"tier_name"`
	Quantity             int             `json:"quantity"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
	Subtotal             decimal.Decimal `json:"subtotal"`
	Attendees            []Attendee      `json:"attendees"`
	ReservationToken     string          `json:"reservation_token"`
	ReservationExpiresAt time.Time       `json:"reservation_expires_at"`
}

// CheckAttendees requires exactly one named attendee per unit purchased.
func (li *LineItem) CheckAttendees() error {
	if len(li.Attendees) != li.Quantity {
		return status.Validation("%s: %d attendees given for quantity %d", li.TierName, len(li.Attendees), li.Quantity)
	}
	for i, a := range li.Attendees {
		if strings.TrimSpace(a.Name) == "" {
			return status.Validation("%s: attendee %d has no name", li.TierName, i+1)
		}
	}
	return nil
}

type Order struct {
	ID                   string          `json:"order_id"`
	EventID              string          `json:"event_id"`
	BuyerID              string          `json:"buyer_id"`
	BuyerName            string          `json:"buyer_name"`
	BuyerEmail           string          `json:"buyer_email"`
	BuyerPhone           string          `json:"buyer_phone,omitempty"`
	Items                []LineItem      `json:"items"`
	Subtotal             decimal.Decimal `json:"subtotal"`
	ServiceFee           decimal.Decimal `json:"service_fee"`
	Total                decimal.Decimal `json:"total"`
	Currency             string          `json:"currency"`
	Gateway              Gateway         `json:"gateway"`
	Status               OrderStatus     `json:"status"`
	Notes                string          `json:"notes,omitempty"`
	CancelReason         string          `json:"cancel_reason,omitempty"`
	ReservationExpiresAt time.Time       `json:"reservation_expires_at"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	CancelledAt          *time.Time      `json:"cancelled_at,omitempty"`
}

// Transition moves the order along its state machine and stamps the
// matching timestamp.
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if !o.Status.CanTransition(to) {
		return status.Conflict("order %s cannot move from %s to %s", o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	switch to {
	case OrderCompleted:
		o.CompletedAt = &now
	case OrderCancelled:
		o.CancelledAt = &now
	}
	return nil
}

func (o *Order) ApplyPricing(p Pricing) {
	o.Subtotal = p.Subtotal
	o.ServiceFee = p.ServiceFee
	o.Total = p.Total
}

func (o *Order) ReservationTokens() []string {
	tokens := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		if item.ReservationToken != "" {
			tokens = append(tokens, item.ReservationToken)
		}
	}
	return tokens
}

func (o *Order) TicketCount() int {
	n := 0
	for _, item := range o.Items {
		n += item.Quantity
	}
	return n
}

func (o *Order) Expired(now time.Time) bool {
	return o.Status.Open() && !o.ReservationExpiresAt.IsZero() && now.After(o.ReservationExpiresAt)
}
