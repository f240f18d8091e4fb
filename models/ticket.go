package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketValid     TicketStatus = "valid"
	TicketUsed      TicketStatus = "used"
	TicketCancelled TicketStatus = "cancelled"
	TicketRefunded  TicketStatus = "refunded"
)

// Ticket is one admission issued to a named attendee once its order completes.
type Ticket struct {
	ID               string          `json:"id"`
	Number           string          `json:"ticket_number"`
	OrderID          string          `json:"order_id"`
	EventID          string          `json:"event_id"`
	TierID           string          `json:"tier_id"`
	TierName         string          `json:"tier_name"`
	OwnerID          string          `json:"owner_id"`
	Attendee         Attendee        `json:"attendee"`
	PricePaid        decimal.Decimal `json:"price_paid"`
	Status           TicketStatus    `json:"status"`
	VerificationCode string          `json:"verification_code"`
	IssuedAt         time.Time       `json:"issued_at"`
	CheckedInAt      *time.Time      `json:"checked_in_at,omitempty"`
	CheckedInBy      string          `json:"checked_in_by,omitempty"`
}

// CheckInStats summarises admissions for one event.
type CheckInStats struct {
	EventID   string `json:"event_id"`
	Issued    int    `json:"issued"`
	CheckedIn int    `json:"checked_in"`
}

func (s CheckInStats) Remaining() int { return s.Issued - s.CheckedIn }
