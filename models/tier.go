package models

import (
	"strings"
	"time"

	"cafa-ticket/internal/status"

	"github.com/shopspring/decimal"
)

// TicketTier is a priced category of admission for one event. Sold and
// Reserved are live counters owned by the inventory ledger and are only
// filled in when a tier is read for display.
type TicketTier struct {
	ID          string          `json:"id"`
	EventID     string          `json:"event_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Total       int             `json:"total"`
	Sold        int             `json:"sold"`
	Reserved    int             `json:"reserved"`
	MinPurchase int             `json:"min_purchase"`
	MaxPurchase int             `json:"max_purchase"`
	SalesStart  *time.Time      `json:"sales_start,omitempty"`
	SalesEnd    *time.Time      `json:"sales_end,omitempty"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (t *TicketTier) Available() int {
	if n := t.Total - t.Sold - t.Reserved; n > 0 {
		return n
	}
	return 0
}

func (t *TicketTier) SoldOut() bool { return t.Available() == 0 }

// OnSale reports whether the tier is active and now falls inside its sale window.
func (t *TicketTier) OnSale(now time.Time) bool {
	if !t.Active {
		return false
	}
	if t.SalesStart != nil && now.Before(*t.SalesStart) {
		return false
	}
	if t.SalesEnd != nil && now.After(*t.SalesEnd) {
		return false
	}
	return true
}

// CheckQuantity enforces the per-order purchase limits of the tier.
func (t *TicketTier) CheckQuantity(qty int) error {
	if qty <= 0 {
		return status.Validation("quantity for %s must be positive", t.Name)
	}
	if t.MinPurchase > 0 && qty < t.MinPurchase {
		return status.Validation("minimum purchase for %s is %d", t.Name, t.MinPurchase)
	}
	if t.MaxPurchase > 0 && qty > t.MaxPurchase {
		return status.Validation("maximum purchase for %s is %d", t.Name, t.MaxPurchase)
	}
	return nil
}

func (t *TicketTier) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return status.Validation("tier name is required")
	}
	if t.EventID == "" {
		return status.Validation("tier event is required")
	}
	if t.Price.IsNegative() {
		return status.Validation("tier price cannot be negative")
	}
	if t.Total <= 0 {
		return status.Validation("tier quantity must be positive")
	}
	if t.MinPurchase < 0 || t.MaxPurchase < 0 {
		return status.Validation("purchase limits cannot be negative")
	}
	if t.MaxPurchase > 0 && t.MinPurchase > t.MaxPurchase {
		return status.Validation("minimum purchase exceeds maximum purchase")
	}
	if t.SalesStart != nil && t.SalesEnd != nil && !t.SalesEnd.After(*t.SalesStart) {
		return status.Validation("sales must end after they start")
	}
	return nil
}
