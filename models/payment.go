package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Gateway names a payment provider an order can be settled through.
type Gateway string

const (
	GatewayPaystack     Gateway = "paystack"
	GatewayStripe       Gateway = "stripe"
	GatewayFlutterwave  Gateway = "flutterwave"
	GatewayCash         Gateway = "cash"
	GatewayBankTransfer Gateway = "bank_transfer"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

type Payment struct {
	ID                string          `json:"payment_id"`
	OrderID           string          `json:"order_id"`
	Gateway           Gateway         `json:"gateway"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	ExternalReference string          `json:"external_reference,omitempty"`
	RedirectURL       string          `json:"redirect_url,omitempty"`
	AccessCode        string          `json:"access_code,omitempty"`
	Instructions      string          `json:"instructions,omitempty"`
	// RefundDue marks a payment that settled after its order could no
	// longer be fulfilled.
	RefundDue   bool       `json:"refund_due,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (p *Payment) Initiated() bool { return p.ExternalReference != "" }
