// Package gateway talks to payment providers: it starts checkouts and
// authenticates the callbacks providers send back.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cafa-ticket/models"

	"github.com/shopspring/decimal"
)

var (
	ErrBadSignature = errors.New("gateway: callback signature mismatch")
	ErrMalformed    = errors.New("gateway: malformed callback payload")
)

// InitiateRequest describes the charge for one order.
type InitiateRequest struct {
	Reference   string            `json:"reference"`
	OrderID     string            `json:"order_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Email       string            `json:"email"`
	Name        string            `json:"name"`
	CallbackURL string            `json:"callback_url"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Handle is what the buyer needs to complete the payment.
type Handle struct {
	Provider     models.Gateway `json:"provider"`
	Reference    string         `json:"reference"`
	RedirectURL  string         `json:"redirect_url,omitempty"`
	AccessCode   string         `json:"access_code,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	// OutcomePending covers provider events that do not settle a payment.
	OutcomePending Outcome = "pending"
)

// Callback is an authenticated provider notification.
type Callback struct {
	Provider  models.Gateway  `json:"provider"`
	Event     string          `json:"event"`
	Reference string          `json:"reference"`
	Outcome   Outcome         `json:"outcome"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// Gateway is implemented once per provider.
type Gateway interface {
	Provider() models.Gateway

	// Initiate registers the charge with the provider.
	Initiate(ctx context.Context, req *InitiateRequest) (*Handle, error)

	// VerifyCallback authenticates and decodes a provider notification.
	// It returns ErrBadSignature or ErrMalformed for payloads that must
	// not change any state.
	VerifyCallback(ctx context.Context, header http.Header, body []byte) (*Callback, error)
}

// minorUnits converts an amount into the integer subunits most APIs expect.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
