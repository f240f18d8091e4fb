package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"cafa-ticket/models"
	"cafa-ticket/utils"

	"github.com/shopspring/decimal"
)

const ManualSignatureHeader = "X-Signature"

type ManualConfig struct {
	// Key signs staff confirmations; derive it with utils.DeriveKey.
	Key          []byte
	Instructions string
}

// Manual settles cash and bank transfer orders. There is no outside
// provider: staff confirm receipt and the confirmation is signed so it
// follows the same verified callback path as online gateways.
type Manual struct {
	provider     models.Gateway
	signer       *utils.Signer
	instructions string
}

func NewManual(provider models.Gateway, cfg *ManualConfig) (*Manual, error) {
	if len(cfg.Key) == 0 {
		return nil, fmt.Errorf("%s gateway needs a signing key", provider)
	}
	instructions := cfg.Instructions
	if instructions == "" {
		if provider == models.GatewayCash {
			instructions = "Pay at the box office and quote your payment reference."
		} else {
			instructions = "Transfer the total and use your payment reference as the narration."
		}
	}
	return &Manual{provider: provider, signer: utils.NewSigner(cfg.Key), instructions: instructions}, nil
}

func (m *Manual) Provider() models.Gateway { return m.provider }

func (m *Manual) Initiate(_ context.Context, req *InitiateRequest) (*Handle, error) {
	return &Handle{
		Provider:  m.provider,
		Reference: req.Reference,
		Instructions: fmt.Sprintf("%s Amount: %s %s. Reference: %s.",
			m.instructions, req.Currency, req.Amount.StringFixed(2), req.Reference),
	}, nil
}

type manualConfirmation struct {
	Reference string          `json:"reference"`
	Status    Outcome         `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// Confirmation builds the signed callback staff submit after counting the money.
func (m *Manual) Confirmation(reference string, outcome Outcome, amount decimal.Decimal, currency string) (http.Header, []byte, error) {
	body, err := json.Marshal(manualConfirmation{Reference: reference, Status: outcome, Amount: amount, Currency: currency})
	if err != nil {
		return nil, nil, err
	}
	header := http.Header{}
	header.Set(ManualSignatureHeader, m.signer.Sign(body))
	return header, body, nil
}

func (m *Manual) VerifyCallback(_ context.Context, header http.Header, body []byte) (*Callback, error) {
	if !m.signer.Verify(body, header.Get(ManualSignatureHeader)) {
		return nil, ErrBadSignature
	}

	var c manualConfirmation
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.Reference == "" || (c.Status != OutcomeSuccess && c.Status != OutcomeFailed) {
		return nil, ErrMalformed
	}

	return &Callback{
		Provider:  m.provider,
		Event:     "manual." + string(c.Status),
		Reference: c.Reference,
		Outcome:   c.Status,
		Amount:    c.Amount,
		Currency:  c.Currency,
	}, nil
}
