package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"cafa-ticket/models"

	"github.com/shopspring/decimal"
)

const FlutterwaveSignatureHeader = "verif-hash"

type FlutterwaveConfig struct {
	SecretKey  string
	SecretHash string
	BaseURL    string
}

type Flutterwave struct {
	cfg *FlutterwaveConfig
	api *apiClient
}

func NewFlutterwave(cfg *FlutterwaveConfig, api *apiClient) *Flutterwave {
	return &Flutterwave{cfg: cfg, api: api}
}

func (f *Flutterwave) Provider() models.Gateway { return models.GatewayFlutterwave }

type flutterwaveInitResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

func (f *Flutterwave) Initiate(ctx context.Context, req *InitiateRequest) (*Handle, error) {
	payload, err := json.Marshal(map[string]any{
		"tx_ref":       req.Reference,
		"amount":       req.Amount.StringFixed(2),
		"currency":     req.Currency,
		"redirect_url": req.CallbackURL,
		"customer":     map[string]string{"email": req.Email, "name": req.Name},
		"meta":         map[string]string{"order_id": req.OrderID},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, strings.TrimRight(f.cfg.BaseURL, "/")+"/v3/payments", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+f.cfg.SecretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	var resp flutterwaveInitResponse
	if err := f.api.do(ctx, httpReq, &resp); err != nil {
		return nil, fmt.Errorf("flutterwave payment %s: %w", req.Reference, err)
	}
	if resp.Status != "success" || resp.Data.Link == "" {
		return nil, fmt.Errorf("flutterwave payment %s: %s", req.Reference, resp.Message)
	}

	return &Handle{
		Provider:    models.GatewayFlutterwave,
		Reference:   req.Reference,
		RedirectURL: resp.Data.Link,
	}, nil
}

type flutterwaveEvent struct {
	Event string `json:"event"`
	Data  struct {
		TxRef    string          `json:"tx_ref"`
		Status   string          `json:"status"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	} `json:"data"`
}

// VerifyCallback compares the verif-hash header with the configured secret hash.
func (f *Flutterwave) VerifyCallback(_ context.Context, header http.Header, body []byte) (*Callback, error) {
	got := header.Get(FlutterwaveSignatureHeader)
	if got == "" || f.cfg.SecretHash == "" || subtle.ConstantTimeCompare([]byte(got), []byte(f.cfg.SecretHash)) != 1 {
		return nil, ErrBadSignature
	}

	var evt flutterwaveEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.Data.TxRef == "" {
		return nil, ErrMalformed
	}

	cb := &Callback{
		Provider:  models.GatewayFlutterwave,
		Event:     evt.Event,
		Reference: evt.Data.TxRef,
		Amount:    evt.Data.Amount,
		Currency:  evt.Data.Currency,
		Outcome:   OutcomePending,
	}
	if evt.Event == "charge.completed" {
		switch evt.Data.Status {
		case "successful":
			cb.Outcome = OutcomeSuccess
		case "failed", "cancelled":
			cb.Outcome = OutcomeFailed
		}
	}
	return cb, nil
}
