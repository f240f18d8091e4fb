package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"cafa-ticket/models"
)

const PaystackSignatureHeader = "X-Paystack-Signature"

type PaystackConfig struct {
	SecretKey string
	BaseURL   string
}

type Paystack struct {
	cfg *PaystackConfig
	api *apiClient
}

func NewPaystack(cfg *PaystackConfig, api *apiClient) *Paystack {
	return &Paystack{cfg: cfg, api: api}
}

func (p *Paystack) Provider() models.Gateway { return models.GatewayPaystack }

type paystackInitResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

func (p *Paystack) Initiate(ctx context.Context, req *InitiateRequest) (*Handle, error) {
	payload, err := json.Marshal(map[string]any{
		"email":        req.Email,
		"amount":       minorUnits(req.Amount),
		"currency":     req.Currency,
		"reference":    req.Reference,
		"callback_url": req.CallbackURL,
		"metadata":     map[string]any{"order_id": req.OrderID},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+"/transaction/initialize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	var resp paystackInitResponse
	if err := p.api.do(ctx, httpReq, &resp); err != nil {
		return nil, fmt.Errorf("paystack initialize %s: %w", req.Reference, err)
	}
	if !resp.Status || resp.Data.AuthorizationURL == "" {
		return nil, fmt.Errorf("paystack initialize %s: %s", req.Reference, resp.Message)
	}

	ref := resp.Data.Reference
	if ref == "" {
		ref = req.Reference
	}
	return &Handle{
		Provider:    models.GatewayPaystack,
		Reference:   ref,
		RedirectURL: resp.Data.AuthorizationURL,
		AccessCode:  resp.Data.AccessCode,
	}, nil
}

type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	} `json:"data"`
}

// VerifyCallback checks the HMAC-SHA512 of the raw body against the
// X-Paystack-Signature header.
func (p *Paystack) VerifyCallback(_ context.Context, header http.Header, body []byte) (*Callback, error) {
	sig, err := hex.DecodeString(header.Get(PaystackSignatureHeader))
	if err != nil || len(sig) == 0 {
		return nil, ErrBadSignature
	}
	mac := hmac.New(sha512.New, []byte(p.cfg.SecretKey))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return nil, ErrBadSignature
	}

	var evt paystackEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.Event == "" || evt.Data.Reference == "" {
		return nil, ErrMalformed
	}

	cb := &Callback{
		Provider:  models.GatewayPaystack,
		Event:     evt.Event,
		Reference: evt.Data.Reference,
		Amount:    fromMinorUnits(evt.Data.Amount),
		Currency:  evt.Data.Currency,
		Outcome:   OutcomePending,
	}
	switch {
	case evt.Event == "charge.success" && evt.Data.Status == "success":
		cb.Outcome = OutcomeSuccess
	case evt.Event == "charge.failed", evt.Data.Status == "failed", evt.Data.Status == "abandoned":
		cb.Outcome = OutcomeFailed
	}
	return cb, nil
}
