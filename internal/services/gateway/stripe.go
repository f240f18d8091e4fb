package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cafa-ticket/models"
)

const (
	StripeSignatureHeader = "Stripe-Signature"
	stripeTolerance       = 5 * time.Minute
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

type Stripe struct {
	cfg *StripeConfig
	api *apiClient
	now func() time.Time
}

func NewStripe(cfg *StripeConfig, api *apiClient, now func() time.Time) *Stripe {
	if now == nil {
		now = time.Now
	}
	return &Stripe{cfg: cfg, api: api, now: now}
}

func (s *Stripe) Provider() models.Gateway { return models.GatewayStripe }

type stripeSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Initiate opens a Checkout Session carrying our reference as
// client_reference_id, which Stripe echoes back in webhooks.
func (s *Stripe) Initiate(ctx context.Context, req *InitiateRequest) (*Handle, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.Reference)
	form.Set("customer_email", req.Email)
	form.Set("success_url", req.CallbackURL+"?reference="+url.QueryEscape(req.Reference))
	form.Set("cancel_url", req.CallbackURL+"?reference="+url.QueryEscape(req.Reference)+"&cancelled=1")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(minorUnits(req.Amount), 10))
	form.Set("line_items[0][price_data][product_data][name]", "Order "+req.OrderID)
	form.Set("metadata[order_id]", req.OrderID)

	httpReq, err := http.NewRequest(http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.SecretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", req.Reference)

	var sess stripeSession
	if err := s.api.do(ctx, httpReq, &sess); err != nil {
		return nil, fmt.Errorf("stripe checkout %s: %w", req.Reference, err)
	}
	if sess.URL == "" {
		return nil, fmt.Errorf("stripe checkout %s: no session url", req.Reference)
	}

	return &Handle{
		Provider:    models.GatewayStripe,
		Reference:   req.Reference,
		RedirectURL: sess.URL,
		AccessCode:  sess.ID,
	}, nil
}

type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ClientReferenceID string `json:"client_reference_id"`
			AmountTotal       int64  `json:"amount_total"`
			Currency          string `json:"currency"`
			PaymentStatus     string `json:"payment_status"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyCallback checks a "t=<unix>,v1=<hex>" signature over "<t>.<body>".
func (s *Stripe) VerifyCallback(_ context.Context, header http.Header, body []byte) (*Callback, error) {
	if err := s.verifySignature(header.Get(StripeSignatureHeader), body); err != nil {
		return nil, err
	}

	var evt stripeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj := evt.Data.Object
	if evt.Type == "" || obj.ClientReferenceID == "" {
		return nil, ErrMalformed
	}

	cb := &Callback{
		Provider:  models.GatewayStripe,
		Event:     evt.Type,
		Reference: obj.ClientReferenceID,
		Amount:    fromMinorUnits(obj.AmountTotal),
		Currency:  strings.ToUpper(obj.Currency),
		Outcome:   OutcomePending,
	}
	switch evt.Type {
	case "checkout.session.completed":
		if obj.PaymentStatus == "paid" {
			cb.Outcome = OutcomeSuccess
		}
	case "checkout.session.async_payment_succeeded":
		cb.Outcome = OutcomeSuccess
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		cb.Outcome = OutcomeFailed
	}
	return cb, nil
}

func (s *Stripe) verifySignature(header string, body []byte) error {
	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if b, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrBadSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if age := s.now().Sub(time.Unix(unix, 0)); age > stripeTolerance || age < -stripeTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrBadSignature
}
