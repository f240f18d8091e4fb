package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"cafa-ticket/internal/services"
	"cafa-ticket/internal/status"
	"cafa-ticket/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// Gateways send small JSON or form bodies; anything larger is not a
// notification.
const maxWebhookBody = 1 << 20

type PaymentHandler struct {
	payments *services.PaymentService
	logger   *slog.Logger
}

func NewPaymentHandler(payments *services.PaymentService, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, logger: logger}
}

// Pay - POST /api/orders/{orderId}/pay
//
// Starts checkout with the order's gateway. Calling it again returns the
// same redirect.
func (h *PaymentHandler) Pay(e *core.RequestEvent) error {
	handle, err := h.payments.Initiate(e.Request.Context(), e.Request.PathValue("orderId"), actorFrom(e))
	if err != nil {
		return apiError(h.logger, err, "initiate payment")
	}
	return e.JSON(http.StatusOK, handle)
}

// ResendTickets - POST /api/orders/{orderId}/resend
func (h *PaymentHandler) ResendTickets(e *core.RequestEvent) error {
	orderID := e.Request.PathValue("orderId")
	sent, err := h.payments.ResendTickets(e.Request.Context(), orderID, actorFrom(e))
	if err != nil {
		return apiError(h.logger, err, "resend tickets")
	}
	return e.JSON(http.StatusAccepted, map[string]any{"order_id": orderID, "tickets": sent})
}

// Webhook - POST /api/payments/webhook/{gateway}
func (h *PaymentHandler) Webhook(e *core.RequestEvent) error {
	provider := models.Gateway(e.Request.PathValue("gateway"))

	body, err := io.ReadAll(io.LimitReader(e.Request.Body, maxWebhookBody+1))
	if err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if len(body) > maxWebhookBody {
		return apiError(h.logger, status.InvalidCallback(status.Validation("body larger than %d bytes", maxWebhookBody)), "payment webhook")
	}

	res, err := h.payments.HandleCallback(e.Request.Context(), provider, e.Request.Header, body)
	if err != nil {
		return apiError(h.logger, err, "payment webhook")
	}
	return e.JSON(http.StatusOK, res)
}
