package handlers

import (
	"log/slog"
	"net/http"

	"cafa-ticket/internal/services"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// AdminHandler serves the staff-only order operations.
type AdminHandler struct {
	orders   *services.OrderService
	payments *services.PaymentService
	sweeper  *services.Sweeper
	logger   *slog.Logger
}

func NewAdminHandler(orders *services.OrderService, payments *services.PaymentService, sweeper *services.Sweeper, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{orders: orders, payments: payments, sweeper: sweeper, logger: logger}
}

// RefundOrder - POST /api/orders/{orderId}/refund
func (h *AdminHandler) RefundOrder(e *core.RequestEvent) error {
	order, err := h.orders.Refund(e.Request.Context(), e.Request.PathValue("orderId"), actorFrom(e))
	if err != nil {
		return apiError(h.logger, err, "refund order")
	}
	return e.JSON(http.StatusOK, order)
}

// ConfirmPayment - POST /api/orders/{orderId}/confirm
//
// Records the outcome of a cash or bank transfer payment.
func (h *AdminHandler) ConfirmPayment(e *core.RequestEvent) error {
	var req struct {
		Received *bool `json:"received"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Received == nil {
		return apis.NewBadRequestError("received is required", nil)
	}

	res, err := h.payments.ConfirmManual(e.Request.Context(), e.Request.PathValue("orderId"), actorFrom(e), *req.Received)
	if err != nil {
		return apiError(h.logger, err, "confirm payment")
	}
	return e.JSON(http.StatusOK, res)
}

// ForceSweep - POST /api/admin/sweep
func (h *AdminHandler) ForceSweep(e *core.RequestEvent) error {
	if !actorFrom(e).Staff {
		return apis.NewForbiddenError("Staff access required", nil)
	}
	released, expired := h.sweeper.Sweep(e.Request.Context())
	return e.JSON(http.StatusOK, map[string]any{
		"released_reservations": released,
		"expired_orders":        expired,
	})
}
