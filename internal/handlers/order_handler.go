package handlers

import (
	"log/slog"
	"net/http"

	"cafa-ticket/internal/services"
	"cafa-ticket/internal/status"
	"cafa-ticket/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type OrderHandler struct {
	orders *services.OrderService
	logger *slog.Logger
}

func NewOrderHandler(orders *services.OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger}
}

// CreateOrder - POST /api/orders
func (h *OrderHandler) CreateOrder(e *core.RequestEvent) error {
	var req services.CreateOrderInput
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	actor := actorFrom(e)
	req.BuyerID = actor.ID
	if req.BuyerEmail == "" && e.Auth != nil {
		req.BuyerEmail = e.Auth.Email()
	}

	order, err := h.orders.Create(e.Request.Context(), req)
	if err != nil {
		return apiError(h.logger, err, "create order")
	}
	return e.JSON(http.StatusCreated, order)
}

// ListOrders - GET /api/orders
func (h *OrderHandler) ListOrders(e *core.RequestEvent) error {
	orders, err := h.orders.ListMine(e.Request.Context(), actorFrom(e))
	if err != nil {
		return apiError(h.logger, err, "list orders")
	}
	return e.JSON(http.StatusOK, map[string]any{"orders": orders})
}

// GetOrder - GET /api/orders/{orderId}
func (h *OrderHandler) GetOrder(e *core.RequestEvent) error {
	details, err := h.orders.Get(e.Request.Context(), e.Request.PathValue("orderId"), actorFrom(e))
	if err != nil {
		return apiError(h.logger, err, "get order")
	}
	return e.JSON(http.StatusOK, details)
}

// CancelOrder - POST /api/orders/{orderId}/cancel
func (h *OrderHandler) CancelOrder(e *core.RequestEvent) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if e.Request.ContentLength != 0 {
		if err := e.BindBody(&req); err != nil {
			return apis.NewBadRequestError("Invalid request", err)
		}
	}

	order, err := h.orders.Cancel(e.Request.Context(), e.Request.PathValue("orderId"), actorFrom(e), req.Reason)
	if err != nil {
		return apiError(h.logger, err, "cancel order")
	}
	return e.JSON(http.StatusOK, order)
}

// MyTickets - GET /api/tickets?status=valid
func (h *OrderHandler) MyTickets(e *core.RequestEvent) error {
	state := models.TicketStatus(e.Request.URL.Query().Get("status"))
	switch state {
	case "all":
		state = ""
	case "", models.TicketValid, models.TicketUsed, models.TicketCancelled, models.TicketRefunded:
	default:
		return apiError(h.logger, status.Validation("unknown ticket status %q", state), "list tickets")
	}

	tickets, err := h.orders.MyTickets(e.Request.Context(), actorFrom(e), state)
	if err != nil {
		return apiError(h.logger, err, "list tickets")
	}
	if tickets == nil {
		tickets = []*models.Ticket{}
	}
	return e.JSON(http.StatusOK, map[string]any{"tickets": tickets})
}
