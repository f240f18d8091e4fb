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

type EventHandler struct {
	catalog *services.CatalogService
	logger  *slog.Logger
}

func NewEventHandler(catalog *services.CatalogService, logger *slog.Logger) *EventHandler {
	return &EventHandler{catalog: catalog, logger: logger}
}

// CreateEvent - POST /api/events
func (h *EventHandler) CreateEvent(e *core.RequestEvent) error {
	var req models.Event
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	req.ID = ""

	event, err := h.catalog.CreateEvent(e.Request.Context(), actorFrom(e), &req)
	if err != nil {
		return apiError(h.logger, err, "create event")
	}
	return e.JSON(http.StatusCreated, event)
}

// AddTier - POST /api/events/{eventId}/tiers
func (h *EventHandler) AddTier(e *core.RequestEvent) error {
	var req models.TicketTier
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	req.ID = ""
	req.EventID = e.Request.PathValue("eventId")

	tier, err := h.catalog.AddTier(e.Request.Context(), actorFrom(e), &req)
	if err != nil {
		return apiError(h.logger, err, "add tier")
	}
	return e.JSON(http.StatusCreated, tier)
}

// ListTiers - GET /api/events/{eventId}/tiers
func (h *EventHandler) ListTiers(e *core.RequestEvent) error {
	eventID := e.Request.PathValue("eventId")
	ctx := e.Request.Context()

	event, err := h.catalog.Event(ctx, eventID)
	if err != nil {
		return apiError(h.logger, err, "get event")
	}
	actor := actorFrom(e)
	if event.Status == models.EventDraft && !actor.Staff && !actor.Owns(event.OrganizerID) {
		return apiError(h.logger, status.NotFound("event", eventID), "get event")
	}
	tiers, err := h.catalog.Tiers(ctx, eventID)
	if err != nil {
		return apiError(h.logger, err, "list tiers")
	}

	return e.JSON(http.StatusOK, map[string]any{
		"event": event,
		"tiers": tiers,
	})
}
