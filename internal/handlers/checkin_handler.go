package handlers

import (
	"log/slog"
	"net/http"

	"cafa-ticket/internal/services"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type CheckInHandler struct {
	checkin *services.CheckInService
	logger  *slog.Logger
}

func NewCheckInHandler(checkin *services.CheckInService, logger *slog.Logger) *CheckInHandler {
	return &CheckInHandler{checkin: checkin, logger: logger}
}

// CheckIn - POST /api/events/{eventId}/checkin
func (h *CheckInHandler) CheckIn(e *core.RequestEvent) error {
	var req services.CheckInInput
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.TicketNumber == "" {
		return apis.NewBadRequestError("ticket_number is required", nil)
	}
	req.EventID = e.Request.PathValue("eventId")
	req.Actor = actorFrom(e)

	ticket, err := h.checkin.CheckIn(e.Request.Context(), req)
	if err != nil {
		return apiError(h.logger, err, "check in")
	}
	return e.JSON(http.StatusOK, map[string]any{
		"admitted":      true,
		"ticket_number": ticket.Number,
		"tier":          ticket.TierName,
		"attendee":      ticket.Attendee.Name,
		"checked_in_at": ticket.CheckedInAt,
	})
}

// Stats - GET /api/events/{eventId}/checkin/stats
func (h *CheckInHandler) Stats(e *core.RequestEvent) error {
	stats, err := h.checkin.Stats(e.Request.Context(), e.Request.PathValue("eventId"), actorFrom(e))
	if err != nil {
		return apiError(h.logger, err, "check-in stats")
	}
	return e.JSON(http.StatusOK, map[string]any{
		"event_id":   stats.EventID,
		"issued":     stats.Issued,
		"checked_in": stats.CheckedIn,
		"remaining":  stats.Remaining(),
	})
}
