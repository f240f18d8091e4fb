// Package handlers exposes the ticketing services over the pocketbase router.
package handlers

import (
	"log/slog"
	"net/http"

	"cafa-ticket/internal/services"
	"cafa-ticket/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// StaffField is the bool field on the users collection that grants staff
// rights. Superusers are always staff.
const StaffField = "is_staff"

func actorFrom(e *core.RequestEvent) services.Actor {
	if e.Auth == nil {
		return services.Actor{}
	}
	return services.Actor{
		ID:    e.Auth.Id,
		Staff: e.HasSuperuserAuth() || e.Auth.GetBool(StaffField),
	}
}

func httpStatus(kind status.Kind) int {
	switch kind {
	case status.KindValidation, status.KindInvalidCallback:
		return http.StatusBadRequest
	case status.KindPermissionDenied:
		return http.StatusForbidden
	case status.KindNotFound, status.KindTicketNotFound:
		return http.StatusNotFound
	case status.KindInsufficientInventory, status.KindReservationExpired,
		status.KindConflict, status.KindTicketAlreadyUsed:
		return http.StatusConflict
	case status.KindTicketNotValid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// apiError turns a service error into the pocketbase error response. The
// kind goes out as data.code; internal details are logged, never returned.
func apiError(logger *slog.Logger, err error, op string) error {
	kind := status.KindOf(err)
	code := httpStatus(kind)

	message := err.Error()
	if code == http.StatusInternalServerError {
		logger.Error("Request failed", "op", op, "error", err)
		message = "Something went wrong while processing your request."
	}

	apiErr := apis.NewApiError(code, message, nil)
	apiErr.Data = map[string]any{"code": string(kind)}
	if subject := status.SubjectOf(err); subject != "" && code != http.StatusInternalServerError {
		apiErr.Data["subject"] = subject
	}
	return apiErr
}
