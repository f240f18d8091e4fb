package status

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can react without string matching.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindInsufficientInventory Kind = "insufficient_inventory"
	KindReservationExpired    Kind = "reservation_expired"
	KindInvalidCallback       Kind = "invalid_callback"
	KindTicketAlreadyUsed     Kind = "ticket_already_used"
	KindTicketNotFound        Kind = "ticket_not_found"
	KindTicketNotValid        Kind = "ticket_not_valid"
	KindPermissionDenied      Kind = "permission_denied"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindInternal              Kind = "internal"
)

// Sentinels for errors.Is checks. Any *Error with the same Kind matches.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrInsufficientInventory = &Error{Kind: KindInsufficientInventory}
	ErrReservationExpired    = &Error{Kind: KindReservationExpired}
	ErrInvalidCallback       = &Error{Kind: KindInvalidCallback}
	ErrTicketAlreadyUsed     = &Error{Kind: KindTicketAlreadyUsed}
	ErrTicketNotFound        = &Error{Kind: KindTicketNotFound}
	ErrTicketNotValid        = &Error{Kind: KindTicketNotValid}
	ErrPermissionDenied      = &Error{Kind: KindPermissionDenied}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrConflict              = &Error{Kind: KindConflict}
)

type Error struct {
	Kind    Kind
	Message string
	// Subject names the entity the error is about, e.g. the tier that ran out.
	Subject string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// SubjectOf returns the subject of the first *Error in err's chain.
func SubjectOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Subject
	}
	return ""
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }

func InsufficientInventory(tierID string, requested, available int) error {
	return &Error{
		Kind:    KindInsufficientInventory,
		Subject: tierID,
		Message: fmt.Sprintf("tier %s: requested %d, available %d", tierID, requested, available),
	}
}

func ReservationExpired(token string) error {
	return &Error{Kind: KindReservationExpired, Subject: token, Message: "reservation " + token + " expired"}
}

func InvalidCallback(err error) error {
	return &Error{Kind: KindInvalidCallback, Message: "invalid payment callback", Err: err}
}

func TicketAlreadyUsed(number string) error {
	return &Error{Kind: KindTicketAlreadyUsed, Subject: number, Message: "ticket " + number + " already checked in"}
}

func TicketNotFound(number string) error {
	return &Error{Kind: KindTicketNotFound, Subject: number, Message: "ticket " + number + " not found"}
}

func TicketNotValid(number, reason string) error {
	return &Error{Kind: KindTicketNotValid, Subject: number, Message: "ticket " + number + " not valid: " + reason}
}

func PermissionDenied(format string, args ...any) error {
	return newf(KindPermissionDenied, format, args...)
}

func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Subject: id, Message: entity + " " + id + " not found"}
}

func Conflict(format string, args ...any) error { return newf(KindConflict, format, args...) }
