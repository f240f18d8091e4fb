package services

import (
	"context"
	"crypto/subtle"
	"time"

	"cafa-ticket/internal/notify"
	"cafa-ticket/internal/status"
	"cafa-ticket/internal/store"
	"cafa-ticket/models"
)

type CheckInInput struct {
	EventID      string `json:"event_id"`
	TicketNumber string `json:"ticket_number"`
	// Code is the verification code printed with the ticket. It is
	// checked when present.
	Code  string `json:"verification_code"`
	Actor Actor  `json:"-"`
}

// CheckInService admits ticket holders. A ticket can be used once.
type CheckInService struct {
	Deps
	earlyWindow time.Duration
}

func NewCheckInService(d Deps, earlyWindow time.Duration) *CheckInService {
	return &CheckInService{Deps: d.withDefaults(), earlyWindow: earlyWindow}
}

func (s *CheckInService) CheckIn(ctx context.Context, in CheckInInput) (*models.Ticket, error) {
	now := s.Now()
	var ticket *models.Ticket
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		t, err := tx.Ticket(in.TicketNumber)
		if err != nil {
			return err
		}
		event, err := tx.Event(t.EventID)
		if err != nil {
			return err
		}
		if !in.Actor.Staff && !in.Actor.Owns(event.OrganizerID) {
			return status.PermissionDenied("only the organizer can check in tickets for event %s", event.ID)
		}
		if in.EventID != "" && t.EventID != in.EventID {
			return status.TicketNotValid(t.Number, "ticket is for a different event")
		}
		if in.Code != "" && subtle.ConstantTimeCompare([]byte(in.Code), []byte(t.VerificationCode)) != 1 {
			return status.TicketNotValid(t.Number, "verification code does not match")
		}
		switch t.Status {
		case models.TicketValid:
		case models.TicketUsed:
			return status.TicketAlreadyUsed(t.Number)
		default:
			return status.TicketNotValid(t.Number, "ticket is "+string(t.Status))
		}
		if !event.CheckInOpen(now, s.earlyWindow) {
			return status.TicketNotValid(t.Number, "check-in is not open for this event")
		}

		ok, err := tx.MarkTicketUsed(t.Number, in.Actor.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return status.TicketAlreadyUsed(t.Number)
		}
		t.Status = models.TicketUsed
		t.CheckedInAt = &now
		t.CheckedInBy = in.Actor.ID
		ticket = t
		return nil
	})
	if err != nil {
		s.Tracker.TrackCheckIn(string(status.KindOf(err)))
		return nil, err
	}

	s.Tracker.TrackCheckIn("admitted")
	s.Publisher.Publish(notify.Message{
		Kind:    notify.TicketCheckedIn,
		OrderID: ticket.OrderID,
		EventID: ticket.EventID,
		BuyerID: ticket.OwnerID,
		Tickets: []notify.TicketSummary{{Number: ticket.Number, TierName: ticket.TierName, AttendeeName: ticket.Attendee.Name}},
		At:      now,
	})
	s.Logger.Info("Ticket checked in", "ticket_number", ticket.Number, "event_id", ticket.EventID, "checked_in_by", in.Actor.ID)
	return ticket, nil
}

func (s *CheckInService) Stats(ctx context.Context, eventID string, actor Actor) (models.CheckInStats, error) {
	var stats models.CheckInStats
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		event, err := tx.Event(eventID)
		if err != nil {
			return err
		}
		if !actor.Staff && !actor.Owns(event.OrganizerID) {
			return status.PermissionDenied("only the organizer can view check-in stats for event %s", eventID)
		}
		stats, err = tx.CheckInStats(eventID)
		return err
	})
	return stats, err
}
