package models

import (
	"strings"
	"time"

	"cafa-ticket/internal/status"
)

type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventPublished EventStatus = "published"
	EventCancelled EventStatus = "cancelled"
	EventCompleted EventStatus = "completed"
)

type Event struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Venue       string      `json:"venue"`
	OrganizerID string      `json:"organizer_id"`
	Status      EventStatus `json:"status"`
	StartTime   time.Time   `json:"start_time"`
	EndTime     time.Time   `json:"end_time"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (e *Event) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return status.Validation("event title is required")
	}
	if e.OrganizerID == "" {
		return status.Validation("event organizer is required")
	}
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		return status.Validation("event start and end time are required")
	}
	if !e.EndTime.After(e.StartTime) {
		return status.Validation("event must end after it starts")
	}
	return nil
}

// CheckInOpen reports whether attendees may be admitted at now. Doors open
// early before the start time and close when the event ends.
func (e *Event) CheckInOpen(now time.Time, early time.Duration) bool {
	if e.Status == EventCancelled {
		return false
	}
	return !now.Before(e.StartTime.Add(-early)) && !now.After(e.EndTime)
}
