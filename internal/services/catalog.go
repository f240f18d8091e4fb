package services

import (
	"context"
	"errors"

	"cafa-ticket/internal/status"
	"cafa-ticket/internal/store"
	"cafa-ticket/models"
)

type CatalogService struct {
	Deps
}

func NewCatalogService(d Deps) *CatalogService {
	return &CatalogService{Deps: d.withDefaults()}
}

// CreateEvent stores a new event organised by actor. Events are published
// unless another status is given.
func (s *CatalogService) CreateEvent(ctx context.Context, actor Actor, e *models.Event) (*models.Event, error) {
	if actor.ID == "" {
		return nil, status.PermissionDenied("authentication required")
	}
	e.OrganizerID = actor.ID
	if e.Status == "" {
		e.Status = models.EventPublished
	}
	switch e.Status {
	case models.EventDraft, models.EventPublished:
	default:
		return nil, status.Validation("new events must be draft or published")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.CreatedAt = s.Now()

	if err := s.Store.Tx(ctx, func(tx store.Tx) error { return tx.InsertEvent(e) }); err != nil {
		return nil, err
	}

	s.Logger.Info("Event created", "event_id", e.ID, "organizer_id", e.OrganizerID)
	return e, nil
}

func (s *CatalogService) Event(ctx context.Context, id string) (*models.Event, error) {
	var e *models.Event
	err := s.Store.Tx(ctx, func(tx store.Tx) (err error) {
		e, err = tx.Event(id)
		return err
	})
	return e, err
}

// AddTier stores a tier and provisions its capacity in the ledger. Only
// the event organizer or staff may add tiers.
func (s *CatalogService) AddTier(ctx context.Context, actor Actor, t *models.TicketTier) (*models.TicketTier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.Sold, t.Reserved = 0, 0
	t.CreatedAt = s.Now()

	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		e, err := tx.Event(t.EventID)
		if err != nil {
			return err
		}
		if !actor.Staff && !actor.Owns(e.OrganizerID) {
			return status.PermissionDenied("only the organizer can add tiers to event %s", e.ID)
		}
		if err := tx.InsertTier(t); err != nil {
			return err
		}
		// A ledger failure rolls the tier back.
		return s.Ledger.Provision(ctx, t.ID, t.Total)
	})
	if err != nil {
		return nil, err
	}

	s.Tracker.TrackTierAvailability(t.ID, t.Total)
	s.Logger.Info("Tier added", "event_id", t.EventID, "tier_id", t.ID, "total", t.Total)
	return t, nil
}

// Tiers lists an event's tiers with live sold and reserved counts.
func (s *CatalogService) Tiers(ctx context.Context, eventID string) ([]*models.TicketTier, error) {
	var tiers []*models.TicketTier
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		if _, err := tx.Event(eventID); err != nil {
			return err
		}
		var err error
		tiers, err = tx.TiersByEvent(eventID)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, t := range tiers {
		c, err := s.Ledger.Snapshot(ctx, t.ID)
		if errors.Is(err, status.ErrNotFound) {
			s.Logger.Warn("Tier missing from ledger", "tier_id", t.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		t.Total, t.Sold, t.Reserved = c.Total, c.Sold, c.Reserved
		s.Tracker.TrackTierAvailability(t.ID, c.Available())
	}
	return tiers, nil
}
