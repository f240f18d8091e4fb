package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"cafa-ticket/internal/notify"
	"cafa-ticket/internal/services/gateway"
	"cafa-ticket/internal/status"
	"cafa-ticket/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// purchase completes an order and returns its tickets.
func (h *harness) purchase(t *testing.T, buyer Actor, items ...ItemInput) (*models.Order, []*models.Ticket) {
	t.Helper()
	o, handle := h.pendingPayment(t, buyer, items...)
	res, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)
	require.Equal(t, CallbackCompleted, res.Outcome)
	return o, h.details(t, o.ID).Tickets
}

// openDoors moves the clock to one hour before the event starts.
func (h *harness) openDoors() {
	h.clock.Advance(h.event.StartTime.Add(-time.Hour).Sub(h.clock.Now()))
}

func TestCheckInService_AdmitsOnce(t *testing.T) {
	h := newHarness(t)
	_, tickets := h.purchase(t, buyerA, line(h.general, 1))
	tkt := tickets[0]
	h.openDoors()

	in := CheckInInput{EventID: h.event.ID, TicketNumber: tkt.Number, Code: tkt.VerificationCode, Actor: organizer}
	got, err := h.checkin.CheckIn(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.TicketUsed, got.Status)
	assert.Equal(t, organizer.ID, got.CheckedInBy)
	assert.Equal(t, h.clock.Now(), *got.CheckedInAt)

	msg, ok := h.pub.last(notify.TicketCheckedIn)
	require.True(t, ok)
	assert.Equal(t, buyerA.ID, msg.BuyerID)
	assert.Equal(t, tkt.Number, msg.Tickets[0].Number)

	in.Actor = staff
	_, err = h.checkin.CheckIn(context.Background(), in)
	assert.ErrorIs(t, err, status.ErrTicketAlreadyUsed)
}

func TestCheckInService_Rejections(t *testing.T) {
	h := newHarness(t)
	order, tickets := h.purchase(t, buyerA, line(h.general, 2))
	refunded, refundedTickets := h.purchase(t, buyerB, line(h.vip, 1))
	_, err := h.orders.Refund(context.Background(), refunded.ID, staff)
	require.NoError(t, err)

	other, err := h.catalog.CreateEvent(context.Background(), organizer, &models.Event{
		Title:     "Afrobeats Brunch",
		Venue:     "Kumasi",
		StartTime: h.event.StartTime,
		EndTime:   h.event.EndTime,
	})
	require.NoError(t, err)

	tkt := tickets[0]
	tests := []struct {
		name    string
		in      CheckInInput
		wantErr error
	}{
		{
			name:    "unknown ticket",
			in:      CheckInInput{EventID: h.event.ID, TicketNumber: "TKT-0000000000000000", Actor: organizer},
			wantErr: status.ErrTicketNotFound,
		},
		{
			name:    "not the organizer",
			in:      CheckInInput{EventID: h.event.ID, TicketNumber: tkt.Number, Actor: buyerB},
			wantErr: status.ErrPermissionDenied,
		},
		{
			name:    "ticket holder cannot admit themselves",
			in:      CheckInInput{EventID: h.event.ID, TicketNumber: tkt.Number, Actor: buyerA},
			wantErr: status.ErrPermissionDenied,
		},
		{
			name:    "wrong event",
			in:      CheckInInput{EventID: other.ID, TicketNumber: tkt.Number, Actor: organizer},
			wantErr: status.ErrTicketNotValid,
		},
		{
			name:    "code mismatch",
			in:      CheckInInput{EventID: h.event.ID, TicketNumber: tkt.Number, Code: "forged", Actor: organizer},
			wantErr: status.ErrTicketNotValid,
		},
		{
			name:    "refunded ticket",
			in:      CheckInInput{EventID: h.event.ID, TicketNumber: refundedTickets[0].Number, Actor: staff},
			wantErr: status.ErrTicketNotValid,
		},
	}

	h.openDoors()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.checkin.CheckIn(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// None of the rejected attempts used a ticket.
	for _, tkt := range h.details(t, order.ID).Tickets {
		assert.Equal(t, models.TicketValid, tkt.Status)
	}
}

func TestCheckInService_Window(t *testing.T) {
	h := newHarness(t)
	_, tickets := h.purchase(t, buyerA, line(h.general, 1))
	in := CheckInInput{EventID: h.event.ID, TicketNumber: tickets[0].Number, Actor: organizer}

	_, err := h.checkin.CheckIn(context.Background(), in)
	assert.ErrorIs(t, err, status.ErrTicketNotValid)

	h.clock.Advance(h.event.EndTime.Add(time.Minute).Sub(h.clock.Now()))
	_, err = h.checkin.CheckIn(context.Background(), in)
	assert.ErrorIs(t, err, status.ErrTicketNotValid)

	h.clock.Advance(-2 * time.Hour)
	_, err = h.checkin.CheckIn(context.Background(), in)
	assert.NoError(t, err)
}

func TestCheckInService_ConcurrentScansAdmitOnce(t *testing.T) {
	h := newHarness(t)
	_, tickets := h.purchase(t, buyerA, line(h.general, 1))
	h.openDoors()

	var mu sync.Mutex
	admitted, used := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.checkin.CheckIn(context.Background(), CheckInInput{
				EventID:      h.event.ID,
				TicketNumber: tickets[0].Number,
				Actor:        staff,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else if assert.ErrorIs(t, err, status.ErrTicketAlreadyUsed) {
				used++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 19, used)
}

func TestCheckInService_Stats(t *testing.T) {
	h := newHarness(t)
	_, tickets := h.purchase(t, buyerA, line(h.general, 3))
	h.openDoors()

	_, err := h.checkin.CheckIn(context.Background(), CheckInInput{TicketNumber: tickets[0].Number, Actor: organizer})
	require.NoError(t, err)

	stats, err := h.checkin.Stats(context.Background(), h.event.ID, organizer)
	require.NoError(t, err)
	assert.Equal(t, models.CheckInStats{EventID: h.event.ID, Issued: 3, CheckedIn: 1}, stats)
	assert.Equal(t, 2, stats.Remaining())

	_, err = h.checkin.Stats(context.Background(), h.event.ID, buyerA)
	assert.ErrorIs(t, err, status.ErrPermissionDenied)
}
