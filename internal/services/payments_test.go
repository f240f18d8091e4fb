package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cafa-ticket/internal/inventory"
	"cafa-ticket/internal/notify"
	"cafa-ticket/internal/services/gateway"
	"cafa-ticket/internal/status"
	"cafa-ticket/internal/store"
	"cafa-ticket/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentService_InitiateMovesOrderToProcessing(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t, buyerA, line(h.general, 1))

	_, err := h.payments.Initiate(context.Background(), o.ID, buyerB)
	assert.ErrorIs(t, err, status.ErrPermissionDenied)

	handle, err := h.payments.Initiate(context.Background(), o.ID, buyerA)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayPaystack, handle.Provider)
	assert.Contains(t, handle.RedirectURL, handle.Reference)

	again, err := h.payments.Initiate(context.Background(), o.ID, buyerA)
	require.NoError(t, err)
	assert.Equal(t, handle, again)
	assert.Equal(t, 1, h.gw.initiated)

	d := h.details(t, o.ID)
	assert.Equal(t, models.OrderProcessing, d.Order.Status)
	assert.Equal(t, handle.Reference, d.Payment.ExternalReference)
}

func TestPaymentService_InitiateRejectsClosedOrExpiredOrders(t *testing.T) {
	h := newHarness(t)
	cancelled := h.createOrder(t, buyerA, line(h.general, 1))
	_, err := h.orders.Cancel(context.Background(), cancelled.ID, buyerA, "")
	require.NoError(t, err)

	_, err = h.payments.Initiate(context.Background(), cancelled.ID, buyerA)
	assert.ErrorIs(t, err, status.ErrConflict)

	late := h.createOrder(t, buyerA, line(h.general, 1))
	h.clock.Advance(11 * time.Minute)
	_, err = h.payments.Initiate(context.Background(), late.ID, buyerA)
	assert.ErrorIs(t, err, status.ErrReservationExpired)
}

func TestPaymentService_SuccessCompletesOrderAndIssuesTickets(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 2), line(h.vip, 1))

	res, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)
	assert.Equal(t, CallbackCompleted, res.Outcome)
	assert.Equal(t, 3, res.Tickets)

	d := h.details(t, o.ID)
	assert.Equal(t, models.OrderCompleted, d.Order.Status)
	assert.NotNil(t, d.Order.CompletedAt)
	assert.Equal(t, models.PaymentSuccess, d.Payment.Status)
	require.Len(t, d.Tickets, 3)
	for _, tkt := range d.Tickets {
		assert.Len(t, tkt.Number, len("TKT-")+16)
		assert.Equal(t, models.TicketValid, tkt.Status)
		assert.Equal(t, buyerA.ID, tkt.OwnerID)
		assert.Equal(t, h.codes.Sign([]byte(tkt.Number)), tkt.VerificationCode)
		assert.NotEmpty(t, tkt.Attendee.Name)
	}

	assert.Equal(t, inventory.Counters{Total: 10, Sold: 2}, h.counters(t, h.general))
	assert.Equal(t, inventory.Counters{Total: 2, Sold: 1}, h.counters(t, h.vip))

	msg, ok := h.pub.last(notify.OrderCompleted)
	require.True(t, ok)
	assert.Len(t, msg.Tickets, 3)
	assert.Equal(t, "buyer-a@example.com", msg.BuyerEmail)
}

func TestPaymentService_DuplicateSuccessIsNoOp(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 2))

	first, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)
	second, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)
	late, err := h.callback(handle.Reference, gateway.OutcomeFailed, o.Total)
	require.NoError(t, err)

	assert.Equal(t, CallbackCompleted, first.Outcome)
	assert.Equal(t, CallbackDuplicate, second.Outcome)
	assert.Equal(t, CallbackDuplicate, late.Outcome)

	d := h.details(t, o.ID)
	assert.Equal(t, models.OrderCompleted, d.Order.Status)
	assert.Len(t, d.Tickets, 2)
	assert.Equal(t, inventory.Counters{Total: 10, Sold: 2}, h.counters(t, h.general))
}

func TestPaymentService_ConcurrentDuplicateCallbacks(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 3))

	var mu sync.Mutex
	outcomes := map[CallbackOutcome]int{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[CallbackCompleted])
	assert.Equal(t, 9, outcomes[CallbackDuplicate])
	assert.Len(t, h.details(t, o.ID).Tickets, 3)
	assert.Equal(t, 3, h.counters(t, h.general).Sold)
}

func TestPaymentService_FailureCancelsAndReleases(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 4))

	res, err := h.callback(handle.Reference, gateway.OutcomeFailed, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, CallbackCancelled, res.Outcome)

	d := h.details(t, o.ID)
	assert.Equal(t, models.OrderCancelled, d.Order.Status)
	assert.Equal(t, "payment failed", d.Order.CancelReason)
	assert.Equal(t, models.PaymentFailed, d.Payment.Status)
	assert.Empty(t, d.Tickets)
	assert.Equal(t, inventory.Counters{Total: 10}, h.counters(t, h.general))

	res, err = h.callback(handle.Reference, gateway.OutcomeFailed, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, CallbackDuplicate, res.Outcome)
}

func TestPaymentService_RejectsUnverifiableCallbacks(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 1))
	ctx := context.Background()

	_, err := h.payments.HandleCallback(ctx, models.GatewayPaystack, http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, status.ErrInvalidCallback)

	_, err = h.payments.HandleCallback(ctx, models.GatewayFlutterwave, http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, status.ErrInvalidCallback)

	header := http.Header{}
	header.Set(testSignatureHeader, "valid")
	_, err = h.payments.HandleCallback(ctx, models.GatewayPaystack, header, []byte(`not json`))
	assert.ErrorIs(t, err, status.ErrInvalidCallback)

	_, err = h.callback("PAY-UNKNOWN", gateway.OutcomeSuccess, o.Total)
	assert.ErrorIs(t, err, status.ErrInvalidCallback)

	_, err = h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total.Sub(decimal.NewFromInt(1)))
	assert.ErrorIs(t, err, status.ErrInvalidCallback)

	res, err := h.callback(handle.Reference, gateway.OutcomePending, o.Total)
	require.NoError(t, err)
	assert.Equal(t, CallbackIgnored, res.Outcome)

	d := h.details(t, o.ID)
	assert.Equal(t, models.OrderProcessing, d.Order.Status)
	assert.Equal(t, models.PaymentPending, d.Payment.Status)
	assert.Equal(t, inventory.Counters{Total: 10, Reserved: 1}, h.counters(t, h.general))
}

func TestPaymentService_LateSuccessRenewsReservation(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 2))

	h.clock.Advance(11 * time.Minute)
	assert.ErrorIs(t, h.ledger.Commit(context.Background(), o.Items[0].ReservationToken), status.ErrReservationExpired)

	res, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)
	assert.Equal(t, CallbackCompleted, res.Outcome)

	d := h.details(t, o.ID)
	assert.NotEqual(t, o.Items[0].ReservationToken, d.Order.Items[0].ReservationToken)
	assert.Equal(t, inventory.Counters{Total: 10, Sold: 2}, h.counters(t, h.general))
}

func TestPaymentService_LateSuccessAfterSelloutNeedsRefund(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.vip, 2))

	h.clock.Advance(11 * time.Minute)
	other := h.createOrder(t, buyerB, line(h.vip, 2))

	res, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)
	assert.Equal(t, CallbackRefundRequired, res.Outcome)

	d := h.details(t, o.ID)
	assert.Equal(t, models.OrderCancelled, d.Order.Status)
	assert.Equal(t, models.PaymentSuccess, d.Payment.Status)
	assert.True(t, d.Payment.RefundDue)
	assert.Empty(t, d.Tickets)

	assert.Equal(t, inventory.Counters{Total: 2, Reserved: 2}, h.counters(t, h.vip))
	assert.Equal(t, models.OrderPending, h.details(t, other.ID).Order.Status)

	msg, ok := h.pub.last(notify.RefundRequired)
	require.True(t, ok)
	assert.Equal(t, o.ID, msg.OrderID)

	res, err = h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)
	assert.Equal(t, CallbackDuplicate, res.Outcome)
}

func TestPaymentService_SuccessAfterCancelNeedsRefund(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 1))
	_, err := h.orders.Cancel(context.Background(), o.ID, buyerA, "")
	require.NoError(t, err)

	res, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)
	assert.Equal(t, CallbackRefundRequired, res.Outcome)
	assert.Equal(t, inventory.Counters{Total: 10}, h.counters(t, h.general))
}

func TestPaymentService_CancelAndCallbackRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		o, handle := h.pendingPayment(t, buyerA, line(h.general, 2))

		var cancelErr, cbErr error
		var res *CallbackResult
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = h.orders.Cancel(context.Background(), o.ID, buyerA, "")
		}()
		go func() {
			defer wg.Done()
			res, cbErr = h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
		}()
		wg.Wait()

		require.NoError(t, cbErr)
		c := h.counters(t, h.general)
		d := h.details(t, o.ID)

		if cancelErr == nil {
			assert.Equal(t, CallbackRefundRequired, res.Outcome)
			assert.Equal(t, models.OrderCancelled, d.Order.Status)
			assert.Equal(t, inventory.Counters{Total: 10}, c)
			assert.Empty(t, d.Tickets)
		} else {
			assert.ErrorIs(t, cancelErr, status.ErrConflict)
			assert.Equal(t, CallbackCompleted, res.Outcome)
			assert.Equal(t, models.OrderCompleted, d.Order.Status)
			assert.Equal(t, inventory.Counters{Total: 10, Sold: 2}, c)
			assert.Len(t, d.Tickets, 2)
		}
	}
}

func TestPaymentService_ConfirmManual(t *testing.T) {
	h := newHarness(t)
	in := h.orderInput(buyerA, line(h.general, 1))
	in.Gateway = models.GatewayCash
	o, err := h.orders.Create(context.Background(), in)
	require.NoError(t, err)

	handle, err := h.payments.Initiate(context.Background(), o.ID, buyerA)
	require.NoError(t, err)
	assert.Empty(t, handle.RedirectURL)
	assert.Contains(t, handle.Instructions, o.Total.StringFixed(2))
	assert.Contains(t, handle.Instructions, handle.Reference)

	_, err = h.payments.ConfirmManual(context.Background(), o.ID, buyerA, true)
	assert.ErrorIs(t, err, status.ErrPermissionDenied)

	res, err := h.payments.ConfirmManual(context.Background(), o.ID, staff, true)
	require.NoError(t, err)
	assert.Equal(t, CallbackCompleted, res.Outcome)
	assert.Equal(t, models.OrderCompleted, h.details(t, o.ID).Order.Status)

	res, err = h.payments.ConfirmManual(context.Background(), o.ID, staff, true)
	require.NoError(t, err)
	assert.Equal(t, CallbackDuplicate, res.Outcome)

	online := h.createOrder(t, buyerB, line(h.general, 1))
	_, err = h.payments.ConfirmManual(context.Background(), online.ID, staff, true)
	assert.ErrorIs(t, err, status.ErrValidation)
}

func TestPaymentService_ConfirmManualWithoutInitiate(t *testing.T) {
	h := newHarness(t)
	in := h.orderInput(buyerA, line(h.general, 1))
	in.Gateway = models.GatewayCash
	o, err := h.orders.Create(context.Background(), in)
	require.NoError(t, err)

	res, err := h.payments.ConfirmManual(context.Background(), o.ID, staff, false)
	require.NoError(t, err)
	assert.Equal(t, CallbackCancelled, res.Outcome)
	assert.Equal(t, inventory.Counters{Total: 10}, h.counters(t, h.general))
}

// ticketWriteFailure fails every InsertTicket while broken is set.
type ticketWriteFailure struct {
	store.Store
	broken atomic.Bool
}

func (s *ticketWriteFailure) Tx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.Tx(ctx, func(tx store.Tx) error {
		if s.broken.Load() {
			return fn(failingTicketTx{tx})
		}
		return fn(tx)
	})
}

type failingTicketTx struct{ store.Tx }

func (failingTicketTx) InsertTicket(*models.Ticket) error { return errors.New("disk full") }

// vanishingTier loses every hold of one tier at commit time and has no
// capacity left to replace it.
type vanishingTier struct {
	inventory.Ledger
	tierID string
}

func (l *vanishingTier) Commit(ctx context.Context, token string) error {
	if tier, _ := inventory.TierOf(token); tier == l.tierID {
		if err := l.Ledger.Release(ctx, token); err != nil {
			return err
		}
		return status.ReservationExpired(token)
	}
	return l.Ledger.Commit(ctx, token)
}

func (l *vanishingTier) Reserve(ctx context.Context, tierID string, quantity int) (*inventory.Reservation, error) {
	if tierID == l.tierID {
		return nil, status.InsufficientInventory(tierID, quantity, 0)
	}
	return l.Ledger.Reserve(ctx, tierID, quantity)
}

func (h *harness) failTicketWrites() *ticketWriteFailure {
	flaky := &ticketWriteFailure{Store: h.store}
	flaky.broken.Store(true)
	deps := h.deps
	deps.Store = flaky
	h.payments = NewPaymentService(deps, h.registry, h.codes, "https://tickets.example.com/return")
	return flaky
}

func TestPaymentService_FailedCompletionReturnsInventory(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 2))
	h.failTicketWrites()

	_, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.Error(t, err)

	d := h.details(t, o.ID)
	assert.Equal(t, models.OrderProcessing, d.Order.Status)
	assert.Equal(t, models.PaymentPending, d.Payment.Status)
	assert.Empty(t, d.Tickets)
	assert.Equal(t, inventory.Counters{Total: 10}, h.counters(t, h.general))

	h.clock.Advance(11 * time.Minute)
	_, expired := h.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, expired)
	assert.Equal(t, models.OrderCancelled, h.details(t, o.ID).Order.Status)
	assert.Equal(t, inventory.Counters{Total: 10}, h.counters(t, h.general))
}

func TestPaymentService_RedeliveryAfterFailedCompletion(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 2))
	flaky := h.failTicketWrites()

	_, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.Error(t, err)

	flaky.broken.Store(false)
	res, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)
	assert.Equal(t, CallbackCompleted, res.Outcome)
	assert.Len(t, h.details(t, o.ID).Tickets, 2)
	assert.Equal(t, inventory.Counters{Total: 10, Sold: 2}, h.counters(t, h.general))
}

func TestPaymentService_PartialCommitIsReverted(t *testing.T) {
	h := newHarness(t)
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 2), line(h.vip, 1))

	deps := h.deps
	deps.Ledger = &vanishingTier{Ledger: h.ledger, tierID: h.vip.ID}
	h.payments = NewPaymentService(deps, h.registry, h.codes, "https://tickets.example.com/return")

	res, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)
	assert.Equal(t, CallbackRefundRequired, res.Outcome)

	d := h.details(t, o.ID)
	assert.Equal(t, models.OrderCancelled, d.Order.Status)
	assert.True(t, d.Payment.RefundDue)
	assert.Empty(t, d.Tickets)
	assert.Equal(t, inventory.Counters{Total: 10}, h.counters(t, h.general))
	assert.Equal(t, inventory.Counters{Total: 2}, h.counters(t, h.vip))
}

func TestPaymentService_ResendTickets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 3))

	_, err := h.payments.ResendTickets(ctx, o.ID, buyerA)
	assert.ErrorIs(t, err, status.ErrConflict)

	_, err = h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)

	tickets := h.details(t, o.ID).Tickets
	require.Len(t, tickets, 3)
	require.NoError(t, h.store.Tx(ctx, func(tx store.Tx) error {
		_, err := tx.MarkTicketUsed(tickets[0].Number, staff.ID, h.clock.Now())
		return err
	}))

	_, err = h.payments.ResendTickets(ctx, o.ID, buyerB)
	assert.ErrorIs(t, err, status.ErrPermissionDenied)

	sent, err := h.payments.ResendTickets(ctx, o.ID, buyerA)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	msg, ok := h.pub.last(notify.TicketsResent)
	require.True(t, ok)
	assert.Equal(t, o.ID, msg.OrderID)
	assert.Equal(t, "buyer-a@example.com", msg.BuyerEmail)
	require.Len(t, msg.Tickets, 2)
	for _, tkt := range msg.Tickets {
		assert.NotEqual(t, tickets[0].Number, tkt.Number)
		assert.Equal(t, h.codes.Sign([]byte(tkt.Number)), tkt.VerificationCode)
	}

	sent, err = h.payments.ResendTickets(ctx, o.ID, staff)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	_, err = h.payments.ResendTickets(ctx, "ORD-MISSING", staff)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestPaymentService_ResendTicketsNeedsValidTickets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, handle := h.pendingPayment(t, buyerA, line(h.general, 1))
	_, err := h.callback(handle.Reference, gateway.OutcomeSuccess, o.Total)
	require.NoError(t, err)

	tkt := h.details(t, o.ID).Tickets[0]
	require.NoError(t, h.store.Tx(ctx, func(tx store.Tx) error {
		_, err := tx.MarkTicketUsed(tkt.Number, staff.ID, h.clock.Now())
		return err
	}))

	_, err = h.payments.ResendTickets(ctx, o.ID, buyerA)
	assert.ErrorIs(t, err, status.ErrNotFound)
	_, ok := h.pub.last(notify.TicketsResent)
	assert.False(t, ok)
}
