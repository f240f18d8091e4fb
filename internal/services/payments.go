package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cafa-ticket/internal/notify"
	"cafa-ticket/internal/services/gateway"
	"cafa-ticket/internal/status"
	"cafa-ticket/internal/store"
	"cafa-ticket/models"
	"cafa-ticket/utils"
)

type CallbackOutcome string

const (
	CallbackCompleted      CallbackOutcome = "completed"
	CallbackCancelled      CallbackOutcome = "cancelled"
	CallbackDuplicate      CallbackOutcome = "duplicate"
	CallbackIgnored        CallbackOutcome = "ignored"
	CallbackRefundRequired CallbackOutcome = "refund_required"
)

type CallbackResult struct {
	Outcome CallbackOutcome `json:"outcome"`
	OrderID string          `json:"order_id,omitempty"`
	Tickets int             `json:"tickets,omitempty"`
}

// Gateways resolves the enabled payment gateways.
type Gateways interface {
	GatewaySet
	Get(provider models.Gateway) (gateway.Gateway, error)
}

// PaymentService hands orders to their gateway and applies the gateway's
// verdict. Callbacks are deduplicated by external reference and completion
// holds the order lock so it cannot interleave with a cancel.
type PaymentService struct {
	Deps
	gateways    Gateways
	codes       *utils.Signer
	callbackURL string
}

func NewPaymentService(d Deps, gateways Gateways, codes *utils.Signer, callbackURL string) *PaymentService {
	return &PaymentService{Deps: d.withDefaults(), gateways: gateways, codes: codes, callbackURL: callbackURL}
}

// Initiate starts the buyer's checkout with the order's gateway. Calling
// it again returns the checkout already started.
func (s *PaymentService) Initiate(ctx context.Context, orderID string, actor Actor) (*gateway.Handle, error) {
	unlock, err := s.Locker.Lock(ctx, orderLockKey(orderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var order *models.Order
	var payment *models.Payment
	err = s.Store.Tx(ctx, func(tx store.Tx) (err error) {
		if order, err = tx.Order(orderID); err != nil {
			return err
		}
		payment, err = tx.PaymentByOrder(orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !actor.Owns(order.BuyerID) {
		return nil, status.PermissionDenied("order %s belongs to another buyer", orderID)
	}
	if !order.Status.Open() {
		return nil, status.Conflict("order %s is %s", orderID, order.Status)
	}
	if payment.Initiated() {
		return storedHandle(payment), nil
	}
	now := s.Now()
	if order.Expired(now) {
		return nil, status.ReservationExpired(orderID)
	}

	gw, err := s.gateways.Get(order.Gateway)
	if err != nil {
		return nil, status.Validation("payment gateway %s is not available", order.Gateway)
	}
	handle, err := gw.Initiate(ctx, &gateway.InitiateRequest{
		Reference:   payment.ID,
		OrderID:     order.ID,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Email:       order.BuyerEmail,
		Name:        order.BuyerName,
		CallbackURL: s.callbackURL,
		ExpiresAt:   order.ReservationExpiresAt,
	})
	if err != nil {
		s.Logger.Error("Failed to initiate payment", "error", err, "order_id", orderID, "gateway", order.Gateway)
		return nil, err
	}

	err = s.Store.Tx(ctx, func(tx store.Tx) error {
		payment.ExternalReference = handle.Reference
		payment.RedirectURL = handle.RedirectURL
		payment.AccessCode = handle.AccessCode
		payment.Instructions = handle.Instructions
		payment.UpdatedAt = now
		if err := tx.UpdatePayment(payment); err != nil {
			return err
		}
		if order.Status == models.OrderPending {
			if err := order.Transition(models.OrderProcessing, now); err != nil {
				return err
			}
			return tx.UpdateOrder(order)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Tracker.TrackOrder(order.Status)
	s.Logger.Info("Payment initiated", "order_id", orderID, "payment_id", payment.ID, "gateway", order.Gateway)
	return handle, nil
}

func storedHandle(p *models.Payment) *gateway.Handle {
	return &gateway.Handle{
		Provider:     p.Gateway,
		Reference:    p.ExternalReference,
		RedirectURL:  p.RedirectURL,
		AccessCode:   p.AccessCode,
		Instructions: p.Instructions,
	}
}

// HandleCallback verifies a gateway notification and settles the order
// it refers to. Rejected callbacks change nothing.
func (s *PaymentService) HandleCallback(ctx context.Context, provider models.Gateway, header http.Header, body []byte) (*CallbackResult, error) {
	gw, err := s.gateways.Get(provider)
	if err != nil {
		s.Tracker.TrackCallback(provider, "rejected")
		return nil, status.InvalidCallback(err)
	}
	cb, err := gw.VerifyCallback(ctx, header, body)
	if err != nil {
		s.Tracker.TrackCallback(provider, "rejected")
		s.Logger.Warn("Payment callback rejected", "gateway", provider, "error", err)
		return nil, status.InvalidCallback(err)
	}

	res, err := s.settle(ctx, cb)
	if err != nil {
		if status.KindOf(err) == status.KindInvalidCallback {
			s.Tracker.TrackCallback(provider, "rejected")
		}
		return nil, err
	}

	s.Tracker.TrackCallback(provider, string(res.Outcome))
	s.Logger.Info("Payment callback handled",
		"gateway", provider, "event", cb.Event, "reference", cb.Reference, "outcome", res.Outcome, "order_id", res.OrderID)
	return res, nil
}

func (s *PaymentService) settle(ctx context.Context, cb *gateway.Callback) (*CallbackResult, error) {
	if cb.Outcome == gateway.OutcomePending {
		return &CallbackResult{Outcome: CallbackIgnored}, nil
	}

	var orderID string
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		p, err := tx.PaymentByReference(cb.Provider, cb.Reference)
		if err != nil {
			return err
		}
		orderID = p.OrderID
		return nil
	})
	if errors.Is(err, status.ErrNotFound) {
		return nil, status.InvalidCallback(err)
	}
	if err != nil {
		return nil, err
	}

	unlock, err := s.Locker.Lock(ctx, orderLockKey(orderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var order *models.Order
	var payment *models.Payment
	err = s.Store.Tx(ctx, func(tx store.Tx) (err error) {
		if order, err = tx.Order(orderID); err != nil {
			return err
		}
		payment, err = tx.PaymentByOrder(orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if cb.Outcome == gateway.OutcomeFailed {
		return s.fail(ctx, order, payment)
	}

	if !cb.Amount.Equal(payment.Amount) {
		return nil, status.InvalidCallback(status.Validation("paid %s, expected %s", cb.Amount.StringFixed(2), payment.Amount.StringFixed(2)))
	}
	if cb.Currency != "" && !strings.EqualFold(cb.Currency, payment.Currency) {
		return nil, status.InvalidCallback(status.Validation("paid in %s, expected %s", cb.Currency, payment.Currency))
	}
	return s.succeed(ctx, order, payment)
}

func (s *PaymentService) fail(ctx context.Context, order *models.Order, payment *models.Payment) (*CallbackResult, error) {
	res := &CallbackResult{OrderID: order.ID}
	if payment.Status != models.PaymentPending || !order.Status.Open() {
		res.Outcome = CallbackDuplicate
		return res, nil
	}

	now := s.Now()
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		if err := order.Transition(models.OrderCancelled, now); err != nil {
			return err
		}
		order.CancelReason = "payment failed"
		payment.Status = models.PaymentFailed
		payment.UpdatedAt = now
		if err := tx.UpdateOrder(order); err != nil {
			return err
		}
		return tx.UpdatePayment(payment)
	})
	if err != nil {
		return nil, err
	}

	s.releaseAll(ctx, order.ID, order.ReservationTokens())
	s.Tracker.TrackOrder(order.Status)
	s.Publisher.Publish(orderMessage(notify.OrderCancelled, order, now))
	res.Outcome = CallbackCancelled
	return res, nil
}

func (s *PaymentService) succeed(ctx context.Context, order *models.Order, payment *models.Payment) (*CallbackResult, error) {
	res := &CallbackResult{OrderID: order.ID}
	if payment.Status == models.PaymentSuccess {
		res.Outcome = CallbackDuplicate
		return res, nil
	}

	now := s.Now()
	if !order.Status.Open() {
		// Paid after the order was cancelled: keep the money on record
		// and flag it for a refund.
		return s.refundDue(ctx, order, payment, now, "order "+string(order.Status)+" before payment arrived")
	}

	if err := s.secureInventory(ctx, order, now); err != nil {
		if !isInventoryLoss(err) {
			return nil, err
		}
		s.Logger.Warn("Inventory lost before payment", "order_id", order.ID, "error", err)
		if err := s.cancelPaid(ctx, order, now); err != nil {
			return nil, err
		}
		return s.refundDue(ctx, order, payment, now, "tickets sold out before payment arrived")
	}

	var tickets []*models.Ticket
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		if err := order.Transition(models.OrderCompleted, now); err != nil {
			return err
		}
		if err := tx.UpdateOrder(order); err != nil {
			return err
		}

		payment.Status = models.PaymentSuccess
		payment.CompletedAt = &now
		payment.UpdatedAt = now
		if err := tx.UpdatePayment(payment); err != nil {
			return err
		}

		var err error
		tickets, err = s.issueTickets(tx, order, now)
		return err
	})
	if err != nil {
		// Nothing was stored, so the committed units go back on sale. The
		// order stays open: a redelivered callback reserves again and the
		// sweeper expires it otherwise.
		s.revertAll(ctx, order.ID, order.ReservationTokens())
		s.Logger.Error("Failed to complete order", "error", err, "order_id", order.ID)
		return nil, err
	}

	s.Tracker.TrackOrder(order.Status)
	msg := orderMessage(notify.OrderCompleted, order, now)
	msg.Tickets = ticketSummaries(tickets)
	s.Publisher.Publish(msg)

	res.Outcome = CallbackCompleted
	res.Tickets = len(tickets)
	return res, nil
}

// secureInventory commits every hold of the order. Holds that lapsed are
// replaced with fresh reservations first so a late payment can still be
// honoured while capacity remains. On failure every hold of the order is
// reverted, committed or not.
func (s *PaymentService) secureInventory(ctx context.Context, order *models.Order, now time.Time) error {
	var renewed []string
	for i := range order.Items {
		item := &order.Items[i]
		if item.ReservationToken != "" && now.Before(item.ReservationExpiresAt) {
			continue
		}
		r, err := s.Ledger.Reserve(ctx, item.TierID, item.Quantity)
		if err != nil {
			s.releaseAll(ctx, order.ID, renewed)
			return err
		}
		s.Tracker.TrackReservation(item.TierID, "renewed")
		renewed = append(renewed, r.Token)
		s.releaseAll(ctx, order.ID, []string{item.ReservationToken})
		item.ReservationToken = r.Token
		item.ReservationExpiresAt = r.ExpiresAt
	}

	var committed []string
	for i := range order.Items {
		item := &order.Items[i]
		err := s.Ledger.Commit(ctx, item.ReservationToken)
		if isInventoryLoss(err) {
			// The hold lapsed between the check above and the commit.
			err = s.recommit(ctx, order.ID, item)
		}
		if err != nil {
			if len(committed) > 0 {
				s.Logger.Warn("Reverting partial commit", "order_id", order.ID, "tier_id", item.TierID)
			}
			s.revertAll(ctx, order.ID, order.ReservationTokens())
			return err
		}
		committed = append(committed, item.ReservationToken)
	}
	return nil
}

// recommit takes a fresh hold for item and commits it straight away.
func (s *PaymentService) recommit(ctx context.Context, orderID string, item *models.LineItem) error {
	r, err := s.Ledger.Reserve(ctx, item.TierID, item.Quantity)
	if err != nil {
		return err
	}
	if err := s.Ledger.Commit(ctx, r.Token); err != nil {
		s.releaseAll(ctx, orderID, []string{r.Token})
		return err
	}
	item.ReservationToken = r.Token
	item.ReservationExpiresAt = r.ExpiresAt
	return nil
}

func isInventoryLoss(err error) bool {
	switch status.KindOf(err) {
	case status.KindInsufficientInventory, status.KindReservationExpired, status.KindNotFound:
		return true
	}
	return false
}

func (s *PaymentService) cancelPaid(ctx context.Context, order *models.Order, now time.Time) error {
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		if err := order.Transition(models.OrderCancelled, now); err != nil {
			return err
		}
		order.CancelReason = "tickets sold out before payment arrived"
		return tx.UpdateOrder(order)
	})
	if err != nil {
		return err
	}
	s.releaseAll(ctx, order.ID, order.ReservationTokens())
	s.Tracker.TrackOrder(order.Status)
	return nil
}

func (s *PaymentService) refundDue(ctx context.Context, order *models.Order, payment *models.Payment, now time.Time, reason string) (*CallbackResult, error) {
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		payment.Status = models.PaymentSuccess
		payment.RefundDue = true
		payment.CompletedAt = &now
		payment.UpdatedAt = now
		return tx.UpdatePayment(payment)
	})
	if err != nil {
		return nil, err
	}

	msg := orderMessage(notify.RefundRequired, order, now)
	msg.Reason = reason
	s.Publisher.Publish(msg)
	s.Logger.Warn("Payment needs refund", "order_id", order.ID, "payment_id", payment.ID, "reason", reason)
	return &CallbackResult{Outcome: CallbackRefundRequired, OrderID: order.ID}, nil
}

func (s *PaymentService) issueTickets(tx store.Tx, order *models.Order, now time.Time) ([]*models.Ticket, error) {
	tickets := make([]*models.Ticket, 0, order.TicketCount())
	for _, item := range order.Items {
		for _, a := range item.Attendees {
			number, err := utils.NewTicketNumber()
			if err != nil {
				return nil, err
			}
			t := &models.Ticket{
				Number:           number,
				OrderID:          order.ID,
				EventID:          order.EventID,
				TierID:           item.TierID,
				TierName:         item.TierName,
				OwnerID:          order.BuyerID,
				Attendee:         a,
				PricePaid:        item.UnitPrice,
				Status:           models.TicketValid,
				VerificationCode: s.codes.Sign([]byte(number)),
				IssuedAt:         now,
			}
			if err := tx.InsertTicket(t); err != nil {
				return nil, err
			}
			tickets = append(tickets, t)
		}
	}
	return tickets, nil
}

func ticketSummaries(tickets []*models.Ticket) []notify.TicketSummary {
	out := make([]notify.TicketSummary, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, notify.TicketSummary{
			Number:           t.Number,
			TierName:         t.TierName,
			AttendeeName:     t.Attendee.Name,
			AttendeeEmail:    t.Attendee.Email,
			VerificationCode: t.VerificationCode,
		})
	}
	return out
}

// ResendTickets mails the valid tickets of a completed order again and
// returns how many went out.
func (s *PaymentService) ResendTickets(ctx context.Context, orderID string, actor Actor) (int, error) {
	var (
		order   *models.Order
		tickets []*models.Ticket
	)
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		o, err := tx.Order(orderID)
		if err != nil {
			return err
		}
		if !actor.Staff && !actor.Owns(o.BuyerID) {
			return status.PermissionDenied("order %s belongs to another buyer", orderID)
		}
		if o.Status != models.OrderCompleted {
			return status.Conflict("order %s is %s; tickets are only sent for completed orders", orderID, o.Status)
		}
		all, err := tx.TicketsByOrder(orderID)
		if err != nil {
			return err
		}
		for _, t := range all {
			if t.Status == models.TicketValid {
				tickets = append(tickets, t)
			}
		}
		order = o
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(tickets) == 0 {
		return 0, status.NotFound("valid tickets of order", orderID)
	}

	msg := orderMessage(notify.TicketsResent, order, s.Now())
	msg.Tickets = ticketSummaries(tickets)
	if !s.Publisher.Publish(msg) {
		return 0, fmt.Errorf("queue tickets of order %s: notification queue unavailable", orderID)
	}
	s.Logger.Info("Tickets resent", "order_id", orderID, "requested_by", actor.ID, "tickets", len(tickets))
	return len(tickets), nil
}

// ConfirmManual records a cash or bank transfer payment counted by staff.
// The confirmation is signed and goes through HandleCallback like any
// gateway notification.
func (s *PaymentService) ConfirmManual(ctx context.Context, orderID string, actor Actor, received bool) (*CallbackResult, error) {
	if !actor.Staff {
		return nil, status.PermissionDenied("only staff can confirm manual payments")
	}

	var payment *models.Payment
	err := s.Store.Tx(ctx, func(tx store.Tx) (err error) {
		if payment, err = tx.PaymentByOrder(orderID); err != nil {
			return err
		}
		if payment.Initiated() {
			return nil
		}
		payment.ExternalReference = payment.ID
		payment.UpdatedAt = s.Now()
		return tx.UpdatePayment(payment)
	})
	if err != nil {
		return nil, err
	}

	gw, err := s.gateways.Get(payment.Gateway)
	if err != nil {
		return nil, status.Validation("payment gateway %s is not available", payment.Gateway)
	}
	manual, ok := gw.(*gateway.Manual)
	if !ok {
		return nil, status.Validation("order %s is paid through %s, not a manual gateway", orderID, payment.Gateway)
	}

	outcome := gateway.OutcomeFailed
	if received {
		outcome = gateway.OutcomeSuccess
	}
	header, body, err := manual.Confirmation(payment.ExternalReference, outcome, payment.Amount, payment.Currency)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Manual payment confirmed", "order_id", orderID, "confirmed_by", actor.ID, "received", received)
	return s.HandleCallback(ctx, payment.Gateway, header, body)
}
