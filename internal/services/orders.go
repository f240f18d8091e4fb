package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"cafa-ticket/internal/notify"
	"cafa-ticket/internal/status"
	"cafa-ticket/internal/store"
	"cafa-ticket/models"
	"cafa-ticket/utils"

	"github.com/shopspring/decimal"
)

const staleBatchSize = 100

// GatewaySet reports which payment gateways accept new orders.
type GatewaySet interface {
	Enabled(provider models.Gateway) bool
}

type OrderConfig struct {
	ServiceFeeRate decimal.Decimal
	Currency       string
}

type ItemInput struct {
	TierID    string            `json:"tier_id"`
	Quantity  int               `json:"quantity"`
	Attendees []models.Attendee `json:"attendees"`
}

type CreateOrderInput struct {
	EventID    string         `json:"event_id"`
	BuyerID    string         `json:"-"`
	BuyerName  string         `json:"buyer_name"`
	BuyerEmail string         `json:"buyer_email"`
	BuyerPhone string         `json:"buyer_phone"`
	Gateway    models.Gateway `json:"gateway"`
	Notes      string         `json:"notes"`
	Items      []ItemInput    `json:"items"`
}

type OrderDetails struct {
	Order   *models.Order    `json:"order"`
	Payment *models.Payment  `json:"payment,omitempty"`
	Tickets []*models.Ticket `json:"tickets"`
}

// OrderService assembles orders against the inventory ledger and owns
// cancellation and refunds.
type OrderService struct {
	Deps
	cfg      OrderConfig
	gateways GatewaySet
}

func NewOrderService(d Deps, cfg OrderConfig, gateways GatewaySet) *OrderService {
	if cfg.ServiceFeeRate.IsZero() {
		cfg.ServiceFeeRate = models.DefaultServiceFeeRate
	}
	if cfg.Currency == "" {
		cfg.Currency = "GHS"
	}
	return &OrderService{Deps: d.withDefaults(), cfg: cfg, gateways: gateways}
}

// Create validates the request, reserves every line all-or-nothing and
// stores the order as pending together with its payment record.
func (s *OrderService) Create(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	started := s.Now()
	defer func() { s.Tracker.TrackAssembly(s.Now().Sub(started)) }()

	if in.BuyerID == "" {
		return nil, status.PermissionDenied("authentication required")
	}
	if len(in.Items) == 0 {
		return nil, status.Validation("order must contain at least one item")
	}
	if in.Gateway == "" {
		return nil, status.Validation("payment gateway is required")
	}
	if !s.gateways.Enabled(in.Gateway) {
		return nil, status.Validation("payment gateway %s is not available", in.Gateway)
	}
	if strings.TrimSpace(in.BuyerEmail) == "" {
		return nil, status.Validation("buyer email is required")
	}

	now := s.Now()
	order := &models.Order{
		EventID:    in.EventID,
		BuyerID:    in.BuyerID,
		BuyerName:  strings.TrimSpace(in.BuyerName),
		BuyerEmail: strings.TrimSpace(in.BuyerEmail),
		BuyerPhone: strings.TrimSpace(in.BuyerPhone),
		Currency:   s.cfg.Currency,
		Gateway:    in.Gateway,
		Status:     models.OrderPending,
		Notes:      in.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		items, err := s.buildItems(tx, in, now)
		order.Items = items
		return err
	})
	if err != nil {
		return nil, err
	}
	order.ApplyPricing(models.PriceItems(order.Items, s.cfg.ServiceFeeRate))

	if err := s.reserve(ctx, order); err != nil {
		return nil, err
	}

	payment, err := s.persist(ctx, order, now)
	if err != nil {
		s.releaseAll(ctx, order.ID, order.ReservationTokens())
		return nil, err
	}

	s.Tracker.TrackOrder(order.Status)
	s.Logger.Info("Order created",
		"order_id", order.ID, "payment_id", payment.ID, "buyer_id", order.BuyerID,
		"event_id", order.EventID, "total", order.Total.StringFixed(2), "tickets", order.TicketCount())
	return order, nil
}

func (s *OrderService) buildItems(tx store.Tx, in CreateOrderInput, now time.Time) ([]models.LineItem, error) {
	event, err := tx.Event(in.EventID)
	if err != nil {
		return nil, err
	}
	if event.Status != models.EventPublished {
		return nil, status.Validation("event %s is not open for sales", event.ID)
	}
	if !now.Before(event.EndTime) {
		return nil, status.Validation("event %s has ended", event.ID)
	}

	seen := make(map[string]bool, len(in.Items))
	items := make([]models.LineItem, 0, len(in.Items))
	for _, it := range in.Items {
		if seen[it.TierID] {
			return nil, status.Validation("tier %s appears more than once", it.TierID)
		}
		seen[it.TierID] = true

		tier, err := tx.Tier(it.TierID)
		if err != nil {
			return nil, err
		}
		if tier.EventID != event.ID {
			return nil, status.Validation("tier %s does not belong to event %s", tier.ID, event.ID)
		}
		if !tier.Active {
			return nil, status.Validation("%s is not available", tier.Name)
		}
		if !tier.OnSale(now) {
			return nil, status.Validation("%s is not on sale", tier.Name)
		}
		if err := tier.CheckQuantity(it.Quantity); err != nil {
			return nil, err
		}

		item := models.LineItem{
			TierID:    tier.ID,
			TierName:  tier.Name,
			Quantity:  it.Quantity,
			UnitPrice: tier.Price,
			Attendees: it.Attendees,
		}
		if err := item.CheckAttendees(); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// reserve holds every line or none of them.
func (s *OrderService) reserve(ctx context.Context, order *models.Order) error {
	var held []string
	for i := range order.Items {
		item := &order.Items[i]
		res, err := s.Ledger.Reserve(ctx, item.TierID, item.Quantity)
		if err != nil {
			s.Tracker.TrackReservation(item.TierID, string(status.KindOf(err)))
			s.releaseAll(ctx, order.ID, held)
			s.Logger.Info("Order reservation failed", "tier_id", item.TierID, "quantity", item.Quantity, "error", err)
			return err
		}
		s.Tracker.TrackReservation(item.TierID, "reserved")
		held = append(held, res.Token)

		item.ReservationToken = res.Token
		item.ReservationExpiresAt = res.ExpiresAt
		if order.ReservationExpiresAt.IsZero() || res.ExpiresAt.Before(order.ReservationExpiresAt) {
			order.ReservationExpiresAt = res.ExpiresAt
		}
	}
	return nil
}

func (s *OrderService) persist(ctx context.Context, order *models.Order, now time.Time) (*models.Payment, error) {
	orderID, err := utils.NewOrderNumber()
	if err != nil {
		return nil, err
	}
	paymentID, err := utils.NewPaymentNumber()
	if err != nil {
		return nil, err
	}
	order.ID = orderID

	payment := &models.Payment{
		ID:        paymentID,
		OrderID:   orderID,
		Gateway:   order.Gateway,
		Amount:    order.Total,
		Currency:  order.Currency,
		Status:    models.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.Store.Tx(ctx, func(tx store.Tx) error {
		if err := tx.InsertOrder(order); err != nil {
			return err
		}
		return tx.InsertPayment(payment)
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// Get returns an order with its payment and tickets to its buyer or staff.
func (s *OrderService) Get(ctx context.Context, id string, actor Actor) (*OrderDetails, error) {
	var d OrderDetails
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		o, err := tx.Order(id)
		if err != nil {
			return err
		}
		if !actor.Staff && !actor.Owns(o.BuyerID) {
			return status.PermissionDenied("order %s belongs to another buyer", id)
		}
		d.Order = o

		if d.Payment, err = tx.PaymentByOrder(id); err != nil && status.KindOf(err) != status.KindNotFound {
			return err
		}
		d.Tickets, err = tx.TicketsByOrder(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *OrderService) ListMine(ctx context.Context, actor Actor) ([]*models.Order, error) {
	if actor.ID == "" {
		return nil, status.PermissionDenied("authentication required")
	}
	var orders []*models.Order
	err := s.Store.Tx(ctx, func(tx store.Tx) (err error) {
		orders, err = tx.OrdersByBuyer(actor.ID)
		return err
	})
	return orders, err
}

// MyTickets lists the actor's tickets, newest first. An empty state
// matches every ticket.
func (s *OrderService) MyTickets(ctx context.Context, actor Actor, state models.TicketStatus) ([]*models.Ticket, error) {
	if actor.ID == "" {
		return nil, status.PermissionDenied("authentication required")
	}
	var tickets []*models.Ticket
	err := s.Store.Tx(ctx, func(tx store.Tx) error {
		all, err := tx.TicketsByOwner(actor.ID)
		if err != nil {
			return err
		}
		for _, t := range all {
			if state == "" || t.Status == state {
				tickets = append(tickets, t)
			}
		}
		return nil
	})
	return tickets, err
}

// Cancel cancels an open order on behalf of its buyer or staff and
// returns its reserved units.
func (s *OrderService) Cancel(ctx context.Context, id string, actor Actor, reason string) (*models.Order, error) {
	if reason == "" {
		reason = "cancelled by buyer"
	}
	return s.cancel(ctx, id, reason, func(o *models.Order) error {
		if !actor.Staff && !actor.Owns(o.BuyerID) {
			return status.PermissionDenied("order %s belongs to another buyer", o.ID)
		}
		if !o.Status.Open() {
			return status.Conflict("order %s is %s and cannot be cancelled", o.ID, o.Status)
		}
		return nil
	})
}

// errSkip aborts a cancel without reporting a failure.
var errSkip = errors.New("order no longer stale")

// cancel serializes with payment completion through the order lock.
// check runs against the freshly loaded order inside the transaction.
func (s *OrderService) cancel(ctx context.Context, id, reason string, check func(*models.Order) error) (*models.Order, error) {
	unlock, err := s.Locker.Lock(ctx, orderLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.Now()
	var order *models.Order
	err = s.Store.Tx(ctx, func(tx store.Tx) error {
		o, err := tx.Order(id)
		if err != nil {
			return err
		}
		if err := check(o); err != nil {
			return err
		}
		if err := o.Transition(models.OrderCancelled, now); err != nil {
			return err
		}
		o.CancelReason = reason
		if err := tx.UpdateOrder(o); err != nil {
			return err
		}

		p, err := tx.PaymentByOrder(id)
		if err == nil && p.Status == models.PaymentPending {
			p.Status = models.PaymentFailed
			p.UpdatedAt = now
			err = tx.UpdatePayment(p)
		}
		if err != nil && status.KindOf(err) != status.KindNotFound {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.releaseAll(ctx, order.ID, order.ReservationTokens())
	s.Tracker.TrackOrder(order.Status)
	s.Publisher.Publish(orderMessage(notify.OrderCancelled, order, now))
	s.Logger.Info("Order cancelled", "order_id", order.ID, "reason", reason)
	return order, nil
}

// Refund moves a completed order to refunded and voids its unused
// tickets. Sold units are not returned to the tier.
func (s *OrderService) Refund(ctx context.Context, id string, actor Actor) (*models.Order, error) {
	if !actor.Staff {
		return nil, status.PermissionDenied("only staff can refund orders")
	}

	unlock, err := s.Locker.Lock(ctx, orderLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.Now()
	var order *models.Order
	err = s.Store.Tx(ctx, func(tx store.Tx) error {
		o, err := tx.Order(id)
		if err != nil {
			return err
		}
		if err := o.Transition(models.OrderRefunded, now); err != nil {
			return err
		}
		if err := tx.UpdateOrder(o); err != nil {
			return err
		}

		tickets, err := tx.TicketsByOrder(id)
		if err != nil {
			return err
		}
		for _, t := range tickets {
			if t.Status != models.TicketValid {
				continue
			}
			t.Status = models.TicketRefunded
			if err := tx.UpdateTicket(t); err != nil {
				return err
			}
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Tracker.TrackOrder(order.Status)
	s.Publisher.Publish(orderMessage(notify.OrderRefunded, order, now))
	s.Logger.Info("Order refunded", "order_id", order.ID, "refunded_by", actor.ID)
	return order, nil
}

// ExpireStale cancels open orders whose reservations have lapsed and
// reports how many it cancelled.
func (s *OrderService) ExpireStale(ctx context.Context) (int, error) {
	now := s.Now()
	var stale []*models.Order
	err := s.Store.Tx(ctx, func(tx store.Tx) (err error) {
		stale, err = tx.StaleOrders(now, staleBatchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range stale {
		_, err := s.cancel(ctx, o.ID, "reservation expired", func(cur *models.Order) error {
			if !cur.Expired(now) {
				return errSkip
			}
			return nil
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, errSkip):
		default:
			s.Logger.Error("Failed to expire order", "error", err, "order_id", o.ID)
		}
	}
	return expired, nil
}

func orderMessage(kind notify.Kind, o *models.Order, at time.Time) notify.Message {
	return notify.Message{
		Kind:       kind,
		OrderID:    o.ID,
		EventID:    o.EventID,
		BuyerID:    o.BuyerID,
		BuyerName:  o.BuyerName,
		BuyerEmail: o.BuyerEmail,
		Total:      o.Total,
		Currency:   o.Currency,
		Reason:     o.CancelReason,
		At:         at,
	}
}
