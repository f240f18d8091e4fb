package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"cafa-ticket/internal/inventory"
	"cafa-ticket/internal/lock"
	"cafa-ticket/internal/notify"
	"cafa-ticket/internal/services/gateway"
	"cafa-ticket/internal/store"
	"cafa-ticket/models"
	"cafa-ticket/utils"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSignatureHeader = "X-Test-Signature"

var (
	organizer = Actor{ID: "org-1"}
	staff     = Actor{ID: "staff-1", Staff: true}
	buyerA    = Actor{ID: "buyer-a"}
	buyerB    = Actor{ID: "buyer-b"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testPublisher struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (p *testPublisher) Publish(msg notify.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *testPublisher) kinds() []notify.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Kind, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Kind)
	}
	return out
}

func (p *testPublisher) last(kind notify.Kind) (notify.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if p.msgs[i].Kind == kind {
			return p.msgs[i], true
		}
	}
	return notify.Message{}, false
}

// testGateway accepts callbacks carrying the header X-Test-Signature: valid.
type testGateway struct {
	provider models.Gateway

	mu        sync.Mutex
	initiated int
}

type testCallback struct {
	Reference string          `json:"reference"`
	Outcome   gateway.Outcome `json:"outcome"`
	Amount    decimal.Decimal `json:"amount"`
}

func (g *testGateway) Provider() models.Gateway { return g.provider }

func (g *testGateway) Initiate(_ context.Context, req *gateway.InitiateRequest) (*gateway.Handle, error) {
	g.mu.Lock()
	g.initiated++
	g.mu.Unlock()
	return &gateway.Handle{
		Provider:    g.provider,
		Reference:   req.Reference,
		RedirectURL: "https://pay.example.com/" + req.Reference,
	}, nil
}

func (g *testGateway) VerifyCallback(_ context.Context, header http.Header, body []byte) (*gateway.Callback, error) {
	if header.Get(testSignatureHeader) != "valid" {
		return nil, gateway.ErrBadSignature
	}
	var cb testCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, gateway.ErrMalformed
	}
	return &gateway.Callback{
		Provider:  g.provider,
		Event:     "test." + string(cb.Outcome),
		Reference: cb.Reference,
		Outcome:   cb.Outcome,
		Amount:    cb.Amount,
	}, nil
}

type harness struct {
	clock    *testClock
	store    *store.Memory
	ledger   *inventory.MemoryLedger
	pub      *testPublisher
	gw       *testGateway
	codes    *utils.Signer
	catalog  *CatalogService
	orders   *OrderService
	payments *PaymentService
	checkin  *CheckInService
	sweeper  *Sweeper
	deps     Deps
	registry *gateway.Registry

	event   *models.Event
	general *models.TicketTier
	vip     *models.TicketTier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:  clock,
		store:  store.NewMemory(),
		ledger: inventory.NewMemoryLedger(inventory.WithClock(clock.Now), inventory.WithTTL(10*time.Minute)),
		pub:    &testPublisher{},
		gw:     &testGateway{provider: models.GatewayPaystack},
		codes:  utils.NewSigner([]byte("ticket-verification-key")),
	}

	deps := Deps{
		Store:     h.store,
		Ledger:    h.ledger,
		Locker:    lock.NewLocal(),
		Publisher: h.pub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       clock.Now,
	}

	registry := gateway.NewRegistry(nil)
	registry.Add(h.gw)
	manual, err := gateway.NewManual(models.GatewayCash, &gateway.ManualConfig{Key: []byte("manual-payments-key")})
	require.NoError(t, err)
	registry.Add(manual)

	h.deps, h.registry = deps, registry
	h.catalog = NewCatalogService(deps)
	h.orders = NewOrderService(deps, OrderConfig{ServiceFeeRate: models.DefaultServiceFeeRate, Currency: "GHS"}, registry)
	h.payments = NewPaymentService(deps, registry, h.codes, "https://tickets.example.com/return")
	h.checkin = NewCheckInService(deps, 2*time.Hour)
	h.sweeper = NewSweeper(deps, h.orders, time.Minute)

	start := clock.Now().Add(7 * 24 * time.Hour)
	h.event, err = h.catalog.CreateEvent(context.Background(), organizer, &models.Event{
		Title:     "Highlife Night",
		Venue:     "Accra",
		StartTime: start,
		EndTime:   start.Add(4 * time.Hour),
	})
	require.NoError(t, err)

	h.general = h.addTier(t, "General", "500.00", 10, 0)
	h.vip = h.addTier(t, "VIP", "1000.00", 2, 2)
	return h
}

func (h *harness) addTier(t *testing.T, name, price string, total, max int) *models.TicketTier {
	t.Helper()
	tier, err := h.catalog.AddTier(context.Background(), organizer, &models.TicketTier{
		EventID:     h.event.ID,
		Name:        name,
		Price:       decimal.RequireFromString(price),
		Total:       total,
		MaxPurchase: max,
		Active:      true,
	})
	require.NoError(t, err)
	return tier
}

func attendees(n int) []models.Attendee {
	out := make([]models.Attendee, n)
	for i := range out {
		out[i] = models.Attendee{Name: fmt.Sprintf("Guest %d", i+1), Email: fmt.Sprintf("guest%d@example.com", i+1)}
	}
	return out
}

func line(tier *models.TicketTier, qty int) ItemInput {
	return ItemInput{TierID: tier.ID, Quantity: qty, Attendees: attendees(qty)}
}

func (h *harness) orderInput(buyer Actor, items ...ItemInput) CreateOrderInput {
	return CreateOrderInput{
		EventID:    h.event.ID,
		BuyerID:    buyer.ID,
		BuyerName:  "Buyer " + buyer.ID,
		BuyerEmail: buyer.ID + "@example.com",
		Gateway:    models.GatewayPaystack,
		Items:      items,
	}
}

func (h *harness) createOrder(t *testing.T, buyer Actor, items ...ItemInput) *models.Order {
	t.Helper()
	o, err := h.orders.Create(context.Background(), h.orderInput(buyer, items...))
	require.NoError(t, err)
	return o
}

// pendingPayment creates an order and starts its checkout.
func (h *harness) pendingPayment(t *testing.T, buyer Actor, items ...ItemInput) (*models.Order, *gateway.Handle) {
	t.Helper()
	o := h.createOrder(t, buyer, items...)
	handle, err := h.payments.Initiate(context.Background(), o.ID, buyer)
	require.NoError(t, err)
	return o, handle
}

func (h *harness) callback(reference string, outcome gateway.Outcome, amount decimal.Decimal) (*CallbackResult, error) {
	body, _ := json.Marshal(testCallback{Reference: reference, Outcome: outcome, Amount: amount})
	header := http.Header{}
	header.Set(testSignatureHeader, "valid")
	return h.payments.HandleCallback(context.Background(), models.GatewayPaystack, header, body)
}

func (h *harness) counters(t *testing.T, tier *models.TicketTier) inventory.Counters {
	t.Helper()
	c, err := h.ledger.Snapshot(context.Background(), tier.ID)
	require.NoError(t, err)
	return c
}

func (h *harness) details(t *testing.T, orderID string) *OrderDetails {
	t.Helper()
	d, err := h.orders.Get(context.Background(), orderID, staff)
	require.NoError(t, err)
	return d
}
