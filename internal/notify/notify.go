// Package notify delivers side effects of committed state changes
// (buyer messages, confirmation mail) outside the request path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	OrderCompleted  Kind = "order_completed"
	OrderCancelled  Kind = "order_cancelled"
	OrderRefunded   Kind = "order_refunded"
	RefundRequired  Kind = "refund_required"
	TicketCheckedIn Kind = "ticket_checked_in"
	TicketsResent   Kind = "tickets_resent"
)

type TicketSummary struct {
	Number           string `json:"ticket_number"`
	TierName         string `json:"tier_name"`
	AttendeeName     string `json:"attendee_name"`
	AttendeeEmail    string `json:"attendee_email,omitempty"`
	VerificationCode string `json:"verification_code,omitempty"`
}

// Message is emitted after the state change it describes has been stored.
type Message struct {
	Kind       Kind            `json:"type"`
	OrderID    string          `json:"order_id,omitempty"`
	EventID    string          `json:"event_id"`
	BuyerID    string          `json:"buyer_id"`
	BuyerName  string          `json:"buyer_name,omitempty"`
	BuyerEmail string          `json:"buyer_email,omitempty"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Tickets    []TicketSummary `json:"tickets,omitempty"`
	At         time.Time       `json:"at"`
}

type Listener interface {
	Name() string
	Handle(ctx context.Context, msg Message) error
}

// ResultHook observes every delivery attempt; err is nil on success.
type ResultHook func(listener string, kind Kind, err error)

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.timeout = d }
}

func WithResultHook(h ResultHook) Option {
	return func(disp *Dispatcher) { disp.hook = h }
}

// Dispatcher queues messages and hands them to listeners on a single
// worker goroutine. Publish never blocks the caller.
type Dispatcher struct {
	logger    *slog.Logger
	listeners []Listener
	timeout   time.Duration
	hook      ResultHook

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	done   chan struct{}
	start  sync.Once
}

func NewDispatcher(logger *slog.Logger, buffer int, listeners []Listener, opts ...Option) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		logger:    logger,
		listeners: listeners,
		timeout:   10 * time.Second,
		queue:     make(chan Message, buffer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish enqueues msg and reports whether it was accepted. A full or
// closed queue drops the message.
func (d *Dispatcher) Publish(msg Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("notification dropped, dispatcher closed", "kind", msg.Kind, "order_id", msg.OrderID)
		return false
	}

	select {
	case d.queue <- msg:
		return true
	default:
		d.logger.Warn("notification dropped, queue full", "kind", msg.Kind, "order_id", msg.OrderID)
		return false
	}
}

// Start runs the worker. ctx bounds listener calls; the worker itself
// stops when Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.start.Do(func() {
		go func() {
			defer close(d.done)
			for msg := range d.queue {
				d.deliver(ctx, msg)
			}
		}()
	})
}

// Close stops accepting messages, drains what is queued and waits for the
// worker. It must not be called before Start.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	for _, l := range d.listeners {
		err := d.call(ctx, l, msg)
		if err != nil {
			d.logger.Error("notification listener failed",
				"listener", l.Name(), "kind", msg.Kind, "order_id", msg.OrderID, "error", err)
		}
		if d.hook != nil {
			d.hook(l.Name(), msg.Kind, err)
		}
	}
}

func (d *Dispatcher) call(ctx context.Context, l Listener, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	return l.Handle(ctx, msg)
}
