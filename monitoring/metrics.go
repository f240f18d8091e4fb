package monitoring

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"cafa-ticket/internal/inventory"
	"cafa-ticket/internal/notify"
	"cafa-ticket/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_reservations_total",
			Help: "Inventory reservations by tier and result",
		},
		[]string{"tier_id", "result"},
	)

	orders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_orders_total",
			Help: "Order state transitions by resulting status",
		},
		[]string{"status"},
	)

	callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_payment_callbacks_total",
			Help: "Payment callbacks by gateway and outcome",
		},
		[]string{"gateway", "outcome"},
	)

	checkIns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_checkins_total",
			Help: "Check-in attempts by result",
		},
		[]string{"result"},
	)

	sweptReservations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticket_swept_reservations_total",
			Help: "Expired reservations released by the sweeper",
		},
	)

	expiredOrders = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticket_expired_orders_total",
			Help: "Orders cancelled because their reservations lapsed",
		},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_notifications_total",
			Help: "Notification deliveries by listener, kind and result",
		},
		[]string{"listener", "kind", "result"},
	)

	tierAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ticket_tier_available",
			Help: "Units of a tier that can still be reserved",
		},
		[]string{"tier_id"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)

	assemblyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticket_order_assembly_seconds",
			Help:    "Time to validate, price and reserve an order",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)
)

// TierSource is the part of the inventory ledger the monitor polls.
type TierSource interface {
	Tiers(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, tierID string) (inventory.Counters, error)
}

type Monitor struct {
	tiers  TierSource
	logger *slog.Logger
}

func NewMonitor(tiers TierSource, logger *slog.Logger) *Monitor {
	return &Monitor{tiers: tiers, logger: logger}
}

// Run refreshes the polled gauges every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) collect(ctx context.Context) {
	goroutineCount.Set(float64(runtime.NumGoroutine()))

	if m.tiers == nil {
		return
	}
	ids, err := m.tiers.Tiers(ctx)
	if err != nil {
		m.logger.Warn("Failed to list tiers for metrics", "error", err)
		return
	}
	for _, id := range ids {
		c, err := m.tiers.Snapshot(ctx, id)
		if err != nil {
			continue
		}
		m.TrackTierAvailability(id, c.Available())
	}
}

func (m *Monitor) TrackReservation(tierID, result string) {
	reservations.WithLabelValues(tierID, result).Inc()
}

func (m *Monitor) TrackOrder(status models.OrderStatus) {
	orders.WithLabelValues(string(status)).Inc()
}

func (m *Monitor) TrackCallback(gateway models.Gateway, outcome string) {
	callbacks.WithLabelValues(string(gateway), outcome).Inc()
}

func (m *Monitor) TrackCheckIn(result string) {
	checkIns.WithLabelValues(result).Inc()
}

func (m *Monitor) TrackSweep(released, expired int) {
	sweptReservations.Add(float64(released))
	expiredOrders.Add(float64(expired))
}

func (m *Monitor) TrackAssembly(d time.Duration) {
	assemblyDuration.Observe(d.Seconds())
}

func (m *Monitor) TrackTierAvailability(tierID string, available int) {
	tierAvailable.WithLabelValues(tierID).Set(float64(available))
}

// TrackNotification matches notify.ResultHook.
func (m *Monitor) TrackNotification(listener string, kind notify.Kind, err error) {
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	notifications.WithLabelValues(listener, string(kind), result).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server stopped", "error", err)
	}
}
