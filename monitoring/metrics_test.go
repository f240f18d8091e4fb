package monitoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cafa-ticket/internal/inventory"
	"cafa-ticket/internal/notify"
	"cafa-ticket/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestMonitor_Counters(t *testing.T) {
	m := NewMonitor(nil, discard())

	before := testutil.ToFloat64(callbacks.WithLabelValues("paystack", "completed"))
	m.TrackCallback(models.GatewayPaystack, "completed")
	m.TrackCallback(models.GatewayPaystack, "completed")
	assert.Equal(t, before+2, testutil.ToFloat64(callbacks.WithLabelValues("paystack", "completed")))

	before = testutil.ToFloat64(orders.WithLabelValues("cancelled"))
	m.TrackOrder(models.OrderCancelled)
	assert.Equal(t, before+1, testutil.ToFloat64(orders.WithLabelValues("cancelled")))

	swept := testutil.ToFloat64(sweptReservations)
	expired := testutil.ToFloat64(expiredOrders)
	m.TrackSweep(3, 1)
	assert.Equal(t, swept+3, testutil.ToFloat64(sweptReservations))
	assert.Equal(t, expired+1, testutil.ToFloat64(expiredOrders))

	failed := testutil.ToFloat64(notifications.WithLabelValues("mail", "order_completed", "failed"))
	m.TrackNotification("mail", notify.OrderCompleted, errors.New("smtp down"))
	assert.Equal(t, failed+1, testutil.ToFloat64(notifications.WithLabelValues("mail", "order_completed", "failed")))
}

func TestMonitor_CollectTierAvailability(t *testing.T) {
	ctx := context.Background()
	ledger := inventory.NewMemoryLedger(inventory.WithTTL(time.Minute))
	require.NoError(t, ledger.Provision(ctx, "metrics-general", 10))
	_, err := ledger.Reserve(ctx, "metrics-general", 4)
	require.NoError(t, err)

	m := NewMonitor(ledger, discard())
	m.collect(ctx)

	assert.Equal(t, float64(6), testutil.ToFloat64(tierAvailable.WithLabelValues("metrics-general")))
}

func TestMonitor_RunStopsWithContext(t *testing.T) {
	m := NewMonitor(nil, discard())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	NewMonitor(nil, discard()).TrackCheckIn("admitted")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ticket_checkins_total{result="admitted"}`)
}
