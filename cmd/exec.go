package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"cafa-ticket/config"
	"cafa-ticket/internal/handlers"
	"cafa-ticket/internal/inventory"
	"cafa-ticket/internal/lock"
	"cafa-ticket/internal/notify"
	"cafa-ticket/internal/services"
	"cafa-ticket/internal/services/gateway"
	"cafa-ticket/internal/status"
	"cafa-ticket/internal/store"
	"cafa-ticket/models"
	"cafa-ticket/monitoring"
	"cafa-ticket/security"
	"cafa-ticket/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/pocketbase/pocketbase/tools/mailer"
	"github.com/redis/go-redis/v9"
)

const metricsInterval = 30 * time.Second

type routeHandlers struct {
	events   *handlers.EventHandler
	orders   *handlers.OrderHandler
	payments *handlers.PaymentHandler
	checkin  *handlers.CheckInHandler
	admin    *handlers.AdminHandler
}

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	logger := utils.NewLogger(cfg.Environment, cfg.LogLevel)
	slog.SetDefault(logger)

	secret := []byte(cfg.AppSecret)
	ticketKey, err := utils.DeriveKey(secret, utils.KeyTicketVerification)
	if err != nil {
		return fmt.Errorf("APP_SECRET must be set: %w", err)
	}

	// Initialize Redis
	redisClient, err := utils.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := inventory.NewRedisLedger(redisClient, inventory.WithTTL(cfg.ReservationTTL))
	monitor := monitoring.NewMonitor(ledger, logger)

	// Notifications go out after the state they describe is committed.
	listeners := []notify.Listener{
		notify.NewMailListener(
			func(m *mailer.Message) error { return app.NewMailClient().Send(m) },
			mail.Address{Name: cfg.MailFromName, Address: cfg.MailFromAddress},
		),
	}
	if cfg.PubNubPublishKey != "" {
		pn := notify.NewPubNubClient(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubSecretKey, cfg.PubNubUserID)
		listeners = append(listeners, notify.NewPubNubListener(notify.PubNubPublisher(pn)))
	}
	dispatcher := notify.NewDispatcher(logger, cfg.NotificationBuffer, listeners,
		notify.WithResultHook(monitor.TrackNotification))
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	registry, err := newGatewayRegistry(cfg, secret)
	if err != nil {
		return err
	}
	logger.Info("Payment gateways enabled", "providers", registry.Providers())

	// Initialize services
	deps := services.Deps{
		Store:     store.NewPocketBase(app),
		Ledger:    ledger,
		Locker:    lock.NewRedis(redisClient, cfg.OrderLockTTL),
		Publisher: dispatcher,
		Tracker:   monitor,
		Logger:    logger,
	}
	catalog := services.NewCatalogService(deps)
	orders := services.NewOrderService(deps, services.OrderConfig{
		ServiceFeeRate: cfg.ServiceFeeRate,
		Currency:       cfg.Currency,
	}, registry)
	payments := services.NewPaymentService(deps, registry, utils.NewSigner(ticketKey), cfg.PaymentCallbackURL)
	checkin := services.NewCheckInService(deps, cfg.CheckInEarlyWindow)
	sweeper := services.NewSweeper(deps, orders, cfg.SweepInterval)

	// Initialize handlers
	h := routeHandlers{
		events:   handlers.NewEventHandler(catalog, logger),
		orders:   handlers.NewOrderHandler(orders, logger),
		payments: handlers.NewPaymentHandler(payments, logger),
		checkin:  handlers.NewCheckInHandler(checkin, logger),
		admin:    handlers.NewAdminHandler(orders, payments, sweeper, logger),
	}
	limiter := security.NewRateLimiter(redisClient, cfg.RateLimitPerMinute, logger)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	setupTierHooks(app, ledger, logger)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		syncTiersToLedger(ctx, app, ledger, logger)

		// Start background tasks
		go sweeper.Run(ctx)
		go monitor.Run(ctx, metricsInterval)
		if cfg.EnableMetrics {
			go monitoring.Serve(ctx, ":"+cfg.MetricsPort, logger)
		}

		registerRoutes(e, h, limiter, redisClient)
		logger.Info("Server routes registered")

		return e.Next()
	})

	return app.Start()
}

func registerRoutes(e *core.ServeEvent, h routeHandlers, limiter *security.RateLimiter, redisClient *redis.Client) {
	auth := apis.RequireAuth()

	// Catalog
	e.Router.POST("/api/events", h.events.CreateEvent).Bind(auth)
	e.Router.POST("/api/events/{eventId}/tiers", h.events.AddTier).Bind(auth)
	e.Router.GET("/api/events/{eventId}/tiers", h.events.ListTiers)

	// Orders
	e.Router.POST("/api/orders", h.orders.CreateOrder).Bind(auth).BindFunc(limiter.Middleware("orders"))
	e.Router.GET("/api/orders", h.orders.ListOrders).Bind(auth)
	e.Router.GET("/api/orders/{orderId}", h.orders.GetOrder).Bind(auth)
	e.Router.POST("/api/orders/{orderId}/cancel", h.orders.CancelOrder).Bind(auth)
	e.Router.POST("/api/orders/{orderId}/pay", h.payments.Pay).Bind(auth)
	e.Router.POST("/api/orders/{orderId}/confirm", h.admin.ConfirmPayment).Bind(auth)
	e.Router.POST("/api/orders/{orderId}/refund", h.admin.RefundOrder).Bind(auth)
	e.Router.POST("/api/orders/{orderId}/resend", h.payments.ResendTickets).Bind(auth)
	e.Router.GET("/api/tickets", h.orders.MyTickets).Bind(auth)

	// Gateways authenticate themselves by signature.
	e.Router.POST("/api/payments/webhook/{gateway}", h.payments.Webhook)

	// Check-in
	e.Router.POST("/api/events/{eventId}/checkin", h.checkin.CheckIn).Bind(auth).BindFunc(limiter.Middleware("checkin"))
	e.Router.GET("/api/events/{eventId}/checkin/stats", h.checkin.Stats).Bind(auth)

	// Admin
	e.Router.POST("/api/admin/sweep", h.admin.ForceSweep).Bind(auth)

	// Health check
	e.Router.GET("/health", func(e *core.RequestEvent) error {
		if err := utils.RedisHealthCheck(e.Request.Context(), redisClient); err != nil {
			return e.JSON(503, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return e.JSON(200, map[string]string{"status": "healthy"})
	})
}

func newGatewayRegistry(cfg *config.Config, secret []byte) (*gateway.Registry, error) {
	registry := gateway.NewRegistry(gateway.NewFactory(cfg.GatewayTimeout))

	if cfg.PaystackSecretKey != "" {
		if err := registry.Register(models.GatewayPaystack, &gateway.PaystackConfig{
			SecretKey: cfg.PaystackSecretKey,
			BaseURL:   cfg.PaystackBaseURL,
		}); err != nil {
			return nil, err
		}
	}
	if cfg.StripeSecretKey != "" {
		if err := registry.Register(models.GatewayStripe, &gateway.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			BaseURL:       cfg.StripeBaseURL,
		}); err != nil {
			return nil, err
		}
	}
	if cfg.FlutterwaveSecretKey != "" {
		if err := registry.Register(models.GatewayFlutterwave, &gateway.FlutterwaveConfig{
			SecretKey:  cfg.FlutterwaveSecretKey,
			SecretHash: cfg.FlutterwaveSecretHash,
			BaseURL:    cfg.FlutterwaveBaseURL,
		}); err != nil {
			return nil, err
		}
	}

	if cfg.ManualPaymentsEnabled {
		key, err := utils.DeriveKey(secret, utils.KeyManualPayments)
		if err != nil {
			return nil, err
		}
		for _, provider := range []models.Gateway{models.GatewayCash, models.GatewayBankTransfer} {
			if err := registry.Register(provider, &gateway.ManualConfig{Key: key}); err != nil {
				return nil, err
			}
		}
	}

	return registry, nil
}

// syncTiersToLedger provisions every stored tier so a fresh Redis instance
// can take reservations straight away. Existing counters only get resized.
func syncTiersToLedger(ctx context.Context, app core.App, ledger inventory.Ledger, logger *slog.Logger) {
	records, err := app.FindAllRecords("ticket_tiers")
	if err != nil {
		logger.Error("Error fetching ticket tiers", "error", err)
		return
	}

	synced := 0
	for _, record := range records {
		if err := ledger.Provision(ctx, record.Id, record.GetInt("total")); err != nil {
			logger.Error("Failed to provision tier", "tier_id", record.Id, "error", err)
			continue
		}
		synced++
	}
	logger.Info("Synced ticket tiers to inventory", "count", synced)
}

// setupTierHooks keeps the ledger's capacity in step with tiers created,
// edited or removed through the admin dashboard.
func setupTierHooks(app core.App, ledger inventory.Ledger, logger *slog.Logger) {
	provision := func(e *core.RecordEvent) error {
		total := e.Record.GetInt("total")
		if err := ledger.Provision(e.Context, e.Record.Id, total); err != nil {
			// The record is already saved; the ledger keeps its old total.
			logger.Error("Failed to provision tier inventory",
				"tier_id", e.Record.Id,
				"total", total,
				"error", err,
			)
		}
		return e.Next()
	}
	app.OnRecordAfterCreateSuccess("ticket_tiers").BindFunc(provision)
	app.OnRecordAfterUpdateSuccess("ticket_tiers").BindFunc(provision)

	app.OnRecordAfterDeleteSuccess("ticket_tiers").BindFunc(func(e *core.RecordEvent) error {
		if err := closeTier(e.Context, ledger, e.Record.Id); err != nil {
			logger.Error("Failed to close tier inventory", "tier_id", e.Record.Id, "error", err)
		}
		return e.Next()
	})
}

const closeTierAttempts = 3

// closeTier shrinks a tier to what is already sold or held so nothing new
// can be reserved. Holds in flight still commit or expire normally.
func closeTier(ctx context.Context, ledger inventory.Ledger, tierID string) error {
	var err error
	for attempt := 0; attempt < closeTierAttempts; attempt++ {
		var c inventory.Counters
		c, err = ledger.Snapshot(ctx, tierID)
		if err != nil {
			if errors.Is(err, status.ErrNotFound) {
				return nil
			}
			return err
		}
		// A reservation landing between the snapshot and the resize fails
		// validation; read the counters again.
		err = ledger.Provision(ctx, tierID, c.Sold+c.Reserved)
		if err == nil || !errors.Is(err, status.ErrValidation) {
			return err
		}
	}
	return err
}
