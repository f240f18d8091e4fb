package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string
	LogLevel    string
	AppSecret   string

	// Redis configuration
	RedisURL string

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	// Inventory and ordering
	ReservationTTL     time.Duration
	SweepInterval      time.Duration
	OrderLockTTL       time.Duration
	ServiceFeeRate     decimal.Decimal
	Currency           string
	CheckInEarlyWindow time.Duration

	// Notifications
	MailFromAddress    string
	MailFromName       string
	NotificationBuffer int

	// Payment gateways
	PaymentCallbackURL    string
	PaystackSecretKey     string
	PaystackBaseURL       string
	StripeSecretKey       string
	StripeWebhookSecret   string
	StripeBaseURL         string
	FlutterwaveSecretKey  string
	FlutterwaveSecretHash string
	FlutterwaveBaseURL    string
	ManualPaymentsEnabled bool
	GatewayTimeout        time.Duration

	// Abuse protection
	RateLimitPerMinute int

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

// LoadConfig reads configuration from the environment, loading a .env file
// first when one is present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		AppSecret:   getEnv("APP_SECRET", ""),

		// Redis
		RedisURL: getEnv("REDIS_URL", "localhost:6379"),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "cafa-ticket-server"),

		// Inventory and ordering
		ReservationTTL:     getEnvAsDuration("RESERVATION_TTL", "10m"),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", "30s"),
		OrderLockTTL:       getEnvAsDuration("ORDER_LOCK_TTL", "30s"),
		ServiceFeeRate:     getEnvAsDecimal("SERVICE_FEE_RATE", "0.025"),
		Currency:           getEnv("CURRENCY", "GHS"),
		CheckInEarlyWindow: getEnvAsDuration("CHECKIN_EARLY_WINDOW", "2h"),

		// Notifications
		MailFromAddress:    getEnv("MAIL_FROM_ADDRESS", "tickets@cafa.local"),
		MailFromName:       getEnv("MAIL_FROM_NAME", "CAFA Tickets"),
		NotificationBuffer: getEnvAsInt("NOTIFICATION_BUFFER", 256),

		// Payment gateways
		PaymentCallbackURL:    getEnv("PAYMENT_CALLBACK_URL", "http://localhost:8090/payments/complete"),
		PaystackSecretKey:     getEnv("PAYSTACK_SECRET_KEY", ""),
		PaystackBaseURL:       getEnv("PAYSTACK_BASE_URL", "https://api.paystack.co"),
		StripeSecretKey:       getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:   getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeBaseURL:         getEnv("STRIPE_BASE_URL", "https://api.stripe.com"),
		FlutterwaveSecretKey:  getEnv("FLUTTERWAVE_SECRET_KEY", ""),
		FlutterwaveSecretHash: getEnv("FLUTTERWAVE_SECRET_HASH", ""),
		FlutterwaveBaseURL:    getEnv("FLUTTERWAVE_BASE_URL", "https://api.flutterwave.com"),
		ManualPaymentsEnabled: getEnvAsBool("MANUAL_PAYMENTS_ENABLED", true),
		GatewayTimeout:        getEnvAsDuration("GATEWAY_TIMEOUT", "15s"),

		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	valueStr := getEnv(key, defaultValue)
	if d, err := decimal.NewFromString(valueStr); err == nil && !d.IsNegative() {
		return d
	}
	return decimal.RequireFromString(defaultValue)
}
