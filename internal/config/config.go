// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Processor names accepted by PAYMENT_PROCESSOR.
const (
	ProcessorSimulated = "simulated"
	ProcessorStripe    = "stripe"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Notification bus (optional)

	// Auth
	JWTSecret string
	JWTIssuer string

	// Ledger
	PlatformFeeRate   string // decimal fraction, e.g. "0.075"
	MinDisputeReason  int
	ReconcileInterval time.Duration

	// Payment processor
	Processor          string
	StripeSecretKey    string
	StripeCurrency     string
	StripeAPIURL       string // override for tests and stripe-mock
	GatewayTimeout     time.Duration
	GatewayMaxAttempts int

	// Notifications
	NotifyWebhookURL    string // optional outbound webhook for every notification
	NotifyWebhookSecret string // HMAC key for X-Escrowd-Signature

	// HTTP hardening
	RateLimitRPM int
	CORSOrigins  []string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultJWTIssuer          = "escrowd"
	DefaultPlatformFeeRate    = "0.075"
	DefaultMinDisputeReason   = 10
	DefaultReconcileInterval  = time.Minute
	DefaultStripeCurrency     = "usd"
	DefaultGatewayTimeout     = 10 * time.Second
	DefaultGatewayMaxAttempts = 2
	DefaultRateLimitRPM       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		JWTIssuer:           getEnv("JWT_ISSUER", DefaultJWTIssuer),
		PlatformFeeRate:     getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate),
		MinDisputeReason:    getEnvInt("MIN_DISPUTE_REASON", DefaultMinDisputeReason),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		Processor:           getEnv("PAYMENT_PROCESSOR", ProcessorSimulated),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeCurrency:      getEnv("STRIPE_CURRENCY", DefaultStripeCurrency),
		StripeAPIURL:        os.Getenv("STRIPE_API_URL"),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayMaxAttempts:  getEnvInt("GATEWAY_MAX_ATTEMPTS", DefaultGatewayMaxAttempts),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	rate, err := decimal.NewFromString(c.PlatformFeeRate)
	if err != nil {
		return fmt.Errorf("PLATFORM_FEE_RATE must be a decimal fraction: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be in [0, 1), got %s", c.PlatformFeeRate)
	}

	switch c.Processor {
	case ProcessorSimulated:
	case ProcessorStripe:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_PROCESSOR=stripe")
		}
	default:
		return fmt.Errorf("PAYMENT_PROCESSOR must be %q or %q, got %q", ProcessorSimulated, ProcessorStripe, c.Processor)
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.GatewayMaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	if c.MinDisputeReason < 1 {
		return fmt.Errorf("MIN_DISPUTE_REASON must be at least 1")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be in [0, 1], got %v", c.TraceSampleRatio)
	}
	if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required for webhooks in production")
	}

	return nil
}

// FeeRate returns the validated platform fee rate.
func (c *Config) FeeRate() decimal.Decimal {
	return decimal.RequireFromString(c.PlatformFeeRate)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
