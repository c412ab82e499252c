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

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Auth
	JWTSecret string

	// Payment gateway
	PaystackSecretKey  string // empty uses the in-memory gateway
	PaymentCallbackURL string

	// Activation fees in Naira by request kind
	RequestFeeInstant  decimal.Decimal
	RequestFeeStandard decimal.Decimal

	// Asset signing
	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string

	// Alerts
	ResendAPIKey    string
	AlertFromEmail  string
	AdminAlertEmail string

	// Protocol
	ExpirySweepInterval time.Duration
	DeliveryCodeLength  int

	// Notifications
	NotifyWorkers   int
	NotifyQueueSize int

	// Outbound webhooks
	WebhookMaxFailures int

	// Observability and limits
	OTLPEndpoint       string
	TraceSampleRatio   float64
	RateLimitRPS       int
	CORSAllowedOrigins []string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultRequestFeeInstant   = "2500"
	DefaultRequestFeeStandard  = "1000"
	DefaultExpirySweepInterval = time.Minute
	DefaultDeliveryCodeLength  = 6
	DefaultNotifyWorkers       = 4
	DefaultNotifyQueueSize     = 1024
	DefaultRateLimit           = 100
	DefaultWebhookMaxFailures  = 10
	DefaultAlertFromEmail      = "alerts@agrolink.ng"

	// devJWTSecret signs tokens in development when JWT_SECRET is unset.
	devJWTSecret = "agrolink-dev-secret-do-not-use-in-production"
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
		JWTSecret:           os.Getenv("JWT_SECRET"),
		PaystackSecretKey:   os.Getenv("PAYSTACK_SECRET_KEY"),
		PaymentCallbackURL:  os.Getenv("PAYMENT_CALLBACK_URL"),
		CloudinaryCloudName: os.Getenv("CLOUDINARY_CLOUD_NAME"),
		CloudinaryAPIKey:    os.Getenv("CLOUDINARY_API_KEY"),
		CloudinaryAPISecret: os.Getenv("CLOUDINARY_API_SECRET"),
		ResendAPIKey:        os.Getenv("RESEND_API_KEY"),
		AlertFromEmail:      getEnv("ALERT_FROM_EMAIL", DefaultAlertFromEmail),
		AdminAlertEmail:     os.Getenv("ADMIN_ALERT_EMAIL"),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		DeliveryCodeLength:  int(getEnvInt64("DELIVERY_CODE_LENGTH", DefaultDeliveryCodeLength)),
		NotifyWorkers:       int(getEnvInt64("NOTIFY_WORKERS", DefaultNotifyWorkers)),
		NotifyQueueSize:     int(getEnvInt64("NOTIFY_QUEUE_SIZE", DefaultNotifyQueueSize)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		WebhookMaxFailures:  int(getEnvInt64("WEBHOOK_MAX_FAILURES", DefaultWebhookMaxFailures)),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", "*"),
	}

	var err error
	if cfg.RequestFeeInstant, err = getEnvDecimal("REQUEST_FEE_INSTANT", DefaultRequestFeeInstant); err != nil {
		return nil, err
	}
	if cfg.RequestFeeStandard, err = getEnvDecimal("REQUEST_FEE_STANDARD", DefaultRequestFeeStandard); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = devJWTSecret
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
	if c.IsProduction() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.PaystackSecretKey == "" {
			return fmt.Errorf("PAYSTACK_SECRET_KEY is required in production")
		}
	}
	if !c.RequestFeeInstant.IsPositive() || !c.RequestFeeStandard.IsPositive() {
		return fmt.Errorf("request fees must be positive")
	}
	if c.DeliveryCodeLength < 4 || c.DeliveryCodeLength > 12 {
		return fmt.Errorf("DELIVERY_CODE_LENGTH must be between 4 and 12")
	}
	if c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive")
	}
	if c.NotifyWorkers <= 0 || c.NotifyQueueSize <= 0 {
		return fmt.Errorf("NOTIFY_WORKERS and NOTIFY_QUEUE_SIZE must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.WebhookMaxFailures <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_FAILURES must be positive")
	}
	if c.IsProduction() {
		for _, o := range c.CORSAllowedOrigins {
			if o == "*" {
				return fmt.Errorf("CORS_ALLOWED_ORIGINS must list explicit origins in production")
			}
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CloudinaryEnabled reports whether upload signing is configured.
func (c *Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
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

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal amount: %w", key, err)
	}
	return d, nil
}
