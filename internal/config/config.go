// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fee rates. These are the live defaults; each PeaceLink freezes them
	// into its fee snapshot at creation and never re-reads them.
	MerchantFeePercentage decimal.Decimal // fraction, e.g. 0.005
	MerchantFeeFixed      decimal.Decimal // EGP
	DSPFeePercentage      decimal.Decimal
	AdvanceFeePercentage  decimal.Decimal
	CashoutFeePercentage  decimal.Decimal

	// Lifecycle settings
	OTPTTL              time.Duration // how long a delivery OTP stays valid
	OTPMaxAttempts      int           // failed verifications before lockout
	DSPReassignmentMax  int           // reassignments allowed per PeaceLink
	ApprovalExpiry      time.Duration // unapproved links expire after this
	ExpirySweepInterval time.Duration

	// SMS gateway. When SMSGatewayURL is empty, notifications are logged
	// instead of sent.
	SMSGatewayURL string
	SMSGatewayKey string

	// Observability
	OTLPEndpoint string // OTEL_EXPORTER_OTLP_ENDPOINT; empty disables tracing
	RateLimitRPS int

	// AdminAPIKey guards the admin surface. When empty, the admin routes
	// are not mounted at all.
	AdminAPIKey string
}

// Canonical fee defaults (fractions / EGP).
const (
	DefaultMerchantFeePct = "0.005"
	DefaultMerchantFixed  = "2"
	DefaultDSPFeePct      = "0.005"
	DefaultAdvanceFeePct  = "0.005"
	DefaultCashoutFeePct  = "0.015"

	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 100

	DefaultOTPMaxAttempts     = 5
	DefaultDSPReassignmentMax = 3
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		OTPTTL:              getEnvDuration("OTP_TTL", 15*time.Minute),
		OTPMaxAttempts:      int(getEnvInt64("OTP_MAX_ATTEMPTS", DefaultOTPMaxAttempts)),
		DSPReassignmentMax:  int(getEnvInt64("DSP_REASSIGNMENT_MAX", DefaultDSPReassignmentMax)),
		ApprovalExpiry:      getEnvDuration("APPROVAL_EXPIRY", 72*time.Hour),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", time.Minute),

		SMSGatewayURL: os.Getenv("SMS_GATEWAY_URL"),
		SMSGatewayKey: os.Getenv("SMS_GATEWAY_KEY"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		AdminAPIKey:  os.Getenv("ADMIN_API_KEY"),
	}

	var err error
	if cfg.MerchantFeePercentage, err = getEnvDecimal("MERCHANT_FEE_PCT", DefaultMerchantFeePct); err != nil {
		return nil, err
	}
	if cfg.MerchantFeeFixed, err = getEnvDecimal("MERCHANT_FEE_FIXED", DefaultMerchantFixed); err != nil {
		return nil, err
	}
	if cfg.DSPFeePercentage, err = getEnvDecimal("DSP_FEE_PCT", DefaultDSPFeePct); err != nil {
		return nil, err
	}
	if cfg.AdvanceFeePercentage, err = getEnvDecimal("ADVANCE_FEE_PCT", DefaultAdvanceFeePct); err != nil {
		return nil, err
	}
	if cfg.CashoutFeePercentage, err = getEnvDecimal("CASHOUT_FEE_PCT", DefaultCashoutFeePct); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	for name, pct := range map[string]decimal.Decimal{
		"MERCHANT_FEE_PCT": c.MerchantFeePercentage,
		"DSP_FEE_PCT":      c.DSPFeePercentage,
		"ADVANCE_FEE_PCT":  c.AdvanceFeePercentage,
		"CASHOUT_FEE_PCT":  c.CashoutFeePercentage,
	} {
		if pct.IsNegative() || pct.GreaterThanOrEqual(one) {
			return fmt.Errorf("%s must be a fraction in [0, 1), got %s", name, pct)
		}
	}
	if c.MerchantFeeFixed.IsNegative() {
		return fmt.Errorf("MERCHANT_FEE_FIXED must not be negative")
	}
	if c.OTPMaxAttempts < 1 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be at least 1")
	}
	if c.DSPReassignmentMax < 0 {
		return fmt.Errorf("DSP_REASSIGNMENT_MAX must not be negative")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, raw)
	}
	return d, nil
}
