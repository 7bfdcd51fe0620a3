package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "0.005", cfg.MerchantFeePercentage.String())
	assert.Equal(t, "2", cfg.MerchantFeeFixed.String())
	assert.Equal(t, "0.015", cfg.CashoutFeePercentage.String())
	assert.Equal(t, DefaultOTPMaxAttempts, cfg.OTPMaxAttempts)
	assert.Equal(t, DefaultDSPReassignmentMax, cfg.DSPReassignmentMax)
	assert.Equal(t, 15*time.Minute, cfg.OTPTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MERCHANT_FEE_PCT", "0.01")
	t.Setenv("DSP_REASSIGNMENT_MAX", "1")
	t.Setenv("OTP_TTL", "5m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.01", cfg.MerchantFeePercentage.String())
	assert.Equal(t, 1, cfg.DSPReassignmentMax)
	assert.Equal(t, 5*time.Minute, cfg.OTPTTL)
}

func TestLoad_RejectsBadRates(t *testing.T) {
	t.Setenv("CASHOUT_FEE_PCT", "1.5")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidDecimal(t *testing.T) {
	t.Setenv("MERCHANT_FEE_FIXED", "two")
	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
