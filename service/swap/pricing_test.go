package swap

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscountPercent_Tiers(t *testing.T) {
	p := DefaultPricing()

	tests := []struct {
		usd      string
		expected string
	}{
		{"0", "0"},
		{"999", "0"},
		{"999.99", "0"},
		{"1000", "5"},
		{"9999.99", "5"},
		{"10000", "8"},
		{"49999", "8"},
		{"50000", "12"},
		{"1000000", "12"},
	}

	for _, tt := range tests {
		t.Run(tt.usd, func(t *testing.T) {
			got := p.DiscountPercent(decimal.RequireFromString(tt.usd))
			assert.True(t, decimal.RequireFromString(tt.expected).Equal(got), "usd=%s got=%s", tt.usd, got)
		})
	}
}

func TestPayout(t *testing.T) {
	p := DefaultPricing()

	tests := []struct {
		name     string
		amount   string
		token    string
		expected string
	}{
		{"otc usdc gets five percent", "1000", "USDC", "420.0"},
		{"liquid usdc has no discount", "500", "USDC", "200.0"},
		{"just below otc threshold", "999", "USDT", "399.6"},
		{"eth otc tier two", "5", "ETH", "5832.0"},
		{"eth top tier", "20", "eth", "24192.0"},
		{"fractional sol", "0.5", "SOL", "20.0"},
		{"matic", "100", "MATIC", "32.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Payout(tt.amount, tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuote_SwapType(t *testing.T) {
	p := DefaultPricing()

	q, err := p.Quote(decimal.RequireFromString("1000"), "USDC")
	require.NoError(t, err)
	assert.Equal(t, SwapTypeOTC, q.SwapType)
	assert.Equal(t, "400", q.BaseCirx.String())
	assert.Equal(t, "5", q.DiscountPercent.String())

	q, err = p.Quote(decimal.RequireFromString("999.99"), "USDC")
	require.NoError(t, err)
	assert.Equal(t, SwapTypeLiquid, q.SwapType)
	assert.True(t, q.DiscountPercent.IsZero())
}

func TestPayout_Errors(t *testing.T) {
	p := DefaultPricing()

	_, err := p.Payout("100", "DOGE")
	assert.True(t, errors.Is(err, ErrUnsupportedToken))

	_, err = p.Payout("-1", "USDC")
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = p.Payout("0", "USDC")
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = p.Payout("abc", "USDC")
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}

func TestPlatformFee(t *testing.T) {
	p := DefaultPricing()

	tests := []struct {
		token    string
		expected string
	}{
		{"ETH", "0.0037037"},
		{"USDC", "10.0"},
		{"USDT", "10.0"},
		{"SOL", "0.1"},
		{"BNB", "0.0333333"},
		{"MATIC", "12.5"},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, err := p.PlatformFee(tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCheckFeeIncluded(t *testing.T) {
	p := DefaultPricing()
	swapAmount := decimal.RequireFromString("1000")

	// 1000 USDC + 10 USDC fee = 1010, tolerance 0.1% = 1.01
	assert.NoError(t, p.CheckFeeIncluded(decimal.RequireFromString("1010"), swapAmount, "USDC"))
	assert.NoError(t, p.CheckFeeIncluded(decimal.RequireFromString("1008.99"), swapAmount, "USDC"))

	err := p.CheckFeeIncluded(decimal.RequireFromString("1008.98"), swapAmount, "USDC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientPayment))

	err = p.CheckFeeIncluded(decimal.RequireFromString("1000"), swapAmount, "USDC")
	assert.True(t, errors.Is(err, ErrInsufficientPayment))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "420.0", FormatAmount(decimal.RequireFromString("420.000")))
	assert.Equal(t, "0.5", FormatAmount(decimal.RequireFromString("0.50")))
	assert.Equal(t, "12.345", FormatAmount(decimal.RequireFromString("12.3450")))
	assert.Equal(t, "0.0", FormatAmount(decimal.Zero))
}
