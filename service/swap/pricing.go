package swap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Swap types derived from the USD value of a payment.
const (
	SwapTypeOTC    = "otc"
	SwapTypeLiquid = "liquid"
)

// feePrecision is the number of decimals kept for the platform fee in the payment token.
const feePrecision = 7

// payoutPrecision is the number of decimals kept for CIRX payout amounts.
const payoutPrecision = 8

// DiscountTier grants Percent extra CIRX for OTC swaps worth at least MinUSD.
type DiscountTier struct {
	MinUSD  decimal.Decimal
	Percent decimal.Decimal
}

// PricingConfig holds the price table and fee policy injected into the services.
type PricingConfig struct {
	// TokenPricesUSD maps an upper-case token symbol to its USD price per unit.
	TokenPricesUSD map[string]decimal.Decimal
	// CirxPriceUSD is the fixed USD price of one CIRX.
	CirxPriceUSD decimal.Decimal
	// OTCThresholdUSD is the USD value from which a swap is priced as OTC.
	OTCThresholdUSD decimal.Decimal
	// DiscountTiers are evaluated from the highest MinUSD down.
	DiscountTiers []DiscountTier
	// PlatformFeeCirx is the fixed fee in CIRX units.
	PlatformFeeCirx decimal.Decimal
	// FeeTolerance is the relative shortfall accepted when checking the fee was paid.
	FeeTolerance decimal.Decimal
}

// DefaultPricing returns the production price table.
func DefaultPricing() PricingConfig {
	return PricingConfig{
		TokenPricesUSD: map[string]decimal.Decimal{
			"ETH":   decimal.NewFromInt(2700),
			"USDC":  decimal.NewFromInt(1),
			"USDT":  decimal.NewFromInt(1),
			"SOL":   decimal.NewFromInt(100),
			"BNB":   decimal.NewFromInt(300),
			"MATIC": decimal.RequireFromString("0.8"),
		},
		CirxPriceUSD:    decimal.RequireFromString("2.5"),
		OTCThresholdUSD: decimal.NewFromInt(1000),
		DiscountTiers: []DiscountTier{
			{MinUSD: decimal.NewFromInt(50000), Percent: decimal.NewFromInt(12)},
			{MinUSD: decimal.NewFromInt(10000), Percent: decimal.NewFromInt(8)},
			{MinUSD: decimal.NewFromInt(1000), Percent: decimal.NewFromInt(5)},
		},
		PlatformFeeCirx: decimal.NewFromInt(4),
		FeeTolerance:    decimal.RequireFromString("0.001"),
	}
}

// Validate checks the config is usable.
func (p PricingConfig) Validate() error {
	if !p.CirxPriceUSD.IsPositive() {
		return fmt.Errorf("cirx price must be positive")
	}
	if p.PlatformFeeCirx.IsNegative() {
		return fmt.Errorf("platform fee cannot be negative")
	}
	for symbol, price := range p.TokenPricesUSD {
		if !price.IsPositive() {
			return fmt.Errorf("price for %s must be positive", symbol)
		}
	}
	return nil
}

// Price returns the USD price of token.
func (p PricingConfig) Price(token string) (decimal.Decimal, error) {
	price, ok := p.TokenPricesUSD[strings.ToUpper(token)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedToken, token)
	}
	return price, nil
}

// USDValue converts amount of token into USD.
func (p PricingConfig) USDValue(amount decimal.Decimal, token string) (decimal.Decimal, error) {
	price, err := p.Price(token)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price), nil
}

// SwapType classifies a USD value as otc or liquid.
func (p PricingConfig) SwapType(usd decimal.Decimal) string {
	if usd.GreaterThanOrEqual(p.OTCThresholdUSD) {
		return SwapTypeOTC
	}
	return SwapTypeLiquid
}

// DiscountPercent returns the OTC bonus percentage for a USD value.
func (p PricingConfig) DiscountPercent(usd decimal.Decimal) decimal.Decimal {
	tiers := make([]DiscountTier, len(p.DiscountTiers))
	copy(tiers, p.DiscountTiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinUSD.GreaterThan(tiers[j].MinUSD) })
	for _, tier := range tiers {
		if usd.GreaterThanOrEqual(tier.MinUSD) {
			return tier.Percent
		}
	}
	return decimal.Zero
}

// Quote is the full breakdown of a payout computation.
type Quote struct {
	USDValue        decimal.Decimal
	SwapType        string
	BaseCirx        decimal.Decimal
	DiscountPercent decimal.Decimal
	CirxAmount      decimal.Decimal
}

// Quote computes the CIRX payout for amount of token. The platform fee is not
// part of amount.
func (p PricingConfig) Quote(amount decimal.Decimal, token string) (Quote, error) {
	usd, err := p.USDValue(amount, token)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{
		USDValue:        usd,
		SwapType:        p.SwapType(usd),
		BaseCirx:        usd.Div(p.CirxPriceUSD),
		DiscountPercent: decimal.Zero,
	}
	q.CirxAmount = q.BaseCirx
	if q.SwapType == SwapTypeOTC {
		q.DiscountPercent = p.DiscountPercent(usd)
		multiplier := decimal.NewFromInt(1).Add(q.DiscountPercent.Div(decimal.NewFromInt(100)))
		q.CirxAmount = q.BaseCirx.Mul(multiplier)
	}
	q.CirxAmount = q.CirxAmount.Round(payoutPrecision)
	return q, nil
}

// Payout returns the formatted CIRX amount for amount of token.
func (p PricingConfig) Payout(amount, token string) (string, error) {
	d, err := ParseAmount(amount)
	if err != nil {
		return "", err
	}
	q, err := p.Quote(d, token)
	if err != nil {
		return "", err
	}
	return FormatAmount(q.CirxAmount), nil
}

// PlatformFeeDecimal returns the platform fee expressed in token units.
func (p PricingConfig) PlatformFeeDecimal(token string) (decimal.Decimal, error) {
	price, err := p.Price(token)
	if err != nil {
		return decimal.Zero, err
	}
	feeUSD := p.PlatformFeeCirx.Mul(p.CirxPriceUSD)
	return feeUSD.DivRound(price, feePrecision), nil
}

// PlatformFee returns the formatted platform fee in token units.
func (p PricingConfig) PlatformFee(token string) (string, error) {
	fee, err := p.PlatformFeeDecimal(token)
	if err != nil {
		return "", err
	}
	return FormatAmount(fee), nil
}

// CheckFeeIncluded verifies that paid covers swapAmount plus the platform fee,
// allowing FeeTolerance relative shortfall.
func (p PricingConfig) CheckFeeIncluded(paid, swapAmount decimal.Decimal, token string) error {
	fee, err := p.PlatformFeeDecimal(token)
	if err != nil {
		return err
	}
	expected := swapAmount.Add(fee)
	minimum := expected.Mul(decimal.NewFromInt(1).Sub(p.FeeTolerance))
	if paid.LessThan(minimum) {
		return fmt.Errorf("%w: paid %s %s, expected %s (swap %s + fee %s)",
			ErrInsufficientPayment, FormatAmount(paid), token, FormatAmount(expected), FormatAmount(swapAmount), FormatAmount(fee))
	}
	return nil
}

// ParseAmount parses a positive decimal amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// FormatAmount renders d without trailing zeros, keeping at least one decimal.
func FormatAmount(d decimal.Decimal) string {
	s := d.String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
