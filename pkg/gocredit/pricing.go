package gocredit

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	unitsPerRate = decimal.NewFromInt(1000)
	maxCredits   = decimal.NewFromInt(math.MaxInt64)
)

// PricingCalculator maps consumed units of a model to a credit cost.
// Rates are credits per 1000 units; cost is always rounded up.
type PricingCalculator struct {
	defaultRate decimal.Decimal
	rates       map[string]decimal.Decimal
}

// NewPricingCalculator builds a calculator from a static rate table
func NewPricingCalculator(cfg PricingConfig) (*PricingCalculator, error) {
	if cfg.DefaultRate == 0 {
		cfg.DefaultRate = DefaultRate
	}
	if cfg.DefaultRate < 0 {
		return nil, invalidf("default rate %v is negative", cfg.DefaultRate)
	}

	rates := make(map[string]decimal.Decimal, len(cfg.Rates))
	for model, rate := range cfg.Rates {
		if rate < 0 {
			return nil, invalidf("rate for %q is negative", model)
		}
		rates[model] = decimal.NewFromFloat(rate)
	}

	return &PricingCalculator{
		defaultRate: decimal.NewFromFloat(cfg.DefaultRate),
		rates:       rates,
	}, nil
}

// Rate returns the rate applied to modelID
func (p *PricingCalculator) Rate(modelID string) decimal.Decimal {
	if rate, ok := p.rates[modelID]; ok {
		return rate
	}
	return p.defaultRate
}

// Cost returns ceil(units / 1000 * rate) for modelID.
func (p *PricingCalculator) Cost(modelID string, units int64) (int64, error) {
	if units < 0 {
		return 0, invalidf("units must not be negative, got %d", units)
	}
	if units == 0 {
		return 0, nil
	}
	cost := decimal.NewFromInt(units).Mul(p.Rate(modelID)).Div(unitsPerRate).Ceil()
	return toCredits(cost, "cost of %d units of %q", units, modelID)
}

// bufferedCost applies the reservation multiplier, rounding up.
func bufferedCost(estimated int64, ratio decimal.Decimal) (int64, error) {
	reserved := decimal.NewFromInt(estimated).Mul(ratio).Ceil()
	return toCredits(reserved, "reservation for %d credits", estimated)
}

// toCredits converts a rounded amount to int64, rejecting amounts that
// do not fit instead of letting IntPart wrap.
func toCredits(amount decimal.Decimal, format string, args ...any) (int64, error) {
	if amount.GreaterThan(maxCredits) {
		return 0, invalidf(format+" overflows int64", args...)
	}
	return amount.IntPart(), nil
}
