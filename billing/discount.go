package billing

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// DiscountPolicy is the senior-citizen discount. A senior member only gets
// it when the resolved tier label is in ApplicableTiers.
type DiscountPolicy struct {
	DiscountRate    decimal.Decimal `json:"discount_rate"`
	ApplicableTiers []string        `json:"applicable_tiers"`
}

// AppliesTo reports whether the tier label is discount-eligible.
func (p DiscountPolicy) AppliesTo(tier string) bool {
	return lo.Contains(p.ApplicableTiers, tier)
}

// Apply returns the discount on base and a human-readable reason.
func (p DiscountPolicy) Apply(base decimal.Decimal, tier TariffTier, seniorEligible bool) (decimal.Decimal, string) {
	switch {
	case !seniorEligible:
		return decimal.Zero, ""
	case !p.DiscountRate.IsPositive():
		return decimal.Zero, "senior citizen: no discount rate configured"
	case !p.AppliesTo(tier.Tier):
		return decimal.Zero, fmt.Sprintf("senior citizen: tier %s not eligible", tier.Tier)
	}
	return Percent(base, p.DiscountRate), fmt.Sprintf("senior citizen %s%% (tier %s)", p.DiscountRate, tier.Tier)
}

func (p DiscountPolicy) validate() error {
	if p.DiscountRate.IsNegative() || p.DiscountRate.GreaterThan(hundred) {
		return invalid("senior_discount.discount_rate", "must be between 0 and 100")
	}
	return nil
}
