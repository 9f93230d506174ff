/*
tariff.go - Tiered water tariff lookup and bill computation

PURPOSE:
  Maps a period's consumption to money. Each classification (residential,
  commercial) has an ordered set of consumption brackets. A bracket is
  either a flat minimum charge or a per-unit rate.

PRICING RULES:
  flat:      baseAmount = tier.FlatAmount, wherever in the bracket the
             consumption falls (e.g. 0-5 m³ residential always costs 74.00)
  per_unit:  baseAmount = minimumCharge + (consumption - threshold) × tier.UnitRate
             minimumCharge = flat amount of the classification's lowest bracket
             threshold     = the classification's minimum-bracket threshold
                             (5 residential, 15 commercial by default)

  The excess is measured from the minimum-bracket threshold, not from the
  matched tier's own lower bound. With the shipped brackets that is what
  produces 6 m³ → 90.20 and 41 m³ → 873.20.

BRACKET MATCHING:
  Brackets are whole-unit ranges [min, max]. A consumption c matches when
  min <= c < max+1, so 5.4 m³ still bills in the 0-5 bracket. Consumption
  above the last bracket is a NoTariffFoundError, never a silent zero.

DISCOUNT:
  Senior citizens get DiscountRate% off baseAmount only when the matched
  tier's label is in the policy's ApplicableTiers.

SEE ALSO:
  - settings.go: where the schedule and discount policy live
  - bill.go: how the computation is stored on a Bill
*/
package billing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TARIFF TIERS
// =============================================================================

type ChargeType string

const (
	ChargeFlat    ChargeType = "flat"
	ChargePerUnit ChargeType = "per_unit"
)

// TariffTier is one consumption bracket for a classification.
type TariffTier struct {
	Classification Classification  `json:"classification"`
	Tier           string          `json:"tier"`
	MinConsumption decimal.Decimal `json:"min_consumption"`
	MaxConsumption decimal.Decimal `json:"max_consumption"`
	ChargeType     ChargeType      `json:"charge_type"`
	FlatAmount     decimal.Decimal `json:"flat_amount"`
	UnitRate       decimal.Decimal `json:"unit_rate"`
	IsActive       bool            `json:"is_active"`
}

// Covers reports whether consumption falls in this bracket.
func (t TariffTier) Covers(consumption decimal.Decimal) bool {
	upper := t.MaxConsumption.Add(decimal.NewFromInt(1))
	return consumption.GreaterThanOrEqual(t.MinConsumption) && consumption.LessThan(upper)
}

// TariffSchedule holds the tariff tables for every classification.
type TariffSchedule struct {
	Residential []TariffTier `json:"residential"`
	Commercial  []TariffTier `json:"commercial"`

	// Thresholds is the consumption covered by each classification's
	// minimum charge. Per-unit excess is measured from here.
	Thresholds map[Classification]decimal.Decimal `json:"thresholds"`
}

// Tiers returns every configured tier for a classification, active or not.
func (s TariffSchedule) Tiers(c Classification) []TariffTier {
	switch c {
	case ClassResidential:
		return s.Residential
	case ClassCommercial:
		return s.Commercial
	}
	return nil
}

// ActiveTiers returns the active tiers for c sorted by MinConsumption.
func (s TariffSchedule) ActiveTiers(c Classification) []TariffTier {
	tiers := lo.Filter(s.Tiers(c), func(t TariffTier, _ int) bool { return t.IsActive })
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MinConsumption.LessThan(tiers[j].MinConsumption)
	})
	return tiers
}

// Resolve selects the active tier whose bracket contains consumption.
func (s TariffSchedule) Resolve(c Classification, consumption decimal.Decimal) (TariffTier, error) {
	for _, t := range s.ActiveTiers(c) {
		if t.Covers(consumption) {
			return t, nil
		}
	}
	return TariffTier{}, &NoTariffFoundError{Classification: c, Consumption: consumption}
}

// MinimumCharge is the flat amount of the lowest active bracket for c.
func (s TariffSchedule) MinimumCharge(c Classification) decimal.Decimal {
	tiers := s.ActiveTiers(c)
	if len(tiers) == 0 {
		return decimal.Zero
	}
	return tiers[0].FlatAmount
}

// Threshold returns the minimum-bracket threshold for c. Without an explicit
// value it falls back to the upper bound of the lowest active bracket.
func (s TariffSchedule) Threshold(c Classification) decimal.Decimal {
	if v, ok := s.Thresholds[c]; ok {
		return v
	}
	tiers := s.ActiveTiers(c)
	if len(tiers) == 0 {
		return decimal.Zero
	}
	return tiers[0].MaxConsumption
}

func (s TariffSchedule) clone() TariffSchedule {
	out := TariffSchedule{
		Residential: append([]TariffTier(nil), s.Residential...),
		Commercial:  append([]TariffTier(nil), s.Commercial...),
	}
	if s.Thresholds != nil {
		out.Thresholds = make(map[Classification]decimal.Decimal, len(s.Thresholds))
		for k, v := range s.Thresholds {
			out.Thresholds[k] = v
		}
	}
	return out
}

// validate checks that each classification's active brackets are well-formed,
// whole-unit contiguous and non-overlapping.
func (s TariffSchedule) validate() error {
	for _, c := range Classifications {
		for i, t := range s.Tiers(c) {
			field := fmt.Sprintf("tariffs.%s[%d]", c, i)
			if t.Classification != "" && t.Classification != c {
				return invalid(field, "classification %q in %s table", t.Classification, c)
			}
			if strings.TrimSpace(t.Tier) == "" {
				return invalid(field, "tier label is required")
			}
			if t.MinConsumption.IsNegative() || t.MaxConsumption.LessThan(t.MinConsumption) {
				return invalid(field, "bracket [%s, %s] is not a valid range", t.MinConsumption, t.MaxConsumption)
			}
			if !t.MinConsumption.Equal(t.MinConsumption.Truncate(0)) || !t.MaxConsumption.Equal(t.MaxConsumption.Truncate(0)) {
				return invalid(field, "bracket bounds must be whole units")
			}
			switch t.ChargeType {
			case ChargeFlat:
				if t.FlatAmount.IsNegative() {
					return invalid(field, "flat_amount must not be negative")
				}
			case ChargePerUnit:
				if t.UnitRate.IsNegative() {
					return invalid(field, "unit_rate must not be negative")
				}
			default:
				return invalid(field, "unknown charge_type %q", t.ChargeType)
			}
		}

		active := s.ActiveTiers(c)
		if len(active) == 0 {
			return invalid("tariffs."+string(c), "at least one active tier is required")
		}
		for i := 1; i < len(active); i++ {
			prev, cur := active[i-1], active[i]
			if !cur.MinConsumption.Equal(prev.MaxConsumption.Add(decimal.NewFromInt(1))) {
				return invalid("tariffs."+string(c), "tier %q must start at %s, right after %q",
					cur.Tier, prev.MaxConsumption.Add(decimal.NewFromInt(1)), prev.Tier)
			}
		}
		if v, ok := s.Thresholds[c]; ok && v.IsNegative() {
			return invalid("tariffs.thresholds."+string(c), "must not be negative")
		}
	}
	return nil
}

// =============================================================================
// BILL COMPUTATION
// =============================================================================

// Computation is the priced result for one account-period consumption.
type Computation struct {
	Tier           TariffTier
	Consumption    decimal.Decimal
	BaseAmount     decimal.Decimal
	Discount       decimal.Decimal
	DiscountReason string
	FinalAmount    decimal.Decimal
}

// ComputeBill prices consumption for a classification under settings.
// Pure: it reads only its arguments.
func ComputeBill(settings Settings, consumption decimal.Decimal, c Classification, seniorEligible bool) (Computation, error) {
	if consumption.IsNegative() {
		return Computation{}, invalid("consumption", "must not be negative, got %s", consumption)
	}
	if !c.Valid() {
		return Computation{}, invalid("classification", "unknown classification %q", c)
	}

	schedule := settings.Tariffs
	tier, err := schedule.Resolve(c, consumption)
	if err != nil {
		return Computation{}, err
	}

	var base decimal.Decimal
	switch tier.ChargeType {
	case ChargeFlat:
		base = tier.FlatAmount
	case ChargePerUnit:
		excess := consumption.Sub(schedule.Threshold(c))
		if excess.IsNegative() {
			excess = decimal.Zero
		}
		base = schedule.MinimumCharge(c).Add(excess.Mul(tier.UnitRate))
	default:
		return Computation{}, invalid("charge_type", "tier %q has unknown charge type %q", tier.Tier, tier.ChargeType)
	}
	base = RoundCurrency(base)

	discount, reason := settings.SeniorDiscount.Apply(base, tier, seniorEligible)

	return Computation{
		Tier:           tier,
		Consumption:    consumption,
		BaseAmount:     base,
		Discount:       discount,
		DiscountReason: reason,
		FinalAmount:    RoundCurrency(base.Sub(discount)),
	}, nil
}
