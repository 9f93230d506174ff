package factory

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/coopdesk/waterbilling/billing"
)

// =============================================================================
// SHIPPED DEFAULTS
// =============================================================================
//
// The cooperative's published water rates. Used until an administrator
// saves the first settings version.

const (
	DefaultDueDayOfMonth = 15
	DefaultGraceDays     = 5
)

// unbounded is the upper bound of the open-ended top bracket.
const unbounded = "999999"

func flat(c billing.Classification, label, min, max, amount string) billing.TariffTier {
	return billing.TariffTier{
		Classification: c,
		Tier:           label,
		MinConsumption: billing.MustDecimal(min),
		MaxConsumption: billing.MustDecimal(max),
		ChargeType:     billing.ChargeFlat,
		FlatAmount:     billing.MustDecimal(amount),
		IsActive:       true,
	}
}

func perUnit(c billing.Classification, label, min, max, rate string) billing.TariffTier {
	return billing.TariffTier{
		Classification: c,
		Tier:           label,
		MinConsumption: billing.MustDecimal(min),
		MaxConsumption: billing.MustDecimal(max),
		ChargeType:     billing.ChargePerUnit,
		UnitRate:       billing.MustDecimal(rate),
		IsActive:       true,
	}
}

// DefaultTariffs returns the shipped residential and commercial tables.
func DefaultTariffs() billing.TariffSchedule {
	r, c := billing.ClassResidential, billing.ClassCommercial
	return billing.TariffSchedule{
		Residential: []billing.TariffTier{
			flat(r, "0-5", "0", "5", "74.00"),
			perUnit(r, "6-10", "6", "10", "16.20"),
			perUnit(r, "11-20", "11", "20", "17.70"),
			perUnit(r, "21-30", "21", "30", "19.20"),
			perUnit(r, "31-40", "31", "40", "20.70"),
			perUnit(r, "41+", "41", unbounded, "22.20"),
		},
		Commercial: []billing.TariffTier{
			flat(c, "0-15", "0", "15", "370.00"),
			perUnit(c, "16-30", "16", "30", "37.00"),
			perUnit(c, "31-50", "31", "50", "40.00"),
			perUnit(c, "51+", "51", unbounded, "44.00"),
		},
		Thresholds: map[billing.Classification]decimal.Decimal{
			r: decimal.NewFromInt(5),
			c: decimal.NewFromInt(15),
		},
	}
}

// DefaultSettings returns the shipped settings (version 0, never saved).
func DefaultSettings() billing.Settings {
	return billing.Settings{
		Tariffs: DefaultTariffs(),
		SeniorDiscount: billing.DiscountPolicy{
			DiscountRate:    decimal.NewFromInt(5),
			ApplicableTiers: []string{"31-40", "41+"},
		},
		DueDayOfMonth: DefaultDueDayOfMonth,
		GraceDays:     DefaultGraceDays,
		PenaltyType:   billing.PenaltyPercent,
		PenaltyValue:  decimal.NewFromInt(10),
	}
}

// DefaultSettingsJSON returns the shipped settings as an editable document.
func DefaultSettingsJSON() string {
	data, _ := json.MarshalIndent(NewSettingsFactory().ToJSON(DefaultSettings()), "", "  ")
	return string(data)
}
