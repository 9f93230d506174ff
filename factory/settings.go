/*
Package factory provides JSON to Go settings conversion.

PURPOSE:
  Converts JSON billing settings (tariff tables, senior discount, due-day,
  grace and penalty rules) into a validated billing.Settings. Settings are
  edited by the cooperative's administrator through the admin UI; the
  factory is the boundary where malformed tables are rejected, so the
  billing core only ever sees contiguous, well-formed brackets.

JSON SCHEMA:
  {
    "tariffs": {
      "residential": [
        {"tier": "0-5",  "min_consumption": 0, "max_consumption": 5,
         "charge_type": "flat", "flat_amount": 74},
        {"tier": "6-10", "min_consumption": 6, "max_consumption": 10,
         "charge_type": "per_unit", "unit_rate": 16.20}
      ],
      "commercial": [ ... ],
      "thresholds": {"residential": 5, "commercial": 15}
    },
    "senior_discount": {"discount_rate": 5, "applicable_tiers": ["31-40", "41+"]},
    "due_day_of_month": 15,
    "grace_days": 5,
    "penalty_type": "percent",
    "penalty_value": 10
  }

DEFAULTS:
  - is_active defaults to true
  - penalty_type defaults to percent
  - due_day_of_month 0 means the shipped default (15)
  - a missing threshold falls back to the lowest active bracket's max

USAGE:
  f := NewSettingsFactory()
  settings, err := f.ParseSettings(jsonString)

SEE ALSO:
  - billing/settings.go: Settings type and validation rules
  - defaults.go: the shipped tariff schedule
  - provider.go: cached, versioned settings provider
*/
package factory

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/coopdesk/waterbilling/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SettingsJSON is the JSON representation of billing settings.
type SettingsJSON struct {
	Version        int             `json:"version,omitempty"` // output only
	Tariffs        TariffsJSON     `json:"tariffs"`
	SeniorDiscount DiscountJSON    `json:"senior_discount"`
	DueDayOfMonth  int             `json:"due_day_of_month"`
	GraceDays      int             `json:"grace_days"`
	PenaltyType    string          `json:"penalty_type,omitempty"`
	PenaltyValue   decimal.Decimal `json:"penalty_value"`
	UpdatedAt      string          `json:"updated_at,omitempty"` // output only
	UpdatedBy      string          `json:"updated_by,omitempty"` // output only
}

// TariffsJSON holds the per-classification tier tables.
type TariffsJSON struct {
	Residential []TierJSON                 `json:"residential"`
	Commercial  []TierJSON                 `json:"commercial"`
	Thresholds  map[string]decimal.Decimal `json:"thresholds,omitempty"`
}

// TierJSON represents one consumption bracket.
type TierJSON struct {
	Tier           string           `json:"tier"`
	MinConsumption decimal.Decimal  `json:"min_consumption"`
	MaxConsumption decimal.Decimal  `json:"max_consumption"`
	ChargeType     string           `json:"charge_type"`
	FlatAmount     *decimal.Decimal `json:"flat_amount,omitempty"`
	UnitRate       *decimal.Decimal `json:"unit_rate,omitempty"`
	IsActive       *bool            `json:"is_active,omitempty"` // Default true
}

// DiscountJSON represents the senior-citizen discount policy.
type DiscountJSON struct {
	DiscountRate    decimal.Decimal `json:"discount_rate"`
	ApplicableTiers []string        `json:"applicable_tiers"`
}

// =============================================================================
// SETTINGS FACTORY
// =============================================================================

// SettingsFactory converts JSON settings to billing.Settings.
type SettingsFactory struct{}

// NewSettingsFactory creates a new settings factory.
func NewSettingsFactory() *SettingsFactory {
	return &SettingsFactory{}
}

// ParseSettings parses and validates a JSON document. Unknown fields are
// rejected so a typo in a tier never silently drops a rate.
func (f *SettingsFactory) ParseSettings(jsonStr string) (billing.Settings, error) {
	return f.DecodeSettings(strings.NewReader(jsonStr))
}

// DecodeSettings is ParseSettings over a reader, such as a request body.
func (f *SettingsFactory) DecodeSettings(r io.Reader) (billing.Settings, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var sj SettingsJSON
	if err := dec.Decode(&sj); err != nil {
		return billing.Settings{}, fmt.Errorf("%w: failed to parse settings JSON: %w", billing.ErrInvalidSettings, err)
	}
	return f.FromJSON(sj)
}

// FromJSON converts SettingsJSON to validated billing.Settings.
func (f *SettingsFactory) FromJSON(sj SettingsJSON) (billing.Settings, error) {
	settings := billing.Settings{
		Tariffs: billing.TariffSchedule{
			Residential: parseTiers(billing.ClassResidential, sj.Tariffs.Residential),
			Commercial:  parseTiers(billing.ClassCommercial, sj.Tariffs.Commercial),
			Thresholds:  make(map[billing.Classification]decimal.Decimal, len(sj.Tariffs.Thresholds)),
		},
		SeniorDiscount: billing.DiscountPolicy{
			DiscountRate:    sj.SeniorDiscount.DiscountRate,
			ApplicableTiers: lo.Uniq(sj.SeniorDiscount.ApplicableTiers),
		},
		DueDayOfMonth: sj.DueDayOfMonth,
		GraceDays:     sj.GraceDays,
		PenaltyType:   parsePenaltyType(sj.PenaltyType),
		PenaltyValue:  sj.PenaltyValue,
	}

	for name, v := range sj.Tariffs.Thresholds {
		c := billing.Classification(name)
		if !c.Valid() {
			return billing.Settings{}, fmt.Errorf("%w: %w", billing.ErrInvalidSettings,
				&billing.ValidationError{Field: "tariffs.thresholds", Reason: fmt.Sprintf("unknown classification %q", name)})
		}
		settings.Tariffs.Thresholds[c] = v
	}

	if settings.DueDayOfMonth == 0 {
		settings.DueDayOfMonth = DefaultDueDayOfMonth
	}

	if err := settings.Validate(); err != nil {
		return billing.Settings{}, err
	}
	return settings, nil
}

// ToJSON converts billing.Settings to SettingsJSON.
func (f *SettingsFactory) ToJSON(s billing.Settings) SettingsJSON {
	sj := SettingsJSON{
		Version: s.Version,
		Tariffs: TariffsJSON{
			Residential: tiersToJSON(s.Tariffs.Residential),
			Commercial:  tiersToJSON(s.Tariffs.Commercial),
			Thresholds:  lo.MapKeys(s.Tariffs.Thresholds, func(_ decimal.Decimal, c billing.Classification) string { return string(c) }),
		},
		SeniorDiscount: DiscountJSON{
			DiscountRate:    s.SeniorDiscount.DiscountRate,
			ApplicableTiers: append([]string{}, s.SeniorDiscount.ApplicableTiers...),
		},
		DueDayOfMonth: s.DueDayOfMonth,
		GraceDays:     s.GraceDays,
		PenaltyType:   string(s.PenaltyType),
		PenaltyValue:  s.PenaltyValue,
		UpdatedBy:     s.UpdatedBy,
	}
	if !s.UpdatedAt.IsZero() {
		sj.UpdatedAt = s.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return sj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseTiers(c billing.Classification, tiers []TierJSON) []billing.TariffTier {
	return lo.Map(tiers, func(tj TierJSON, _ int) billing.TariffTier {
		t := billing.TariffTier{
			Classification: c,
			Tier:           tj.Tier,
			MinConsumption: tj.MinConsumption,
			MaxConsumption: tj.MaxConsumption,
			ChargeType:     billing.ChargeType(tj.ChargeType),
			IsActive:       true,
		}
		if tj.FlatAmount != nil {
			t.FlatAmount = *tj.FlatAmount
		}
		if tj.UnitRate != nil {
			t.UnitRate = *tj.UnitRate
		}
		if tj.IsActive != nil {
			t.IsActive = *tj.IsActive
		}
		return t
	})
}

func tiersToJSON(tiers []billing.TariffTier) []TierJSON {
	return lo.Map(tiers, func(t billing.TariffTier, _ int) TierJSON {
		tj := TierJSON{
			Tier:           t.Tier,
			MinConsumption: t.MinConsumption,
			MaxConsumption: t.MaxConsumption,
			ChargeType:     string(t.ChargeType),
			IsActive:       lo.ToPtr(t.IsActive),
		}
		switch t.ChargeType {
		case billing.ChargeFlat:
			tj.FlatAmount = lo.ToPtr(t.FlatAmount)
		case billing.ChargePerUnit:
			tj.UnitRate = lo.ToPtr(t.UnitRate)
		}
		return tj
	})
}

func parsePenaltyType(s string) billing.PenaltyType {
	if s == "" {
		return billing.PenaltyPercent
	}
	return billing.PenaltyType(s)
}
