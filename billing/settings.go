package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SETTINGS - shared, rarely-written billing configuration
// =============================================================================

type PenaltyType string

const (
	PenaltyPercent PenaltyType = "percent"
	PenaltyFixed   PenaltyType = "fixed"
)

// Settings is the versioned global billing configuration. It is read once
// per bill computation; bills keep a copy of what they used.
type Settings struct {
	Version        int             `json:"version"`
	Tariffs        TariffSchedule  `json:"tariffs"`
	SeniorDiscount DiscountPolicy  `json:"senior_discount"`
	DueDayOfMonth  int             `json:"due_day_of_month"`
	GraceDays      int             `json:"grace_days"`
	PenaltyType    PenaltyType     `json:"penalty_type"`
	PenaltyValue   decimal.Decimal `json:"penalty_value"`
	UpdatedAt      time.Time       `json:"updated_at"`
	UpdatedBy      string          `json:"updated_by,omitempty"`
}

// Validate checks settings at the provider boundary, before the core uses them.
// Failures match both ErrInvalidSettings and ErrValidation.
func (s Settings) Validate() error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return nil
}

func (s Settings) validate() error {
	if err := s.Tariffs.validate(); err != nil {
		return err
	}
	if err := s.SeniorDiscount.validate(); err != nil {
		return err
	}
	if s.DueDayOfMonth < 1 || s.DueDayOfMonth > 31 {
		return invalid("due_day_of_month", "must be between 1 and 31, got %d", s.DueDayOfMonth)
	}
	if s.GraceDays < 0 {
		return invalid("grace_days", "must not be negative")
	}
	switch s.PenaltyType {
	case PenaltyPercent:
		if s.PenaltyValue.GreaterThan(hundred) {
			return invalid("penalty_value", "percent penalty must not exceed 100")
		}
	case PenaltyFixed:
	default:
		return invalid("penalty_type", "unknown penalty type %q", s.PenaltyType)
	}
	if s.PenaltyValue.IsNegative() {
		return invalid("penalty_value", "must not be negative")
	}
	return nil
}

// Clone returns a deep copy; callers may mutate it freely.
func (s Settings) Clone() Settings {
	out := s
	out.Tariffs = s.Tariffs.clone()
	out.SeniorDiscount.ApplicableTiers = append([]string(nil), s.SeniorDiscount.ApplicableTiers...)
	return out
}

// Snapshot copies the fields a bill depends on for its whole lifetime.
func (s Settings) Snapshot() BillSettings {
	return BillSettings{
		Version:       s.Version,
		DueDayOfMonth: s.DueDayOfMonth,
		GraceDays:     s.GraceDays,
		PenaltyType:   s.PenaltyType,
		PenaltyValue:  s.PenaltyValue,
	}
}

// BillSettings is the settings snapshot stored on a bill at creation.
// It is never rewritten afterwards.
type BillSettings struct {
	Version       int
	DueDayOfMonth int
	GraceDays     int
	PenaltyType   PenaltyType
	PenaltyValue  decimal.Decimal
}

// Penalty computes the late penalty for a bill's base amount.
func (b BillSettings) Penalty(baseAmount decimal.Decimal) decimal.Decimal {
	switch b.PenaltyType {
	case PenaltyPercent:
		return Percent(baseAmount, b.PenaltyValue)
	case PenaltyFixed:
		return RoundCurrency(b.PenaltyValue)
	}
	return decimal.Zero
}
