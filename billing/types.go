/*
Package billing provides the water-utility billing core.

PURPOSE:
  This package turns meter readings into bills and closes them with
  payments. It owns the only non-trivial rules of the cooperative
  back-office: tier selection by consumption bracket, minimum-charge vs
  per-unit pricing, senior-citizen discount gating, multi-meter
  aggregation, one-bill-per-account-per-period upserts, and date-driven
  status transitions with penalties computed from a settings snapshot.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money helpers: all currency values are decimal.Decimal rounded to 2 places
  - Identifiers: AccountID (PN No.), BillID, PaymentID
  - Member/Meter: the account provider's view of a water-service member

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, rounded at each computation boundary
  2. Snapshots: a Bill copies what it depended on, it never references live settings
  3. Lazy status: overdue is derived on access, there is no scheduler in the core
  4. Typed failures: every rejection is a sentinel-backed error (see errors.go)

SEE ALSO:
  - tariff.go: TariffSchedule and ComputeBill
  - bill.go: Bill lifecycle (Refresh, MarkPaid)
  - engine.go: IngestReadings, UpsertBill, RecordPayment
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// CurrencyPrecision is the number of decimal places kept for monetary values.
const CurrencyPrecision int32 = 2

var hundred = decimal.NewFromInt(100)

// RoundCurrency rounds half away from zero to CurrencyPrecision places.
// For the non-negative amounts billing deals in this is round-half-up.
func RoundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPrecision)
}

// Percent returns base × rate / 100, rounded to currency precision.
func Percent(base, rate decimal.Decimal) decimal.Decimal {
	return RoundCurrency(base.Mul(rate).Div(hundred))
}

// MustDecimal parses s or panics. Intended for constants and tests.
func MustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type BillID string
type PaymentID string

// =============================================================================
// MEMBERS - what the account provider exposes
// =============================================================================

// Classification selects which tariff table applies to an account.
type Classification string

const (
	ClassResidential Classification = "residential"
	ClassCommercial  Classification = "commercial"
)

// Classifications lists every supported classification in display order.
var Classifications = []Classification{ClassResidential, ClassCommercial}

func (c Classification) Valid() bool {
	return c == ClassResidential || c == ClassCommercial
}

type MemberStatus string

const (
	MemberActive       MemberStatus = "active"
	MemberDisconnected MemberStatus = "disconnected"
	MemberInactive     MemberStatus = "inactive"
)

func (s MemberStatus) Valid() bool {
	switch s {
	case MemberActive, MemberDisconnected, MemberInactive:
		return true
	}
	return false
}

// Member is a water-service account. AccountID is the PN No.
type Member struct {
	AccountID       AccountID
	Name            string
	Classification  Classification
	Status          MemberStatus
	IsSeniorCitizen bool
	Meters          []Meter
	CreatedAt       time.Time
}

// Meter is a physical meter attached to a member account.
// Multiplier scales raw consumption (bulk or shared meters).
type Meter struct {
	MeterNumber    string
	AccountID      AccountID
	Multiplier     decimal.Decimal
	InitialReading decimal.Decimal
	Active         bool
}

// ActiveMeter returns the active meter with the given number, if any.
func (m *Member) ActiveMeter(number string) (Meter, bool) {
	for _, meter := range m.Meters {
		if meter.MeterNumber == number && meter.Active {
			return meter, true
		}
	}
	return Meter{}, false
}

// SingleMeter reports whether readings for this account are keyed by the
// account itself rather than by registered meters.
func (m *Member) SingleMeter() bool {
	return len(m.Meters) == 0
}
