/*
reading.go - Meter reading lines and multi-meter aggregation

PURPOSE:
  A meter reader submits one or more lines for an account and period.
  Each line becomes one persisted MeterReading, keyed by
  (period, meter number). Single-meter accounts key by the account id.

LINE RULES:
  - present >= previous, else MonotonicityError
  - multiplier > 0, else ValidationError
  - previous defaults to the meter's last recorded present reading
    (any earlier period), then to the meter's initial reading
  - multiplier defaults to the meter's configured multiplier, then 1
  - consumed = (present - previous) × multiplier

LOCKING:
  A meter that already has a reading for the period is locked: the line
  is skipped, not overwritten. Re-submitting the same readings is a no-op.

SEE ALSO:
  - engine.go: IngestReadings (per-line outcomes, bill upsert)
  - bill.go: BillReadingLine (the copy embedded in a bill)
*/
package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReadingLine is one submitted line. Nil pointers mean "use the default".
type ReadingLine struct {
	MeterNumber     string
	PreviousReading *decimal.Decimal
	PresentReading  decimal.Decimal
	Multiplier      *decimal.Decimal
}

// MeterReading is a recorded reading for one meter in one period.
type MeterReading struct {
	ID              string
	AccountID       AccountID
	PeriodKey       PeriodKey
	MeterNumber     string
	PreviousReading decimal.Decimal
	PresentReading  decimal.Decimal
	Multiplier      decimal.Decimal
	ReadBy          string
	RecordedAt      time.Time
}

// RawConsumed is present - previous.
func (r MeterReading) RawConsumed() decimal.Decimal {
	return r.PresentReading.Sub(r.PreviousReading)
}

// Consumed is the raw consumption scaled by the meter multiplier.
func (r MeterReading) Consumed() decimal.Decimal {
	return r.RawConsumed().Mul(r.Multiplier)
}

// Validate enforces the per-line invariants.
func (r MeterReading) Validate() error {
	if strings.TrimSpace(r.MeterNumber) == "" {
		return invalid("meter_number", "is required")
	}
	if r.PresentReading.IsNegative() || r.PreviousReading.IsNegative() {
		return invalid("readings", "meter %s: readings must not be negative", r.MeterNumber)
	}
	if !r.Multiplier.IsPositive() {
		return invalid("multiplier", "meter %s: multiplier must be greater than zero", r.MeterNumber)
	}
	if r.PresentReading.LessThan(r.PreviousReading) {
		return &MonotonicityError{MeterNumber: r.MeterNumber, Previous: r.PreviousReading, Present: r.PresentReading}
	}
	return nil
}

// ReadingDefaults are the fallbacks for fields a line leaves out.
type ReadingDefaults struct {
	Previous   decimal.Decimal
	Multiplier decimal.Decimal
}

// Resolve builds the reading to persist from a submitted line.
func (l ReadingLine) Resolve(account AccountID, period PeriodKey, meterNumber string, def ReadingDefaults) MeterReading {
	r := MeterReading{
		AccountID:       account,
		PeriodKey:       period,
		MeterNumber:     meterNumber,
		PreviousReading: def.Previous,
		PresentReading:  l.PresentReading,
		Multiplier:      def.Multiplier,
	}
	if l.PreviousReading != nil {
		r.PreviousReading = *l.PreviousReading
	}
	if l.Multiplier != nil {
		r.Multiplier = *l.Multiplier
	}
	if r.Multiplier.IsZero() && l.Multiplier == nil {
		r.Multiplier = decimal.NewFromInt(1)
	}
	return r
}

// =============================================================================
// PER-LINE OUTCOMES
// =============================================================================

type LineStatus string

const (
	LineAccepted LineStatus = "accepted"
	LineLocked   LineStatus = "locked"
	LineRejected LineStatus = "rejected"
)

// LineOutcome reports what happened to one submitted line. A rejected line
// never aborts the rest of the batch.
type LineOutcome struct {
	MeterNumber string
	Status      LineStatus
	Reading     *MeterReading
	Err         error
}

// =============================================================================
// AGGREGATION
// =============================================================================

// Aggregate sums consumption across every reading of an account-period and
// returns the per-meter breakdown embedded in the bill.
func Aggregate(readings []MeterReading) (decimal.Decimal, []BillReadingLine) {
	total := decimal.Zero
	lines := make([]BillReadingLine, 0, len(readings))
	for _, r := range readings {
		consumed := r.Consumed()
		total = total.Add(consumed)
		lines = append(lines, BillReadingLine{
			MeterNumber:     r.MeterNumber,
			PreviousReading: r.PreviousReading,
			PresentReading:  r.PresentReading,
			Multiplier:      r.Multiplier,
			Consumed:        consumed,
		})
	}
	return total, lines
}
