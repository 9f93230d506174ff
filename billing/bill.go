/*
bill.go - Bill record and its status lifecycle

PURPOSE:
  One Bill per (account, period). It owns copies of everything it was
  computed from: the meter lines, the tariff tier, and the settings
  snapshot (due day, grace days, penalty rule). Editing settings later
  never changes a historical bill.

STATE MACHINE:
  unpaid ──(today > DueDate)──> overdue
  unpaid | overdue ──(payment)──> paid   (terminal)

  Overdue is derived, not scheduled: Refresh(today) is called on every
  read and write and materializes the status. Penalties are recomputed
  only while a bill is unpaid/overdue, from the snapshot, never from live
  settings. A paid bill is frozen.

AMOUNTS:
  FinalAmount = BaseAmount - Discount
  TotalDue    = FinalAmount + PenaltyApplied

SEE ALSO:
  - settings.go: BillSettings snapshot and Penalty
  - engine.go: where bills are upserted, refreshed and paid
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

type BillStatus string

const (
	StatusUnpaid  BillStatus = "unpaid"
	StatusOverdue BillStatus = "overdue"
	StatusPaid    BillStatus = "paid"
)

func (s BillStatus) Valid() bool {
	return s == StatusUnpaid || s == StatusOverdue || s == StatusPaid
}

// BillReadingLine is the per-meter breakdown copied into a bill.
type BillReadingLine struct {
	MeterNumber     string          `json:"meter_number"`
	PreviousReading decimal.Decimal `json:"previous_reading"`
	PresentReading  decimal.Decimal `json:"present_reading"`
	Multiplier      decimal.Decimal `json:"multiplier"`
	Consumed        decimal.Decimal `json:"consumed"`
}

// Bill is the billing record for one account and period.
type Bill struct {
	ID             BillID
	AccountID      AccountID
	PeriodKey      PeriodKey
	Classification Classification

	MeterReadingLines []BillReadingLine
	TotalConsumed     decimal.Decimal

	// Snapshot of the tier, not a live reference.
	TariffUsed     TariffTier
	BaseAmount     decimal.Decimal
	Discount       decimal.Decimal
	DiscountReason string
	FinalAmount    decimal.Decimal

	// Copied at creation, immutable thereafter.
	Settings BillSettings
	DueDate  time.Time

	PenaltyApplied decimal.Decimal
	TotalDue       decimal.Decimal
	Status         BillStatus
	PaidAt         *time.Time
	ReceiptNumber  string

	// NeedsTariffReview marks a bill whose latest readings could not be
	// priced. Its amounts are the last successfully computed ones.
	NeedsTariffReview bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsPaid reports whether the bill reached its terminal state.
func (b *Bill) IsPaid() bool { return b.Status == StatusPaid }

// IsOverdueOn reports whether today is strictly after the due date.
func (b *Bill) IsOverdueOn(today time.Time) bool {
	return !b.DueDate.IsZero() && today.After(b.DueDate)
}

// Apply stores a computation's amounts on the bill. Callers must not
// apply to a paid bill.
func (b *Bill) Apply(c Computation, lines []BillReadingLine) {
	b.MeterReadingLines = lines
	b.TotalConsumed = c.Consumption
	b.TariffUsed = c.Tier
	b.BaseAmount = c.BaseAmount
	b.Discount = c.Discount
	b.DiscountReason = c.DiscountReason
	b.FinalAmount = c.FinalAmount
	b.NeedsTariffReview = false
}

// Refresh materializes status and penalty for the given civil date.
// Returns true if anything changed. Paid bills are never touched.
func (b *Bill) Refresh(today time.Time) bool {
	if b.IsPaid() {
		return false
	}

	status, penalty := StatusUnpaid, decimal.Zero
	if b.IsOverdueOn(today) {
		status = StatusOverdue
		penalty = b.Settings.Penalty(b.BaseAmount)
	}
	total := RoundCurrency(b.FinalAmount.Add(penalty))

	changed := status != b.Status ||
		!penalty.Equal(b.PenaltyApplied) ||
		!total.Equal(b.TotalDue)

	b.Status = status
	b.PenaltyApplied = penalty
	b.TotalDue = total
	return changed
}

// MarkPaid moves the bill to its terminal state.
func (b *Bill) MarkPaid(receiptNumber string, at time.Time) {
	b.Status = StatusPaid
	b.ReceiptNumber = receiptNumber
	b.PaidAt = &at
	b.UpdatedAt = at
}

// BillFilter narrows ListBills. Zero values match everything.
type BillFilter struct {
	AccountID AccountID
	PeriodKey PeriodKey
	Statuses  []BillStatus
	Limit     int
}
