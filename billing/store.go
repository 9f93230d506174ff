/*
store.go - Persistence interfaces for readings, bills and payments

PURPOSE:
  Defines the interface between the billing core and the database.
  Implementations: store/sqlite (production), billing/store (in-memory).

KEY INTERFACES:
  Store:            Readings, bills, payments, audit entries
  TxStore:          Store + WithTx for atomic read-modify-write
  AccountProvider:  Member lookup (classification, status, meters)
  SettingsProvider: Current validated settings

UNIQUENESS CONTRACT:
  Implementations MUST enforce, at the storage level:
  - one bill per (AccountID, PeriodKey)   -> SaveBill upserts on that key
  - one reading per (PeriodKey, MeterNumber) -> ErrDuplicateReading
  - one payment per bill                  -> ErrAlreadyPaid
  - one payment per receipt number        -> *DuplicateReceiptError
  and SaveBill MUST NOT overwrite a stored bill whose status is paid.

ATOMICITY:
  Every core operation runs inside WithTx. Two concurrent submissions for
  the same account and period therefore cannot both observe "no bill" and
  each insert one, nor interleave partial field writes.
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// FindBill returns the bill for (account, period), or nil.
	FindBill(ctx context.Context, accountID AccountID, period PeriodKey) (*Bill, error)

	// GetBill returns the bill by ID, or nil.
	GetBill(ctx context.Context, id BillID) (*Bill, error)

	// ListBills returns bills matching filter, newest period first.
	ListBills(ctx context.Context, filter BillFilter) ([]Bill, error)

	// SaveBill inserts or updates by (AccountID, PeriodKey) and returns the
	// stored row. A paid row is returned unchanged.
	SaveBill(ctx context.Context, bill Bill) (Bill, error)

	// FindReading returns the reading for (period, meter), or nil.
	FindReading(ctx context.Context, period PeriodKey, meterNumber string) (*MeterReading, error)

	// LastReadingBefore returns the most recent reading of a meter in any
	// period before the given one, or nil.
	LastReadingBefore(ctx context.Context, meterNumber string, before PeriodKey) (*MeterReading, error)

	// ListReadings returns every reading for an account-period.
	ListReadings(ctx context.Context, accountID AccountID, period PeriodKey) ([]MeterReading, error)

	// SaveReading inserts a reading. Returns ErrDuplicateReading on conflict.
	SaveReading(ctx context.Context, r MeterReading) error

	// FindPaymentByReceipt returns the payment holding a receipt number, or nil.
	FindPaymentByReceipt(ctx context.Context, receiptNumber string) (*Payment, error)

	// FindPaymentByBill returns the payment of a bill, or nil.
	FindPaymentByBill(ctx context.Context, billID BillID) (*Payment, error)

	// SavePayment inserts a payment.
	SavePayment(ctx context.Context, p Payment) error

	// AppendAudit records who did what when. Append-only.
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// AccountProvider resolves members. GetMember returns nil for unknown ids.
type AccountProvider interface {
	GetMember(ctx context.Context, id AccountID) (*Member, error)
}

// SettingsProvider returns the current, already validated settings.
type SettingsProvider interface {
	CurrentSettings(ctx context.Context) (Settings, error)
}

// =============================================================================
// ADMINISTRATION - members, settings versions, audit queries
// =============================================================================

// MemberRepository is the writable side of the account provider.
type MemberRepository interface {
	AccountProvider

	// SaveMember inserts or replaces a member and its meters.
	SaveMember(ctx context.Context, m Member) error

	// ListMembers returns members ordered by account id.
	ListMembers(ctx context.Context) ([]Member, error)

	// SetMemberStatus changes the service status. ErrAccountNotFound if unknown.
	SetMemberStatus(ctx context.Context, id AccountID, status MemberStatus) error
}

// SettingsRepository keeps every settings version ever saved.
type SettingsRepository interface {
	// LatestSettings returns the newest version, or nil if none was saved.
	LatestSettings(ctx context.Context) (*Settings, error)

	// SaveSettings stores s as the next version and returns it.
	SaveSettings(ctx context.Context, s Settings) (Settings, error)
}

// AuditReader queries the audit log, newest first.
type AuditReader interface {
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditAction string

const (
	AuditReadingRecorded AuditAction = "reading_recorded"
	AuditBillCreated     AuditAction = "bill_created"
	AuditBillUpdated     AuditAction = "bill_updated"
	AuditBillOverdue     AuditAction = "bill_overdue"
	AuditBillPaid        AuditAction = "bill_paid"
	AuditTariffReview    AuditAction = "tariff_review"
	AuditSettingsChanged AuditAction = "settings_changed"
	AuditMemberChanged   AuditAction = "member_changed"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Action    AuditAction
	AccountID AccountID
	BillID    BillID
	Payload   map[string]any
}

type AuditFilter struct {
	AccountID AccountID
	BillID    BillID
	Actions   []AuditAction
	Limit     int
}
