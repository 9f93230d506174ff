/*
errors.go - Centralized error types for the billing core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure the core can report is a typed error: callers match with
  errors.Is against the sentinels, or errors.As against the structured
  types when they need details (which meter, which receipt).

ERROR CATEGORIES:
  1. Input errors - ValidationError, MonotonicityError
  2. Lookup errors - account/bill not found
  3. State errors - account not active, already paid, duplicate receipt
  4. Configuration errors - no tariff bracket covers a consumption

PROPAGATION:
  Nothing here is retried automatically. Billing is user-initiated and a
  retry is a human decision (re-enter a reading, pick another receipt).

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP status codes
  - store/sqlite/sqlite.go: maps unique-constraint violations to sentinels
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input, before any persistence.
	ErrValidation = errors.New("validation failed")

	// ErrNoTariffFound is returned when no active bracket covers a consumption.
	ErrNoTariffFound = errors.New("no tariff found")

	// ErrAccountNotFound is returned when the account provider has no such member.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountNotActive is returned when billing a disconnected or inactive account.
	ErrAccountNotActive = errors.New("account not active")

	// ErrMonotonicity is returned when a present reading is below the previous one.
	ErrMonotonicity = errors.New("present reading below previous reading")

	// ErrAlreadyPaid is returned when paying a bill that is already paid.
	ErrAlreadyPaid = errors.New("bill already paid")

	// ErrDuplicateReceipt is returned when a receipt number is already used.
	// Receipt numbers are one global namespace, not scoped per bill.
	ErrDuplicateReceipt = errors.New("duplicate receipt number")

	// ErrBillNotFound is returned when a referenced bill doesn't exist.
	ErrBillNotFound = errors.New("bill not found")

	// ErrDuplicateReading is returned when a meter already has a reading for the period.
	ErrDuplicateReading = errors.New("reading already recorded for period")

	// ErrInvalidSettings is returned when settings fail validation.
	ErrInvalidSettings = errors.New("invalid settings")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NoTariffFoundError reports the consumption that fell outside every bracket.
type NoTariffFoundError struct {
	Classification Classification
	Consumption    decimal.Decimal
}

func (e *NoTariffFoundError) Error() string {
	return fmt.Sprintf("no active %s tariff covers consumption %s", e.Classification, e.Consumption)
}

func (e *NoTariffFoundError) Unwrap() error { return ErrNoTariffFound }

// MonotonicityError reports a meter whose present reading went backwards.
type MonotonicityError struct {
	MeterNumber string
	Previous    decimal.Decimal
	Present     decimal.Decimal
}

func (e *MonotonicityError) Error() string {
	return fmt.Sprintf("meter %s: present reading %s is below previous reading %s",
		e.MeterNumber, e.Present, e.Previous)
}

func (e *MonotonicityError) Unwrap() error { return ErrMonotonicity }

// AccountNotActiveError carries the status that blocked billing.
type AccountNotActiveError struct {
	AccountID AccountID
	Status    MemberStatus
}

func (e *AccountNotActiveError) Error() string {
	return fmt.Sprintf("account %s is %s", e.AccountID, e.Status)
}

func (e *AccountNotActiveError) Unwrap() error { return ErrAccountNotActive }

// AlreadyPaidError identifies the receipt that closed the bill.
type AlreadyPaidError struct {
	BillID        BillID
	ReceiptNumber string
}

func (e *AlreadyPaidError) Error() string {
	return fmt.Sprintf("bill %s already paid (receipt %s)", e.BillID, e.ReceiptNumber)
}

func (e *AlreadyPaidError) Unwrap() error { return ErrAlreadyPaid }

// DuplicateReceiptError identifies the bill already holding the receipt number.
type DuplicateReceiptError struct {
	ReceiptNumber  string
	ExistingBillID BillID
}

func (e *DuplicateReceiptError) Error() string {
	if e.ExistingBillID == "" {
		return fmt.Sprintf("receipt number %s already used", e.ReceiptNumber)
	}
	return fmt.Sprintf("receipt number %s already used by bill %s", e.ReceiptNumber, e.ExistingBillID)
}

func (e *DuplicateReceiptError) Unwrap() error { return ErrDuplicateReceipt }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMonotonicity) ||
		errors.Is(err, ErrInvalidSettings) ||
		errors.Is(err, ErrDuplicateReading)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrBillNotFound)
}

// IsConflict returns true if the error is a uniqueness or state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyPaid) ||
		errors.Is(err, ErrDuplicateReceipt)
}

// ErrorCode returns a stable machine-readable code for an error.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMonotonicity):
		return "monotonicity"
	case errors.Is(err, ErrInvalidSettings):
		return "invalid_settings"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNoTariffFound):
		return "no_tariff_found"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrAccountNotActive):
		return "account_not_active"
	case errors.Is(err, ErrAlreadyPaid):
		return "already_paid"
	case errors.Is(err, ErrDuplicateReceipt):
		return "duplicate_receipt"
	case errors.Is(err, ErrBillNotFound):
		return "bill_not_found"
	case errors.Is(err, ErrDuplicateReading):
		return "duplicate_reading"
	default:
		return "internal"
	}
}
