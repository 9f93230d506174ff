package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCheck        PaymentMethod = "check"
	MethodGCash        PaymentMethod = "gcash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodOther        PaymentMethod = "other"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCheck, MethodGCash, MethodBankTransfer, MethodOther:
		return true
	}
	return false
}

// Payment settles exactly one bill. ReceiptNumber (the OR No.) is unique
// across all payments.
type Payment struct {
	ID            PaymentID
	BillID        BillID
	AccountID     AccountID
	PeriodKey     PeriodKey
	ReceiptNumber string
	Method        PaymentMethod
	AmountPaid    decimal.Decimal
	PaidAt        time.Time
	ReceivedBy    string
}

// PaymentRequest is the payment submission boundary.
// A nil Amount means "pay the bill's total due".
type PaymentRequest struct {
	BillID        BillID
	ReceiptNumber string
	Method        PaymentMethod
	Amount        *decimal.Decimal
	ReceivedBy    string
}

func (r PaymentRequest) validate() error {
	if r.BillID == "" {
		return invalid("bill_id", "is required")
	}
	if r.ReceiptNumber == "" {
		return invalid("receipt_number", "is required")
	}
	if !r.Method.Valid() {
		return invalid("method", "unknown payment method %q", r.Method)
	}
	if r.Amount != nil && !r.Amount.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	return nil
}

// PaymentResult is the payment plus the bill it closed.
type PaymentResult struct {
	Payment Payment
	Bill    Bill
}
