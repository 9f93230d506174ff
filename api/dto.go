/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND METERS:
  Amounts and readings are decimals, encoded as JSON strings ("90.2") so
  clients never round-trip them through floating point. Requests accept
  either numbers or strings.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  h.decode, which rejects malformed JSON and failed tags with 400 before
  the billing core is reached. Domain rules (monotonicity, tariffs) stay in
  the billing package.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/settings.go: SettingsJSON type
*/
package api

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/coopdesk/waterbilling/billing"
)

// =============================================================================
// MEMBERS
// =============================================================================

// MemberDTO represents a member account in API responses.
type MemberDTO struct {
	AccountID       string     `json:"account_id"`
	Name            string     `json:"name"`
	Classification  string     `json:"classification"`
	Status          string     `json:"status"`
	IsSeniorCitizen bool       `json:"is_senior_citizen"`
	Meters          []MeterDTO `json:"meters"`
	CreatedAt       string     `json:"created_at,omitempty"`
}

// MeterDTO is a meter in requests and responses.
type MeterDTO struct {
	MeterNumber    string           `json:"meter_number" validate:"required"`
	Multiplier     *decimal.Decimal `json:"multiplier,omitempty"`
	InitialReading *decimal.Decimal `json:"initial_reading,omitempty"`
	Active         *bool            `json:"active,omitempty"`
}

// CreateMemberRequest is the request to create or replace a member.
type CreateMemberRequest struct {
	AccountID       string     `json:"account_id" validate:"required"`
	Name            string     `json:"name" validate:"required"`
	Classification  string     `json:"classification" validate:"required,oneof=residential commercial"`
	Status          string     `json:"status" validate:"omitempty,oneof=active disconnected inactive"`
	IsSeniorCitizen bool       `json:"is_senior_citizen"`
	Meters          []MeterDTO `json:"meters" validate:"dive"`
}

// UpdateMemberStatusRequest changes a member's service status.
type UpdateMemberStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active disconnected inactive"`
}

func (req CreateMemberRequest) toMember(now time.Time) billing.Member {
	m := billing.Member{
		AccountID:       billing.AccountID(req.AccountID),
		Name:            req.Name,
		Classification:  billing.Classification(req.Classification),
		Status:          billing.MemberStatus(lo.Ternary(req.Status == "", string(billing.MemberActive), req.Status)),
		IsSeniorCitizen: req.IsSeniorCitizen,
		CreatedAt:       now,
	}
	for _, md := range req.Meters {
		meter := billing.Meter{
			MeterNumber:    md.MeterNumber,
			AccountID:      m.AccountID,
			Multiplier:     decimal.NewFromInt(1),
			InitialReading: decimal.Zero,
			Active:         true,
		}
		if md.Multiplier != nil {
			meter.Multiplier = *md.Multiplier
		}
		if md.InitialReading != nil {
			meter.InitialReading = *md.InitialReading
		}
		if md.Active != nil {
			meter.Active = *md.Active
		}
		m.Meters = append(m.Meters, meter)
	}
	return m
}

func toMemberDTO(m billing.Member) MemberDTO {
	return MemberDTO{
		AccountID:       string(m.AccountID),
		Name:            m.Name,
		Classification:  string(m.Classification),
		Status:          string(m.Status),
		IsSeniorCitizen: m.IsSeniorCitizen,
		Meters: lo.Map(m.Meters, func(meter billing.Meter, _ int) MeterDTO {
			return MeterDTO{
				MeterNumber:    meter.MeterNumber,
				Multiplier:     lo.ToPtr(meter.Multiplier),
				InitialReading: lo.ToPtr(meter.InitialReading),
				Active:         lo.ToPtr(meter.Active),
			}
		}),
		CreatedAt: formatTimestamp(m.CreatedAt),
	}
}

// =============================================================================
// READINGS
// =============================================================================

// ReadingLineRequest is one submitted meter line. Omitted previous reading
// and multiplier fall back to the meter's history and configuration.
type ReadingLineRequest struct {
	MeterNumber     string           `json:"meter_number"`
	PreviousReading *decimal.Decimal `json:"previous_reading,omitempty"`
	PresentReading  *decimal.Decimal `json:"present_reading" validate:"required"`
	Multiplier      *decimal.Decimal `json:"multiplier,omitempty"`
}

// SubmitReadingsRequest submits readings for one account and period.
type SubmitReadingsRequest struct {
	AccountID string               `json:"account_id" validate:"required"`
	PeriodKey string               `json:"period_key" validate:"required"`
	Readings  []ReadingLineRequest `json:"readings" validate:"required,min=1,dive"`
}

func (req SubmitReadingsRequest) toIngest(actor string) billing.IngestRequest {
	return billing.IngestRequest{
		AccountID: billing.AccountID(req.AccountID),
		PeriodKey: billing.PeriodKey(req.PeriodKey),
		ActorID:   actor,
		Lines: lo.Map(req.Readings, func(l ReadingLineRequest, _ int) billing.ReadingLine {
			return billing.ReadingLine{
				MeterNumber:     l.MeterNumber,
				PreviousReading: l.PreviousReading,
				PresentReading:  lo.FromPtr(l.PresentReading),
				Multiplier:      l.Multiplier,
			}
		}),
	}
}

// ReadingDTO is a recorded meter reading.
type ReadingDTO struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	PeriodKey       string          `json:"period_key"`
	MeterNumber     string          `json:"meter_number"`
	PreviousReading decimal.Decimal `json:"previous_reading"`
	PresentReading  decimal.Decimal `json:"present_reading"`
	Multiplier      decimal.Decimal `json:"multiplier"`
	Consumed        decimal.Decimal `json:"consumed"`
	ReadBy          string          `json:"read_by,omitempty"`
	RecordedAt      string          `json:"recorded_at"`
}

func toReadingDTO(r billing.MeterReading) ReadingDTO {
	return ReadingDTO{
		ID:              r.ID,
		AccountID:       string(r.AccountID),
		PeriodKey:       string(r.PeriodKey),
		MeterNumber:     r.MeterNumber,
		PreviousReading: r.PreviousReading,
		PresentReading:  r.PresentReading,
		Multiplier:      r.Multiplier,
		Consumed:        r.Consumed(),
		ReadBy:          r.ReadBy,
		RecordedAt:      formatTimestamp(r.RecordedAt),
	}
}

// LineOutcomeDTO reports what happened to one submitted line.
type LineOutcomeDTO struct {
	MeterNumber string      `json:"meter_number"`
	Status      string      `json:"status"` // accepted, locked, rejected
	Reading     *ReadingDTO `json:"reading,omitempty"`
	Error       string      `json:"error,omitempty"`
	Code        string      `json:"code,omitempty"`
}

func toLineOutcomeDTO(o billing.LineOutcome) LineOutcomeDTO {
	dto := LineOutcomeDTO{MeterNumber: o.MeterNumber, Status: string(o.Status)}
	if o.Reading != nil {
		dto.Reading = lo.ToPtr(toReadingDTO(*o.Reading))
	}
	if o.Err != nil {
		dto.Error = o.Err.Error()
		dto.Code = billing.ErrorCode(o.Err)
	}
	return dto
}

// SubmitReadingsResponse is the result of a reading submission.
type SubmitReadingsResponse struct {
	AccountID         string           `json:"account_id"`
	PeriodKey         string           `json:"period_key"`
	TotalConsumed     decimal.Decimal  `json:"total_consumed"`
	Lines             []LineOutcomeDTO `json:"lines"`
	Bill              *BillDTO         `json:"bill,omitempty"`
	NeedsTariffReview bool             `json:"needs_tariff_review"`
	TariffError       string           `json:"tariff_error,omitempty"`
}

func toSubmitReadingsResponse(res *billing.IngestResult) SubmitReadingsResponse {
	resp := SubmitReadingsResponse{
		AccountID:         string(res.AccountID),
		PeriodKey:         string(res.PeriodKey),
		TotalConsumed:     res.TotalConsumed,
		Lines:             lo.Map(res.Lines, func(o billing.LineOutcome, _ int) LineOutcomeDTO { return toLineOutcomeDTO(o) }),
		NeedsTariffReview: res.NeedsTariffReview,
	}
	if res.Bill != nil {
		resp.Bill = lo.ToPtr(toBillDTO(*res.Bill))
	}
	if res.TariffError != nil {
		resp.TariffError = res.TariffError.Error()
	}
	return resp
}

// =============================================================================
// BILLS
// =============================================================================

// BillDTO represents a bill in API responses.
type BillDTO struct {
	ID                string                    `json:"id"`
	AccountID         string                    `json:"account_id"`
	PeriodKey         string                    `json:"period_key"`
	Classification    string                    `json:"classification"`
	MeterReadingLines []billing.BillReadingLine `json:"meter_reading_lines"`
	TotalConsumed     decimal.Decimal           `json:"total_consumed"`
	TariffUsed        billing.TariffTier        `json:"tariff_used"`
	BaseAmount        decimal.Decimal           `json:"base_amount"`
	Discount          decimal.Decimal           `json:"discount"`
	DiscountReason    string                    `json:"discount_reason,omitempty"`
	FinalAmount       decimal.Decimal           `json:"final_amount"`
	Settings          BillSettingsDTO           `json:"settings"`
	DueDate           string                    `json:"due_date"`
	PenaltyApplied    decimal.Decimal           `json:"penalty_applied"`
	TotalDue          decimal.Decimal           `json:"total_due"`
	Status            string                    `json:"status"`
	PaidAt            string                    `json:"paid_at,omitempty"`
	ReceiptNumber     string                    `json:"receipt_number,omitempty"`
	NeedsTariffReview bool                      `json:"needs_tariff_review"`
	CreatedAt         string                    `json:"created_at"`
	UpdatedAt         string                    `json:"updated_at"`
}

// BillSettingsDTO is the settings snapshot a bill was created under.
type BillSettingsDTO struct {
	Version       int             `json:"version"`
	DueDayOfMonth int             `json:"due_day_of_month"`
	GraceDays     int             `json:"grace_days"`
	PenaltyType   string          `json:"penalty_type"`
	PenaltyValue  decimal.Decimal `json:"penalty_value"`
}

func toBillDTO(b billing.Bill) BillDTO {
	dto := BillDTO{
		ID:                string(b.ID),
		AccountID:         string(b.AccountID),
		PeriodKey:         string(b.PeriodKey),
		Classification:    string(b.Classification),
		MeterReadingLines: lo.Ternary(b.MeterReadingLines == nil, []billing.BillReadingLine{}, b.MeterReadingLines),
		TotalConsumed:     b.TotalConsumed,
		TariffUsed:        b.TariffUsed,
		BaseAmount:        b.BaseAmount,
		Discount:          b.Discount,
		DiscountReason:    b.DiscountReason,
		FinalAmount:       b.FinalAmount,
		Settings: BillSettingsDTO{
			Version:       b.Settings.Version,
			DueDayOfMonth: b.Settings.DueDayOfMonth,
			GraceDays:     b.Settings.GraceDays,
			PenaltyType:   string(b.Settings.PenaltyType),
			PenaltyValue:  b.Settings.PenaltyValue,
		},
		DueDate:           billing.FormatDate(b.DueDate),
		PenaltyApplied:    b.PenaltyApplied,
		TotalDue:          b.TotalDue,
		Status:            string(b.Status),
		ReceiptNumber:     b.ReceiptNumber,
		NeedsTariffReview: b.NeedsTariffReview,
		CreatedAt:         formatTimestamp(b.CreatedAt),
		UpdatedAt:         formatTimestamp(b.UpdatedAt),
	}
	if b.PaidAt != nil {
		dto.PaidAt = formatTimestamp(*b.PaidAt)
	}
	return dto
}

// RecomputeBillRequest re-prices a bill from its recorded readings.
type RecomputeBillRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	PeriodKey string `json:"period_key" validate:"required"`
}

// QuoteRequest prices a consumption without recording anything.
type QuoteRequest struct {
	Consumption    *decimal.Decimal `json:"consumption" validate:"required"`
	Classification string           `json:"classification" validate:"required,oneof=residential commercial"`
	SeniorCitizen  bool             `json:"senior_citizen"`
}

// QuoteDTO is the priced result of a consumption.
type QuoteDTO struct {
	Tier           billing.TariffTier `json:"tier"`
	Consumption    decimal.Decimal    `json:"consumption"`
	BaseAmount     decimal.Decimal    `json:"base_amount"`
	Discount       decimal.Decimal    `json:"discount"`
	DiscountReason string             `json:"discount_reason,omitempty"`
	FinalAmount    decimal.Decimal    `json:"final_amount"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPaymentRequest settles a bill. Amount defaults to the total due.
type RecordPaymentRequest struct {
	BillID        string           `json:"bill_id" validate:"required"`
	ReceiptNumber string           `json:"receipt_number" validate:"required"`
	Method        string           `json:"method" validate:"required,oneof=cash check gcash bank_transfer other"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
}

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID            string          `json:"id"`
	BillID        string          `json:"bill_id"`
	AccountID     string          `json:"account_id"`
	PeriodKey     string          `json:"period_key"`
	ReceiptNumber string          `json:"receipt_number"`
	Method        string          `json:"method"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PaidAt        string          `json:"paid_at"`
	ReceivedBy    string          `json:"received_by,omitempty"`
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            string(p.ID),
		BillID:        string(p.BillID),
		AccountID:     string(p.AccountID),
		PeriodKey:     string(p.PeriodKey),
		ReceiptNumber: p.ReceiptNumber,
		Method:        string(p.Method),
		AmountPaid:    p.AmountPaid,
		PaidAt:        formatTimestamp(p.PaidAt),
		ReceivedBy:    p.ReceivedBy,
	}
}

// RecordPaymentResponse is the payment plus the bill it closed.
type RecordPaymentResponse struct {
	Payment PaymentDTO `json:"payment"`
	Bill    BillDTO    `json:"bill"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditEntryDTO is one audit log entry.
type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	AccountID string         `json:"account_id,omitempty"`
	BillID    string         `json:"bill_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func toAuditEntryDTO(e billing.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:        e.ID,
		Timestamp: formatTimestamp(e.Timestamp),
		ActorID:   e.ActorID,
		Action:    string(e.Action),
		AccountID: string(e.AccountID),
		BillID:    string(e.BillID),
		Payload:   e.Payload,
	}
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
