/*
handlers.go - HTTP API handlers for the water billing back-office

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to billing.Engine.

ENDPOINTS:
  Members:
    GET    /api/members                 List members
    POST   /api/members                 Create or replace a member (admin)
    GET    /api/members/{id}            Get member with meters
    PUT    /api/members/{id}/status     Activate / disconnect (admin)
    GET    /api/members/{id}/readings   Recorded readings (?period=YYYY-MM)
    GET    /api/members/{id}/bills      Bills of one member

  Readings:
    POST   /api/readings                Submit readings for one account-period
    POST   /api/readings/import         CSV batch (see import.go)

  Bills:
    GET    /api/bills                   List (?period=&account_id=&status=&limit=)
    GET    /api/bills/{id}              Get one bill
    GET    /api/bills/{id}/payment      Payment that closed the bill
    POST   /api/bills/recompute         Re-price from recorded readings (admin)
    POST   /api/bills/quote             Price a consumption, record nothing
    GET    /api/bills/export            CSV export (see import.go)

  Payments:
    POST   /api/payments                Record payment (admin, cashier)

  Settings:
    GET    /api/settings                Current settings
    GET    /api/settings/defaults       Shipped defaults
    PUT    /api/settings                Save a new version (admin)

  Audit:
    GET    /api/audit                   Audit trail (?account_id=&bill_id=&limit=)

LAZY STATUS:
  Every bill returned by these handlers went through the engine's refresh,
  so an unpaid bill past its due date is reported (and stored) as overdue.

ERROR HANDLING:
  Errors are returned as JSON ErrorResponse with a stable code:
  - 400: Validation errors, monotonicity, malformed input
  - 401/403: Missing actor / wrong role (middleware.go)
  - 404: Account or bill not found
  - 409: Already paid, duplicate receipt number
  - 422: Account not active, no tariff for the consumption
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - import.go: CSV import and export
  - seed.go: Demo data
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/coopdesk/waterbilling/billing"
	"github.com/coopdesk/waterbilling/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the HTTP layer persists through. Both store/sqlite
// and billing/store implement it.
type Store interface {
	billing.TxStore
	billing.MemberRepository
	billing.AuditReader
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Store
	Engine   *billing.Engine
	Settings *factory.Provider
	Factory  *factory.SettingsFactory
	Log      *zap.Logger

	// ImportWorkers bounds how many account groups a CSV import ingests
	// concurrently.
	ImportWorkers int

	validate *validator.Validate
}

// NewHandler creates a new handler.
func NewHandler(store Store, settings *factory.Provider, engine *billing.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:         store,
		Engine:        engine,
		Settings:      settings,
		Factory:       factory.NewSettingsFactory(),
		Log:           log,
		ImportWorkers: 4,
		validate:      newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names, not Go ones.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns all members.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Store.ListMembers(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list members", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(members, func(m billing.Member, _ int) MemberDTO { return toMemberDTO(m) }))
}

// GetMember returns a single member.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id := billing.AccountID(chi.URLParam(r, "id"))

	member, err := h.Store.GetMember(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}
	if member == nil {
		h.writeDomainError(w, "Member not found", billing.ErrAccountNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(*member))
}

// CreateMember creates or replaces a member and its meters.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	numbers := lo.Map(req.Meters, func(m MeterDTO, _ int) string { return m.MeterNumber })
	if dups := lo.FindDuplicates(numbers); len(dups) > 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "Duplicate meter numbers", Code: "validation", Details: dups,
		})
		return
	}
	for _, m := range req.Meters {
		if m.Multiplier != nil && !m.Multiplier.IsPositive() {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "Meter multiplier must be greater than zero", Code: "validation", Details: m.MeterNumber,
			})
			return
		}
	}

	ctx := r.Context()
	member := req.toMember(h.Engine.Now().UTC())
	if existing, err := h.Store.GetMember(ctx, member.AccountID); err == nil && existing != nil {
		member.CreatedAt = existing.CreatedAt
	}
	if err := h.Store.SaveMember(ctx, member); err != nil {
		h.writeDomainError(w, "Failed to save member", err)
		return
	}
	h.audit(ctx, billing.AuditMemberChanged, member.AccountID, map[string]any{
		"name":           member.Name,
		"classification": string(member.Classification),
		"status":         string(member.Status),
		"senior_citizen": member.IsSeniorCitizen,
		"meters":         numbers,
	})

	writeJSON(w, http.StatusCreated, toMemberDTO(member))
}

// UpdateMemberStatus activates or disconnects a member. Billing refuses
// accounts that are not active.
func (h *Handler) UpdateMemberStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateMemberStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := billing.AccountID(chi.URLParam(r, "id"))

	if err := h.Store.SetMemberStatus(ctx, id, billing.MemberStatus(req.Status)); err != nil {
		h.writeDomainError(w, "Failed to update member status", err)
		return
	}
	h.audit(ctx, billing.AuditMemberChanged, id, map[string]any{"status": req.Status})

	member, err := h.Store.GetMember(ctx, id)
	if err != nil || member == nil {
		h.writeDomainError(w, "Failed to get member", lo.Ternary(err != nil, err, billing.ErrAccountNotFound))
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(*member))
}

// ListMemberReadings returns the readings recorded for a member and period.
func (h *Handler) ListMemberReadings(w http.ResponseWriter, r *http.Request) {
	period, err := billing.ParsePeriodKey(r.URL.Query().Get("period"))
	if err != nil {
		h.writeDomainError(w, "Invalid period", err)
		return
	}
	id := billing.AccountID(chi.URLParam(r, "id"))

	readings, err := h.Store.ListReadings(r.Context(), id, period)
	if err != nil {
		h.writeDomainError(w, "Failed to list readings", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(readings, func(m billing.MeterReading, _ int) ReadingDTO { return toReadingDTO(m) }))
}

// ListMemberBills returns a member's bills, newest period first.
func (h *Handler) ListMemberBills(w http.ResponseWriter, r *http.Request) {
	id := billing.AccountID(chi.URLParam(r, "id"))
	bills, err := h.Engine.ListBills(r.Context(), billing.BillFilter{AccountID: id})
	if err != nil {
		h.writeDomainError(w, "Failed to list bills", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(bills, func(b billing.Bill, _ int) BillDTO { return toBillDTO(b) }))
}

// =============================================================================
// READING HANDLERS
// =============================================================================

// SubmitReadings records readings for one account and period and upserts
// the bill. Per-line outcomes are always returned; a line that fails never
// aborts the others. The response is 400 only when every line was rejected.
func (h *Handler) SubmitReadings(w http.ResponseWriter, r *http.Request) {
	var req SubmitReadingsRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.IngestReadings(r.Context(), req.toIngest(ActorFrom(r.Context()).ID))
	if err != nil {
		h.writeDomainError(w, "Failed to submit readings", err)
		return
	}

	status := http.StatusOK
	if lo.EveryBy(res.Lines, func(o billing.LineOutcome) bool { return o.Status == billing.LineRejected }) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, toSubmitReadingsResponse(res))
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

// ListBills returns bills matching the query, statuses refreshed for today.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	filter, err := parseBillFilter(r)
	if err != nil {
		h.writeDomainError(w, "Invalid bill filter", err)
		return
	}
	bills, err := h.Engine.ListBills(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list bills", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(bills, func(b billing.Bill, _ int) BillDTO { return toBillDTO(b) }))
}

// GetBill returns a single bill.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	bill, err := h.Engine.GetBill(r.Context(), billing.BillID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(*bill))
}

// GetBillPayment returns the payment that closed a bill.
func (h *Handler) GetBillPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.BillID(chi.URLParam(r, "id"))

	bill, err := h.Store.GetBill(ctx, id)
	if err != nil {
		h.writeDomainError(w, "Failed to get bill", err)
		return
	}
	if bill == nil {
		h.writeDomainError(w, "Bill not found", billing.ErrBillNotFound)
		return
	}
	payment, err := h.Store.FindPaymentByBill(ctx, id)
	if err != nil {
		h.writeDomainError(w, "Failed to get payment", err)
		return
	}
	if payment == nil {
		writeError(w, http.StatusNotFound, "Bill has no payment", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*payment))
}

// RecomputeBill re-prices a non-paid bill from its recorded readings with
// the current tariffs. Used after fixing a tariff that left a bill flagged
// for review. The bill keeps its settings snapshot and due date.
func (h *Handler) RecomputeBill(w http.ResponseWriter, r *http.Request) {
	var req RecomputeBillRequest
	if !h.decode(w, r, &req) {
		return
	}

	bill, err := h.Engine.UpsertBill(r.Context(),
		billing.AccountID(req.AccountID), billing.PeriodKey(req.PeriodKey), ActorFrom(r.Context()).ID)
	if err != nil {
		resp := ErrorResponse{Error: "Failed to recompute bill", Code: billing.ErrorCode(err), Details: err.Error()}
		if bill != nil {
			resp.Details = map[string]any{"reason": err.Error(), "bill": toBillDTO(*bill)}
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(*bill))
}

// QuoteBill prices a consumption under the current settings.
func (h *Handler) QuoteBill(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.Engine.ComputeBill(r.Context(), *req.Consumption, billing.Classification(req.Classification), req.SeniorCitizen)
	if err != nil {
		h.writeDomainError(w, "Failed to compute bill", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteDTO{
		Tier:           c.Tier,
		Consumption:    c.Consumption,
		BaseAmount:     c.BaseAmount,
		Discount:       c.Discount,
		DiscountReason: c.DiscountReason,
		FinalAmount:    c.FinalAmount,
	})
}

func parseBillFilter(r *http.Request) (billing.BillFilter, error) {
	q := r.URL.Query()
	filter := billing.BillFilter{AccountID: billing.AccountID(q.Get("account_id"))}

	if p := q.Get("period"); p != "" {
		period, err := billing.ParsePeriodKey(p)
		if err != nil {
			return filter, err
		}
		filter.PeriodKey = period
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			status := billing.BillStatus(strings.TrimSpace(part))
			if !status.Valid() {
				return filter, &billing.ValidationError{Field: "status", Reason: "unknown bill status " + strconv.Quote(string(status))}
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return filter, &billing.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		filter.Limit = n
	}
	return filter, nil
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment settles a bill. The receiving cashier is the request actor.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.RecordPayment(r.Context(), billing.PaymentRequest{
		BillID:        billing.BillID(req.BillID),
		ReceiptNumber: req.ReceiptNumber,
		Method:        billing.PaymentMethod(req.Method),
		Amount:        req.Amount,
		ReceivedBy:    ActorFrom(r.Context()).ID,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordPaymentResponse{
		Payment: toPaymentDTO(res.Payment),
		Bill:    toBillDTO(res.Bill),
	})
}

// =============================================================================
// SETTINGS HANDLERS
// =============================================================================

// GetSettings returns the settings new bills are computed with.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Settings.CurrentSettings(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(settings))
}

// GetDefaultSettings returns the shipped tariff schedule.
func (h *Handler) GetDefaultSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(factory.DefaultSettings()))
}

// UpdateSettings validates and saves a new settings version. Existing bills
// keep the snapshot they were created with.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Factory.DecodeSettings(r.Body)
	if err != nil {
		h.writeDomainError(w, "Invalid settings", err)
		return
	}

	ctx := r.Context()
	actor := ActorFrom(ctx).ID
	saved, err := h.Settings.Save(ctx, settings, actor, h.Engine.Now())
	if err != nil {
		h.writeDomainError(w, "Failed to save settings", err)
		return
	}
	h.audit(ctx, billing.AuditSettingsChanged, "", map[string]any{
		"version":          saved.Version,
		"due_day_of_month": saved.DueDayOfMonth,
		"grace_days":       saved.GraceDays,
		"penalty_type":     string(saved.PenaltyType),
		"penalty_value":    saved.PenaltyValue.String(),
	})

	writeJSON(w, http.StatusOK, h.Factory.ToJSON(saved))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListAudit returns audit entries, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := billing.AuditFilter{
		AccountID: billing.AccountID(q.Get("account_id")),
		BillID:    billing.BillID(q.Get("bill_id")),
		Limit:     100,
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to query audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(entries, func(e billing.AuditEntry, _ int) AuditEntryDTO { return toAuditEntryDTO(e) }))
}

// audit records an administrative change. Failures are logged, not returned:
// the change itself already succeeded.
func (h *Handler) audit(ctx context.Context, action billing.AuditAction, account billing.AccountID, payload map[string]any) {
	actor := ActorFrom(ctx).ID
	err := h.Store.AppendAudit(ctx, billing.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: h.Engine.Now().UTC(),
		ActorID:   lo.Ternary(actor == "", "system", actor),
		Action:    action,
		AccountID: account,
		Payload:   payload,
	})
	if err != nil {
		h.Log.Error("failed to append audit entry", zap.String("action", string(action)), zap.Error(err))
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates its tags. It writes the
// 400 response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "Validation failed",
				Code:  "validation",
				Details: lo.Map(verrs, func(fe validator.FieldError, _ int) map[string]string {
					return map[string]string{"field": fe.Namespace(), "rule": fe.Tag(), "param": fe.Param()}
				}),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// statusFor maps billing errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case billing.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, billing.ErrAccountNotActive), errors.Is(err, billing.ErrNoTariffFound):
		return http.StatusUnprocessableEntity
	case billing.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error(message, zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: billing.ErrorCode(err), Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
