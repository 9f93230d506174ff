/*
engine.go - Billing operations: ingest, upsert, refresh, pay

PURPOSE:
  The Engine is the only entry point that mutates billing state. It ties
  the account provider, the settings provider and the store together and
  runs every operation inside a store transaction.

DATA FLOW:
  IngestReadings ──> ComputeBill ──> upsert (one bill per account+period)
                                        │
  GetBill / ListBills ──> Refresh (lazy unpaid→overdue, penalty)
                                        │
  RecordPayment ──────────────────────> paid (terminal, frozen)

IDEMPOTENCY:
  Re-submitting readings that are already recorded locks every line and
  leaves the bill as it was (apart from the lazy status refresh). A paid
  bill is returned unchanged by any later upsert.

TARIFF REVIEW:
  When no bracket covers the aggregated consumption the readings are still
  recorded, an existing bill is flagged NeedsTariffReview with its last
  good amounts kept, and no zero-amount bill is ever created. After the
  tariff is fixed, UpsertBill recomputes from the recorded readings.

SEE ALSO:
  - store.go: transaction and uniqueness contract
  - bill.go: Refresh and MarkPaid
  - api/handlers.go: HTTP surface over these operations
*/
package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    TxStore
	accounts AccountProvider
	settings SettingsProvider

	now func() time.Time
	loc *time.Location
	log *zap.Logger
}

type Option func(*Engine)

// WithClock replaces time.Now. Tests use it to pin "today".
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the timezone used to derive the current civil date.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func NewEngine(store TxStore, accounts AccountProvider, settings SettingsProvider, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		accounts: accounts,
		settings: settings,
		now:      time.Now,
		loc:      time.UTC,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine clock's current instant.
func (e *Engine) Now() time.Time { return e.now() }

// Today is the current civil date in the engine's location.
func (e *Engine) Today() time.Time { return Date(e.now(), e.loc) }

// ComputeBill prices a consumption under the current settings.
func (e *Engine) ComputeBill(ctx context.Context, consumption decimal.Decimal, c Classification, seniorEligible bool) (Computation, error) {
	settings, err := e.settings.CurrentSettings(ctx)
	if err != nil {
		return Computation{}, err
	}
	return ComputeBill(settings, consumption, c, seniorEligible)
}

// =============================================================================
// READING INGESTION
// =============================================================================

// IngestRequest is the reading submission boundary.
type IngestRequest struct {
	AccountID AccountID
	PeriodKey PeriodKey
	Lines     []ReadingLine
	ActorID   string
}

// IngestResult reports per-line outcomes and the resulting bill, if any.
type IngestResult struct {
	AccountID     AccountID
	PeriodKey     PeriodKey
	Lines         []LineOutcome
	TotalConsumed decimal.Decimal
	Bill          *Bill

	// NeedsTariffReview is set when the readings were recorded but no
	// tariff bracket covers TotalConsumed. TariffError carries the
	// *NoTariffFoundError.
	NeedsTariffReview bool
	TariffError       error
}

// Accepted counts lines that were recorded by this call.
func (r *IngestResult) Accepted() int {
	return lo.CountBy(r.Lines, func(o LineOutcome) bool { return o.Status == LineAccepted })
}

// IngestReadings records readings for one account-period and upserts its bill.
// Line-level failures are reported per line; account, settings and storage
// failures fail the whole request.
func (e *Engine) IngestReadings(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	period, err := ParsePeriodKey(string(req.PeriodKey))
	if err != nil {
		return nil, err
	}
	if len(req.Lines) == 0 {
		return nil, invalid("readings", "at least one reading is required")
	}
	member, err := e.activeMember(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	settings, err := e.settings.CurrentSettings(ctx)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{AccountID: member.AccountID, PeriodKey: period}
	err = e.store.WithTx(ctx, func(tx Store) error {
		seen := make(map[string]bool, len(req.Lines))
		for _, line := range req.Lines {
			outcome, err := e.ingestLine(ctx, tx, member, period, line, seen, req.ActorID)
			if err != nil {
				return err
			}
			result.Lines = append(result.Lines, outcome)
		}

		if result.Accepted() == 0 {
			bill, err := e.refreshBill(ctx, tx, func() (*Bill, error) {
				return tx.FindBill(ctx, member.AccountID, period)
			})
			if err != nil && !errors.Is(err, ErrBillNotFound) {
				return err
			}
			if bill != nil {
				result.Bill = bill
				result.TotalConsumed = bill.TotalConsumed
				if !bill.NeedsTariffReview {
					return nil
				}
			}
			return e.checkTariff(ctx, tx, member, period, settings, result)
		}

		readings, err := tx.ListReadings(ctx, member.AccountID, period)
		if err != nil {
			return err
		}
		result.TotalConsumed, _ = Aggregate(readings)

		bill, err := e.upsertBill(ctx, tx, member, period, readings, settings, req.ActorID)
		result.Bill = bill
		if errors.Is(err, ErrNoTariffFound) {
			result.NeedsTariffReview = true
			result.TariffError = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("readings ingested",
		zap.String("account_id", string(member.AccountID)),
		zap.String("period", string(period)),
		zap.Int("accepted", result.Accepted()),
		zap.Int("lines", len(result.Lines)),
		zap.String("total_consumed", result.TotalConsumed.String()),
		zap.Bool("needs_tariff_review", result.NeedsTariffReview),
	)
	return result, nil
}

// checkTariff re-prices the recorded readings of a submission that changed
// nothing, so a period still lacking a tariff bracket keeps reporting it.
func (e *Engine) checkTariff(ctx context.Context, tx Store, m *Member, period PeriodKey, settings Settings, result *IngestResult) error {
	readings, err := tx.ListReadings(ctx, m.AccountID, period)
	if err != nil || len(readings) == 0 {
		return err
	}
	total, _ := Aggregate(readings)
	result.TotalConsumed = total
	if _, err := ComputeBill(settings, total, m.Classification, m.IsSeniorCitizen); errors.Is(err, ErrNoTariffFound) {
		result.NeedsTariffReview = true
		result.TariffError = err
	}
	return nil
}

func (e *Engine) ingestLine(ctx context.Context, tx Store, m *Member, period PeriodKey, line ReadingLine, seen map[string]bool, actor string) (LineOutcome, error) {
	number := strings.TrimSpace(line.MeterNumber)
	def := ReadingDefaults{Multiplier: decimal.NewFromInt(1)}

	if m.SingleMeter() {
		if number == "" {
			number = string(m.AccountID)
		}
		if number != string(m.AccountID) {
			return rejected(number, invalid("meter_number", "account %s has no registered meter %q", m.AccountID, number)), nil
		}
	} else {
		meter, ok := m.ActiveMeter(number)
		if !ok {
			return rejected(number, invalid("meter_number", "%q is not an active meter of account %s", number, m.AccountID)), nil
		}
		def.Previous = meter.InitialReading
		if meter.Multiplier.IsPositive() {
			def.Multiplier = meter.Multiplier
		}
	}

	if seen[number] {
		return rejected(number, invalid("meter_number", "meter %s appears more than once", number)), nil
	}
	seen[number] = true

	existing, err := tx.FindReading(ctx, period, number)
	if err != nil {
		return LineOutcome{}, err
	}
	if existing != nil {
		return LineOutcome{MeterNumber: number, Status: LineLocked, Reading: existing, Err: ErrDuplicateReading}, nil
	}

	if line.PreviousReading == nil {
		last, err := tx.LastReadingBefore(ctx, number, period)
		if err != nil {
			return LineOutcome{}, err
		}
		if last != nil {
			def.Previous = last.PresentReading
		}
	}

	r := line.Resolve(m.AccountID, period, number, def)
	r.ID = uuid.NewString()
	r.ReadBy = actor
	r.RecordedAt = e.now().UTC()
	if err := r.Validate(); err != nil {
		return rejected(number, err), nil
	}

	if err := tx.SaveReading(ctx, r); err != nil {
		if errors.Is(err, ErrDuplicateReading) {
			return LineOutcome{MeterNumber: number, Status: LineLocked, Err: err}, nil
		}
		return LineOutcome{}, err
	}

	err = tx.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: r.RecordedAt,
		ActorID:   actor,
		Action:    AuditReadingRecorded,
		AccountID: m.AccountID,
		Payload: map[string]any{
			"period":       string(period),
			"meter_number": number,
			"previous":     r.PreviousReading.String(),
			"present":      r.PresentReading.String(),
			"multiplier":   r.Multiplier.String(),
		},
	})
	if err != nil {
		return LineOutcome{}, err
	}
	return LineOutcome{MeterNumber: number, Status: LineAccepted, Reading: &r}, nil
}

func rejected(number string, err error) LineOutcome {
	return LineOutcome{MeterNumber: number, Status: LineRejected, Err: err}
}

// =============================================================================
// BILL UPSERT
// =============================================================================

// UpsertBill (re)computes the bill of an account-period from its recorded
// readings using the current tariffs. The settings snapshot and due date of
// an existing bill are kept; a paid bill is returned unchanged.
//
// On *NoTariffFoundError an existing bill is flagged NeedsTariffReview and
// returned together with the error.
func (e *Engine) UpsertBill(ctx context.Context, accountID AccountID, periodKey PeriodKey, actor string) (*Bill, error) {
	period, err := ParsePeriodKey(string(periodKey))
	if err != nil {
		return nil, err
	}
	member, err := e.activeMember(ctx, accountID)
	if err != nil {
		return nil, err
	}
	settings, err := e.settings.CurrentSettings(ctx)
	if err != nil {
		return nil, err
	}

	var (
		bill      *Bill
		tariffErr error
	)
	err = e.store.WithTx(ctx, func(tx Store) error {
		readings, err := tx.ListReadings(ctx, member.AccountID, period)
		if err != nil {
			return err
		}
		if len(readings) == 0 {
			return invalid("readings", "no readings recorded for %s in %s", member.AccountID, period)
		}
		bill, err = e.upsertBill(ctx, tx, member, period, readings, settings, actor)
		if errors.Is(err, ErrNoTariffFound) {
			tariffErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return bill, tariffErr
}

func (e *Engine) upsertBill(ctx context.Context, tx Store, m *Member, period PeriodKey, readings []MeterReading, settings Settings, actor string) (*Bill, error) {
	existing, err := tx.FindBill(ctx, m.AccountID, period)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsPaid() {
		return existing, nil
	}

	now := e.now().UTC()
	today := e.Today()

	total, lines := Aggregate(readings)
	comp, err := ComputeBill(settings, total, m.Classification, m.IsSeniorCitizen)
	if err != nil {
		if !errors.Is(err, ErrNoTariffFound) || existing == nil {
			if errors.Is(err, ErrNoTariffFound) {
				e.log.Warn("no tariff for consumption, bill not created",
					zap.String("account_id", string(m.AccountID)),
					zap.String("period", string(period)),
					zap.String("consumption", total.String()))
			}
			return existing, err
		}
		existing.NeedsTariffReview = true
		existing.Refresh(today)
		existing.UpdatedAt = now
		saved, serr := tx.SaveBill(ctx, *existing)
		if serr != nil {
			return nil, serr
		}
		if aerr := e.audit(ctx, tx, actor, AuditTariffReview, &saved, map[string]any{"consumption": total.String()}); aerr != nil {
			return nil, aerr
		}
		e.log.Warn("bill flagged for tariff review",
			zap.String("bill_id", string(saved.ID)),
			zap.String("consumption", total.String()))
		return &saved, err
	}

	bill, action := existing, AuditBillUpdated
	if bill == nil {
		bill = &Bill{
			ID:        BillID(uuid.NewString()),
			AccountID: m.AccountID,
			PeriodKey: period,
			Settings:  settings.Snapshot(),
			DueDate:   DueDate(period, settings.DueDayOfMonth, settings.GraceDays),
			Status:    StatusUnpaid,
			CreatedAt: now,
		}
		action = AuditBillCreated
	}
	bill.Classification = m.Classification
	bill.Apply(comp, lines)
	bill.Refresh(today)
	bill.UpdatedAt = now

	saved, err := tx.SaveBill(ctx, *bill)
	if err != nil {
		return nil, err
	}
	err = e.audit(ctx, tx, actor, action, &saved, map[string]any{
		"total_consumed": saved.TotalConsumed.String(),
		"tier":           saved.TariffUsed.Tier,
		"final_amount":   saved.FinalAmount.String(),
		"total_due":      saved.TotalDue.String(),
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("bill upserted",
		zap.String("bill_id", string(saved.ID)),
		zap.String("account_id", string(saved.AccountID)),
		zap.String("period", string(saved.PeriodKey)),
		zap.String("action", string(action)),
		zap.String("tier", saved.TariffUsed.Tier),
		zap.String("total_due", saved.TotalDue.String()),
		zap.String("status", string(saved.Status)),
	)
	return &saved, nil
}

// =============================================================================
// READS WITH LAZY REFRESH
// =============================================================================

// GetBill returns a bill with its status refreshed for today.
func (e *Engine) GetBill(ctx context.Context, id BillID) (*Bill, error) {
	var bill *Bill
	err := e.store.WithTx(ctx, func(tx Store) error {
		var err error
		bill, err = e.refreshBill(ctx, tx, func() (*Bill, error) { return tx.GetBill(ctx, id) })
		return err
	})
	return bill, err
}

// FindBill returns the bill of an account-period with its status refreshed.
func (e *Engine) FindBill(ctx context.Context, accountID AccountID, period PeriodKey) (*Bill, error) {
	var bill *Bill
	err := e.store.WithTx(ctx, func(tx Store) error {
		var err error
		bill, err = e.refreshBill(ctx, tx, func() (*Bill, error) { return tx.FindBill(ctx, accountID, period) })
		return err
	})
	return bill, err
}

// ListBills returns bills with statuses refreshed. Status filters apply to
// the refreshed status.
func (e *Engine) ListBills(ctx context.Context, filter BillFilter) ([]Bill, error) {
	var bills []Bill
	err := e.store.WithTx(ctx, func(tx Store) error {
		// Stored status may lag; filter after refreshing.
		query := filter
		query.Statuses = nil
		if len(filter.Statuses) > 0 {
			query.Limit = 0
		}
		stored, err := tx.ListBills(ctx, query)
		if err != nil {
			return err
		}
		today := e.Today()
		for i := range stored {
			if _, err := e.persistRefresh(ctx, tx, &stored[i], today); err != nil {
				return err
			}
		}
		bills = stored
		if len(filter.Statuses) > 0 {
			bills = lo.Filter(stored, func(b Bill, _ int) bool { return lo.Contains(filter.Statuses, b.Status) })
			if filter.Limit > 0 && len(bills) > filter.Limit {
				bills = bills[:filter.Limit]
			}
		}
		return nil
	})
	return bills, err
}

// RefreshOverdue refreshes every unpaid or overdue bill and returns how many
// became overdue. It is an optional sweep; reads produce the same result.
func (e *Engine) RefreshOverdue(ctx context.Context) (int, error) {
	transitioned := 0
	err := e.store.WithTx(ctx, func(tx Store) error {
		open, err := tx.ListBills(ctx, BillFilter{Statuses: []BillStatus{StatusUnpaid, StatusOverdue}})
		if err != nil {
			return err
		}
		today := e.Today()
		for i := range open {
			before := open[i].Status
			if _, err := e.persistRefresh(ctx, tx, &open[i], today); err != nil {
				return err
			}
			if before != StatusOverdue && open[i].Status == StatusOverdue {
				transitioned++
			}
		}
		return nil
	})
	return transitioned, err
}

func (e *Engine) refreshBill(ctx context.Context, tx Store, load func() (*Bill, error)) (*Bill, error) {
	bill, err := load()
	if err != nil {
		return nil, err
	}
	if bill == nil {
		return nil, ErrBillNotFound
	}
	if _, err := e.persistRefresh(ctx, tx, bill, e.Today()); err != nil {
		return nil, err
	}
	return bill, nil
}

// persistRefresh applies Refresh and saves the bill if anything changed.
func (e *Engine) persistRefresh(ctx context.Context, tx Store, bill *Bill, today time.Time) (bool, error) {
	before := bill.Status
	if !bill.Refresh(today) {
		return false, nil
	}
	bill.UpdatedAt = e.now().UTC()
	saved, err := tx.SaveBill(ctx, *bill)
	if err != nil {
		return false, err
	}
	*bill = saved
	if before != StatusOverdue && bill.Status == StatusOverdue {
		if err := e.audit(ctx, tx, "system", AuditBillOverdue, bill, map[string]any{
			"due_date":        FormatDate(bill.DueDate),
			"penalty_applied": bill.PenaltyApplied.String(),
		}); err != nil {
			return false, err
		}
		e.log.Info("bill overdue",
			zap.String("bill_id", string(bill.ID)),
			zap.String("account_id", string(bill.AccountID)),
			zap.String("period", string(bill.PeriodKey)),
			zap.String("penalty", bill.PenaltyApplied.String()))
	}
	return true, nil
}

// =============================================================================
// PAYMENT RECORDING
// =============================================================================

// RecordPayment settles a bill with a globally unique receipt number. It is
// the only transition into paid.
func (e *Engine) RecordPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	req.ReceiptNumber = strings.TrimSpace(req.ReceiptNumber)
	if err := req.validate(); err != nil {
		return nil, err
	}

	var result PaymentResult
	err := e.store.WithTx(ctx, func(tx Store) error {
		bill, err := tx.GetBill(ctx, req.BillID)
		if err != nil {
			return err
		}
		if bill == nil {
			return ErrBillNotFound
		}
		if bill.IsPaid() {
			return &AlreadyPaidError{BillID: bill.ID, ReceiptNumber: bill.ReceiptNumber}
		}
		if bill.NeedsTariffReview {
			return invalid("bill_id", "bill %s needs tariff review before payment", bill.ID)
		}

		existing, err := tx.FindPaymentByReceipt(ctx, req.ReceiptNumber)
		if err != nil {
			return err
		}
		if existing != nil {
			return &DuplicateReceiptError{ReceiptNumber: req.ReceiptNumber, ExistingBillID: existing.BillID}
		}

		// Settle against the amount due today, penalty included.
		bill.Refresh(e.Today())
		if !bill.TotalDue.IsPositive() {
			return invalid("bill_id", "bill %s has nothing due", bill.ID)
		}
		amount := bill.TotalDue
		if req.Amount != nil {
			amount = RoundCurrency(*req.Amount)
		}
		if amount.LessThan(bill.TotalDue) {
			return invalid("amount", "%s does not cover total due %s", amount, bill.TotalDue)
		}

		now := e.now().UTC()
		payment := Payment{
			ID:            PaymentID(uuid.NewString()),
			BillID:        bill.ID,
			AccountID:     bill.AccountID,
			PeriodKey:     bill.PeriodKey,
			ReceiptNumber: req.ReceiptNumber,
			Method:        req.Method,
			AmountPaid:    amount,
			PaidAt:        now,
			ReceivedBy:    req.ReceivedBy,
		}
		if err := tx.SavePayment(ctx, payment); err != nil {
			return err
		}

		bill.MarkPaid(payment.ReceiptNumber, now)
		saved, err := tx.SaveBill(ctx, *bill)
		if err != nil {
			return err
		}
		if err := e.audit(ctx, tx, req.ReceivedBy, AuditBillPaid, &saved, map[string]any{
			"receipt_number": payment.ReceiptNumber,
			"method":         string(payment.Method),
			"amount_paid":    payment.AmountPaid.String(),
		}); err != nil {
			return err
		}
		result = PaymentResult{Payment: payment, Bill: saved}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment recorded",
		zap.String("bill_id", string(result.Bill.ID)),
		zap.String("receipt_number", result.Payment.ReceiptNumber),
		zap.String("amount_paid", result.Payment.AmountPaid.String()))
	return &result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) activeMember(ctx context.Context, id AccountID) (*Member, error) {
	if strings.TrimSpace(string(id)) == "" {
		return nil, invalid("account_id", "is required")
	}
	member, err := e.accounts.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, ErrAccountNotFound
	}
	if member.Status != MemberActive {
		return nil, &AccountNotActiveError{AccountID: member.AccountID, Status: member.Status}
	}
	return member, nil
}

func (e *Engine) audit(ctx context.Context, tx Store, actor string, action AuditAction, bill *Bill, payload map[string]any) error {
	if actor == "" {
		actor = "system"
	}
	payload["period"] = string(bill.PeriodKey)
	payload["status"] = string(bill.Status)
	return tx.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		ActorID:   actor,
		Action:    action,
		AccountID: bill.AccountID,
		BillID:    bill.ID,
		Payload:   payload,
	})
}
