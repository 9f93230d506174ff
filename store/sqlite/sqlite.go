/*
Package sqlite provides a SQLite-backed implementation of the billing storage interfaces.

PURPOSE:
  Implements billing.TxStore, billing.MemberRepository,
  billing.SettingsRepository and billing.AuditReader using SQLite. In
  production the same patterns apply to PostgreSQL with only minor SQL
  dialect differences.

KEY TABLES:
  members, meters:  Account provider data (classification, status, meters)
  readings:         One row per (period_key, meter_number)
  bills:            One row per (account_id, period_key)
  payments:         One row per bill, one row per receipt number
  settings:         Every saved settings version (JSON)
  audit_log:        Append-only who-did-what-when

UNIQUENESS:
  The invariants the billing core relies on are enforced by the schema,
  not only by the application:
  - idx_bills_account_period:     one bill per account and period
  - idx_readings_period_meter:    one reading per meter and period
  - idx_payments_receipt:         receipt numbers are globally unique
  - idx_payments_bill:            a bill is paid at most once
  Violations surface as the billing sentinel errors.

PAID BILLS ARE FROZEN:
  SaveBill upserts with ON CONFLICT ... DO UPDATE ... WHERE status != 'paid',
  so no code path can rewrite a paid bill. The settings snapshot, due date,
  id and created_at of an existing bill are never rewritten either.

CONCURRENCY:
  Uses sync.RWMutex plus a single open connection. WithTx holds the write
  lock for the whole transaction and runs fn against the *sql.Tx directly,
  so nested calls never re-enter the mutex.

USAGE:
  store, err := sqlite.New("./data/waterbilling.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, store, settingsProvider)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/coopdesk/waterbilling/billing"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Members (account provider)
	CREATE TABLE IF NOT EXISTS members (
		account_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		classification TEXT NOT NULL,
		status TEXT NOT NULL,
		is_senior_citizen INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meters (
		meter_number TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES members(account_id) ON DELETE CASCADE,
		multiplier TEXT NOT NULL,
		initial_reading TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_meters_account
		ON meters(account_id);

	-- Readings: locked once recorded
	CREATE TABLE IF NOT EXISTS readings (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		meter_number TEXT NOT NULL,
		previous_reading TEXT NOT NULL,
		present_reading TEXT NOT NULL,
		multiplier TEXT NOT NULL,
		read_by TEXT,
		recorded_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_readings_period_meter
		ON readings(period_key, meter_number);
	CREATE INDEX IF NOT EXISTS idx_readings_account_period
		ON readings(account_id, period_key);
	CREATE INDEX IF NOT EXISTS idx_readings_meter_period
		ON readings(meter_number, period_key DESC);

	-- Bills
	CREATE TABLE IF NOT EXISTS bills (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		classification TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		total_consumed TEXT NOT NULL,
		tariff_json TEXT NOT NULL,
		base_amount TEXT NOT NULL,
		discount TEXT NOT NULL,
		discount_reason TEXT,
		final_amount TEXT NOT NULL,
		settings_json TEXT NOT NULL,
		due_date TEXT NOT NULL,
		penalty_applied TEXT NOT NULL,
		total_due TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_at TEXT,
		receipt_number TEXT,
		needs_tariff_review INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_account_period
		ON bills(account_id, period_key);
	CREATE INDEX IF NOT EXISTS idx_bills_status
		ON bills(status);
	CREATE INDEX IF NOT EXISTS idx_bills_period
		ON bills(period_key DESC);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		bill_id TEXT NOT NULL REFERENCES bills(id),
		account_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		receipt_number TEXT NOT NULL,
		method TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		received_by TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_receipt
		ON payments(receipt_number);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_bill
		ON payments(bill_id);

	-- Settings (every version kept)
	CREATE TABLE IF NOT EXISTS settings (
		version INTEGER PRIMARY KEY,
		settings_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		updated_by TEXT
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		account_id TEXT,
		bill_id TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_account
		ON audit_log(account_id);
	CREATE INDEX IF NOT EXISTS idx_audit_bill
		ON audit_log(bill_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BILLING STORE (billing.Store interface)
// =============================================================================

func (s *Store) FindBill(ctx context.Context, accountID billing.AccountID, period billing.PeriodKey) (*billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.findBill(ctx, accountID, period)
}

func (s *Store) GetBill(ctx context.Context, id billing.BillID) (*billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.getBill(ctx, id)
}

func (s *Store) ListBills(ctx context.Context, filter billing.BillFilter) ([]billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.listBills(ctx, filter)
}

func (s *Store) SaveBill(ctx context.Context, bill billing.Bill) (billing.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repo{s.db}.saveBill(ctx, bill)
}

func (s *Store) FindReading(ctx context.Context, period billing.PeriodKey, meterNumber string) (*billing.MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.findReading(ctx, period, meterNumber)
}

func (s *Store) LastReadingBefore(ctx context.Context, meterNumber string, before billing.PeriodKey) (*billing.MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.lastReadingBefore(ctx, meterNumber, before)
}

func (s *Store) ListReadings(ctx context.Context, accountID billing.AccountID, period billing.PeriodKey) ([]billing.MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.listReadings(ctx, accountID, period)
}

func (s *Store) SaveReading(ctx context.Context, r billing.MeterReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repo{s.db}.saveReading(ctx, r)
}

func (s *Store) FindPaymentByReceipt(ctx context.Context, receiptNumber string) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.findPayment(ctx, "receipt_number", receiptNumber)
}

func (s *Store) FindPaymentByBill(ctx context.Context, billID billing.BillID) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.findPayment(ctx, "bill_id", string(billID))
}

func (s *Store) SavePayment(ctx context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repo{s.db}.savePayment(ctx, p)
}

func (s *Store) AppendAudit(ctx context.Context, entry billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repo{s.db}.appendAudit(ctx, entry)
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{r: repo{sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	r repo
}

func (ts *txStore) FindBill(ctx context.Context, accountID billing.AccountID, period billing.PeriodKey) (*billing.Bill, error) {
	return ts.r.findBill(ctx, accountID, period)
}

func (ts *txStore) GetBill(ctx context.Context, id billing.BillID) (*billing.Bill, error) {
	return ts.r.getBill(ctx, id)
}

func (ts *txStore) ListBills(ctx context.Context, filter billing.BillFilter) ([]billing.Bill, error) {
	return ts.r.listBills(ctx, filter)
}

func (ts *txStore) SaveBill(ctx context.Context, bill billing.Bill) (billing.Bill, error) {
	return ts.r.saveBill(ctx, bill)
}

func (ts *txStore) FindReading(ctx context.Context, period billing.PeriodKey, meterNumber string) (*billing.MeterReading, error) {
	return ts.r.findReading(ctx, period, meterNumber)
}

func (ts *txStore) LastReadingBefore(ctx context.Context, meterNumber string, before billing.PeriodKey) (*billing.MeterReading, error) {
	return ts.r.lastReadingBefore(ctx, meterNumber, before)
}

func (ts *txStore) ListReadings(ctx context.Context, accountID billing.AccountID, period billing.PeriodKey) ([]billing.MeterReading, error) {
	return ts.r.listReadings(ctx, accountID, period)
}

func (ts *txStore) SaveReading(ctx context.Context, r billing.MeterReading) error {
	return ts.r.saveReading(ctx, r)
}

func (ts *txStore) FindPaymentByReceipt(ctx context.Context, receiptNumber string) (*billing.Payment, error) {
	return ts.r.findPayment(ctx, "receipt_number", receiptNumber)
}

func (ts *txStore) FindPaymentByBill(ctx context.Context, billID billing.BillID) (*billing.Payment, error) {
	return ts.r.findPayment(ctx, "bill_id", string(billID))
}

func (ts *txStore) SavePayment(ctx context.Context, p billing.Payment) error {
	return ts.r.savePayment(ctx, p)
}

func (ts *txStore) AppendAudit(ctx context.Context, entry billing.AuditEntry) error {
	return ts.r.appendAudit(ctx, entry)
}

// =============================================================================
// REPOSITORY - SQL shared by Store and txStore
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repo struct {
	q querier
}

const billColumns = `
	id, account_id, period_key, classification, lines_json, total_consumed,
	tariff_json, base_amount, discount, discount_reason, final_amount,
	settings_json, due_date, penalty_applied, total_due, status, paid_at,
	receipt_number, needs_tariff_review, created_at, updated_at`

func (r repo) findBill(ctx context.Context, accountID billing.AccountID, period billing.PeriodKey) (*billing.Bill, error) {
	return r.queryBill(ctx, "SELECT "+billColumns+" FROM bills WHERE account_id = ? AND period_key = ?", accountID, period)
}

func (r repo) getBill(ctx context.Context, id billing.BillID) (*billing.Bill, error) {
	return r.queryBill(ctx, "SELECT "+billColumns+" FROM bills WHERE id = ?", id)
}

func (r repo) queryBill(ctx context.Context, query string, args ...any) (*billing.Bill, error) {
	bills, err := r.queryBills(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(bills) == 0 {
		return nil, nil
	}
	return &bills[0], nil
}

func (r repo) listBills(ctx context.Context, filter billing.BillFilter) ([]billing.Bill, error) {
	var (
		where []string
		args  []any
	)
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.PeriodKey != "" {
		where = append(where, "period_key = ?")
		args = append(args, filter.PeriodKey)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}

	query := "SELECT " + billColumns + " FROM bills"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY period_key DESC, account_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return r.queryBills(ctx, query, args...)
}

func (r repo) saveBill(ctx context.Context, b billing.Bill) (billing.Bill, error) {
	linesJSON, err := json.Marshal(b.MeterReadingLines)
	if err != nil {
		return billing.Bill{}, fmt.Errorf("failed to encode reading lines: %w", err)
	}
	tariffJSON, err := json.Marshal(b.TariffUsed)
	if err != nil {
		return billing.Bill{}, fmt.Errorf("failed to encode tariff: %w", err)
	}
	settingsJSON, err := json.Marshal(b.Settings)
	if err != nil {
		return billing.Bill{}, fmt.Errorf("failed to encode settings snapshot: %w", err)
	}

	var paidAt sql.NullString
	if b.PaidAt != nil {
		paidAt = nullString(formatTime(*b.PaidAt))
	}

	query := `
		INSERT INTO bills (` + billColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, period_key) DO UPDATE SET
			classification = excluded.classification,
			lines_json = excluded.lines_json,
			total_consumed = excluded.total_consumed,
			tariff_json = excluded.tariff_json,
			base_amount = excluded.base_amount,
			discount = excluded.discount,
			discount_reason = excluded.discount_reason,
			final_amount = excluded.final_amount,
			penalty_applied = excluded.penalty_applied,
			total_due = excluded.total_due,
			status = excluded.status,
			paid_at = excluded.paid_at,
			receipt_number = excluded.receipt_number,
			needs_tariff_review = excluded.needs_tariff_review,
			updated_at = excluded.updated_at
		WHERE bills.status != 'paid'
	`

	_, err = r.q.ExecContext(ctx, query,
		b.ID, b.AccountID, b.PeriodKey, b.Classification,
		string(linesJSON), b.TotalConsumed, string(tariffJSON),
		b.BaseAmount, b.Discount, b.DiscountReason, b.FinalAmount,
		string(settingsJSON), billing.FormatDate(b.DueDate),
		b.PenaltyApplied, b.TotalDue, b.Status, paidAt,
		nullString(b.ReceiptNumber), b.NeedsTariffReview,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return billing.Bill{}, fmt.Errorf("failed to save bill: %w", err)
	}

	stored, err := r.findBill(ctx, b.AccountID, b.PeriodKey)
	if err != nil {
		return billing.Bill{}, err
	}
	if stored == nil {
		return billing.Bill{}, fmt.Errorf("bill %s/%s vanished after save", b.AccountID, b.PeriodKey)
	}
	return *stored, nil
}

func (r repo) queryBills(ctx context.Context, query string, args ...any) ([]billing.Bill, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []billing.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func scanBill(rows *sql.Rows) (billing.Bill, error) {
	var (
		b              billing.Bill
		linesJSON      string
		tariffJSON     string
		settingsJSON   string
		discountReason sql.NullString
		dueDate        string
		paidAt         sql.NullString
		receiptNumber  sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := rows.Scan(
		&b.ID, &b.AccountID, &b.PeriodKey, &b.Classification,
		&linesJSON, &b.TotalConsumed, &tariffJSON,
		&b.BaseAmount, &b.Discount, &discountReason, &b.FinalAmount,
		&settingsJSON, &dueDate, &b.PenaltyApplied, &b.TotalDue, &b.Status,
		&paidAt, &receiptNumber, &b.NeedsTariffReview, &createdAt, &updatedAt,
	)
	if err != nil {
		return b, fmt.Errorf("failed to scan bill: %w", err)
	}

	if err := json.Unmarshal([]byte(linesJSON), &b.MeterReadingLines); err != nil {
		return b, fmt.Errorf("failed to decode reading lines of bill %s: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(tariffJSON), &b.TariffUsed); err != nil {
		return b, fmt.Errorf("failed to decode tariff of bill %s: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &b.Settings); err != nil {
		return b, fmt.Errorf("failed to decode settings snapshot of bill %s: %w", b.ID, err)
	}

	b.DiscountReason = discountReason.String
	b.ReceiptNumber = receiptNumber.String
	b.DueDate, _ = time.Parse(time.DateOnly, dueDate)
	if paidAt.Valid {
		t := parseTime(paidAt.String)
		b.PaidAt = &t
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

const readingColumns = `
	id, account_id, period_key, meter_number, previous_reading,
	present_reading, multiplier, read_by, recorded_at`

func (r repo) findReading(ctx context.Context, period billing.PeriodKey, meterNumber string) (*billing.MeterReading, error) {
	readings, err := r.queryReadings(ctx,
		"SELECT "+readingColumns+" FROM readings WHERE period_key = ? AND meter_number = ?",
		period, meterNumber)
	if err != nil || len(readings) == 0 {
		return nil, err
	}
	return &readings[0], nil
}

func (r repo) lastReadingBefore(ctx context.Context, meterNumber string, before billing.PeriodKey) (*billing.MeterReading, error) {
	readings, err := r.queryReadings(ctx,
		"SELECT "+readingColumns+" FROM readings WHERE meter_number = ? AND period_key < ? ORDER BY period_key DESC LIMIT 1",
		meterNumber, before)
	if err != nil || len(readings) == 0 {
		return nil, err
	}
	return &readings[0], nil
}

func (r repo) listReadings(ctx context.Context, accountID billing.AccountID, period billing.PeriodKey) ([]billing.MeterReading, error) {
	return r.queryReadings(ctx,
		"SELECT "+readingColumns+" FROM readings WHERE account_id = ? AND period_key = ? ORDER BY meter_number",
		accountID, period)
}

func (r repo) saveReading(ctx context.Context, m billing.MeterReading) error {
	query := `INSERT INTO readings (` + readingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, query,
		m.ID, m.AccountID, m.PeriodKey, m.MeterNumber,
		m.PreviousReading, m.PresentReading, m.Multiplier,
		nullString(m.ReadBy), formatTime(m.RecordedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateReading
		}
		return fmt.Errorf("failed to save reading: %w", err)
	}
	return nil
}

func (r repo) queryReadings(ctx context.Context, query string, args ...any) ([]billing.MeterReading, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []billing.MeterReading
	for rows.Next() {
		var (
			m          billing.MeterReading
			readBy     sql.NullString
			recordedAt string
		)
		if err := rows.Scan(
			&m.ID, &m.AccountID, &m.PeriodKey, &m.MeterNumber,
			&m.PreviousReading, &m.PresentReading, &m.Multiplier,
			&readBy, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		m.ReadBy = readBy.String
		m.RecordedAt = parseTime(recordedAt)
		readings = append(readings, m)
	}
	return readings, rows.Err()
}

// findPayment looks a payment up by one of its unique columns.
func (r repo) findPayment(ctx context.Context, column, value string) (*billing.Payment, error) {
	var (
		p          billing.Payment
		paidAt     string
		receivedBy sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, bill_id, account_id, period_key, receipt_number, method,
		       amount_paid, paid_at, received_by
		FROM payments WHERE `+column+` = ?`, value,
	).Scan(&p.ID, &p.BillID, &p.AccountID, &p.PeriodKey, &p.ReceiptNumber,
		&p.Method, &p.AmountPaid, &paidAt, &receivedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	p.PaidAt = parseTime(paidAt)
	p.ReceivedBy = receivedBy.String
	return &p, nil
}

func (r repo) savePayment(ctx context.Context, p billing.Payment) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments
		(id, bill_id, account_id, period_key, receipt_number, method, amount_paid, paid_at, received_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BillID, p.AccountID, p.PeriodKey, p.ReceiptNumber,
		p.Method, p.AmountPaid, formatTime(p.PaidAt), nullString(p.ReceivedBy),
	)
	if err == nil {
		return nil
	}
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	if strings.Contains(err.Error(), "payments.receipt_number") {
		existing, ferr := r.findPayment(ctx, "receipt_number", p.ReceiptNumber)
		if ferr != nil {
			return ferr
		}
		dup := &billing.DuplicateReceiptError{ReceiptNumber: p.ReceiptNumber}
		if existing != nil {
			dup.ExistingBillID = existing.BillID
		}
		return dup
	}
	existing, ferr := r.findPayment(ctx, "bill_id", string(p.BillID))
	if ferr != nil {
		return ferr
	}
	paid := &billing.AlreadyPaidError{BillID: p.BillID}
	if existing != nil {
		paid.ReceiptNumber = existing.ReceiptNumber
	}
	return paid
}

func (r repo) appendAudit(ctx context.Context, e billing.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, account_id, bill_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), e.ActorID, e.Action,
		nullString(string(e.AccountID)), nullString(string(e.BillID)), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// =============================================================================
// MEMBER STORE (billing.MemberRepository interface)
// =============================================================================

// SaveMember inserts or replaces a member together with its meters.
func (s *Store) SaveMember(ctx context.Context, m billing.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO members (account_id, name, classification, status, is_senior_citizen, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			name = excluded.name,
			classification = excluded.classification,
			status = excluded.status,
			is_senior_citizen = excluded.is_senior_citizen`,
		m.AccountID, m.Name, m.Classification, m.Status, m.IsSeniorCitizen, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM meters WHERE account_id = ?", m.AccountID); err != nil {
		return fmt.Errorf("failed to replace meters: %w", err)
	}
	for _, meter := range m.Meters {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO meters (meter_number, account_id, multiplier, initial_reading, active)
			VALUES (?, ?, ?, ?, ?)`,
			meter.MeterNumber, m.AccountID, meter.Multiplier, meter.InitialReading, meter.Active,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &billing.ValidationError{Field: "meters", Reason: fmt.Sprintf("meter %s is registered to another account", meter.MeterNumber)}
			}
			return fmt.Errorf("failed to save meter: %w", err)
		}
	}

	return sqlTx.Commit()
}

// GetMember retrieves a member by account id. Returns nil if unknown.
func (s *Store) GetMember(ctx context.Context, id billing.AccountID) (*billing.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, err := s.queryMembers(ctx, "WHERE account_id = ?", id)
	if err != nil || len(members) == 0 {
		return nil, err
	}
	return &members[0], nil
}

// ListMembers returns all members ordered by account id.
func (s *Store) ListMembers(ctx context.Context) ([]billing.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryMembers(ctx, "")
}

// SetMemberStatus changes a member's service status.
func (s *Store) SetMemberStatus(ctx context.Context, id billing.AccountID, status billing.MemberStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE members SET status = ? WHERE account_id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update member status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrAccountNotFound
	}
	return nil
}

func (s *Store) queryMembers(ctx context.Context, where string, args ...any) ([]billing.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT account_id, name, classification, status, is_senior_citizen, created_at FROM members "+where+" ORDER BY account_id",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}

	var members []billing.Member
	for rows.Next() {
		var (
			m         billing.Member
			createdAt string
		)
		if err := rows.Scan(&m.AccountID, &m.Name, &m.Classification, &m.Status, &m.IsSeniorCitizen, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		members = append(members, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Single connection: the member rows must be closed before this query.
	for i := range members {
		meters, err := s.queryMeters(ctx, members[i].AccountID)
		if err != nil {
			return nil, err
		}
		members[i].Meters = meters
	}
	return members, nil
}

func (s *Store) queryMeters(ctx context.Context, accountID billing.AccountID) ([]billing.Meter, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT meter_number, account_id, multiplier, initial_reading, active FROM meters WHERE account_id = ? ORDER BY meter_number",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query meters: %w", err)
	}
	defer rows.Close()

	var meters []billing.Meter
	for rows.Next() {
		var m billing.Meter
		if err := rows.Scan(&m.MeterNumber, &m.AccountID, &m.Multiplier, &m.InitialReading, &m.Active); err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		meters = append(meters, m)
	}
	return meters, rows.Err()
}

// =============================================================================
// SETTINGS STORE (billing.SettingsRepository interface)
// =============================================================================

// LatestSettings returns the newest settings version, or nil if none exist.
func (s *Store) LatestSettings(ctx context.Context) (*billing.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT settings_json FROM settings ORDER BY version DESC LIMIT 1",
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	var settings billing.Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return &settings, nil
}

// SaveSettings stores settings as the next version.
func (s *Store) SaveSettings(ctx context.Context, settings billing.Settings) (billing.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.Settings{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var current int
	if err := sqlTx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM settings").Scan(&current); err != nil {
		return billing.Settings{}, fmt.Errorf("failed to read settings version: %w", err)
	}
	settings = settings.Clone()
	settings.Version = current + 1

	raw, err := json.Marshal(settings)
	if err != nil {
		return billing.Settings{}, fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = sqlTx.ExecContext(ctx,
		"INSERT INTO settings (version, settings_json, updated_at, updated_by) VALUES (?, ?, ?, ?)",
		settings.Version, string(raw), formatTime(settings.UpdatedAt), nullString(settings.UpdatedBy),
	)
	if err != nil {
		return billing.Settings{}, fmt.Errorf("failed to save settings: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return billing.Settings{}, err
	}
	return settings, nil
}

// =============================================================================
// AUDIT QUERIES (billing.AuditReader interface)
// =============================================================================

// QueryAudit returns audit entries newest first.
func (s *Store) QueryAudit(ctx context.Context, filter billing.AuditFilter) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.BillID != "" {
		where = append(where, "bill_id = ?")
		args = append(args, filter.BillID)
	}
	if len(filter.Actions) > 0 {
		where = append(where, "action IN ("+placeholders(len(filter.Actions))+")")
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}

	query := "SELECT id, timestamp, actor_id, action, account_id, bill_id, payload_json FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var (
			e         billing.AuditEntry
			timestamp string
			accountID sql.NullString
			billID    sql.NullString
			payload   sql.NullString
		)
		if err := rows.Scan(&e.ID, &timestamp, &e.ActorID, &e.Action, &accountID, &billID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(timestamp)
		e.AccountID = billing.AccountID(accountID.String)
		e.BillID = billing.BillID(billID.String)
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo). Settings versions are kept.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_log", "payments", "bills", "readings", "meters", "members"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
