// Package store provides an in-memory billing.TxStore for tests and demos.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/coopdesk/waterbilling/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.TxStore plus the member, settings and audit
// repositories. All methods are safe for concurrent use.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type billKey struct {
	AccountID billing.AccountID
	PeriodKey billing.PeriodKey
}

type readingKey struct {
	PeriodKey   billing.PeriodKey
	MeterNumber string
}

// state holds the data. Its methods never lock; callers do.
type state struct {
	members  map[billing.AccountID]billing.Member
	bills    map[billKey]billing.Bill
	billIDs  map[billing.BillID]billKey
	readings map[readingKey]billing.MeterReading
	payments map[string]billing.Payment // by receipt number
	paidBy   map[billing.BillID]string  // bill -> receipt number
	settings []billing.Settings
	audit    []billing.AuditEntry
}

func newState() *state {
	return &state{
		members:  make(map[billing.AccountID]billing.Member),
		bills:    make(map[billKey]billing.Bill),
		billIDs:  make(map[billing.BillID]billKey),
		readings: make(map[readingKey]billing.MeterReading),
		payments: make(map[string]billing.Payment),
		paidBy:   make(map[billing.BillID]string),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// Reset drops every record. Settings versions are kept.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings := m.st.settings
	m.st = newState()
	m.st.settings = settings
	return nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions are serial.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// LOCKING WRAPPERS
// =============================================================================

func (m *Memory) FindBill(ctx context.Context, accountID billing.AccountID, period billing.PeriodKey) (*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findBill(accountID, period), nil
}

func (m *Memory) GetBill(ctx context.Context, id billing.BillID) (*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getBill(id), nil
}

func (m *Memory) ListBills(ctx context.Context, filter billing.BillFilter) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listBills(filter), nil
}

func (m *Memory) SaveBill(ctx context.Context, bill billing.Bill) (billing.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveBill(bill), nil
}

func (m *Memory) FindReading(ctx context.Context, period billing.PeriodKey, meterNumber string) (*billing.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findReading(period, meterNumber), nil
}

func (m *Memory) LastReadingBefore(ctx context.Context, meterNumber string, before billing.PeriodKey) (*billing.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.lastReadingBefore(meterNumber, before), nil
}

func (m *Memory) ListReadings(ctx context.Context, accountID billing.AccountID, period billing.PeriodKey) ([]billing.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listReadings(accountID, period), nil
}

func (m *Memory) SaveReading(ctx context.Context, r billing.MeterReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveReading(r)
}

func (m *Memory) FindPaymentByReceipt(ctx context.Context, receiptNumber string) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.paymentByReceipt(receiptNumber), nil
}

func (m *Memory) FindPaymentByBill(ctx context.Context, billID billing.BillID) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.paymentByReceipt(m.st.paidBy[billID]), nil
}

func (m *Memory) SavePayment(ctx context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.savePayment(p)
}

func (m *Memory) AppendAudit(ctx context.Context, entry billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.audit = append(m.st.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(ctx context.Context, filter billing.AuditFilter) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.queryAudit(filter), nil
}

func (m *Memory) GetMember(ctx context.Context, id billing.AccountID) (*billing.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.st.members[id]
	if !ok {
		return nil, nil
	}
	out := cloneMember(member)
	return &out, nil
}

func (m *Memory) SaveMember(ctx context.Context, member billing.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.members[member.AccountID] = cloneMember(member)
	return nil
}

func (m *Memory) ListMembers(ctx context.Context) ([]billing.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.MapToSlice(m.st.members, func(_ billing.AccountID, v billing.Member) billing.Member { return cloneMember(v) })
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (m *Memory) SetMemberStatus(ctx context.Context, id billing.AccountID, status billing.MemberStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.st.members[id]
	if !ok {
		return billing.ErrAccountNotFound
	}
	member.Status = status
	m.st.members[id] = member
	return nil
}

func (m *Memory) LatestSettings(ctx context.Context) (*billing.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.st.settings) == 0 {
		return nil, nil
	}
	latest := m.st.settings[len(m.st.settings)-1].Clone()
	return &latest, nil
}

func (m *Memory) SaveSettings(ctx context.Context, s billing.Settings) (billing.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s = s.Clone()
	s.Version = len(m.st.settings) + 1
	m.st.settings = append(m.st.settings, s)
	return s.Clone(), nil
}

// =============================================================================
// STATE OPERATIONS (caller holds the lock)
// =============================================================================

func (s *state) findBill(accountID billing.AccountID, period billing.PeriodKey) *billing.Bill {
	b, ok := s.bills[billKey{accountID, period}]
	if !ok {
		return nil
	}
	out := cloneBill(b)
	return &out
}

func (s *state) getBill(id billing.BillID) *billing.Bill {
	k, ok := s.billIDs[id]
	if !ok {
		return nil
	}
	return s.findBill(k.AccountID, k.PeriodKey)
}

func (s *state) listBills(filter billing.BillFilter) []billing.Bill {
	var out []billing.Bill
	for _, b := range s.bills {
		if filter.AccountID != "" && b.AccountID != filter.AccountID {
			continue
		}
		if filter.PeriodKey != "" && b.PeriodKey != filter.PeriodKey {
			continue
		}
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, b.Status) {
			continue
		}
		out = append(out, cloneBill(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodKey != out[j].PeriodKey {
			return out[i].PeriodKey > out[j].PeriodKey
		}
		return out[i].AccountID < out[j].AccountID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// saveBill upserts by (account, period). The first writer's ID, CreatedAt,
// settings snapshot and due date win; a paid bill is never overwritten.
func (s *state) saveBill(bill billing.Bill) billing.Bill {
	k := billKey{bill.AccountID, bill.PeriodKey}
	if existing, ok := s.bills[k]; ok {
		if existing.IsPaid() {
			return cloneBill(existing)
		}
		bill.ID = existing.ID
		bill.CreatedAt = existing.CreatedAt
		bill.Settings = existing.Settings
		bill.DueDate = existing.DueDate
	}
	s.bills[k] = cloneBill(bill)
	s.billIDs[bill.ID] = k
	return cloneBill(bill)
}

func (s *state) findReading(period billing.PeriodKey, meterNumber string) *billing.MeterReading {
	r, ok := s.readings[readingKey{period, meterNumber}]
	if !ok {
		return nil
	}
	return &r
}

func (s *state) lastReadingBefore(meterNumber string, before billing.PeriodKey) *billing.MeterReading {
	var last *billing.MeterReading
	for k, r := range s.readings {
		if k.MeterNumber != meterNumber || !k.PeriodKey.Before(before) {
			continue
		}
		if last == nil || last.PeriodKey.Before(k.PeriodKey) {
			r := r
			last = &r
		}
	}
	return last
}

func (s *state) listReadings(accountID billing.AccountID, period billing.PeriodKey) []billing.MeterReading {
	out := lo.Filter(lo.Values(s.readings), func(r billing.MeterReading, _ int) bool {
		return r.AccountID == accountID && r.PeriodKey == period
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MeterNumber < out[j].MeterNumber })
	return out
}

func (s *state) saveReading(r billing.MeterReading) error {
	k := readingKey{r.PeriodKey, r.MeterNumber}
	if _, ok := s.readings[k]; ok {
		return billing.ErrDuplicateReading
	}
	s.readings[k] = r
	return nil
}

func (s *state) paymentByReceipt(receiptNumber string) *billing.Payment {
	if receiptNumber == "" {
		return nil
	}
	p, ok := s.payments[receiptNumber]
	if !ok {
		return nil
	}
	return &p
}

func (s *state) savePayment(p billing.Payment) error {
	if existing, ok := s.payments[p.ReceiptNumber]; ok {
		return &billing.DuplicateReceiptError{ReceiptNumber: p.ReceiptNumber, ExistingBillID: existing.BillID}
	}
	if receipt, ok := s.paidBy[p.BillID]; ok {
		return &billing.AlreadyPaidError{BillID: p.BillID, ReceiptNumber: receipt}
	}
	s.payments[p.ReceiptNumber] = p
	s.paidBy[p.BillID] = p.ReceiptNumber
	return nil
}

func (s *state) queryAudit(filter billing.AuditFilter) []billing.AuditEntry {
	var out []billing.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if filter.AccountID != "" && e.AccountID != filter.AccountID {
			continue
		}
		if filter.BillID != "" && e.BillID != filter.BillID {
			continue
		}
		if len(filter.Actions) > 0 && !lo.Contains(filter.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.members {
		c.members[k] = cloneMember(v)
	}
	for k, v := range s.bills {
		c.bills[k] = cloneBill(v)
	}
	for k, v := range s.billIDs {
		c.billIDs[k] = v
	}
	for k, v := range s.readings {
		c.readings[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.paidBy {
		c.paidBy[k] = v
	}
	c.settings = append(c.settings, s.settings...)
	c.audit = append(c.audit, s.audit...)
	return c
}

func cloneBill(b billing.Bill) billing.Bill {
	b.MeterReadingLines = append([]billing.BillReadingLine(nil), b.MeterReadingLines...)
	if b.PaidAt != nil {
		at := *b.PaidAt
		b.PaidAt = &at
	}
	return b
}

func cloneMember(m billing.Member) billing.Member {
	m.Meters = append([]billing.Meter(nil), m.Meters...)
	return m
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView runs against the state while WithTx holds the write lock.
type txView struct {
	st *state
}

func (tv *txView) FindBill(_ context.Context, accountID billing.AccountID, period billing.PeriodKey) (*billing.Bill, error) {
	return tv.st.findBill(accountID, period), nil
}

func (tv *txView) GetBill(_ context.Context, id billing.BillID) (*billing.Bill, error) {
	return tv.st.getBill(id), nil
}

func (tv *txView) ListBills(_ context.Context, filter billing.BillFilter) ([]billing.Bill, error) {
	return tv.st.listBills(filter), nil
}

func (tv *txView) SaveBill(_ context.Context, bill billing.Bill) (billing.Bill, error) {
	return tv.st.saveBill(bill), nil
}

func (tv *txView) FindReading(_ context.Context, period billing.PeriodKey, meterNumber string) (*billing.MeterReading, error) {
	return tv.st.findReading(period, meterNumber), nil
}

func (tv *txView) LastReadingBefore(_ context.Context, meterNumber string, before billing.PeriodKey) (*billing.MeterReading, error) {
	return tv.st.lastReadingBefore(meterNumber, before), nil
}

func (tv *txView) ListReadings(_ context.Context, accountID billing.AccountID, period billing.PeriodKey) ([]billing.MeterReading, error) {
	return tv.st.listReadings(accountID, period), nil
}

func (tv *txView) SaveReading(_ context.Context, r billing.MeterReading) error {
	return tv.st.saveReading(r)
}

func (tv *txView) FindPaymentByReceipt(_ context.Context, receiptNumber string) (*billing.Payment, error) {
	return tv.st.paymentByReceipt(receiptNumber), nil
}

func (tv *txView) FindPaymentByBill(_ context.Context, billID billing.BillID) (*billing.Payment, error) {
	return tv.st.paymentByReceipt(tv.st.paidBy[billID]), nil
}

func (tv *txView) SavePayment(_ context.Context, p billing.Payment) error {
	return tv.st.savePayment(p)
}

func (tv *txView) AppendAudit(_ context.Context, entry billing.AuditEntry) error {
	tv.st.audit = append(tv.st.audit, entry)
	return nil
}
