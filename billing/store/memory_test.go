package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopdesk/waterbilling/billing"
	"github.com/coopdesk/waterbilling/billing/store"
)

func unpaidBill(id billing.BillID, amount string) billing.Bill {
	return billing.Bill{
		ID:          id,
		AccountID:   "PN-0001",
		PeriodKey:   "2024-03",
		FinalAmount: billing.MustDecimal(amount),
		TotalDue:    billing.MustDecimal(amount),
		Settings:    billing.BillSettings{Version: 1, DueDayOfMonth: 15, GraceDays: 5, PenaltyType: billing.PenaltyPercent},
		DueDate:     time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC),
		Status:      billing.StatusUnpaid,
		CreatedAt:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemory_SaveBillKeepsFirstIdentity(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	_, err := m.SaveBill(ctx, unpaidBill("bill-1", "90.20"))
	require.NoError(t, err)

	// A second write for the same account-period carries other identity fields.
	second := unpaidBill("bill-2", "155.00")
	second.Settings.Version = 9
	second.DueDate = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	saved, err := m.SaveBill(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, billing.BillID("bill-1"), saved.ID)
	assert.Equal(t, 1, saved.Settings.Version)
	assert.Equal(t, "2024-04-20", billing.FormatDate(saved.DueDate))
	assert.True(t, billing.MustDecimal("155.00").Equal(saved.FinalAmount))

	bills, err := m.ListBills(ctx, billing.BillFilter{})
	require.NoError(t, err)
	assert.Len(t, bills, 1)

	missing, err := m.GetBill(ctx, "bill-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemory_PaidBillIsNeverOverwritten(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	b := unpaidBill("bill-1", "90.20")
	b.MarkPaid("OR-1", time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC))
	_, err := m.SaveBill(ctx, b)
	require.NoError(t, err)

	saved, err := m.SaveBill(ctx, unpaidBill("bill-1", "999.00"))
	require.NoError(t, err)

	assert.Equal(t, billing.StatusPaid, saved.Status)
	assert.True(t, billing.MustDecimal("90.20").Equal(saved.FinalAmount))
}

func TestMemory_ReturnedBillsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	b := unpaidBill("bill-1", "90.20")
	b.MeterReadingLines = []billing.BillReadingLine{{MeterNumber: "PN-0001"}}
	_, err := m.SaveBill(ctx, b)
	require.NoError(t, err)

	got, err := m.GetBill(ctx, "bill-1")
	require.NoError(t, err)
	got.MeterReadingLines[0].MeterNumber = "mutated"
	got.Status = billing.StatusPaid

	again, err := m.GetBill(ctx, "bill-1")
	require.NoError(t, err)
	assert.Equal(t, "PN-0001", again.MeterReadingLines[0].MeterNumber)
	assert.Equal(t, billing.StatusUnpaid, again.Status)
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx billing.Store) error {
		if _, err := tx.SaveBill(ctx, unpaidBill("bill-1", "90.20")); err != nil {
			return err
		}
		if err := tx.SaveReading(ctx, billing.MeterReading{PeriodKey: "2024-03", MeterNumber: "PN-0001", AccountID: "PN-0001"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := m.FindBill(ctx, "PN-0001", "2024-03")
	require.NoError(t, err)
	assert.Nil(t, b)

	r, err := m.FindReading(ctx, "2024-03", "PN-0001")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestMemory_WithTxCommits(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	err := m.WithTx(ctx, func(tx billing.Store) error {
		_, err := tx.SaveBill(ctx, unpaidBill("bill-1", "90.20"))
		return err
	})
	require.NoError(t, err)

	b, err := m.GetBill(ctx, "bill-1")
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestMemory_Readings(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	for _, p := range []billing.PeriodKey{"2024-01", "2024-03", "2024-02"} {
		require.NoError(t, m.SaveReading(ctx, billing.MeterReading{
			ID: "r-" + string(p), AccountID: "PN-0001", PeriodKey: p, MeterNumber: "PN-0001",
			PresentReading: billing.MustDecimal("10"),
		}))
	}

	err := m.SaveReading(ctx, billing.MeterReading{AccountID: "PN-0001", PeriodKey: "2024-02", MeterNumber: "PN-0001"})
	assert.ErrorIs(t, err, billing.ErrDuplicateReading)

	last, err := m.LastReadingBefore(ctx, "PN-0001", "2024-03")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, billing.PeriodKey("2024-02"), last.PeriodKey)

	none, err := m.LastReadingBefore(ctx, "PN-0001", "2024-01")
	require.NoError(t, err)
	assert.Nil(t, none)

	list, err := m.ListReadings(ctx, "PN-0001", "2024-03")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemory_PaymentUniqueness(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.SavePayment(ctx, billing.Payment{ID: "p-1", BillID: "bill-1", ReceiptNumber: "OR-1"}))

	err := m.SavePayment(ctx, billing.Payment{ID: "p-2", BillID: "bill-2", ReceiptNumber: "OR-1"})
	assert.ErrorIs(t, err, billing.ErrDuplicateReceipt)

	err = m.SavePayment(ctx, billing.Payment{ID: "p-3", BillID: "bill-1", ReceiptNumber: "OR-2"})
	assert.ErrorIs(t, err, billing.ErrAlreadyPaid)

	p, err := m.FindPaymentByBill(ctx, "bill-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "OR-1", p.ReceiptNumber)
}

func TestMemory_SettingsVersionsSurviveReset(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	latest, err := m.LatestSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	s1, err := m.SaveSettings(ctx, billing.Settings{DueDayOfMonth: 15})
	require.NoError(t, err)
	s2, err := m.SaveSettings(ctx, billing.Settings{DueDayOfMonth: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, s1.Version)
	assert.Equal(t, 2, s2.Version)

	require.NoError(t, m.SaveMember(ctx, billing.Member{AccountID: "PN-0001"}))
	require.NoError(t, m.Reset(ctx))

	members, err := m.ListMembers(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)

	latest, err = m.LatestSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, 10, latest.DueDayOfMonth)
}

func TestMemory_Members(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.SaveMember(ctx, billing.Member{AccountID: "PN-0002", Status: billing.MemberActive}))
	require.NoError(t, m.SaveMember(ctx, billing.Member{AccountID: "PN-0001", Status: billing.MemberActive}))

	list, err := m.ListMembers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, billing.AccountID("PN-0001"), list[0].AccountID)

	require.NoError(t, m.SetMemberStatus(ctx, "PN-0002", billing.MemberDisconnected))
	got, err := m.GetMember(ctx, "PN-0002")
	require.NoError(t, err)
	assert.Equal(t, billing.MemberDisconnected, got.Status)

	assert.ErrorIs(t, m.SetMemberStatus(ctx, "PN-9999", billing.MemberActive), billing.ErrAccountNotFound)

	missing, err := m.GetMember(ctx, "PN-9999")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemory_QueryAuditNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	for i, action := range []billing.AuditAction{billing.AuditReadingRecorded, billing.AuditBillCreated, billing.AuditBillPaid} {
		require.NoError(t, m.AppendAudit(ctx, billing.AuditEntry{
			ID:        string(action),
			Timestamp: time.Date(2024, 4, 1, i, 0, 0, 0, time.UTC),
			Action:    action,
			AccountID: "PN-0001",
		}))
	}

	entries, err := m.QueryAudit(ctx, billing.AuditFilter{AccountID: "PN-0001", Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, billing.AuditBillPaid, entries[0].Action)
	assert.Equal(t, billing.AuditBillCreated, entries[1].Action)

	paid, err := m.QueryAudit(ctx, billing.AuditFilter{Actions: []billing.AuditAction{billing.AuditBillPaid}})
	require.NoError(t, err)
	assert.Len(t, paid, 1)
}
