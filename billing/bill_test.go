package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coopdesk/waterbilling/billing"
	"github.com/coopdesk/waterbilling/factory"
)

func testBill() billing.Bill {
	return billing.Bill{
		ID:          "bill-1",
		AccountID:   "PN-0001",
		PeriodKey:   "2024-03",
		BaseAmount:  dec("90.20"),
		FinalAmount: dec("90.20"),
		TotalDue:    dec("90.20"),
		Settings:    factory.DefaultSettings().Snapshot(),
		DueDate:     time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC),
		Status:      billing.StatusUnpaid,
	}
}

func civil(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestBillRefresh_OnDueDateStaysUnpaid(t *testing.T) {
	b := testBill()

	changed := b.Refresh(civil(2024, time.April, 20))

	assert.False(t, changed)
	assert.Equal(t, billing.StatusUnpaid, b.Status)
	assertMoney(t, "0", b.PenaltyApplied)
	assertMoney(t, "90.20", b.TotalDue)
}

func TestBillRefresh_DayAfterDueDateIsOverdue(t *testing.T) {
	b := testBill()

	changed := b.Refresh(civil(2024, time.April, 21))

	assert.True(t, changed)
	assert.Equal(t, billing.StatusOverdue, b.Status)
	assertMoney(t, "9.02", b.PenaltyApplied)
	assertMoney(t, "99.22", b.TotalDue)

	// Refreshing again is a no-op.
	assert.False(t, b.Refresh(civil(2024, time.May, 1)))
}

func TestBillRefresh_PenaltyOnBaseAmountNotDiscounted(t *testing.T) {
	// GIVEN: a senior bill 695.00 - 34.75 discount
	b := testBill()
	b.BaseAmount = dec("695.00")
	b.Discount = dec("34.75")
	b.FinalAmount = dec("660.25")

	b.Refresh(civil(2024, time.May, 1))

	assertMoney(t, "69.50", b.PenaltyApplied)
	assertMoney(t, "729.75", b.TotalDue)
}

func TestBillRefresh_UsesSnapshotNotLiveSettings(t *testing.T) {
	b := testBill()
	b.Settings = billing.BillSettings{PenaltyType: billing.PenaltyFixed, PenaltyValue: dec("25")}

	b.Refresh(civil(2024, time.May, 1))

	assertMoney(t, "25.00", b.PenaltyApplied)
	assertMoney(t, "115.20", b.TotalDue)
}

func TestBillRefresh_PaidIsFrozen(t *testing.T) {
	b := testBill()
	b.MarkPaid("OR-1", time.Date(2024, 4, 10, 9, 0, 0, 0, time.UTC))

	assert.False(t, b.Refresh(civil(2024, time.December, 1)))
	assert.Equal(t, billing.StatusPaid, b.Status)
	assertMoney(t, "0", b.PenaltyApplied)
	assertMoney(t, "90.20", b.TotalDue)
	assert.Equal(t, "OR-1", b.ReceiptNumber)
	assert.NotNil(t, b.PaidAt)
}

func TestBillRefresh_WithoutDueDateNeverOverdue(t *testing.T) {
	b := testBill()
	b.DueDate = time.Time{}

	assert.False(t, b.IsOverdueOn(civil(2030, time.January, 1)))
}

func TestBillApply_ClearsTariffReview(t *testing.T) {
	b := testBill()
	b.NeedsTariffReview = true

	c, err := billing.ComputeBill(factory.DefaultSettings(), dec("10"), billing.ClassResidential, false)
	assert.NoError(t, err)
	b.Apply(c, []billing.BillReadingLine{{MeterNumber: "PN-0001", Consumed: dec("10")}})

	assert.False(t, b.NeedsTariffReview)
	assert.Equal(t, "6-10", b.TariffUsed.Tier)
	assertMoney(t, "155.00", b.FinalAmount)
	assert.Len(t, b.MeterReadingLines, 1)
}
