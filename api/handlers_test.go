/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Role checks (401 anonymous, 403 wrong role)
- Member creation and validation
- Reading submission, bill retrieval, quote
- Payments and their conflict responses
- Settings versions
- CSV import and export
- Seed and the overdue scheduler
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopdesk/waterbilling/billing"
	"github.com/coopdesk/waterbilling/billing/store"
	"github.com/coopdesk/waterbilling/factory"
)

// =============================================================================
// TEST SERVER
// =============================================================================

type testServer struct {
	t       *testing.T
	mem     *store.Memory
	handler *Handler
	router  http.Handler

	mu  sync.Mutex
	now time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{t: t, mem: store.NewMemory(), now: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)}

	provider := factory.NewProvider(ts.mem, 0, nil)
	engine := billing.NewEngine(ts.mem, ts.mem, provider, billing.WithClock(ts.clock))
	ts.handler = NewHandler(ts.mem, provider, engine, nil)
	ts.router = NewRouter(ts.handler, []string{"*"})

	ctx := context.Background()
	for _, m := range demoMembers(ts.now) {
		require.NoError(t, ts.mem.SaveMember(ctx, m))
	}
	return ts
}

func (ts *testServer) clock() time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.now
}

func (ts *testServer) setNow(t time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.now = t
}

// do sends a request as the given role. An empty role sends no identity.
func (ts *testServer) do(method, path string, role Role, body any) *httptest.ResponseRecorder {
	ts.t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set(HeaderUserID, string(role)+"-1")
		req.Header.Set(HeaderUserRole, string(role))
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// submit records one single-meter reading and returns the response.
func (ts *testServer) submit(account, period string, present float64) SubmitReadingsResponse {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/readings", RoleMeterReader, map[string]any{
		"account_id": account,
		"period_key": period,
		"readings":   []map[string]any{{"present_reading": present}},
	})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[SubmitReadingsResponse](ts.t, rec)
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestAuthorization(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"account_id": "PN-0001", "period_key": "2024-03", "readings": []map[string]any{{"present_reading": 6}}}

	rec := ts.do(http.MethodPost, "/api/readings", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/readings", RoleCashier, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.do(http.MethodPut, "/api/settings", RoleCashier, factory.NewSettingsFactory().ToJSON(factory.DefaultSettings()))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/api/members", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads need no role")
}

// =============================================================================
// MEMBERS
// =============================================================================

func TestCreateMember(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/members", RoleAdmin, map[string]any{
		"account_id":     "PN-0100",
		"name":           "Bautista Farm",
		"classification": "commercial",
		"meters": []map[string]any{
			{"meter_number": "M-100-A"},
			{"meter_number": "M-100-B", "multiplier": "2", "initial_reading": 40},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decodeBody[MemberDTO](t, rec)
	assert.Equal(t, "active", created.Status)
	require.Len(t, created.Meters, 2)
	assertAmount(t, "1", *created.Meters[0].Multiplier)
	assertAmount(t, "40", *created.Meters[1].InitialReading)

	rec = ts.do(http.MethodGet, "/api/members/PN-0100", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bautista Farm", decodeBody[MemberDTO](t, rec).Name)

	entries, err := ts.mem.QueryAudit(context.Background(), billing.AuditFilter{AccountID: "PN-0100"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, billing.AuditMemberChanged, entries[0].Action)
	assert.Equal(t, "admin-1", entries[0].ActorID)
}

func TestCreateMember_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"account_id": "PN-0101", "classification": "residential"}},
		{"unknown classification", map[string]any{"account_id": "PN-0101", "name": "X", "classification": "industrial"}},
		{"duplicate meters", map[string]any{"account_id": "PN-0101", "name": "X", "classification": "residential",
			"meters": []map[string]any{{"meter_number": "M-1"}, {"meter_number": "M-1"}}}},
		{"zero multiplier", map[string]any{"account_id": "PN-0101", "name": "X", "classification": "residential",
			"meters": []map[string]any{{"meter_number": "M-1", "multiplier": 0}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/members", RoleAdmin, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "validation", decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestGetMember_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/members/PN-9999", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "account_not_found", decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// READINGS AND BILLS
// =============================================================================

func TestSubmitReadings_CreatesBill(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.submit("PN-0001", "2024-03", 6)

	require.Len(t, resp.Lines, 1)
	assert.Equal(t, "accepted", resp.Lines[0].Status)
	assert.Equal(t, "PN-0001", resp.Lines[0].MeterNumber)
	require.NotNil(t, resp.Bill)
	assertAmount(t, "90.20", resp.Bill.FinalAmount)
	assert.Equal(t, "2024-04-20", resp.Bill.DueDate)
	assert.Equal(t, "unpaid", resp.Bill.Status)

	rec := ts.do(http.MethodGet, "/api/bills/"+resp.Bill.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "6-10", decodeBody[BillDTO](t, rec).TariffUsed.Tier)

	rec = ts.do(http.MethodGet, "/api/members/PN-0001/readings?period=2024-03", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	readings := decodeBody[[]ReadingDTO](t, rec)
	require.Len(t, readings, 1)
	assert.Equal(t, "meter_reader-1", readings[0].ReadBy)
}

func TestSubmitReadings_AllRejectedIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.submit("PN-0001", "2024-03", 20)

	rec := ts.do(http.MethodPost, "/api/readings", RoleMeterReader, map[string]any{
		"account_id": "PN-0001",
		"period_key": "2024-04",
		"readings":   []map[string]any{{"present_reading": 15}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody[SubmitReadingsResponse](t, rec)
	require.Len(t, resp.Lines, 1)
	assert.Equal(t, "rejected", resp.Lines[0].Status)
	assert.Equal(t, "monotonicity", resp.Lines[0].Code)
	assert.Nil(t, resp.Bill)
}

func TestSubmitReadings_ResubmissionIsLocked(t *testing.T) {
	ts := newTestServer(t)
	first := ts.submit("PN-0001", "2024-03", 6)

	second := ts.submit("PN-0001", "2024-03", 9)

	assert.Equal(t, "locked", second.Lines[0].Status)
	require.NotNil(t, second.Bill)
	assert.Equal(t, first.Bill.ID, second.Bill.ID)
	assertAmount(t, "90.20", second.Bill.FinalAmount)
}

func TestSubmitReadings_AccountErrors(t *testing.T) {
	ts := newTestServer(t)
	lines := []map[string]any{{"present_reading": 6}}

	rec := ts.do(http.MethodPost, "/api/readings", RoleMeterReader, map[string]any{"account_id": "PN-0005", "period_key": "2024-03", "readings": lines})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "account_not_active", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.do(http.MethodPost, "/api/readings", RoleMeterReader, map[string]any{"account_id": "PN-9999", "period_key": "2024-03", "readings": lines})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/api/readings", RoleMeterReader, map[string]any{"account_id": "PN-0001", "period_key": "2024-13", "readings": lines})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/readings", RoleMeterReader, map[string]any{"account_id": "PN-0001", "period_key": "2024-03", "readings": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBills_RefreshesOverdue(t *testing.T) {
	ts := newTestServer(t)
	ts.submit("PN-0001", "2024-03", 6)
	ts.submit("PN-0002", "2024-03", 16)

	ts.setNow(time.Date(2024, 4, 21, 9, 0, 0, 0, time.UTC))

	rec := ts.do(http.MethodGet, "/api/bills?period=2024-03&status=overdue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bills := decodeBody[[]BillDTO](t, rec)
	require.Len(t, bills, 2)
	for _, b := range bills {
		assert.Equal(t, "overdue", b.Status)
	}

	rec = ts.do(http.MethodGet, "/api/members/PN-0001/bills", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decodeBody[[]BillDTO](t, rec)
	require.Len(t, mine, 1)
	assertAmount(t, "9.02", mine[0].PenaltyApplied)
	assertAmount(t, "99.22", mine[0].TotalDue)

	rec = ts.do(http.MethodGet, "/api/bills?status=late", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBill_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/bills/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "bill_not_found", decodeBody[ErrorResponse](t, rec).Code)
}

func TestQuoteBill(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/bills/quote", "", map[string]any{
		"consumption": 35, "classification": "residential", "senior_citizen": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	q := decodeBody[QuoteDTO](t, rec)
	assert.Equal(t, "31-40", q.Tier.Tier)
	assertAmount(t, "695.00", q.BaseAmount)
	assertAmount(t, "34.75", q.Discount)
	assertAmount(t, "660.25", q.FinalAmount)

	rec = ts.do(http.MethodPost, "/api/bills/quote", "", map[string]any{"consumption": 1000000, "classification": "residential"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "no_tariff_found", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.do(http.MethodPost, "/api/bills/quote", "", map[string]any{"classification": "residential"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecomputeBill_NoReadings(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/bills/recompute", RoleAdmin, map[string]any{"account_id": "PN-0001", "period_key": "2024-03"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment(t *testing.T) {
	ts := newTestServer(t)
	bill := ts.submit("PN-0001", "2024-03", 6).Bill
	require.NotNil(t, bill)

	rec := ts.do(http.MethodPost, "/api/payments", RoleCashier, map[string]any{
		"bill_id": bill.ID, "receipt_number": "OR-1001", "method": "cash",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	paid := decodeBody[RecordPaymentResponse](t, rec)
	assert.Equal(t, "paid", paid.Bill.Status)
	assert.Equal(t, "OR-1001", paid.Bill.ReceiptNumber)
	assertAmount(t, "90.20", paid.Payment.AmountPaid)
	assert.Equal(t, "cashier-1", paid.Payment.ReceivedBy)

	rec = ts.do(http.MethodGet, "/api/bills/"+bill.ID+"/payment", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OR-1001", decodeBody[PaymentDTO](t, rec).ReceiptNumber)

	// Paying twice conflicts.
	rec = ts.do(http.MethodPost, "/api/payments", RoleCashier, map[string]any{
		"bill_id": bill.ID, "receipt_number": "OR-1002", "method": "cash",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_paid", decodeBody[ErrorResponse](t, rec).Code)
}

func TestRecordPayment_DuplicateReceipt(t *testing.T) {
	ts := newTestServer(t)
	first := ts.submit("PN-0001", "2024-03", 6).Bill
	second := ts.submit("PN-0002", "2024-03", 16).Bill

	rec := ts.do(http.MethodPost, "/api/payments", RoleCashier, map[string]any{"bill_id": first.ID, "receipt_number": "OR-1", "method": "cash"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPost, "/api/payments", RoleCashier, map[string]any{"bill_id": second.ID, "receipt_number": "OR-1", "method": "gcash"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_receipt", decodeBody[ErrorResponse](t, rec).Code)
}

func TestRecordPayment_Validation(t *testing.T) {
	ts := newTestServer(t)
	bill := ts.submit("PN-0001", "2024-03", 6).Bill

	rec := ts.do(http.MethodPost, "/api/payments", RoleCashier, map[string]any{"bill_id": bill.ID, "receipt_number": "OR-1", "method": "barter"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/payments", RoleCashier, map[string]any{"bill_id": bill.ID, "receipt_number": "OR-1", "method": "cash", "amount": "50"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/payments", RoleCashier, map[string]any{"bill_id": "nope", "receipt_number": "OR-1", "method": "cash"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/api/payments", RoleCashier, `{"bill_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SETTINGS
// =============================================================================

func TestSettings_SaveNewVersion(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/settings", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decodeBody[factory.SettingsJSON](t, rec)
	assert.Equal(t, 15, current.DueDayOfMonth)

	current.DueDayOfMonth = 10
	current.PenaltyValue = decimal.NewFromInt(20)
	rec = ts.do(http.MethodPut, "/api/settings", RoleAdmin, current)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decodeBody[factory.SettingsJSON](t, rec)
	assert.Equal(t, 1, saved.Version)
	assert.Equal(t, "admin-1", saved.UpdatedBy)

	// New bills use the new snapshot: due 10 + 5 grace.
	bill := ts.submit("PN-0001", "2024-03", 5).Bill
	require.NotNil(t, bill)
	assert.Equal(t, "2024-04-15", bill.DueDate)
	assert.Equal(t, 1, bill.Settings.Version)

	entries, err := ts.mem.QueryAudit(context.Background(), billing.AuditFilter{Actions: []billing.AuditAction{billing.AuditSettingsChanged}})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSettings_RejectsInvalid(t *testing.T) {
	ts := newTestServer(t)

	bad := factory.NewSettingsFactory().ToJSON(factory.DefaultSettings())
	bad.Tariffs.Residential[1].MinConsumption = decimal.NewFromInt(7)
	rec := ts.do(http.MethodPut, "/api/settings", RoleAdmin, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_settings", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.do(http.MethodGet, "/api/settings/defaults", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[factory.SettingsJSON](t, rec).Tariffs.Residential, 6)
}

func TestSettings_RejectsUnknownField(t *testing.T) {
	ts := newTestServer(t)

	// GIVEN: a misspelled due day key
	body := strings.Replace(factory.DefaultSettingsJSON(), "{", `{"due_day": 20,`, 1)

	// WHEN: saving it
	rec := ts.do(http.MethodPut, "/api/settings", RoleAdmin, body)

	// THEN: nothing is saved
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_settings", decodeBody[ErrorResponse](t, rec).Code)

	latest, err := ts.mem.LatestSettings(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

// =============================================================================
// CSV IMPORT AND EXPORT
// =============================================================================

func TestImportReadings(t *testing.T) {
	ts := newTestServer(t)
	ts.handler.ImportWorkers = 2

	csv := strings.Join([]string{
		"period_key,account_id,meter_number,previous_reading,present_reading,multiplier",
		"2024-03,PN-0001,,,6,",
		"2024-03,PN-0004,M-0004-A,,10,",
		"2024-03,PN-0002,,,16,",
		"2024-03,PN-0004,M-0004-B,,103,",
		"2024-03,PN-0003,,,abc,",
		"2024-03,PN-0005,,,6,",
	}, "\n")

	rec := ts.do(http.MethodPost, "/api/readings/import", RoleMeterReader, csv)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[ImportResponse](t, rec)
	assert.Equal(t, 6, resp.Rows)
	assert.Equal(t, 4, resp.Accepted)
	assert.Equal(t, 2, resp.Rejected)
	require.Len(t, resp.Groups, 5)

	// Groups keep first-seen order.
	assert.Equal(t, "PN-0001", resp.Groups[0].AccountID)
	assert.Equal(t, "PN-0004", resp.Groups[1].AccountID)

	multi := resp.Groups[1]
	require.Len(t, multi.Lines, 2)
	assert.Equal(t, "M-0004-A", multi.Lines[0].MeterNumber)
	require.NotNil(t, multi.Bill)
	// 10 + (103-100)*2
	assertAmount(t, "16", multi.Bill.TotalConsumed)

	bad := resp.Groups[3]
	assert.Equal(t, "PN-0003", bad.AccountID)
	assert.Equal(t, "rejected", bad.Lines[0].Status)
	assert.Nil(t, bad.Bill)

	disconnected := resp.Groups[4]
	assert.Equal(t, "account_not_active", disconnected.Code)
	assert.Equal(t, "rejected", disconnected.Lines[0].Status)
}

func TestImportReadings_Empty(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/readings/import", RoleMeterReader, "period_key,account_id,meter_number,previous_reading,present_reading,multiplier\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportBills(t *testing.T) {
	ts := newTestServer(t)
	ts.submit("PN-0001", "2024-03", 6)
	ts.submit("PN-0002", "2024-03", 16)

	rec := ts.do(http.MethodGet, "/api/bills/export?period=2024-03", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "bills-2024-03.csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "bill_id,"))
	assert.Contains(t, rec.Body.String(), "90.20")
	assert.Contains(t, rec.Body.String(), "407.00")
}

// =============================================================================
// AUDIT, SEED, SCHEDULER
// =============================================================================

func TestListAudit(t *testing.T) {
	ts := newTestServer(t)
	bill := ts.submit("PN-0001", "2024-03", 6).Bill

	rec := ts.do(http.MethodGet, "/api/audit?bill_id="+bill.ID, RoleCashier, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/api/audit?account_id=PN-0001&limit=10", RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]AuditEntryDTO](t, rec)
	require.NotEmpty(t, entries)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, string(billing.AuditReadingRecorded))
	assert.Contains(t, actions, string(billing.AuditBillCreated))

	rec = ts.do(http.MethodGet, "/api/audit?limit=x", RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSeed(t *testing.T) {
	ts := newTestServer(t)
	ts.submit("PN-0001", "2024-03", 6)

	rec := ts.do(http.MethodPost, "/api/seed", RoleAdmin, map[string]any{"reset": true, "with_settings": true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeBody[SeedResponse](t, rec)
	assert.Len(t, resp.Members, 5)
	assert.Equal(t, 1, resp.SettingsVersion)

	bills, err := ts.mem.ListBills(context.Background(), billing.BillFilter{})
	require.NoError(t, err)
	assert.Empty(t, bills)

	// Seeding without a body keeps existing data.
	rec = ts.do(http.MethodPost, "/api/seed", RoleAdmin, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestOverdueScheduler_RunNow(t *testing.T) {
	ts := newTestServer(t)
	ts.submit("PN-0001", "2024-03", 6)
	ts.submit("PN-0002", "2024-03", 16)

	s := NewOverdueScheduler(ts.handler.Engine, nil)
	assert.Equal(t, 0, s.RunNow(context.Background()))

	ts.setNow(time.Date(2024, 4, 21, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 2, s.RunNow(context.Background()))
	assert.Equal(t, 0, s.RunNow(context.Background()))
	assert.False(t, s.LastRun().IsZero())

	stored, err := ts.mem.ListBills(context.Background(), billing.BillFilter{Statuses: []billing.BillStatus{billing.StatusOverdue}})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestOverdueScheduler_StartStop(t *testing.T) {
	ts := newTestServer(t)

	s := NewOverdueScheduler(ts.handler.Engine, nil)
	s.CheckInterval = 10 * time.Millisecond
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	assert.False(t, s.LastRun().IsZero())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{billing.ErrAccountNotFound, http.StatusNotFound},
		{billing.ErrBillNotFound, http.StatusNotFound},
		{&billing.AlreadyPaidError{BillID: "b"}, http.StatusConflict},
		{&billing.DuplicateReceiptError{ReceiptNumber: "OR-1"}, http.StatusConflict},
		{&billing.AccountNotActiveError{AccountID: "PN-0005"}, http.StatusUnprocessableEntity},
		{&billing.NoTariffFoundError{Classification: billing.ClassResidential}, http.StatusUnprocessableEntity},
		{&billing.ValidationError{Field: "x", Reason: "y"}, http.StatusBadRequest},
		{billing.ErrMonotonicity, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
