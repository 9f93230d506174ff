/*
import.go - CSV batch import of meter readings and CSV export of bills

PURPOSE:
  Meter readers upload a month of readings as one CSV file; the office
  exports bills to spreadsheets. Both use gocsv with the column headers
  below.

IMPORT FORMAT:
  period_key,account_id,meter_number,previous_reading,present_reading,multiplier
  2024-03,PN-0001,,120,131,
  2024-03,PN-0002,M-77,,48,1.5

  Empty previous_reading / multiplier fall back to the meter's last
  reading and configured multiplier. Rows are grouped by (account,
  period); each group is one IngestReadings call, so a group's lines
  share a transaction and a bill. Groups run concurrently on a bounded
  pool. A row that does not parse is rejected on its own without
  affecting the rest of its group.

SEE ALSO:
  - handlers.go: SubmitReadings (single account-period)
  - billing/engine.go: IngestReadings
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/coopdesk/waterbilling/billing"
)

// =============================================================================
// CSV ROWS
// =============================================================================

// ReadingRow is one line of a readings CSV. Numbers stay strings so a bad
// cell rejects only its row.
type ReadingRow struct {
	PeriodKey       string `csv:"period_key"`
	AccountID       string `csv:"account_id"`
	MeterNumber     string `csv:"meter_number"`
	PreviousReading string `csv:"previous_reading"`
	PresentReading  string `csv:"present_reading"`
	Multiplier      string `csv:"multiplier"`
}

func (row ReadingRow) toLine() (billing.ReadingLine, error) {
	line := billing.ReadingLine{MeterNumber: strings.TrimSpace(row.MeterNumber)}

	present, err := parseCell("present_reading", row.PresentReading, true)
	if err != nil {
		return line, err
	}
	line.PresentReading = *present

	if line.PreviousReading, err = parseCell("previous_reading", row.PreviousReading, false); err != nil {
		return line, err
	}
	if line.Multiplier, err = parseCell("multiplier", row.Multiplier, false); err != nil {
		return line, err
	}
	return line, nil
}

func parseCell(field, cell string, required bool) (*decimal.Decimal, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		if required {
			return nil, &billing.ValidationError{Field: field, Reason: "is required"}
		}
		return nil, nil
	}
	d, err := decimal.NewFromString(cell)
	if err != nil {
		return nil, &billing.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a number", cell)}
	}
	return &d, nil
}

// BillRow is one line of the bills export.
type BillRow struct {
	BillID            string `csv:"bill_id"`
	AccountID         string `csv:"account_id"`
	PeriodKey         string `csv:"period_key"`
	Classification    string `csv:"classification"`
	TotalConsumed     string `csv:"total_consumed"`
	Tier              string `csv:"tier"`
	BaseAmount        string `csv:"base_amount"`
	Discount          string `csv:"discount"`
	FinalAmount       string `csv:"final_amount"`
	PenaltyApplied    string `csv:"penalty_applied"`
	TotalDue          string `csv:"total_due"`
	DueDate           string `csv:"due_date"`
	Status            string `csv:"status"`
	ReceiptNumber     string `csv:"receipt_number"`
	PaidAt            string `csv:"paid_at"`
	NeedsTariffReview bool   `csv:"needs_tariff_review"`
}

func toBillRow(b billing.Bill) BillRow {
	row := BillRow{
		BillID:            string(b.ID),
		AccountID:         string(b.AccountID),
		PeriodKey:         string(b.PeriodKey),
		Classification:    string(b.Classification),
		TotalConsumed:     b.TotalConsumed.String(),
		Tier:              b.TariffUsed.Tier,
		BaseAmount:        b.BaseAmount.StringFixed(2),
		Discount:          b.Discount.StringFixed(2),
		FinalAmount:       b.FinalAmount.StringFixed(2),
		PenaltyApplied:    b.PenaltyApplied.StringFixed(2),
		TotalDue:          b.TotalDue.StringFixed(2),
		DueDate:           billing.FormatDate(b.DueDate),
		Status:            string(b.Status),
		ReceiptNumber:     b.ReceiptNumber,
		NeedsTariffReview: b.NeedsTariffReview,
	}
	if b.PaidAt != nil {
		row.PaidAt = formatTimestamp(*b.PaidAt)
	}
	return row
}

// =============================================================================
// IMPORT RESPONSE
// =============================================================================

// ImportGroupDTO is the outcome of one (account, period) group.
type ImportGroupDTO struct {
	AccountID         string           `json:"account_id"`
	PeriodKey         string           `json:"period_key"`
	Lines             []LineOutcomeDTO `json:"lines"`
	Bill              *BillDTO         `json:"bill,omitempty"`
	NeedsTariffReview bool             `json:"needs_tariff_review"`
	Error             string           `json:"error,omitempty"`
	Code              string           `json:"code,omitempty"`
}

// ImportResponse summarizes a CSV import.
type ImportResponse struct {
	Rows     int              `json:"rows"`
	Accepted int              `json:"accepted"`
	Locked   int              `json:"locked"`
	Rejected int              `json:"rejected"`
	Groups   []ImportGroupDTO `json:"groups"`
}

type importGroup struct {
	accountID billing.AccountID
	period    billing.PeriodKey
	rows      []ReadingRow
}

// =============================================================================
// HANDLERS
// =============================================================================

// ImportReadings ingests a readings CSV from the request body.
func (h *Handler) ImportReadings(w http.ResponseWriter, r *http.Request) {
	var rows []ReadingRow
	if err := gocsv.Unmarshal(r.Body, &rows); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid CSV", err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusBadRequest, "CSV has no rows", nil)
		return
	}

	groups := groupRows(rows)
	resp := ImportResponse{Rows: len(rows), Groups: h.runImport(r.Context(), groups, ActorFrom(r.Context()).ID)}
	for _, g := range resp.Groups {
		for _, l := range g.Lines {
			switch billing.LineStatus(l.Status) {
			case billing.LineAccepted:
				resp.Accepted++
			case billing.LineLocked:
				resp.Locked++
			default:
				resp.Rejected++
			}
		}
	}

	h.Log.Info("readings imported",
		zap.Int("rows", resp.Rows),
		zap.Int("groups", len(groups)),
		zap.Int("accepted", resp.Accepted),
		zap.Int("locked", resp.Locked),
		zap.Int("rejected", resp.Rejected),
	)
	writeJSON(w, http.StatusOK, resp)
}

// groupRows groups rows by (account, period) in first-seen order.
func groupRows(rows []ReadingRow) []importGroup {
	var groups []importGroup
	index := make(map[string]int)
	for _, row := range rows {
		account := strings.TrimSpace(row.AccountID)
		period := strings.TrimSpace(row.PeriodKey)
		key := account + "|" + period
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, importGroup{accountID: billing.AccountID(account), period: billing.PeriodKey(period)})
		}
		groups[i].rows = append(groups[i].rows, row)
	}
	return groups
}

func (h *Handler) runImport(ctx context.Context, groups []importGroup, actor string) []ImportGroupDTO {
	results := make([]ImportGroupDTO, len(groups))
	p := pool.New().WithMaxGoroutines(max(h.ImportWorkers, 1))
	for i, g := range groups {
		i, g := i, g
		p.Go(func() {
			results[i] = h.importGroup(ctx, g, actor)
		})
	}
	p.Wait()
	return results
}

func (h *Handler) importGroup(ctx context.Context, g importGroup, actor string) ImportGroupDTO {
	dto := ImportGroupDTO{AccountID: string(g.accountID), PeriodKey: string(g.period)}

	outcomes := make([]billing.LineOutcome, len(g.rows))
	var (
		lines []billing.ReadingLine
		slots []int
	)
	for i, row := range g.rows {
		line, err := row.toLine()
		if err != nil {
			outcomes[i] = billing.LineOutcome{MeterNumber: line.MeterNumber, Status: billing.LineRejected, Err: err}
			continue
		}
		lines = append(lines, line)
		slots = append(slots, i)
	}

	if len(lines) > 0 {
		res, err := h.Engine.IngestReadings(ctx, billing.IngestRequest{
			AccountID: g.accountID,
			PeriodKey: g.period,
			Lines:     lines,
			ActorID:   actor,
		})
		if err != nil {
			dto.Error = err.Error()
			dto.Code = billing.ErrorCode(err)
			for j, slot := range slots {
				outcomes[slot] = billing.LineOutcome{MeterNumber: lines[j].MeterNumber, Status: billing.LineRejected, Err: err}
			}
			if statusFor(err) == http.StatusInternalServerError {
				h.Log.Error("import group failed",
					zap.String("account_id", string(g.accountID)),
					zap.String("period", string(g.period)),
					zap.Error(err))
			}
		} else {
			for j, o := range res.Lines {
				outcomes[slots[j]] = o
			}
			if res.Bill != nil {
				dto.Bill = lo.ToPtr(toBillDTO(*res.Bill))
			}
			dto.NeedsTariffReview = res.NeedsTariffReview
		}
	}

	dto.Lines = lo.Map(outcomes, func(o billing.LineOutcome, _ int) LineOutcomeDTO { return toLineOutcomeDTO(o) })
	return dto
}

// ExportBills writes the bills matching the query as CSV.
func (h *Handler) ExportBills(w http.ResponseWriter, r *http.Request) {
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

	name := "bills.csv"
	if filter.PeriodKey != "" {
		name = fmt.Sprintf("bills-%s.csv", filter.PeriodKey)
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	rows := lo.Map(bills, func(b billing.Bill, _ int) BillRow { return toBillRow(b) })
	if err := gocsv.Marshal(rows, w); err != nil {
		h.Log.Error("failed to write bills CSV", zap.Error(err))
	}
}
