package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ComputedLineItem is one priced invoice line derived from a time record.
// Everything beyond amount/qty/rate/description is display payload for the
// approval UI and must be stripped before the line is sent to the ledger.
type ComputedLineItem struct {
	TimeRecordId int             `json:"time_record_id"`
	LedgerTimeId string          `json:"ledger_time_id"`
	TxnDate      time.Time       `json:"txn_date"`
	EmployeeName string          `json:"employee_name"`
	ServiceName  string          `json:"service_name"`
	ItemId       string          `json:"item_id"`
	TimeRange    string          `json:"time_range"`
	Hours        decimal.Decimal `json:"hours"`
	Rate         decimal.Decimal `json:"rate"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	MissingRate  bool            `json:"missing_rate"`
}

type LineItemTotals struct {
	TotalHours       decimal.Decimal `json:"total_hours"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	MissingRateCount int             `json:"missing_rate_count"`
}

const lumpSumLabel = "Lump Sum"

var sixty = decimal.NewFromInt(60)

// BuildLineItems prices the given records against the catalog. An unresolved
// rate is flagged, never defaulted: the line contributes its hours to the
// totals but zero amount, and MissingRateCount increments so a human reviews
// the customer before any money is staged.
//
// Per-line hours and amount are rounded to 2 decimals for presentation; the
// totals accumulate the unrounded values and are rounded once at the end so
// per-line rounding does not compound.
func BuildLineItems(records []TimeRecord, catalog *RateCatalog) ([]ComputedLineItem, LineItemTotals) {
	lines := make([]ComputedLineItem, 0, len(records))
	var totals LineItemTotals

	hoursSum := decimal.Zero
	amountSum := decimal.Zero

	for _, record := range records {
		hours := recordHours(record)
		rate := decimal.Zero
		itemId := record.ItemId
		serviceName := record.ItemName
		missing := false

		entry, ok := catalog.Resolve(record.ItemId, record.ItemName)
		if ok {
			rate = entry.UnitPrice
			itemId = entry.LedgerItemId
			if serviceName == "" {
				serviceName = entry.Name
			}
		} else {
			missing = true
			totals.MissingRateCount++
		}

		amount := hours.Mul(rate)
		hoursSum = hoursSum.Add(hours)
		amountSum = amountSum.Add(amount)

		timeRange := timeRangeLabel(record)
		lines = append(lines, ComputedLineItem{
			TimeRecordId: record.ID,
			LedgerTimeId: record.LedgerTimeId,
			TxnDate:      record.TxnDate,
			EmployeeName: record.EmployeeName,
			ServiceName:  serviceName,
			ItemId:       itemId,
			TimeRange:    timeRange,
			Hours:        hours.Round(2),
			Rate:         rate,
			Amount:       amount.Round(2),
			Description:  composeDescription(record, timeRange),
			MissingRate:  missing,
		})
	}

	totals.TotalHours = hoursSum.Round(2)
	totals.TotalAmount = amountSum.Round(2)
	return lines, totals
}

// recordHours converts the stored duration to exact decimal hours. Rounding
// happens after multiplication, never before.
func recordHours(record TimeRecord) decimal.Decimal {
	whole := decimal.NewFromInt(int64(record.Hours))
	if record.Minutes == 0 {
		return whole
	}
	return whole.Add(decimal.NewFromInt(int64(record.Minutes)).Div(sixty))
}

// timeRangeLabel renders "3:00 PM - 5:30 PM" when the record carries start and
// end timestamps, otherwise the lump-sum marker.
func timeRangeLabel(record TimeRecord) string {
	if record.StartTime == nil || record.EndTime == nil {
		return lumpSumLabel
	}
	return fmt.Sprintf("%s - %s",
		record.StartTime.Format("3:04 PM"),
		record.EndTime.Format("3:04 PM"))
}

func composeDescription(record TimeRecord, timeRange string) string {
	parts := []string{
		fmt.Sprintf("%s %s (%s)", record.TxnDate.Format("01/02/2006"), record.EmployeeName, timeRange),
	}
	if desc := strings.TrimSpace(record.Description); desc != "" {
		parts = append(parts, desc)
	}
	if notes := strings.TrimSpace(record.Notes); notes != "" {
		parts = append(parts, notes)
	}
	return strings.Join(parts, "\n")
}
