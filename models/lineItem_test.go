package models

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the pricing
// arithmetic: exact decimal hours, per-line rounding for display, totals
// accumulated before rounding so per-line rounding never compounds.

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestBuildLineItems_HoursAndAmount(t *testing.T) {
	catalog := testCatalog()
	records := []TimeRecord{
		{ID: 1, CustomerId: "c1", TxnDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
			EmployeeName: "Dana", Hours: 2, Minutes: 30, ItemId: "17"},
	}

	lines, totals := BuildLineItems(records, catalog)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !lines[0].Hours.Equal(mustDecimal(t, "2.5")) {
		t.Fatalf("expected 2.5 hours, got %s", lines[0].Hours)
	}
	// 2.5h * 120 = 300
	if !lines[0].Amount.Equal(mustDecimal(t, "300")) {
		t.Fatalf("expected amount 300, got %s", lines[0].Amount)
	}
	if !totals.TotalAmount.Equal(mustDecimal(t, "300")) {
		t.Fatalf("expected total 300, got %s", totals.TotalAmount)
	}
	if totals.MissingRateCount != 0 {
		t.Fatalf("expected no missing rates, got %d", totals.MissingRateCount)
	}
}

func TestBuildLineItems_FractionalMinutesDoNotDrift(t *testing.T) {
	catalog := testCatalog()
	// 20 minutes = 1/3 hour: not representable as a short decimal. Three of
	// them must total exactly one hour's worth of money.
	records := []TimeRecord{
		{ID: 1, TxnDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), Minutes: 20, ItemId: "17"},
		{ID: 2, TxnDate: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), Minutes: 20, ItemId: "17"},
		{ID: 3, TxnDate: time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), Minutes: 20, ItemId: "17"},
	}

	_, totals := BuildLineItems(records, catalog)
	if !totals.TotalHours.Equal(mustDecimal(t, "1")) {
		t.Fatalf("expected exactly 1 total hour, got %s", totals.TotalHours)
	}
	if !totals.TotalAmount.Equal(mustDecimal(t, "120")) {
		t.Fatalf("expected exactly 120 total, got %s", totals.TotalAmount)
	}
}

func TestBuildLineItems_MissingRate(t *testing.T) {
	catalog := testCatalog()
	records := []TimeRecord{
		{ID: 1, TxnDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
			Hours: 3, ItemName: "Unknown Service"},
		{ID: 2, TxnDate: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
			Hours: 1, ItemId: "17"},
	}

	lines, totals := BuildLineItems(records, catalog)
	if !lines[0].MissingRate {
		t.Fatalf("expected first line flagged missing rate")
	}
	if !lines[0].Amount.IsZero() {
		t.Fatalf("missing-rate line must carry zero amount, got %s", lines[0].Amount)
	}
	if lines[1].MissingRate {
		t.Fatalf("second line should have resolved")
	}
	// Hours still count toward totals even when the rate is unresolved.
	if !totals.TotalHours.Equal(mustDecimal(t, "4")) {
		t.Fatalf("expected 4 total hours, got %s", totals.TotalHours)
	}
	if !totals.TotalAmount.Equal(mustDecimal(t, "120")) {
		t.Fatalf("expected 120 total, got %s", totals.TotalAmount)
	}
	if totals.MissingRateCount != 1 {
		t.Fatalf("expected missing rate count 1, got %d", totals.MissingRateCount)
	}
}

func TestBuildLineItems_Description(t *testing.T) {
	catalog := testCatalog()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 10, 17, 30, 0, 0, time.UTC)
	records := []TimeRecord{
		{ID: 1, TxnDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
			EmployeeName: "Dana", Hours: 2, Minutes: 30, ItemId: "17",
			StartTime: &start, EndTime: &end,
			Description: "Roof inspection", Notes: "Brought ladder"},
	}

	lines, _ := BuildLineItems(records, catalog)
	want := "03/10/2026 Dana (3:00 PM - 5:30 PM)\nRoof inspection\nBrought ladder"
	if lines[0].Description != want {
		t.Fatalf("description mismatch:\n got %q\nwant %q", lines[0].Description, want)
	}
}

func TestBuildLineItems_LumpSum(t *testing.T) {
	catalog := testCatalog()
	records := []TimeRecord{
		{ID: 1, TxnDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
			EmployeeName: "Dana", Hours: 1, ItemId: "17"},
	}

	lines, _ := BuildLineItems(records, catalog)
	if lines[0].TimeRange != "Lump Sum" {
		t.Fatalf("expected lump sum marker, got %q", lines[0].TimeRange)
	}
	if !strings.Contains(lines[0].Description, "(Lump Sum)") {
		t.Fatalf("description should carry the lump sum marker, got %q", lines[0].Description)
	}
}
