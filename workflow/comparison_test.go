package workflow

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/timebill_backend/ledger"
	"bitbucket.org/mmdatafocus/timebill_backend/models"
	"github.com/shopspring/decimal"
)

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return v
}

func TestClassifyCustomer_New(t *testing.T) {
	status, diff := classifyCustomer(models.LineItemTotals{TotalAmount: d(t, "500")}, 3, nil, false)
	if status != models.ComparisonStatusNew {
		t.Fatalf("expected new, got %s", status)
	}
	if diff != nil {
		t.Fatalf("new must carry no diff")
	}
}

func TestClassifyCustomer_ExistsMatchWithinTolerance(t *testing.T) {
	matched := &ledger.Invoice{Id: "200", TotalAmt: d(t, "500.01")}
	status, diff := classifyCustomer(models.LineItemTotals{TotalAmount: d(t, "500.00")}, 3, matched, false)
	if status != models.ComparisonStatusExistsMatch {
		t.Fatalf("expected exists_match for a 1-cent delta, got %s", status)
	}
	if diff != nil {
		t.Fatalf("exists_match must carry no diff")
	}
}

func TestClassifyCustomer_ExistsDifferent(t *testing.T) {
	matched := &ledger.Invoice{Id: "200", TotalAmt: d(t, "475.00"),
		Lines: []ledger.InvoiceLine{{}, {}}}
	status, diff := classifyCustomer(models.LineItemTotals{TotalAmount: d(t, "500.00")}, 3, matched, false)
	if status != models.ComparisonStatusExistsDifferent {
		t.Fatalf("expected exists_different, got %s", status)
	}
	if diff == nil {
		t.Fatalf("exists_different must carry a diff")
	}
	if !diff.Delta.Equal(d(t, "25.00")) {
		t.Fatalf("expected delta 25.00, got %s", diff.Delta)
	}
	if diff.ComputedLineCount != 3 || diff.ExternalLineCount != 2 {
		t.Fatalf("expected line counts 3/2, got %d/%d", diff.ComputedLineCount, diff.ExternalLineCount)
	}
}

func TestClassifyCustomer_AlreadyLogged(t *testing.T) {
	status, _ := classifyCustomer(models.LineItemTotals{TotalAmount: d(t, "500")}, 3, nil, true)
	if status != models.ComparisonStatusAlreadyLogged {
		t.Fatalf("expected already_logged, got %s", status)
	}
}

func TestClassifyCustomer_LedgerMatchBeatsLogEntry(t *testing.T) {
	// A ledger invoice is present AND the customer is logged: the ledger
	// comparison takes priority.
	matched := &ledger.Invoice{Id: "200", TotalAmt: d(t, "500.00")}
	status, _ := classifyCustomer(models.LineItemTotals{TotalAmount: d(t, "500.00")}, 3, matched, true)
	if status != models.ComparisonStatusExistsMatch {
		t.Fatalf("expected exists_match to win over already_logged, got %s", status)
	}
}

func TestLatestInvoice(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if latestInvoice(nil) != nil {
		t.Fatalf("empty slice must give nil")
	}

	picked := latestInvoice([]ledger.Invoice{
		{Id: "9", CreateTime: t1},
		{Id: "12", CreateTime: t2},
		{Id: "11", CreateTime: t1},
	})
	if picked.Id != "12" {
		t.Fatalf("expected most recent create time to win, got %s", picked.Id)
	}

	// Tie on create time: larger id wins. "102" > "99" numerically despite
	// sorting lower as a string.
	picked = latestInvoice([]ledger.Invoice{
		{Id: "102", CreateTime: t1},
		{Id: "99", CreateTime: t1},
	})
	if picked.Id != "102" {
		t.Fatalf("expected larger id to break the tie, got %s", picked.Id)
	}
}

func TestDefaultActionFor(t *testing.T) {
	cases := []struct {
		status      models.ComparisonStatus
		missingRate int
		want        models.StagingAction
	}{
		{models.ComparisonStatusNew, 0, models.StagingActionCreateNew},
		{models.ComparisonStatusExistsMatch, 0, models.StagingActionSkip},
		{models.ComparisonStatusExistsDifferent, 0, models.StagingActionPending},
		{models.ComparisonStatusAlreadyLogged, 0, models.StagingActionSkip},
		// Any missing rate forces skip regardless of classification.
		{models.ComparisonStatusNew, 1, models.StagingActionSkip},
		{models.ComparisonStatusExistsDifferent, 2, models.StagingActionSkip},
	}
	for _, tc := range cases {
		got := defaultActionFor(tc.status, tc.missingRate)
		if got != tc.want {
			t.Fatalf("defaultActionFor(%s, %d) = %s, want %s", tc.status, tc.missingRate, got, tc.want)
		}
	}
}
