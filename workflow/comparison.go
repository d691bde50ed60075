package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/timebill_backend/ledger"
	"bitbucket.org/mmdatafocus/timebill_backend/models"
	"github.com/shopspring/decimal"
)

// LedgerClient is the slice of the external ledger API the billing workflows
// use. *ledger.Client satisfies it; tests inject fakes.
type LedgerClient interface {
	QueryInvoicesByDateRange(ctx context.Context, start, end time.Time) ([]ledger.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*ledger.Invoice, error)
	CreateInvoice(ctx context.Context, draft ledger.InvoiceDraft) (*ledger.Invoice, error)
	UpdateInvoice(ctx context.Context, upd ledger.InvoiceUpdate) (*ledger.Invoice, error)
	GetTimeActivity(ctx context.Context, id string) (*ledger.TimeActivity, error)
	UpdateTimeActivityBilled(ctx context.Context, ta *ledger.TimeActivity) (*ledger.TimeActivity, error)
}

// Totals within one cent are the same invoice.
var totalTolerance = decimal.New(1, -2)

func groupInvoicesByCustomer(invoices []ledger.Invoice) map[string][]ledger.Invoice {
	grouped := make(map[string][]ledger.Invoice)
	for _, inv := range invoices {
		grouped[inv.CustomerId] = append(grouped[inv.CustomerId], inv)
	}
	return grouped
}

// latestInvoice picks the comparison basis when several ledger invoices match
// one customer/period: the most recently created wins, ties broken by the
// larger id. The others are ignored, never deleted.
func latestInvoice(invoices []ledger.Invoice) *ledger.Invoice {
	if len(invoices) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(invoices); i++ {
		if invoices[i].CreateTime.After(invoices[best].CreateTime) {
			best = i
			continue
		}
		if invoices[i].CreateTime.Equal(invoices[best].CreateTime) && idLess(invoices[best].Id, invoices[i].Id) {
			best = i
		}
	}
	return &invoices[best]
}

// idLess orders numeric-string ids by magnitude: shorter is smaller, equal
// lengths compare lexicographically.
func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// classifyCustomer decides, in priority order, how a computed invoice relates
// to the ledger. First match wins:
//  1. nothing in the ledger and nothing logged -> new
//  2. ledger invoice with the same total (±1 cent) -> exists_match
//  3. ledger invoice with a differing total -> exists_different (+ diff)
//  4. nothing in the ledger but a prior log entry -> already_logged
func classifyCustomer(totals models.LineItemTotals, computedLineCount int, matched *ledger.Invoice, logged bool) (models.ComparisonStatus, *models.ComparisonDiff) {
	if matched == nil {
		if logged {
			return models.ComparisonStatusAlreadyLogged, nil
		}
		return models.ComparisonStatusNew, nil
	}
	delta := totals.TotalAmount.Sub(matched.TotalAmt)
	if delta.Abs().LessThanOrEqual(totalTolerance) {
		return models.ComparisonStatusExistsMatch, nil
	}
	return models.ComparisonStatusExistsDifferent, &models.ComparisonDiff{
		ComputedTotal:     totals.TotalAmount,
		ExternalTotal:     matched.TotalAmt,
		Delta:             delta,
		ComputedLineCount: computedLineCount,
		ExternalLineCount: len(matched.Lines),
	}
}

// defaultActionFor infers the starting action a human may override. A customer
// with any missing-rate line defaults to skip regardless of classification, so
// no money is staged without review.
func defaultActionFor(status models.ComparisonStatus, missingRateCount int) models.StagingAction {
	if missingRateCount > 0 {
		return models.StagingActionSkip
	}
	switch status {
	case models.ComparisonStatusNew:
		return models.StagingActionCreateNew
	case models.ComparisonStatusExistsMatch, models.ComparisonStatusAlreadyLogged:
		return models.StagingActionSkip
	default:
		// exists_different needs human judgment.
		return models.StagingActionPending
	}
}
