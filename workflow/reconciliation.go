package workflow

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/timebill_backend/config"
	"bitbucket.org/mmdatafocus/timebill_backend/ledger"
	"bitbucket.org/mmdatafocus/timebill_backend/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrPeriodRequired = errors.New("period start and end are required")
	ErrInvalidPeriod  = errors.New("period end must not precede period start")
)

type ReconcileRequest struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	CreatedBy   string
}

// StagingRowSummary is what the approval UI needs per customer: totals, the
// classification, the diff when there is one, and the matched invoice.
type StagingRowSummary struct {
	StagingRowId         int                     `json:"staging_row_id"`
	CustomerId           string                  `json:"customer_id"`
	CustomerName         string                  `json:"customer_name"`
	LineCount            int                     `json:"line_count"`
	TotalHours           decimal.Decimal         `json:"total_hours"`
	TotalAmount          decimal.Decimal         `json:"total_amount"`
	MissingRateCount     int                     `json:"missing_rate_count"`
	ComparisonStatus     models.ComparisonStatus `json:"comparison_status"`
	ComparisonDiff       *models.ComparisonDiff  `json:"comparison_diff,omitempty"`
	MatchedInvoiceId     string                  `json:"matched_invoice_id,omitempty"`
	MatchedInvoiceNumber string                  `json:"matched_invoice_number,omitempty"`
	DefaultAction        models.StagingAction    `json:"default_action"`
}

type ReconcileResult struct {
	BatchId   string                          `json:"batch_id"`
	Customers []StagingRowSummary             `json:"customers"`
	Summary   map[models.ComparisonStatus]int `json:"summary"`
}

// customerProposal is one customer's computed invoice with its classification,
// ready to be staged.
type customerProposal struct {
	CustomerId   string
	CustomerName string
	Lines        []models.ComputedLineItem
	Totals       models.LineItemTotals
	RecordIds    []int
	Matched      *ledger.Invoice
	Status       models.ComparisonStatus
	Diff         *models.ComparisonDiff
	Action       models.StagingAction
}

// ProcessReconciliationWorkflow computes what each customer's invoice for the
// period should contain, compares it against the ledger, and stages one
// reviewable row per customer under a fresh batch id. Nothing is written to
// the ledger here.
func ProcessReconciliationWorkflow(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, client LedgerClient, req ReconcileRequest) (*ReconcileResult, error) {
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() {
		return nil, ErrPeriodRequired
	}
	if req.PeriodEnd.Before(req.PeriodStart) {
		return nil, ErrInvalidPeriod
	}

	// Stale proposals reflect stale data and must not be actable.
	purged, err := models.PurgeStaleStagingRows(tx, time.Now().Add(-models.StalePendingRetention))
	if err != nil {
		config.LogError(logger, "reconciliation.go", "ProcessReconciliationWorkflow", "PurgeStaleStagingRows", nil, err)
		return nil, err
	}
	if purged > 0 {
		logger.WithFields(logrus.Fields{"purged": purged}).Info("purged stale pending staging rows")
	}

	records, err := models.ListUnbilledTimeRecords(tx, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		config.LogError(logger, "reconciliation.go", "ProcessReconciliationWorkflow", "ListUnbilledTimeRecords", req, err)
		return nil, err
	}

	entries, err := models.ListActiveRateCatalogEntries(tx)
	if err != nil {
		config.LogError(logger, "reconciliation.go", "ProcessReconciliationWorkflow", "ListActiveRateCatalogEntries", nil, err)
		return nil, err
	}
	catalog := models.BuildRateCatalog(entries)

	logged, err := models.ListLoggedCustomers(tx, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		config.LogError(logger, "reconciliation.go", "ProcessReconciliationWorkflow", "ListLoggedCustomers", req, err)
		return nil, err
	}

	invoices := fetchLedgerInvoices(ctx, client, logger, req.PeriodStart, req.PeriodEnd)

	proposals := buildProposals(records, catalog, invoices, logged)

	batchId := uuid.NewString()
	rows := make([]*models.BillingStagingRow, 0, len(proposals))
	for i := range proposals {
		row, err := stagingRowFromProposal(batchId, req, &proposals[i])
		if err != nil {
			config.LogError(logger, "reconciliation.go", "ProcessReconciliationWorkflow", "stagingRowFromProposal", proposals[i].CustomerId, err)
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := models.InsertStagingRows(tx, rows); err != nil {
		config.LogError(logger, "reconciliation.go", "ProcessReconciliationWorkflow", "InsertStagingRows", batchId, err)
		return nil, err
	}

	result := &ReconcileResult{
		BatchId:   batchId,
		Customers: make([]StagingRowSummary, 0, len(rows)),
		Summary:   map[models.ComparisonStatus]int{},
	}
	for i, row := range rows {
		p := &proposals[i]
		result.Summary[p.Status]++
		result.Customers = append(result.Customers, StagingRowSummary{
			StagingRowId:         row.ID,
			CustomerId:           p.CustomerId,
			CustomerName:         p.CustomerName,
			LineCount:            len(p.Lines),
			TotalHours:           p.Totals.TotalHours,
			TotalAmount:          p.Totals.TotalAmount,
			MissingRateCount:     p.Totals.MissingRateCount,
			ComparisonStatus:     p.Status,
			ComparisonDiff:       p.Diff,
			MatchedInvoiceId:     row.MatchedInvoiceId,
			MatchedInvoiceNumber: row.MatchedInvoiceNumber,
			DefaultAction:        p.Action,
		})
	}

	logger.WithFields(logrus.Fields{
		"batchId":   batchId,
		"customers": len(rows),
		"records":   len(records),
	}).Info("reconciliation batch staged")

	return result, nil
}

// fetchLedgerInvoices degrades to nil on query failure: every customer then
// classifies as new, because staging without comparison is safer than
// refusing to stage at all. The condition is logged.
func fetchLedgerInvoices(ctx context.Context, client LedgerClient, logger *logrus.Logger, start, end time.Time) []ledger.Invoice {
	invoices, err := client.QueryInvoicesByDateRange(ctx, start, end)
	if err != nil {
		config.LogError(logger, "reconciliation.go", "fetchLedgerInvoices", "QueryInvoicesByDateRange", nil, err)
		return nil
	}
	return invoices
}

// buildProposals groups records by customer, prices each group, and classifies
// it against the ledger snapshot. Pure; no I/O.
func buildProposals(records []models.TimeRecord, catalog *models.RateCatalog, invoices []ledger.Invoice, logged map[string]bool) []customerProposal {
	byCustomer := make(map[string][]models.TimeRecord)
	names := make(map[string]string)
	for _, record := range records {
		byCustomer[record.CustomerId] = append(byCustomer[record.CustomerId], record)
		if names[record.CustomerId] == "" {
			names[record.CustomerId] = record.CustomerName
		}
	}

	customerIds := make([]string, 0, len(byCustomer))
	for id := range byCustomer {
		customerIds = append(customerIds, id)
	}
	sort.Strings(customerIds)

	invoicesByCustomer := groupInvoicesByCustomer(invoices)

	proposals := make([]customerProposal, 0, len(customerIds))
	for _, customerId := range customerIds {
		group := byCustomer[customerId]
		lines, totals := models.BuildLineItems(group, catalog)

		recordIds := make([]int, 0, len(group))
		for _, record := range group {
			recordIds = append(recordIds, record.ID)
		}

		matched := latestInvoice(invoicesByCustomer[customerId])
		status, diff := classifyCustomer(totals, len(lines), matched, logged[customerId])

		proposals = append(proposals, customerProposal{
			CustomerId:   customerId,
			CustomerName: names[customerId],
			Lines:        lines,
			Totals:       totals,
			RecordIds:    recordIds,
			Matched:      matched,
			Status:       status,
			Diff:         diff,
			Action:       defaultActionFor(status, totals.MissingRateCount),
		})
	}
	return proposals
}

func stagingRowFromProposal(batchId string, req ReconcileRequest, p *customerProposal) (*models.BillingStagingRow, error) {
	row := &models.BillingStagingRow{
		BatchId:          batchId,
		CustomerId:       p.CustomerId,
		CustomerName:     p.CustomerName,
		PeriodStart:      req.PeriodStart,
		PeriodEnd:        req.PeriodEnd,
		TotalHours:       p.Totals.TotalHours,
		TotalAmount:      p.Totals.TotalAmount,
		MissingRateCount: p.Totals.MissingRateCount,
		ComparisonStatus: p.Status,
		Action:           p.Action,
		ResultStatus:     models.StagingResultPending,
		CreatedBy:        req.CreatedBy,
	}
	if p.Matched != nil {
		row.MatchedInvoiceId = p.Matched.Id
		row.MatchedInvoiceNumber = p.Matched.DocNumber
		row.MatchedInvoiceTotal = p.Matched.TotalAmt
		row.MatchedInvoiceLineCount = len(p.Matched.Lines)
	}
	if err := row.SetLineItems(p.Lines); err != nil {
		return nil, err
	}
	if err := row.SetTimeRecordIds(p.RecordIds); err != nil {
		return nil, err
	}
	if err := row.SetComparisonDiff(p.Diff); err != nil {
		return nil, err
	}
	return row, nil
}
