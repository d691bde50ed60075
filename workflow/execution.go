package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/timebill_backend/config"
	"bitbucket.org/mmdatafocus/timebill_backend/ledger"
	"bitbucket.org/mmdatafocus/timebill_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrBatchIdRequired = errors.New("batch id is required")
	ErrNoApprovals     = errors.New("approval list is empty")
)

type Approval struct {
	StagingRowId int
	Action       models.StagingAction
}

type ExecuteRequest struct {
	BatchId    string
	Approvals  []Approval
	ExecutedBy string
}

type RowResult struct {
	StagingRowId  int                        `json:"staging_row_id"`
	CustomerId    string                     `json:"customer_id"`
	CustomerName  string                     `json:"customer_name"`
	Action        models.StagingAction       `json:"action"`
	Status        models.StagingResultStatus `json:"status"`
	InvoiceId     string                     `json:"invoice_id,omitempty"`
	InvoiceNumber string                     `json:"invoice_number,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

type ExecuteSummary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type ExecuteResult struct {
	BatchId string         `json:"batch_id"`
	Results []RowResult    `json:"results"`
	Summary ExecuteSummary `json:"summary"`
}

// rowOutcome is one row's terminal execution state before persistence.
type rowOutcome struct {
	Status          models.StagingResultStatus
	InvoiceId       string
	InvoiceNumber   string
	InvoiceTotal    string
	ErrText         string
	BilledRecordIds []int
}

// ProcessExecutionWorkflow applies approved actions to the ledger, one row at
// a time. Approvals are persisted before any external effect so intent is
// durable. Rows are processed in approval order and fail independently: the
// batch as a whole never fails once it starts, partial success is the normal
// outcome and is reported per row.
func ProcessExecutionWorkflow(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, client LedgerClient, req ExecuteRequest) (*ExecuteResult, error) {
	if req.BatchId == "" {
		return nil, ErrBatchIdRequired
	}
	if len(req.Approvals) == 0 {
		return nil, ErrNoApprovals
	}

	rows, err := models.ListStagingRows(tx, req.BatchId)
	if err != nil {
		config.LogError(logger, "execution.go", "ProcessExecutionWorkflow", "ListStagingRows", req.BatchId, err)
		return nil, err
	}
	rowsById := make(map[int]*models.BillingStagingRow, len(rows))
	for i := range rows {
		rowsById[rows[i].ID] = &rows[i]
	}

	result := &ExecuteResult{BatchId: req.BatchId}

	// Phase 1: make every approval durable (or reject it) before touching the
	// ledger. A rejected approval fails its own row only.
	executable := make([]*models.BillingStagingRow, 0, len(req.Approvals))
	seen := make(map[int]bool, len(req.Approvals))
	for _, approval := range req.Approvals {
		if seen[approval.StagingRowId] {
			result.Results = append(result.Results, RowResult{
				StagingRowId: approval.StagingRowId,
				Action:       approval.Action,
				Status:       models.StagingResultFailed,
				Error:        "duplicate approval for staging row",
			})
			result.Summary.Failed++
			continue
		}
		seen[approval.StagingRowId] = true
		row, ok := rowsById[approval.StagingRowId]
		if !ok {
			result.Results = append(result.Results, RowResult{
				StagingRowId: approval.StagingRowId,
				Action:       approval.Action,
				Status:       models.StagingResultFailed,
				Error:        "staging row not found in batch",
			})
			result.Summary.Failed++
			continue
		}
		if row.ResultStatus != models.StagingResultPending {
			result.Results = append(result.Results, rowResultFor(row, models.StagingResultFailed, "", "",
				fmt.Sprintf("staging row is %s, not pending", row.ResultStatus)))
			result.Summary.Failed++
			continue
		}
		if err := row.ValidateAction(approval.Action); err != nil {
			row.ResultStatus = models.StagingResultFailed
			row.ResultError = err.Error()
			if saveErr := models.SaveStagingResult(tx, row); saveErr != nil {
				config.LogError(logger, "execution.go", "ProcessExecutionWorkflow", "SaveStagingResult (invalid action)", row.ID, saveErr)
			}
			result.Results = append(result.Results, rowResultFor(row, models.StagingResultFailed, "", "", err.Error()))
			result.Summary.Failed++
			continue
		}
		row.Action = approval.Action
		row.ExecutedBy = req.ExecutedBy
		if err := models.SaveStagingAction(tx, row.ID, approval.Action, req.ExecutedBy); err != nil {
			config.LogError(logger, "execution.go", "ProcessExecutionWorkflow", "SaveStagingAction", row.ID, err)
			return nil, err
		}
		executable = append(executable, row)
	}

	// Phase 2: execute in approval order, sequentially. Sequential processing
	// keeps the read-before-write sequence for update_existing free of
	// interleaving hazards and makes error attribution per row unambiguous.
	for _, row := range executable {
		outcome := runRow(ctx, client, logger, row)

		row.ResultStatus = outcome.Status
		row.ResultInvoiceId = outcome.InvoiceId
		row.ResultInvoiceNumber = outcome.InvoiceNumber
		row.ResultError = outcome.ErrText
		if err := models.SaveStagingResult(tx, row); err != nil {
			config.LogError(logger, "execution.go", "ProcessExecutionWorkflow", "SaveStagingResult", row.ID, err)
		}

		if outcome.Status == models.StagingResultSuccess {
			logEntry := models.InvoiceLog{
				BatchId:         row.BatchId,
				CustomerId:      row.CustomerId,
				CustomerName:    row.CustomerName,
				PeriodStart:     row.PeriodStart,
				PeriodEnd:       row.PeriodEnd,
				LedgerInvoiceId: outcome.InvoiceId,
				InvoiceNumber:   outcome.InvoiceNumber,
				TotalAmount:     row.TotalAmount,
				CreatedBy:       req.ExecutedBy,
			}
			if err := tx.Create(&logEntry).Error; err != nil {
				config.LogError(logger, "execution.go", "ProcessExecutionWorkflow", "Create InvoiceLog", row.ID, err)
			}
			if err := models.MarkTimeRecordsBilled(tx, outcome.BilledRecordIds); err != nil {
				config.LogError(logger, "execution.go", "ProcessExecutionWorkflow", "MarkTimeRecordsBilled", outcome.BilledRecordIds, err)
			}
		}

		result.Results = append(result.Results, rowResultFor(row, outcome.Status, outcome.InvoiceId, outcome.InvoiceNumber, outcome.ErrText))
		switch outcome.Status {
		case models.StagingResultSuccess:
			if row.Action == models.StagingActionUpdateExisting {
				result.Summary.Updated++
			} else {
				result.Summary.Created++
			}
		case models.StagingResultSkipped:
			result.Summary.Skipped++
		default:
			result.Summary.Failed++
		}
	}

	logger.WithFields(logrus.Fields{
		"batchId": req.BatchId,
		"created": result.Summary.Created,
		"updated": result.Summary.Updated,
		"skipped": result.Summary.Skipped,
		"failed":  result.Summary.Failed,
	}).Info("execution batch finished")

	return result, nil
}

func rowResultFor(row *models.BillingStagingRow, status models.StagingResultStatus, invoiceId, invoiceNumber, errText string) RowResult {
	return RowResult{
		StagingRowId:  row.ID,
		CustomerId:    row.CustomerId,
		CustomerName:  row.CustomerName,
		Action:        row.Action,
		Status:        status,
		InvoiceId:     invoiceId,
		InvoiceNumber: invoiceNumber,
		Error:         errText,
	}
}

// runRow drives one row to a terminal state. Anything that goes wrong inside,
// panics included, is captured on this row and never propagates to siblings.
func runRow(ctx context.Context, client LedgerClient, logger *logrus.Logger, row *models.BillingStagingRow) (outcome rowOutcome) {
	defer func() {
		if r := recover(); r != nil {
			config.LogError(logger, "execution.go", "runRow", "recovered panic", row.ID, fmt.Errorf("%v", r))
			outcome = rowOutcome{
				Status:  models.StagingResultFailed,
				ErrText: fmt.Sprintf("panic while executing row: %v", r),
			}
		}
	}()
	return executeRow(ctx, client, logger, row)
}

func executeRow(ctx context.Context, client LedgerClient, logger *logrus.Logger, row *models.BillingStagingRow) rowOutcome {
	switch row.Action {
	case models.StagingActionSkip:
		return rowOutcome{Status: models.StagingResultSkipped}

	case models.StagingActionCreateNew:
		lines, err := row.GetLineItems()
		if err != nil {
			return failedOutcome(err)
		}
		created, err := client.CreateInvoice(ctx, invoiceDraftFor(row, lines))
		if err != nil {
			config.LogError(logger, "execution.go", "executeRow", "CreateInvoice", row.ID, err)
			return failedOutcome(err)
		}
		if created == nil {
			return failedOutcome(errors.New("ledger returned no created invoice"))
		}
		return successOutcome(created, markRecordsBilled(ctx, client, logger, lines))

	case models.StagingActionUpdateExisting:
		lines, err := row.GetLineItems()
		if err != nil {
			return failedOutcome(err)
		}
		// Read-before-write: the SyncToken captured at comparison time may be
		// arbitrarily old; only a stamp read immediately before the write is
		// valid. A write that still loses the race fails cleanly and the
		// caller re-runs reconciliation for a fresh comparison.
		current, err := client.GetInvoice(ctx, row.MatchedInvoiceId)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return failedOutcome(errors.New("could not read existing invoice"))
			}
			config.LogError(logger, "execution.go", "executeRow", "GetInvoice", row.MatchedInvoiceId, err)
			return failedOutcome(err)
		}
		if current == nil {
			return failedOutcome(errors.New("could not read existing invoice"))
		}
		updated, err := client.UpdateInvoice(ctx, ledger.InvoiceUpdate{
			Id:        current.Id,
			SyncToken: current.SyncToken,
			Draft:     invoiceDraftFor(row, lines),
		})
		if err != nil {
			config.LogError(logger, "execution.go", "executeRow", "UpdateInvoice", row.MatchedInvoiceId, err)
			return failedOutcome(err)
		}
		if updated == nil {
			return failedOutcome(errors.New("ledger returned no updated invoice"))
		}
		return successOutcome(updated, markRecordsBilled(ctx, client, logger, lines))

	default:
		return failedOutcome(fmt.Errorf("action %q is not executable", row.Action))
	}
}

func failedOutcome(err error) rowOutcome {
	return rowOutcome{Status: models.StagingResultFailed, ErrText: err.Error()}
}

func successOutcome(inv *ledger.Invoice, billedRecordIds []int) rowOutcome {
	return rowOutcome{
		Status:          models.StagingResultSuccess,
		InvoiceId:       inv.Id,
		InvoiceNumber:   inv.DocNumber,
		BilledRecordIds: billedRecordIds,
	}
}

// invoiceDraftFor strips the display-only payload from each computed line; the
// ledger must never see it.
func invoiceDraftFor(row *models.BillingStagingRow, lines []models.ComputedLineItem) ledger.InvoiceDraft {
	draft := ledger.InvoiceDraft{
		CustomerId:   row.CustomerId,
		CustomerName: row.CustomerName,
		TxnDate:      row.PeriodEnd,
		Lines:        make([]ledger.InvoiceLine, 0, len(lines)),
	}
	for _, line := range lines {
		draft.Lines = append(draft.Lines, ledger.InvoiceLine{
			Amount:      line.Amount,
			Description: line.Description,
			ItemId:      line.ItemId,
			ItemName:    line.ServiceName,
			Qty:         line.Hours,
			UnitPrice:   line.Rate,
			ServiceDate: line.TxnDate,
		})
	}
	return draft
}

// markRecordsBilled flips each originating time activity to HasBeenBilled in
// the ledger, re-reading its current SyncToken and status first — never the
// local cache, which may be stale. Each record is independent: a failure is
// logged and that record stays unbilled locally, but the invoice that was
// already written stands. Returns the local ids whose ledger flip succeeded;
// only those may be marked billed in the local cache.
func markRecordsBilled(ctx context.Context, client LedgerClient, logger *logrus.Logger, lines []models.ComputedLineItem) []int {
	billed := make([]int, 0, len(lines))
	for _, line := range lines {
		if line.LedgerTimeId == "" {
			continue
		}
		ta, err := client.GetTimeActivity(ctx, line.LedgerTimeId)
		if err != nil {
			config.LogError(logger, "execution.go", "markRecordsBilled", "GetTimeActivity", line.LedgerTimeId, err)
			continue
		}
		if ta == nil {
			continue
		}
		if ta.BillableStatus != ledger.BillableStatusHasBeenBilled {
			if _, err := client.UpdateTimeActivityBilled(ctx, ta); err != nil {
				config.LogError(logger, "execution.go", "markRecordsBilled", "UpdateTimeActivityBilled", line.LedgerTimeId, err)
				continue
			}
		}
		billed = append(billed, line.TimeRecordId)
	}
	return billed
}
