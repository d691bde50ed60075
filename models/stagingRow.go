package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ComparisonStatus string

const (
	ComparisonStatusNew             ComparisonStatus = "new"
	ComparisonStatusExistsMatch     ComparisonStatus = "exists_match"
	ComparisonStatusExistsDifferent ComparisonStatus = "exists_different"
	ComparisonStatusAlreadyLogged   ComparisonStatus = "already_logged"
)

type StagingAction string

const (
	StagingActionPending        StagingAction = "pending"
	StagingActionCreateNew      StagingAction = "create_new"
	StagingActionUpdateExisting StagingAction = "update_existing"
	StagingActionSkip           StagingAction = "skip"
)

type StagingResultStatus string

const (
	StagingResultPending StagingResultStatus = "pending"
	StagingResultSuccess StagingResultStatus = "success"
	StagingResultSkipped StagingResultStatus = "skipped"
	StagingResultFailed  StagingResultStatus = "failed"
)

// ComparisonDiff is the structured difference between a computed invoice and
// the matched ledger invoice, kept for human review.
type ComparisonDiff struct {
	ComputedTotal     decimal.Decimal `json:"computed_total"`
	ExternalTotal     decimal.Decimal `json:"external_total"`
	Delta             decimal.Decimal `json:"delta"`
	ComputedLineCount int             `json:"computed_line_count"`
	ExternalLineCount int             `json:"external_line_count"`
}

// StalePendingRetention is how long an unexecuted proposal stays actable.
// Older pending rows reflect stale data and are purged before a new batch.
const StalePendingRetention = 7 * 24 * time.Hour

var ErrDuplicateStagingRow = errors.New("staging row already exists for customer and batch")

// BillingStagingRow is one customer's staged invoice proposal within a batch:
// the unit of human review and of execution. The approval step mutates Action;
// only the execution workflow mutates the Result* fields.
type BillingStagingRow struct {
	ID                      int                 `gorm:"primary_key" json:"id"`
	BatchId                 string              `gorm:"size:36;not null;uniqueIndex:uniq_staging_batch_customer" json:"batch_id"`
	CustomerId              string              `gorm:"size:64;not null;uniqueIndex:uniq_staging_batch_customer" json:"customer_id"`
	CustomerName            string              `gorm:"size:255" json:"customer_name"`
	PeriodStart             time.Time           `gorm:"not null" json:"period_start"`
	PeriodEnd               time.Time           `gorm:"not null" json:"period_end"`
	TotalHours              decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"total_hours"`
	TotalAmount             decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	MissingRateCount        int                 `gorm:"default:0" json:"missing_rate_count"`
	LineItems               string              `gorm:"type:text" json:"-"`
	TimeRecordIds           string              `gorm:"type:text" json:"-"`
	MatchedInvoiceId        string              `gorm:"size:64;default:null" json:"matched_invoice_id"`
	MatchedInvoiceNumber    string              `gorm:"size:64;default:null" json:"matched_invoice_number"`
	MatchedInvoiceTotal     decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"matched_invoice_total"`
	MatchedInvoiceLineCount int                 `gorm:"default:0" json:"matched_invoice_line_count"`
	ComparisonStatus        ComparisonStatus    `gorm:"type:enum('new','exists_match','exists_different','already_logged');not null" json:"comparison_status"`
	ComparisonDiff          string              `gorm:"type:text" json:"-"`
	Action                  StagingAction       `gorm:"type:enum('pending','create_new','update_existing','skip');not null;default:'pending'" json:"action"`
	ResultStatus            StagingResultStatus `gorm:"type:enum('pending','success','skipped','failed');not null;default:'pending'" json:"result_status"`
	ResultInvoiceId         string              `gorm:"size:64;default:null" json:"result_invoice_id"`
	ResultInvoiceNumber     string              `gorm:"size:64;default:null" json:"result_invoice_number"`
	ResultError             string              `gorm:"type:text" json:"result_error"`
	CreatedBy               string              `gorm:"size:255" json:"created_by"`
	ExecutedBy              string              `gorm:"size:255" json:"executed_by"`
	CreatedAt               time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (row *BillingStagingRow) SetLineItems(lines []ComputedLineItem) error {
	raw, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	row.LineItems = string(raw)
	return nil
}

func (row *BillingStagingRow) GetLineItems() ([]ComputedLineItem, error) {
	if row.LineItems == "" {
		return nil, nil
	}
	var lines []ComputedLineItem
	if err := json.Unmarshal([]byte(row.LineItems), &lines); err != nil {
		return nil, fmt.Errorf("staging row %d: decoding line items: %w", row.ID, err)
	}
	return lines, nil
}

func (row *BillingStagingRow) SetTimeRecordIds(ids []int) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	row.TimeRecordIds = string(raw)
	return nil
}

func (row *BillingStagingRow) GetTimeRecordIds() ([]int, error) {
	if row.TimeRecordIds == "" {
		return nil, nil
	}
	var ids []int
	if err := json.Unmarshal([]byte(row.TimeRecordIds), &ids); err != nil {
		return nil, fmt.Errorf("staging row %d: decoding time record ids: %w", row.ID, err)
	}
	return ids, nil
}

func (row *BillingStagingRow) SetComparisonDiff(diff *ComparisonDiff) error {
	if diff == nil {
		row.ComparisonDiff = ""
		return nil
	}
	raw, err := json.Marshal(diff)
	if err != nil {
		return err
	}
	row.ComparisonDiff = string(raw)
	return nil
}

func (row *BillingStagingRow) GetComparisonDiff() (*ComparisonDiff, error) {
	if row.ComparisonDiff == "" {
		return nil, nil
	}
	var diff ComparisonDiff
	if err := json.Unmarshal([]byte(row.ComparisonDiff), &diff); err != nil {
		return nil, fmt.Errorf("staging row %d: decoding comparison diff: %w", row.ID, err)
	}
	return &diff, nil
}

// ValidateAction rejects action assignments that would put the row in an
// illegal state before anything durable happens.
func (row *BillingStagingRow) ValidateAction(action StagingAction) error {
	switch action {
	case StagingActionCreateNew, StagingActionSkip:
		return nil
	case StagingActionUpdateExisting:
		if row.MatchedInvoiceId == "" {
			return errors.New("update_existing requires a matched ledger invoice")
		}
		return nil
	default:
		return fmt.Errorf("action %q is not executable", action)
	}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// InsertStagingRows persists one batch. The unique (batch_id, customer_id)
// index backs the one-row-per-customer invariant.
func InsertStagingRows(tx *gorm.DB, rows []*BillingStagingRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := tx.Create(&rows).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateStagingRow
		}
		return err
	}
	return nil
}

// PurgeStaleStagingRows removes pending rows created before the cutoff.
// Executed rows are history and are never deleted by a normal run.
func PurgeStaleStagingRows(tx *gorm.DB, cutoff time.Time) (int64, error) {
	result := tx.
		Where("result_status = ? AND created_at < ?", StagingResultPending, cutoff).
		Delete(&BillingStagingRow{})
	return result.RowsAffected, result.Error
}

func ListStagingRows(tx *gorm.DB, batchId string) ([]BillingStagingRow, error) {
	var rows []BillingStagingRow
	if err := tx.Where("batch_id = ?", batchId).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveStagingAction persists the approved action so intent is durable before
// any external effect.
func SaveStagingAction(tx *gorm.DB, rowId int, action StagingAction, executedBy string) error {
	return tx.Model(&BillingStagingRow{}).
		Where("id = ?", rowId).
		Updates(map[string]interface{}{"action": action, "executed_by": executedBy}).Error
}

// SaveStagingResult persists one row's terminal execution state.
func SaveStagingResult(tx *gorm.DB, row *BillingStagingRow) error {
	return tx.Model(&BillingStagingRow{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"result_status":         row.ResultStatus,
			"result_invoice_id":     row.ResultInvoiceId,
			"result_invoice_number": row.ResultInvoiceNumber,
			"result_error":          row.ResultError,
		}).Error
}
