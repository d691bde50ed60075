package models

import (
	"time"

	"gorm.io/gorm"
)

type TimeRecordBillingStatus string

const (
	TimeRecordUnbilled TimeRecordBillingStatus = "Unbilled"
	TimeRecordBilled   TimeRecordBillingStatus = "Billed"
)

// TimeRecord is the local cache of a ledger-side time activity. The sync job owns
// every field except BillingStatus, which only the execution workflow advances.
type TimeRecord struct {
	ID            int                     `gorm:"primary_key" json:"id"`
	LedgerTimeId  string                  `gorm:"size:64;uniqueIndex;not null" json:"ledger_time_id"`
	EmployeeName  string                  `gorm:"size:255" json:"employee_name"`
	CustomerId    string                  `gorm:"size:64;index;not null" json:"customer_id" binding:"required"`
	CustomerName  string                  `gorm:"size:255" json:"customer_name"`
	TxnDate       time.Time               `gorm:"index;not null" json:"txn_date" binding:"required"`
	Hours         int                     `gorm:"default:0" json:"hours"`
	Minutes       int                     `gorm:"default:0" json:"minutes"`
	StartTime     *time.Time              `json:"start_time"`
	EndTime       *time.Time              `json:"end_time"`
	ItemId        string                  `gorm:"size:64;default:null" json:"item_id"`
	ItemName      string                  `gorm:"size:255;default:null" json:"item_name"`
	Description   string                  `gorm:"type:text" json:"description"`
	Notes         string                  `gorm:"type:text" json:"notes"`
	Billable      *bool                   `gorm:"not null;default:true" json:"billable"`
	BillingStatus TimeRecordBillingStatus `gorm:"type:enum('Unbilled','Billed');not null;default:'Unbilled'" json:"billing_status"`
	CreatedAt     time.Time               `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time               `gorm:"autoUpdateTime" json:"updated_at"`
}

// ListUnbilledTimeRecords returns billable, not-yet-billed records whose date
// falls inside the period (inclusive on both ends).
func ListUnbilledTimeRecords(tx *gorm.DB, periodStart, periodEnd time.Time) ([]TimeRecord, error) {
	var records []TimeRecord
	err := tx.
		Where("billing_status = ? AND billable = 1 AND txn_date >= ? AND txn_date <= ?",
			TimeRecordUnbilled, periodStart, periodEnd).
		Order("customer_id, txn_date, id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// MarkTimeRecordsBilled flips the local billing status for the given record ids.
// Only call with ids whose ledger-side flip already succeeded; the local cache
// must never claim a record is billed when the ledger disagrees.
func MarkTimeRecordsBilled(tx *gorm.DB, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&TimeRecord{}).
		Where("id IN ?", ids).
		Update("billing_status", TimeRecordBilled).Error
}
