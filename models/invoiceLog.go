package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoiceLog records every invoice this service created or updated in the
// ledger, so a later reconciliation pass recognizes a customer/period as
// already billed even when the ledger query comes back empty.
type InvoiceLog struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BatchId         string          `gorm:"size:36;index" json:"batch_id"`
	CustomerId      string          `gorm:"size:64;index;not null" json:"customer_id"`
	CustomerName    string          `gorm:"size:255" json:"customer_name"`
	PeriodStart     time.Time       `gorm:"not null" json:"period_start"`
	PeriodEnd       time.Time       `gorm:"not null" json:"period_end"`
	LedgerInvoiceId string          `gorm:"size:64;not null" json:"ledger_invoice_id"`
	InvoiceNumber   string          `gorm:"size:64" json:"invoice_number"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	CreatedBy       string          `gorm:"size:255" json:"created_by"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// ListLoggedCustomers returns the customer ids that already have a log entry
// for exactly this period.
func ListLoggedCustomers(tx *gorm.DB, periodStart, periodEnd time.Time) (map[string]bool, error) {
	var customerIds []string
	err := tx.Model(&InvoiceLog{}).
		Where("period_start = ? AND period_end = ?", periodStart, periodEnd).
		Distinct().
		Pluck("customer_id", &customerIds).Error
	if err != nil {
		return nil, err
	}
	logged := make(map[string]bool, len(customerIds))
	for _, id := range customerIds {
		logged[id] = true
	}
	return logged, nil
}
