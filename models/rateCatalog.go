package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RateCatalogEntry maps a ledger item to its hourly rate. Refreshed by the
// catalog sync; read-only inside the billing workflows.
type RateCatalogEntry struct {
	ID           int             `gorm:"primary_key" json:"id"`
	LedgerItemId string          `gorm:"size:64;uniqueIndex;not null" json:"ledger_item_id" binding:"required"`
	Name         string          `gorm:"size:255;index;not null" json:"name" binding:"required"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	IsActive     *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func ListActiveRateCatalogEntries(tx *gorm.DB) ([]RateCatalogEntry, error) {
	var entries []RateCatalogEntry
	if err := tx.Where("is_active = 1").Order("id").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// nameSeparator splits hierarchical service names like "Inspection: Follow Up".
const nameSeparator = ":"

// RateCatalog indexes catalog entries by ledger item id and by display name
// (original case and lowercase) for name-based resolution.
type RateCatalog struct {
	byItemId map[string]RateCatalogEntry
	byName   map[string]string
}

func BuildRateCatalog(entries []RateCatalogEntry) *RateCatalog {
	catalog := &RateCatalog{
		byItemId: make(map[string]RateCatalogEntry, len(entries)),
		byName:   make(map[string]string, len(entries)*2),
	}
	for _, entry := range entries {
		catalog.byItemId[entry.LedgerItemId] = entry
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			continue
		}
		catalog.byName[name] = entry.LedgerItemId
		catalog.byName[strings.ToLower(name)] = entry.LedgerItemId
	}
	return catalog
}

func (catalog *RateCatalog) Lookup(itemId string) (RateCatalogEntry, bool) {
	entry, ok := catalog.byItemId[itemId]
	return entry, ok
}

// Resolve finds the catalog entry for a time record. The direct item reference
// wins; otherwise the display name is tried exact, lowercase, then the leaf
// segment after the last separator and the parent segment before the first,
// each exact then lowercase. Exhausting every option is a data condition, not
// an error: the record is billable but its rate is unresolved.
func (catalog *RateCatalog) Resolve(itemId, name string) (RateCatalogEntry, bool) {
	if itemId != "" {
		if entry, ok := catalog.byItemId[itemId]; ok {
			return entry, true
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return RateCatalogEntry{}, false
	}
	if entry, ok := catalog.lookupByName(name); ok {
		return entry, true
	}
	if !strings.Contains(name, nameSeparator) {
		return RateCatalogEntry{}, false
	}
	leaf := strings.TrimSpace(name[strings.LastIndex(name, nameSeparator)+1:])
	if entry, ok := catalog.lookupByName(leaf); ok {
		return entry, true
	}
	parent := strings.TrimSpace(name[:strings.Index(name, nameSeparator)])
	if entry, ok := catalog.lookupByName(parent); ok {
		return entry, true
	}
	return RateCatalogEntry{}, false
}

func (catalog *RateCatalog) lookupByName(name string) (RateCatalogEntry, bool) {
	if name == "" {
		return RateCatalogEntry{}, false
	}
	if itemId, ok := catalog.byName[name]; ok {
		return catalog.byItemId[itemId], true
	}
	if itemId, ok := catalog.byName[strings.ToLower(name)]; ok {
		return catalog.byItemId[itemId], true
	}
	return RateCatalogEntry{}, false
}
