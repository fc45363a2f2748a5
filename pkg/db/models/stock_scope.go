package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StockScope is the per-scope lock row. Writers bump Version inside their
// transaction, which serializes concurrent writers to the same scope.
type StockScope struct {
	ScopeKey           string     `gorm:"column:scope_key;type:varchar(160);primaryKey"`
	BusinessID         uuid.UUID  `gorm:"column:business_id;type:uuid;not null;index:ix_stock_scopes_outlet,priority:1"`
	OutletID           uuid.UUID  `gorm:"column:outlet_id;type:uuid;not null;index:ix_stock_scopes_outlet,priority:2"`
	ProductID          uuid.UUID  `gorm:"column:product_id;type:uuid;not null"`
	CompositeVariantID *uuid.UUID `gorm:"column:composite_variant_id;type:uuid"`
	Version            int64      `gorm:"column:version;not null;default:1"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;not null"`
}

// StockSnapshot caches the ledger sum for a scope up to a cursor. It is a read
// optimization only; the ledger stays authoritative.
type StockSnapshot struct {
	ScopeKey           string          `gorm:"column:scope_key;type:varchar(160);primaryKey"`
	BusinessID         uuid.UUID       `gorm:"column:business_id;type:uuid;not null"`
	OutletID           uuid.UUID       `gorm:"column:outlet_id;type:uuid;not null"`
	ProductID          uuid.UUID       `gorm:"column:product_id;type:uuid;not null"`
	CompositeVariantID *uuid.UUID      `gorm:"column:composite_variant_id;type:uuid"`
	Quantity           decimal.Decimal `gorm:"column:quantity;type:numeric(18,4);not null"`
	EntryCount         int64           `gorm:"column:entry_count;not null"`
	LastEntryID        *uuid.UUID      `gorm:"column:last_entry_id;type:uuid"`
	LastEntryAt        *time.Time      `gorm:"column:last_entry_at"`
	ScopeVersion       int64           `gorm:"column:scope_version;not null"`
	RefreshedAt        time.Time       `gorm:"column:refreshed_at;not null"`
}
