package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/enums"
)

// StockHold is a soft reservation against available stock. It never touches
// the ledger until it is captured.
type StockHold struct {
	ID                  uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	BusinessID          uuid.UUID        `gorm:"column:business_id;type:uuid;not null;index:ix_stock_holds_scope,priority:1"`
	OutletID            uuid.UUID        `gorm:"column:outlet_id;type:uuid;not null;index:ix_stock_holds_scope,priority:2"`
	ProductID           uuid.UUID        `gorm:"column:product_id;type:uuid;not null;index:ix_stock_holds_scope,priority:3"`
	CompositeVariantID  *uuid.UUID       `gorm:"column:composite_variant_id;type:uuid;index:ix_stock_holds_scope,priority:4"`
	ScopeKey            string           `gorm:"column:scope_key;type:varchar(160);not null;index:ix_stock_holds_scope_key_status,priority:1"`
	Quantity            decimal.Decimal  `gorm:"column:quantity;type:numeric(18,4);not null"`
	Status              enums.HoldStatus `gorm:"column:status;type:varchar(16);not null;index:ix_stock_holds_scope,priority:5;index:ix_stock_holds_scope_key_status,priority:2;index:ix_stock_holds_status_expires,priority:1"`
	ExpiresAt           time.Time        `gorm:"column:expires_at;not null;index:ix_stock_holds_scope,priority:6;index:ix_stock_holds_status_expires,priority:2"`
	Reference           *string          `gorm:"column:reference"`
	Purpose             *string          `gorm:"column:purpose"`
	CreatedBy           *uuid.UUID       `gorm:"column:created_by;type:uuid"`
	ReleaseReason       *string          `gorm:"column:release_reason"`
	CapturedEntryID     *uuid.UUID       `gorm:"column:captured_entry_id;type:uuid"`
	CapturedReferenceID *uuid.UUID       `gorm:"column:captured_reference_id;type:uuid"`
	CapturedAt          *time.Time       `gorm:"column:captured_at"`
	ReleasedAt          *time.Time       `gorm:"column:released_at"`
	ExpiredAt           *time.Time       `gorm:"column:expired_at"`
	Version             int              `gorm:"column:version;not null;default:1"`
	CreatedAt           time.Time        `gorm:"column:created_at;not null"`
	UpdatedAt           time.Time        `gorm:"column:updated_at;not null"`
}

func (h *StockHold) BeforeCreate(tx *gorm.DB) error {
	assignID(&h.ID)
	return nil
}
