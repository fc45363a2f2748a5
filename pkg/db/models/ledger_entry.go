package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/enums"
)

// ErrLedgerImmutable is returned when something tries to update or delete a
// ledger entry.
var ErrLedgerImmutable = errors.New("ledger entries are append-only")

// LedgerEntry records an immutable signed stock movement for one scope.
type LedgerEntry struct {
	ID                 uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	BusinessID         uuid.UUID           `gorm:"column:business_id;type:uuid;not null;index:ix_ledger_entries_scope,priority:1"`
	OutletID           uuid.UUID           `gorm:"column:outlet_id;type:uuid;not null;index:ix_ledger_entries_scope,priority:2"`
	ProductID          uuid.UUID           `gorm:"column:product_id;type:uuid;not null;index:ix_ledger_entries_scope,priority:3"`
	CompositeVariantID *uuid.UUID          `gorm:"column:composite_variant_id;type:uuid;index:ix_ledger_entries_scope,priority:4"`
	ScopeKey           string              `gorm:"column:scope_key;type:varchar(160);not null;index:ix_ledger_entries_scope_key_created,priority:1"`
	QuantityDelta      decimal.Decimal     `gorm:"column:quantity_delta;type:numeric(18,4);not null"`
	ReferenceType      enums.ReferenceType `gorm:"column:reference_type;type:varchar(32);not null"`
	ReferenceID        *uuid.UUID          `gorm:"column:reference_id;type:uuid;index:ix_ledger_entries_reference"`
	UnitCost           decimal.NullDecimal `gorm:"column:unit_cost;type:numeric(18,4)"`
	ActorUserID        *uuid.UUID          `gorm:"column:actor_user_id;type:uuid"`
	ActorAgentID       *uuid.UUID          `gorm:"column:actor_agent_id;type:uuid"`
	ActorAdminID       *uuid.UUID          `gorm:"column:actor_admin_id;type:uuid"`
	Note               *string             `gorm:"column:note"`
	CreatedAt          time.Time           `gorm:"column:created_at;not null;index:ix_ledger_entries_scope,priority:5;index:ix_ledger_entries_scope_key_created,priority:2"`
}

func (e *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	assignID(&e.ID)
	return nil
}

func (e *LedgerEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

func (e *LedgerEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrLedgerImmutable
}
