package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/enums"
)

// IdempotencyRecord maps a caller key, scoped to business and operation, to
// the fingerprint of the request and its stored result.
type IdempotencyRecord struct {
	ID            uuid.UUID                  `gorm:"column:id;type:uuid;primaryKey"`
	BusinessID    uuid.UUID                  `gorm:"column:business_id;type:uuid;not null;uniqueIndex:ux_idempotency_records_key,priority:1"`
	Operation     enums.IdempotencyOperation `gorm:"column:operation;type:varchar(32);not null;uniqueIndex:ux_idempotency_records_key,priority:2"`
	Key           string                     `gorm:"column:idempotency_key;type:varchar(255);not null;uniqueIndex:ux_idempotency_records_key,priority:3"`
	Fingerprint   string                     `gorm:"column:fingerprint;type:char(64);not null"`
	State         enums.IdempotencyState     `gorm:"column:state;type:varchar(16);not null"`
	Result        json.RawMessage            `gorm:"column:result;type:jsonb"`
	ReservedUntil *time.Time                 `gorm:"column:reserved_until"`
	ExpiresAt     *time.Time                 `gorm:"column:expires_at;index:ix_idempotency_records_expires"`
	CreatedAt     time.Time                  `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time                  `gorm:"column:updated_at;not null"`
}

func (r *IdempotencyRecord) BeforeCreate(tx *gorm.DB) error {
	assignID(&r.ID)
	return nil
}
