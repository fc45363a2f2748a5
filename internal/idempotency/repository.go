package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
)

// Repository persists idempotency records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Find(ctx context.Context, businessID uuid.UUID, operation enums.IdempotencyOperation, key string) (*models.IdempotencyRecord, error)
	Create(ctx context.Context, record *models.IdempotencyRecord) error
	Reclaim(ctx context.Context, id uuid.UUID, now, reservedUntil time.Time) (bool, error)
	MarkCommitted(ctx context.Context, id uuid.UUID, result []byte, now time.Time, expiresAt *time.Time) (bool, error)
	DeletePending(ctx context.Context, id uuid.UUID) error
	DeleteExpired(ctx context.Context, now, stalePendingBefore time.Time, limit int) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an idempotency repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Find(ctx context.Context, businessID uuid.UUID, operation enums.IdempotencyOperation, key string) (*models.IdempotencyRecord, error) {
	var record models.IdempotencyRecord
	err := r.db.WithContext(ctx).
		Where("business_id = ? AND operation = ? AND idempotency_key = ?", businessID, operation, key).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repository) Create(ctx context.Context, record *models.IdempotencyRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// Reclaim takes over a pending reservation whose window has lapsed. It only
// succeeds for one caller.
func (r *repository) Reclaim(ctx context.Context, id uuid.UUID, now, reservedUntil time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("id = ? AND state = ? AND reserved_until <= ?", id, enums.IdempotencyStatePending, now).
		Updates(map[string]any{
			"reserved_until": reservedUntil,
			"updated_at":     now,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *repository) MarkCommitted(ctx context.Context, id uuid.UUID, result []byte, now time.Time, expiresAt *time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("id = ? AND state = ?", id, enums.IdempotencyStatePending).
		Updates(map[string]any{
			"state":          enums.IdempotencyStateCommitted,
			"result":         json.RawMessage(result),
			"reserved_until": nil,
			"expires_at":     expiresAt,
			"updated_at":     now,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *repository) DeletePending(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("id = ? AND state = ?", id, enums.IdempotencyStatePending).
		Delete(&models.IdempotencyRecord{}).Error
}

// DeleteExpired purges committed records past their retention and pending
// reservations abandoned before stalePendingBefore.
func (r *repository) DeleteExpired(ctx context.Context, now, stalePendingBefore time.Time, limit int) (int64, error) {
	ids := r.db.Model(&models.IdempotencyRecord{}).
		Select("id").
		Where("(state = ? AND expires_at IS NOT NULL AND expires_at <= ?) OR (state = ? AND reserved_until <= ?)",
			enums.IdempotencyStateCommitted, now, enums.IdempotencyStatePending, stalePendingBefore).
		Order("created_at ASC").
		Limit(limit)
	res := r.db.WithContext(ctx).
		Where("id IN (?)", ids).
		Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
