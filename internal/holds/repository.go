package holds

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
)

// Repository persists stock holds.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, hold *models.StockHold) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.StockHold, error)
	ListActive(ctx context.Context, scopeKey string) ([]models.StockHold, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.StockHold, error)
	Transition(ctx context.Context, id uuid.UUID, to enums.HoldStatus, updates map[string]any, now time.Time, onlyExpiredBy *time.Time) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a holds repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, hold *models.StockHold) error {
	return r.db.WithContext(ctx).Create(hold).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.StockHold, error) {
	var hold models.StockHold
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

func (r *repository) ListActive(ctx context.Context, scopeKey string) ([]models.StockHold, error) {
	var holds []models.StockHold
	err := r.db.WithContext(ctx).
		Where("scope_key = ? AND status = ?", scopeKey, enums.HoldStatusPlaced).
		Order("expires_at ASC").
		Order("id ASC").
		Find(&holds).Error
	if err != nil {
		return nil, err
	}
	return holds, nil
}

// ListExpirable returns placed holds past expiry, oldest expiry first.
func (r *repository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.StockHold, error) {
	var holds []models.StockHold
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", enums.HoldStatusPlaced, now).
		Order("expires_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&holds).Error
	if err != nil {
		return nil, err
	}
	return holds, nil
}

// Transition moves a PLACED hold to another status. It reports false when the
// hold was no longer PLACED, or was not yet expired when onlyExpiredBy is set.
func (r *repository) Transition(ctx context.Context, id uuid.UUID, to enums.HoldStatus, updates map[string]any, now time.Time, onlyExpiredBy *time.Time) (bool, error) {
	values := map[string]any{
		"status":     to,
		"updated_at": now,
		"version":    gorm.Expr("version + 1"),
	}
	for k, v := range updates {
		values[k] = v
	}
	q := r.db.WithContext(ctx).
		Model(&models.StockHold{}).
		Where("id = ? AND status = ?", id, enums.HoldStatusPlaced)
	if onlyExpiredBy != nil {
		q = q.Where("expires_at <= ?", *onlyExpiredBy)
	}
	res := q.Updates(values)
	return res.RowsAffected == 1, res.Error
}
