package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/db"
	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
	"github.com/angelmondragon/stockledger/pkg/pagination"
	"github.com/angelmondragon/stockledger/pkg/types"
)

// lockScopeSQL bumps the per-scope row. In Postgres the upsert holds the row
// lock until the transaction ends.
const lockScopeSQL = `INSERT INTO stock_scopes (scope_key, business_id, outlet_id, product_id, composite_variant_id, version, updated_at) ` +
	`VALUES (?, ?, ?, ?, ?, 1, ?) ` +
	`ON CONFLICT (scope_key) DO UPDATE SET version = stock_scopes.version + 1, updated_at = excluded.updated_at`

// Totals aggregates the deltas of a range of entries.
type Totals struct {
	Sum   decimal.Decimal
	Count int64
}

// Repository manages persistence for ledger entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockScopes(ctx context.Context, scopes []types.Scope, now time.Time) error
	Create(ctx context.Context, entry *models.LedgerEntry) error
	LatestEntry(ctx context.Context, scopeKey string) (*models.LedgerEntry, error)
	SumDeltas(ctx context.Context, scopeKey string, asOf *time.Time) (decimal.Decimal, error)
	SumBefore(ctx context.Context, scopeKey string, cursor pagination.Cursor) (decimal.Decimal, error)
	TotalsAfter(ctx context.Context, scopeKey string, cursor *pagination.Cursor) (Totals, error)
	History(ctx context.Context, scopeKey string, cursor *pagination.Cursor, limit int) ([]models.LedgerEntry, error)
	ListByReference(ctx context.Context, businessID uuid.UUID, referenceType enums.ReferenceType, referenceID uuid.UUID) ([]models.LedgerEntry, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// LockScopes serializes writers on each scope. Scopes are locked in key order
// so two multi-scope writers cannot deadlock.
func (r *repository) LockScopes(ctx context.Context, scopes []types.Scope, now time.Time) error {
	seen := map[string]struct{}{}
	for _, scope := range types.SortScopes(scopes) {
		key := scope.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		err := r.db.WithContext(ctx).Exec(lockScopeSQL,
			key, scope.BusinessID, scope.OutletID, scope.ProductID, scope.VariantID, now,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repository) Create(ctx context.Context, entry *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) LatestEntry(ctx context.Context, scopeKey string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("scope_key = ?", scopeKey).
		Order("created_at DESC").
		Order("id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

type sumRow struct {
	Total decimal.NullDecimal
	Count int64
}

func (r *repository) SumDeltas(ctx context.Context, scopeKey string, asOf *time.Time) (decimal.Decimal, error) {
	q := r.sumQuery(ctx, scopeKey)
	if asOf != nil {
		q = q.Where("created_at <= ?", asOf.UTC())
	}
	var row sumRow
	if err := q.Scan(&row).Error; err != nil {
		return decimal.Zero, err
	}
	return db.ScannedSum(r.db, row.Total.Decimal), nil
}

// SumBefore totals entries strictly older than cursor in history order.
func (r *repository) SumBefore(ctx context.Context, scopeKey string, cursor pagination.Cursor) (decimal.Decimal, error) {
	var row sumRow
	err := r.sumQuery(ctx, scopeKey).
		Where("(created_at < ? OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return db.ScannedSum(r.db, row.Total.Decimal), nil
}

// TotalsAfter totals entries strictly newer than cursor. A nil cursor covers
// the whole scope.
func (r *repository) TotalsAfter(ctx context.Context, scopeKey string, cursor *pagination.Cursor) (Totals, error) {
	q := r.sumQuery(ctx, scopeKey)
	if cursor != nil {
		q = q.Where("(created_at > ? OR (created_at = ? AND id > ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var row sumRow
	if err := q.Scan(&row).Error; err != nil {
		return Totals{}, err
	}
	return Totals{Sum: db.ScannedSum(r.db, row.Total.Decimal), Count: row.Count}, nil
}

func (r *repository) sumQuery(ctx context.Context, scopeKey string) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Select(db.SumQuantity(r.db, "quantity_delta")+" AS total, COUNT(*) AS count").
		Where("scope_key = ?", scopeKey)
}

func (r *repository) History(ctx context.Context, scopeKey string, cursor *pagination.Cursor, limit int) ([]models.LedgerEntry, error) {
	q := r.db.WithContext(ctx).Where("scope_key = ?", scopeKey)
	if cursor != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var entries []models.LedgerEntry
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) ListByReference(ctx context.Context, businessID uuid.UUID, referenceType enums.ReferenceType, referenceID uuid.UUID) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("business_id = ? AND reference_id = ?", businessID, referenceID).
		Where("reference_type = ?", referenceType).
		Order("created_at DESC").
		Order("id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
