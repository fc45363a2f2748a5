package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/stockledger/pkg/db"
	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
)

// ScopeTotal is the ledger sum of one scope.
type ScopeTotal struct {
	ScopeKey           string
	OutletID           uuid.UUID
	ProductID          uuid.UUID
	CompositeVariantID *uuid.UUID
	Total              decimal.NullDecimal
}

// Repository serves the aggregate reads behind stock queries and snapshots.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	ActiveHoldTotal(ctx context.Context, scopeKey string) (decimal.Decimal, error)
	ScopeTotals(ctx context.Context, businessID uuid.UUID, outletID *uuid.UUID) ([]ScopeTotal, error)
	HoldTotals(ctx context.Context, businessID uuid.UUID, outletID *uuid.UUID) (map[string]decimal.Decimal, error)
	LatestUnitCosts(ctx context.Context, businessID uuid.UUID, outletID *uuid.UUID) (map[string]decimal.Decimal, error)
	FindSnapshot(ctx context.Context, scopeKey string) (*models.StockSnapshot, error)
	UpsertSnapshot(ctx context.Context, snapshot *models.StockSnapshot) error
	StaleScopes(ctx context.Context, limit int) ([]models.StockScope, error)
	FindScope(ctx context.Context, scopeKey string) (*models.StockScope, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an inventory repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) ActiveHoldTotal(ctx context.Context, scopeKey string) (decimal.Decimal, error) {
	var row struct {
		Total decimal.NullDecimal
	}
	err := r.db.WithContext(ctx).
		Model(&models.StockHold{}).
		Select(db.SumQuantity(r.db, "quantity") + " AS total").
		Where("scope_key = ? AND status = ?", scopeKey, enums.HoldStatusPlaced).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return db.ScannedSum(r.db, row.Total.Decimal), nil
}

func (r *repository) ScopeTotals(ctx context.Context, businessID uuid.UUID, outletID *uuid.UUID) ([]ScopeTotal, error) {
	q := r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Select("scope_key, outlet_id, product_id, composite_variant_id, " + db.SumQuantity(r.db, "quantity_delta") + " AS total").
		Where("business_id = ?", businessID)
	if outletID != nil {
		q = q.Where("outlet_id = ?", *outletID)
	}
	var rows []ScopeTotal
	if err := q.Group("scope_key, outlet_id, product_id, composite_variant_id").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Total = decimal.NewNullDecimal(db.ScannedSum(r.db, rows[i].Total.Decimal))
	}
	return rows, nil
}

func (r *repository) HoldTotals(ctx context.Context, businessID uuid.UUID, outletID *uuid.UUID) (map[string]decimal.Decimal, error) {
	q := r.db.WithContext(ctx).
		Model(&models.StockHold{}).
		Select("scope_key, " + db.SumQuantity(r.db, "quantity") + " AS total").
		Where("business_id = ? AND status = ?", businessID, enums.HoldStatusPlaced)
	if outletID != nil {
		q = q.Where("outlet_id = ?", *outletID)
	}
	var rows []struct {
		ScopeKey string
		Total    decimal.NullDecimal
	}
	if err := q.Group("scope_key").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.ScopeKey] = db.ScannedSum(r.db, row.Total.Decimal)
	}
	return out, nil
}

// LatestUnitCosts returns the most recent unit cost recorded per scope.
func (r *repository) LatestUnitCosts(ctx context.Context, businessID uuid.UUID, outletID *uuid.UUID) (map[string]decimal.Decimal, error) {
	q := r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Select("scope_key, unit_cost").
		Where("business_id = ? AND unit_cost IS NOT NULL", businessID)
	if outletID != nil {
		q = q.Where("outlet_id = ?", *outletID)
	}
	var rows []struct {
		ScopeKey string
		UnitCost decimal.NullDecimal
	}
	if err := q.Order("scope_key").Order("created_at DESC").Order("id DESC").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := map[string]decimal.Decimal{}
	for _, row := range rows {
		if _, seen := out[row.ScopeKey]; seen || !row.UnitCost.Valid {
			continue
		}
		out[row.ScopeKey] = row.UnitCost.Decimal
	}
	return out, nil
}

func (r *repository) FindSnapshot(ctx context.Context, scopeKey string) (*models.StockSnapshot, error) {
	var snapshot models.StockSnapshot
	err := r.db.WithContext(ctx).Where("scope_key = ?", scopeKey).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *repository) UpsertSnapshot(ctx context.Context, snapshot *models.StockSnapshot) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope_key"}},
			UpdateAll: true,
		}).
		Create(snapshot).Error
}

// StaleScopes lists scopes whose snapshot is missing or older than the scope
// version, least recently touched first.
func (r *repository) StaleScopes(ctx context.Context, limit int) ([]models.StockScope, error) {
	var scopes []models.StockScope
	err := r.db.WithContext(ctx).
		Table("stock_scopes AS s").
		Select("s.*").
		Joins("LEFT JOIN stock_snapshots AS n ON n.scope_key = s.scope_key").
		Where("n.scope_key IS NULL OR n.scope_version < s.version").
		Order("s.updated_at ASC").
		Limit(limit).
		Scan(&scopes).Error
	if err != nil {
		return nil, err
	}
	return scopes, nil
}

func (r *repository) FindScope(ctx context.Context, scopeKey string) (*models.StockScope, error) {
	var scope models.StockScope
	err := r.db.WithContext(ctx).Where("scope_key = ?", scopeKey).Take(&scope).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &scope, nil
}

func snapshotAt(now time.Time) time.Time {
	return now.UTC().Truncate(time.Microsecond)
}
