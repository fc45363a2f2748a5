package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/internal/ledger"
	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockledger/pkg/errors"
	"github.com/angelmondragon/stockledger/pkg/logger"
	"github.com/angelmondragon/stockledger/pkg/metrics"
	"github.com/angelmondragon/stockledger/pkg/pagination"
	"github.com/angelmondragon/stockledger/pkg/types"
	"github.com/angelmondragon/stockledger/pkg/validators"
)

const lowestLimit = 10

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	WithReadTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service answers stock queries derived from the ledger and active holds.
type Service interface {
	OnHand(ctx context.Context, scope types.Scope) (decimal.Decimal, error)
	OnHandTx(ctx context.Context, tx *gorm.DB, scope types.Scope) (decimal.Decimal, error)
	AvailableStock(ctx context.Context, scope types.Scope) (decimal.Decimal, error)
	AvailableStockTx(ctx context.Context, tx *gorm.DB, scope types.Scope) (decimal.Decimal, error)
	StockBalance(ctx context.Context, scope types.Scope) (*Balance, error)
	ValidateAvailability(ctx context.Context, businessID, outletID uuid.UUID, items []Item) (*AvailabilityResult, error)
	ValidateAvailabilityTx(ctx context.Context, tx *gorm.DB, businessID, outletID uuid.UUID, items []Item) (*AvailabilityResult, error)
	StockLevelsByOutlet(ctx context.Context, query LevelsQuery) ([]StockLevel, error)
	StockSummary(ctx context.Context, query SummaryQuery) (*Summary, error)
	RefreshSnapshots(ctx context.Context, limit int) (int, error)
	VerifySnapshot(ctx context.Context, scope types.Scope) (*SnapshotCheck, error)
}

// ServiceParams bundles the dependencies required to build an inventory service.
type ServiceParams struct {
	Tx         txRunner
	Repo       Repository
	LedgerRepo ledger.Repository
	Metrics    *metrics.InventoryMetrics
	Logger     *logger.Logger
	// UseSnapshots reads on-hand from snapshots plus newer entries.
	UseSnapshots bool
}

type service struct {
	tx           txRunner
	repo         Repository
	ledger       ledger.Repository
	metrics      *metrics.InventoryMetrics
	logg         *logger.Logger
	useSnapshots bool
	now          func() time.Time
}

// NewService wires an inventory service with the provided dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("inventory repository required")
	}
	if params.LedgerRepo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{
		tx:           params.Tx,
		repo:         params.Repo,
		ledger:       params.LedgerRepo,
		metrics:      params.Metrics,
		logg:         logg,
		useSnapshots: params.UseSnapshots,
		now:          time.Now,
	}, nil
}

func (s *service) OnHand(ctx context.Context, scope types.Scope) (decimal.Decimal, error) {
	var onHand decimal.Decimal
	err := s.tx.WithReadTx(ctx, func(tx *gorm.DB) error {
		var err error
		onHand, err = s.OnHandTx(ctx, tx, scope)
		return err
	})
	return onHand, err
}

// OnHandTx sums the ledger for scope. With snapshots enabled it starts from the
// snapshot and adds only newer entries.
func (s *service) OnHandTx(ctx context.Context, tx *gorm.DB, scope types.Scope) (decimal.Decimal, error) {
	if err := scope.Validate(); err != nil {
		return decimal.Zero, err
	}
	key := scope.Key()
	lrepo := s.ledger.WithTx(tx)
	if !s.useSnapshots {
		total, err := lrepo.SumDeltas(ctx, key, nil)
		if err != nil {
			return decimal.Zero, storageError(err, "sum ledger deltas", scope)
		}
		return total, nil
	}

	snapshot, err := s.repo.WithTx(tx).FindSnapshot(ctx, key)
	if err != nil {
		return decimal.Zero, storageError(err, "read stock snapshot", scope)
	}
	base := decimal.Zero
	var cursor *pagination.Cursor
	if snapshot != nil {
		base = snapshot.Quantity
		cursor = snapshotCursor(snapshot)
	}
	newer, err := lrepo.TotalsAfter(ctx, key, cursor)
	if err != nil {
		return decimal.Zero, storageError(err, "sum ledger deltas", scope)
	}
	return base.Add(newer.Sum), nil
}

func (s *service) AvailableStock(ctx context.Context, scope types.Scope) (decimal.Decimal, error) {
	balance, err := s.StockBalance(ctx, scope)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Available, nil
}

func (s *service) AvailableStockTx(ctx context.Context, tx *gorm.DB, scope types.Scope) (decimal.Decimal, error) {
	balance, err := s.balanceTx(ctx, tx, scope)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Available, nil
}

func (s *service) StockBalance(ctx context.Context, scope types.Scope) (*Balance, error) {
	var balance *Balance
	err := s.tx.WithReadTx(ctx, func(tx *gorm.DB) error {
		var err error
		balance, err = s.balanceTx(ctx, tx, scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (s *service) balanceTx(ctx context.Context, tx *gorm.DB, scope types.Scope) (*Balance, error) {
	onHand, err := s.OnHandTx(ctx, tx, scope)
	if err != nil {
		return nil, err
	}
	committed, err := s.repo.WithTx(tx).ActiveHoldTotal(ctx, scope.Key())
	if err != nil {
		return nil, storageError(err, "sum active holds", scope)
	}
	return &Balance{OnHand: onHand, Committed: committed, Available: onHand.Sub(committed)}, nil
}

// ValidateAvailability checks every item against one read transaction.
func (s *service) ValidateAvailability(ctx context.Context, businessID, outletID uuid.UUID, items []Item) (*AvailabilityResult, error) {
	var result *AvailabilityResult
	err := s.tx.WithReadTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.ValidateAvailabilityTx(ctx, tx, businessID, outletID, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ValidateAvailabilityTx evaluates items inside tx. Callers that write after
// the check must hold the scope locks first.
func (s *service) ValidateAvailabilityTx(ctx context.Context, tx *gorm.DB, businessID, outletID uuid.UUID, items []Item) (*AvailabilityResult, error) {
	requested := map[ProductKey]decimal.Decimal{}
	order := make([]Item, 0, len(items))
	for _, item := range items {
		if err := validators.Struct(item); err != nil {
			return nil, err
		}
		if !item.Quantity.IsPositive() {
			scope := types.Scope{BusinessID: businessID, OutletID: outletID, ProductID: item.ProductID, VariantID: item.VariantID}
			return nil, pkgerrors.New(pkgerrors.CodeInvalidQuantity, "requested quantity must be greater than zero").
				WithDetails(ledger.ScopeDetails(scope, item.Quantity))
		}
		key := KeyFor(item.ProductID, item.VariantID)
		if _, seen := requested[key]; !seen {
			order = append(order, item)
		}
		requested[key] = requested[key].Add(item.Quantity)
	}

	result := &AvailabilityResult{OK: true, Shortfalls: []Shortfall{}}
	for _, item := range order {
		scope := types.Scope{BusinessID: businessID, OutletID: outletID, ProductID: item.ProductID, VariantID: item.VariantID}
		available, err := s.AvailableStockTx(ctx, tx, scope)
		if err != nil {
			return nil, err
		}
		want := requested[KeyFor(item.ProductID, item.VariantID)]
		short := want.Sub(available)
		if short.IsPositive() {
			result.OK = false
			result.Shortfalls = append(result.Shortfalls, Shortfall{
				ProductID: item.ProductID,
				VariantID: item.VariantID,
				Requested: want,
				Available: available,
				Shortfall: short,
			})
		}
	}
	return result, nil
}

// StockLevelsByOutlet lists stock per product at an outlet, lowest first.
func (s *service) StockLevelsByOutlet(ctx context.Context, query LevelsQuery) ([]StockLevel, error) {
	if query.BusinessID == uuid.Nil || query.OutletID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidScope, "business and outlet are required")
	}
	outlet := query.OutletID
	levels, err := s.levels(ctx, query.BusinessID, &outlet, query.Alerts)
	if err != nil {
		return nil, err
	}
	if !query.LowStockOnly {
		return levels, nil
	}
	filtered := levels[:0]
	for _, level := range levels {
		if level.Status != enums.StockStatusOK {
			filtered = append(filtered, level)
		}
	}
	return filtered, nil
}

// StockSummary counts statuses, lists the lowest stocked items and values the
// stock on hand.
func (s *service) StockSummary(ctx context.Context, query SummaryQuery) (*Summary, error) {
	if query.BusinessID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidScope, "business is required")
	}
	var (
		levels []StockLevel
		costs  map[string]decimal.Decimal
	)
	err := s.tx.WithReadTx(ctx, func(tx *gorm.DB) error {
		var err error
		levels, err = s.levelsTx(ctx, tx, query.BusinessID, query.OutletID, query.Alerts)
		if err != nil {
			return err
		}
		costs, err = s.repo.WithTx(tx).LatestUnitCosts(ctx, query.BusinessID, query.OutletID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "read unit costs")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{Lowest: []StockLevel{}, InventoryValue: decimal.Zero}
	for _, level := range levels {
		switch level.Status {
		case enums.StockStatusOutOfStock:
			summary.OutOfStockCount++
		case enums.StockStatusLowStock:
			summary.LowStockCount++
		case enums.StockStatusOK:
			summary.OKCount++
		}
		if level.Status != enums.StockStatusOK && len(summary.Lowest) < lowestLimit {
			summary.Lowest = append(summary.Lowest, level)
		}
		if !level.OnHand.IsPositive() {
			continue
		}
		cost, ok := query.UnitCosts[KeyFor(level.ProductID, level.VariantID)]
		if !ok {
			cost, ok = costs[levelScope(query.BusinessID, level).Key()]
		}
		if ok {
			summary.InventoryValue = summary.InventoryValue.Add(level.OnHand.Mul(cost))
		}
	}
	return summary, nil
}

func (s *service) levels(ctx context.Context, businessID uuid.UUID, outletID *uuid.UUID, alerts AlertQuantities) ([]StockLevel, error) {
	var levels []StockLevel
	err := s.tx.WithReadTx(ctx, func(tx *gorm.DB) error {
		var err error
		levels, err = s.levelsTx(ctx, tx, businessID, outletID, alerts)
		return err
	})
	return levels, err
}

func (s *service) levelsTx(ctx context.Context, tx *gorm.DB, businessID uuid.UUID, outletID *uuid.UUID, alerts AlertQuantities) ([]StockLevel, error) {
	repo := s.repo.WithTx(tx)
	totals, err := repo.ScopeTotals(ctx, businessID, outletID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "sum stock by outlet")
	}
	holds, err := repo.HoldTotals(ctx, businessID, outletID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "sum holds by outlet")
	}

	levels := make([]StockLevel, 0, len(totals))
	for _, total := range totals {
		onHand := total.Total.Decimal
		committed := holds[total.ScopeKey]
		alert := alerts[KeyFor(total.ProductID, total.CompositeVariantID)]
		levels = append(levels, StockLevel{
			OutletID:      total.OutletID,
			ProductID:     total.ProductID,
			VariantID:     total.CompositeVariantID,
			OnHand:        onHand,
			Committed:     committed,
			Available:     onHand.Sub(committed),
			AlertQuantity: alert,
			Status:        enums.ClassifyStock(onHand, alert),
		})
	}
	sort.SliceStable(levels, func(i, j int) bool {
		if c := levels[i].OnHand.Cmp(levels[j].OnHand); c != 0 {
			return c < 0
		}
		return levelScope(businessID, levels[i]).Key() < levelScope(businessID, levels[j]).Key()
	})
	return levels, nil
}

// RefreshSnapshots rolls stale snapshots forward from their cursor. It returns
// the number of snapshots written.
func (s *service) RefreshSnapshots(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	scopes, err := s.repo.StaleScopes(ctx, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "list stale snapshots")
	}

	refreshed := 0
	var errs error
	for i := range scopes {
		if err := s.refreshOne(ctx, &scopes[i]); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("refresh snapshot %s: %w", scopes[i].ScopeKey, err))
			continue
		}
		refreshed++
	}
	return refreshed, errs
}

func (s *service) refreshOne(ctx context.Context, scope *models.StockScope) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		lrepo := s.ledger.WithTx(tx)

		// Locking waits out in-flight writers, so the sum and the cursor
		// below describe the same set of entries.
		locked := types.Scope{
			BusinessID: scope.BusinessID,
			OutletID:   scope.OutletID,
			ProductID:  scope.ProductID,
			VariantID:  scope.CompositeVariantID,
		}
		if err := lrepo.LockScopes(ctx, []types.Scope{locked}, snapshotAt(s.now())); err != nil {
			return err
		}
		current, err := repo.FindScope(ctx, scope.ScopeKey)
		if err != nil || current == nil {
			return err
		}
		existing, err := repo.FindSnapshot(ctx, scope.ScopeKey)
		if err != nil {
			return err
		}
		next := &models.StockSnapshot{
			ScopeKey:           current.ScopeKey,
			BusinessID:         current.BusinessID,
			OutletID:           current.OutletID,
			ProductID:          current.ProductID,
			CompositeVariantID: current.CompositeVariantID,
			ScopeVersion:       current.Version,
			RefreshedAt:        snapshotAt(s.now()),
		}
		var cursor *pagination.Cursor
		if existing != nil {
			next.Quantity = existing.Quantity
			next.EntryCount = existing.EntryCount
			next.LastEntryID = existing.LastEntryID
			next.LastEntryAt = existing.LastEntryAt
			cursor = snapshotCursor(existing)
		}

		newer, err := lrepo.TotalsAfter(ctx, current.ScopeKey, cursor)
		if err != nil {
			return err
		}
		if newer.Count > 0 {
			latest, err := lrepo.LatestEntry(ctx, current.ScopeKey)
			if err != nil {
				return err
			}
			if latest != nil {
				at := latest.CreatedAt.UTC()
				id := latest.ID
				next.LastEntryAt = &at
				next.LastEntryID = &id
			}
		}
		next.Quantity = next.Quantity.Add(newer.Sum)
		next.EntryCount += newer.Count
		return repo.UpsertSnapshot(ctx, next)
	})
}

// VerifySnapshot recomputes the full ledger sum and compares it with the
// snapshot. Drift is logged and counted; the ledger value wins.
func (s *service) VerifySnapshot(ctx context.Context, scope types.Scope) (*SnapshotCheck, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	check := &SnapshotCheck{ScopeKey: scope.Key()}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		snapshot, err := s.repo.WithTx(tx).FindSnapshot(ctx, check.ScopeKey)
		if err != nil {
			return storageError(err, "read stock snapshot", scope)
		}
		if snapshot == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "stock snapshot not found").WithDetails(scope.Fields())
		}
		full := decimal.Zero
		if snapshot.LastEntryAt != nil {
			full, err = s.ledger.WithTx(tx).SumDeltas(ctx, check.ScopeKey, snapshot.LastEntryAt)
			if err != nil {
				return storageError(err, "sum ledger deltas", scope)
			}
		}
		check.Snapshot = snapshot.Quantity
		check.Ledger = full
		check.Drifted = !snapshot.Quantity.Equal(full)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if check.Drifted {
		s.metrics.SnapshotDrift()
		logCtx := s.logg.WithFields(ctx, scope.Fields())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"snapshot_quantity": check.Snapshot.String(),
			"ledger_quantity":   check.Ledger.String(),
		})
		s.logg.Warn(logCtx, "stock snapshot drift detected")
	}
	return check, nil
}

func snapshotCursor(snapshot *models.StockSnapshot) *pagination.Cursor {
	if snapshot.LastEntryAt == nil || snapshot.LastEntryID == nil {
		return nil
	}
	return &pagination.Cursor{CreatedAt: snapshot.LastEntryAt.UTC(), ID: *snapshot.LastEntryID}
}

func levelScope(businessID uuid.UUID, level StockLevel) types.Scope {
	return types.Scope{BusinessID: businessID, OutletID: level.OutletID, ProductID: level.ProductID, VariantID: level.VariantID}
}

func storageError(err error, message string, scope types.Scope) error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, message).WithDetails(scope.Fields())
}
