package holds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/internal/idempotency"
	"github.com/angelmondragon/stockledger/internal/ledger"
	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockledger/pkg/errors"
	"github.com/angelmondragon/stockledger/pkg/logger"
	"github.com/angelmondragon/stockledger/pkg/metrics"
	"github.com/angelmondragon/stockledger/pkg/outbox"
	"github.com/angelmondragon/stockledger/pkg/outbox/payloads"
	"github.com/angelmondragon/stockledger/pkg/types"
	"github.com/angelmondragon/stockledger/pkg/validators"
)

const (
	defaultTTL       = 15 * time.Minute
	defaultSweepSize = 200
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type ledgerWriter interface {
	LockScopesTx(ctx context.Context, tx *gorm.DB, scopes ...types.Scope) error
	AppendTx(ctx context.Context, tx *gorm.DB, input ledger.AppendInput) (*ledger.Entry, error)
}

type availabilityReader interface {
	AvailableStockTx(ctx context.Context, tx *gorm.DB, scope types.Scope) (decimal.Decimal, error)
}

// Service runs the hold state machine: PLACED moves once to CAPTURED,
// RELEASED or EXPIRED.
type Service interface {
	PlaceHold(ctx context.Context, input PlaceInput) (*HoldResult, error)
	CaptureHold(ctx context.Context, input CaptureInput) (*CaptureResult, error)
	ReleaseHold(ctx context.Context, input ReleaseInput) (*HoldResult, error)
	ExpireHolds(ctx context.Context, now time.Time) (int, error)
	GetHold(ctx context.Context, businessID, holdID uuid.UUID) (*Hold, error)
	ListActiveHolds(ctx context.Context, scope types.Scope) ([]Hold, error)
}

// ServiceParams bundles the dependencies required to build a hold service.
type ServiceParams struct {
	Tx        txRunner
	Repo      Repository
	Ledger    ledgerWriter
	Inventory availabilityReader
	Registry  *idempotency.Registry
	Outbox    outboxPublisher
	Metrics   *metrics.InventoryMetrics
	Logger    *logger.Logger
	// DefaultTTL applies when a placement asks for no TTL.
	DefaultTTL time.Duration
	// SweepBatchSize caps how many holds one ExpireHolds call touches.
	SweepBatchSize int
}

type service struct {
	tx         txRunner
	repo       Repository
	ledger     ledgerWriter
	inventory  availabilityReader
	registry   *idempotency.Registry
	outbox     outboxPublisher
	metrics    *metrics.InventoryMetrics
	logg       *logger.Logger
	defaultTTL time.Duration
	sweepSize  int
	now        func() time.Time
}

// NewService wires a hold service with the provided dependencies.
func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.Tx == nil:
		return nil, fmt.Errorf("tx runner required")
	case params.Repo == nil:
		return nil, fmt.Errorf("holds repository required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger required")
	case params.Inventory == nil:
		return nil, fmt.Errorf("inventory required")
	case params.Registry == nil:
		return nil, fmt.Errorf("idempotency registry required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox publisher required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	ttl := params.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	sweep := params.SweepBatchSize
	if sweep <= 0 {
		sweep = defaultSweepSize
	}
	return &service{
		tx:         params.Tx,
		repo:       params.Repo,
		ledger:     params.Ledger,
		inventory:  params.Inventory,
		registry:   params.Registry,
		outbox:     params.Outbox,
		metrics:    params.Metrics,
		logg:       logg,
		defaultTTL: ttl,
		sweepSize:  sweep,
		now:        time.Now,
	}, nil
}

// PlaceHold reserves quantity after re-checking availability under the scope
// lock. No ledger entry is written.
func (s *service) PlaceHold(ctx context.Context, input PlaceInput) (*HoldResult, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}
	if err := input.Scope.Validate(); err != nil {
		return nil, err
	}
	if err := ledger.CheckQuantity(input.Scope, input.Quantity, "hold quantity"); err != nil {
		return nil, err
	}
	ttl := input.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	fingerprint, err := idempotency.Fingerprint(map[string]any{
		"scope":       input.Scope,
		"quantity":    input.Quantity.String(),
		"ttl_seconds": int64(ttl / time.Second),
		"reference":   input.Reference,
		"purpose":     input.Purpose,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fingerprint hold")
	}
	req := idempotency.Request{
		BusinessID:  input.Scope.BusinessID,
		Operation:   enums.OperationStockHold,
		Key:         input.idempotencyKey(),
		Fingerprint: fingerprint,
	}

	var result HoldResult
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		result = HoldResult{}
		decision, err := s.registry.CheckOrReserve(ctx, tx, req)
		if err != nil {
			return err
		}
		if done, err := replay(decision, &result); done || err != nil {
			result.Replayed = done
			return err
		}

		if err := s.ledger.LockScopesTx(ctx, tx, input.Scope); err != nil {
			return err
		}
		available, err := s.inventory.AvailableStockTx(ctx, tx, input.Scope)
		if err != nil {
			return err
		}
		if input.Quantity.GreaterThan(available) {
			return insufficientStock(input.Scope, input.Quantity, available)
		}

		now := s.clock()
		row := &models.StockHold{
			BusinessID:         input.Scope.BusinessID,
			OutletID:           input.Scope.OutletID,
			ProductID:          input.Scope.ProductID,
			CompositeVariantID: input.Scope.VariantID,
			ScopeKey:           input.Scope.Key(),
			Quantity:           input.Quantity,
			Status:             enums.HoldStatusPlaced,
			ExpiresAt:          now.Add(ttl),
			Reference:          strPtr(input.Reference),
			Purpose:            strPtr(input.Purpose),
			CreatedBy:          input.CreatedBy,
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.repo.WithTx(tx).Create(ctx, row); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "create hold").WithDetails(input.Scope.Fields())
		}
		result.Hold = toHold(row)
		if err := s.emit(ctx, tx, enums.EventHoldPlaced, result.Hold, actorFor(input.CreatedBy), ""); err != nil {
			return err
		}
		return s.registry.Commit(ctx, tx, decision, result)
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		s.metrics.HoldTransition("placed")
	}
	s.logTransition(ctx, result.Hold, "stock hold placed", result.Replayed)
	return &result, nil
}

// CaptureHold writes the HOLD_CAPTURE entry and moves the hold to CAPTURED. An
// expired hold cannot be captured even before the sweep has run.
func (s *service) CaptureHold(ctx context.Context, input CaptureInput) (*CaptureResult, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}
	fingerprint, err := idempotency.Fingerprint(map[string]any{
		"hold_id": input.HoldID,
		"sale_id": input.SaleID,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fingerprint capture")
	}
	req := idempotency.Request{
		BusinessID:  input.BusinessID,
		Operation:   enums.OperationStockCapture,
		Key:         input.idempotencyKey(),
		Fingerprint: fingerprint,
	}

	var result CaptureResult
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		result = CaptureResult{}
		row, err := s.load(ctx, tx, input.BusinessID, input.HoldID)
		if err != nil {
			return err
		}
		decision, err := s.registry.CheckOrReserve(ctx, tx, req)
		if err != nil {
			return err
		}
		if done, err := replay(decision, &result); done || err != nil {
			result.Replayed = done
			return err
		}

		hold := toHold(row)
		if err := s.ledger.LockScopesTx(ctx, tx, hold.Scope); err != nil {
			return err
		}
		now := s.clock()
		if err := checkCapturable(hold, now); err != nil {
			return err
		}

		holdID := hold.ID
		entry, err := s.ledger.AppendTx(ctx, tx, ledger.AppendInput{
			Scope:         hold.Scope,
			QuantityDelta: hold.Quantity.Neg(),
			ReferenceType: enums.ReferenceHoldCapture,
			ReferenceID:   &holdID,
			Actor:         input.Actor,
		})
		if err != nil {
			return err
		}
		ok, err := s.repo.WithTx(tx).Transition(ctx, hold.ID, enums.HoldStatusCaptured, map[string]any{
			"captured_entry_id":     entry.ID,
			"captured_reference_id": input.SaleID,
			"captured_at":           now,
		}, now, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "capture hold").WithDetails(holdDetails(hold))
		}
		if !ok {
			return invalidState(hold)
		}

		hold.Status = enums.HoldStatusCaptured
		hold.CapturedEntryID = &entry.ID
		hold.CapturedReferenceID = input.SaleID
		hold.CapturedAt = &now
		hold.UpdatedAt = now
		result.Hold = hold
		result.EntryID = entry.ID
		if err := s.emit(ctx, tx, enums.EventHoldCaptured, hold, ledger.ActorRef(input.Actor), ""); err != nil {
			return err
		}
		return s.registry.Commit(ctx, tx, decision, result)
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		s.metrics.HoldTransition("captured")
	}
	s.logTransition(ctx, result.Hold, "stock hold captured", result.Replayed)
	return &result, nil
}

// ReleaseHold returns reserved stock. Nothing was deducted, so no ledger entry
// is written.
func (s *service) ReleaseHold(ctx context.Context, input ReleaseInput) (*HoldResult, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}
	if !input.Reason.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown release reason").
			WithDetails(map[string]any{"reason": input.Reason})
	}
	fingerprint, err := idempotency.Fingerprint(map[string]any{
		"hold_id": input.HoldID,
		"reason":  input.Reason,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fingerprint release")
	}
	req := idempotency.Request{
		BusinessID:  input.BusinessID,
		Operation:   enums.OperationStockRelease,
		Key:         input.idempotencyKey(),
		Fingerprint: fingerprint,
	}

	var result HoldResult
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		result = HoldResult{}
		row, err := s.load(ctx, tx, input.BusinessID, input.HoldID)
		if err != nil {
			return err
		}
		decision, err := s.registry.CheckOrReserve(ctx, tx, req)
		if err != nil {
			return err
		}
		if done, err := replay(decision, &result); done || err != nil {
			result.Replayed = done
			return err
		}

		hold := toHold(row)
		if hold.Status != enums.HoldStatusPlaced {
			return invalidState(hold)
		}
		now := s.clock()
		reason := string(input.Reason)
		ok, err := s.repo.WithTx(tx).Transition(ctx, hold.ID, enums.HoldStatusReleased, map[string]any{
			"release_reason": reason,
			"released_at":    now,
		}, now, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "release hold").WithDetails(holdDetails(hold))
		}
		if !ok {
			return invalidState(hold)
		}

		hold.Status = enums.HoldStatusReleased
		hold.ReleaseReason = reason
		hold.ReleasedAt = &now
		hold.UpdatedAt = now
		result.Hold = hold
		if err := s.emit(ctx, tx, enums.EventHoldReleased, hold, ledger.ActorRef(input.Actor), reason); err != nil {
			return err
		}
		return s.registry.Commit(ctx, tx, decision, result)
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		s.metrics.HoldTransition("released")
	}
	s.logTransition(ctx, result.Hold, "stock hold released", result.Replayed)
	return &result, nil
}

// ExpireHolds moves placed holds past expiry to EXPIRED, oldest first, up to
// the sweep batch size. Each hold commits on its own; rerunning only touches
// holds still PLACED.
func (s *service) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC().Truncate(time.Microsecond)
	candidates, err := s.repo.ListExpirable(ctx, now, s.sweepSize)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "list expirable holds")
	}

	expired := 0
	var errs error
	for i := range candidates {
		hold := toHold(&candidates[i])
		changed := false
		req := expiryRequest(hold)
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			changed = false
			decision, err := s.registry.CheckOrReserve(ctx, tx, req)
			if err != nil {
				return err
			}
			switch decision.Outcome {
			case idempotency.OutcomeConflict:
				return decision.ConflictError()
			case idempotency.OutcomeDuplicate:
				return nil
			}
			ok, err := s.repo.WithTx(tx).Transition(ctx, hold.ID, enums.HoldStatusExpired, map[string]any{
				"expired_at":     now,
				"release_reason": string(enums.ReleaseReasonExpired),
			}, now, &now)
			if err != nil {
				return err
			}
			if !ok {
				return s.registry.Abandon(ctx, tx, decision)
			}
			changed = true
			hold.Status = enums.HoldStatusExpired
			hold.ExpiredAt = &now
			hold.ReleaseReason = string(enums.ReleaseReasonExpired)
			hold.UpdatedAt = now
			if err := s.emit(ctx, tx, enums.EventHoldExpired, hold, nil, string(enums.ReleaseReasonExpired)); err != nil {
				return err
			}
			return s.registry.Commit(ctx, tx, decision, HoldResult{Hold: hold})
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire hold %s: %w", hold.ID, err))
			continue
		}
		if changed {
			expired++
			s.metrics.HoldTransition("expired")
		}
	}
	if expired > 0 {
		logCtx := s.logg.WithField(ctx, "expired_count", expired)
		s.logg.Info(logCtx, "stock holds expired")
	}
	return expired, errs
}

func (s *service) GetHold(ctx context.Context, businessID, holdID uuid.UUID) (*Hold, error) {
	row, err := s.load(ctx, nil, businessID, holdID)
	if err != nil {
		return nil, err
	}
	hold := toHold(row)
	return &hold, nil
}

func (s *service) ListActiveHolds(ctx context.Context, scope types.Scope) ([]Hold, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.repo.ListActive(ctx, scope.Key())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "list active holds").WithDetails(scope.Fields())
	}
	out := make([]Hold, 0, len(rows))
	for i := range rows {
		out = append(out, toHold(&rows[i]))
	}
	return out, nil
}

func (s *service) load(ctx context.Context, tx *gorm.DB, businessID, holdID uuid.UUID) (*models.StockHold, error) {
	row, err := s.repo.WithTx(tx).FindByID(ctx, holdID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "load hold")
	}
	if row == nil || row.BusinessID != businessID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "hold not found").
			WithDetails(map[string]any{"hold_id": holdID.String()})
	}
	return row, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, hold Hold, actor *outbox.ActorRef, reason string) error {
	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateStockHold,
		AggregateID:   hold.ID,
		BusinessID:    hold.Scope.BusinessID,
		Actor:         actor,
		Data: payloads.HoldEvent{
			Scope:               hold.Scope,
			HoldID:              hold.ID,
			Quantity:            hold.Quantity,
			Status:              hold.Status,
			ExpiresAt:           hold.ExpiresAt,
			Reason:              reason,
			CapturedEntryID:     hold.CapturedEntryID,
			CapturedReferenceID: hold.CapturedReferenceID,
		},
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "queue hold event").WithDetails(holdDetails(hold))
	}
	return nil
}

func (s *service) logTransition(ctx context.Context, hold Hold, msg string, replayed bool) {
	logCtx := s.logg.WithFields(ctx, hold.Scope.Fields())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"hold_id":  hold.ID.String(),
		"quantity": hold.Quantity.String(),
		"status":   string(hold.Status),
		"replayed": replayed,
	})
	s.logg.Info(logCtx, msg)
}

func (s *service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// replay resolves non-fresh decisions. done is true when dest holds a stored
// result.
func replay(decision *idempotency.Decision, dest any) (bool, error) {
	switch decision.Outcome {
	case idempotency.OutcomeConflict:
		return false, decision.ConflictError()
	case idempotency.OutcomeDuplicate:
		if err := decision.Decode(dest); err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode stored hold result")
		}
		return true, nil
	}
	return false, nil
}

func checkCapturable(hold Hold, now time.Time) error {
	switch {
	case hold.Status == enums.HoldStatusExpired,
		hold.Status == enums.HoldStatusPlaced && !hold.ExpiresAt.After(now):
		details := holdDetails(hold)
		details["expires_at"] = hold.ExpiresAt
		return pkgerrors.New(pkgerrors.CodeHoldExpired, "hold has expired").WithDetails(details)
	case hold.Status != enums.HoldStatusPlaced:
		return invalidState(hold)
	}
	return nil
}

func invalidState(hold Hold) error {
	details := holdDetails(hold)
	details["status"] = hold.Status
	return pkgerrors.New(pkgerrors.CodeInvalidHoldState, "hold is no longer placed").WithDetails(details)
}

func insufficientStock(scope types.Scope, requested, available decimal.Decimal) error {
	details := ledger.ScopeDetails(scope, requested)
	details["available"] = available.String()
	details["shortfall"] = requested.Sub(available).String()
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock to place hold").WithDetails(details)
}

func holdDetails(hold Hold) map[string]any {
	details := ledger.ScopeDetails(hold.Scope, hold.Quantity)
	details["hold_id"] = hold.ID.String()
	return details
}

func actorFor(userID *uuid.UUID) *outbox.ActorRef {
	if userID == nil {
		return nil
	}
	return &outbox.ActorRef{UserID: userID}
}

// expiryRequest keys the sweep's release of one hold, so a hold is expired at
// most once even when sweeps overlap.
func expiryRequest(hold Hold) idempotency.Request {
	key := idempotency.ExpiryReleaseKey(hold.Scope.BusinessID, hold.ID)
	return idempotency.Request{
		BusinessID:  hold.Scope.BusinessID,
		Operation:   enums.OperationStockRelease,
		Key:         key.Key,
		Fingerprint: key.Ref,
	}
}

// idempotencyKey falls back to a key derived from the cart reference.
func (in PlaceInput) idempotencyKey() string {
	if in.IdempotencyKey != "" || strings.TrimSpace(in.Reference) == "" {
		return in.IdempotencyKey
	}
	item := idempotency.HoldItem{ProductID: in.Scope.ProductID, VariantID: in.Scope.VariantID, Quantity: in.Quantity}
	return idempotency.HoldKey(in.Scope.BusinessID, in.Scope.OutletID, in.Reference, []idempotency.HoldItem{item}, in.CreatedBy).Key
}

// idempotencyKey falls back to a key derived from the sale.
func (in CaptureInput) idempotencyKey() string {
	if in.IdempotencyKey != "" || in.SaleID == nil {
		return in.IdempotencyKey
	}
	return idempotency.CaptureKey(in.BusinessID, in.HoldID, in.SaleID).Key
}

// idempotencyKey falls back to a key derived from the hold and reason.
func (in ReleaseInput) idempotencyKey() string {
	if in.IdempotencyKey != "" {
		return in.IdempotencyKey
	}
	return idempotency.ReleaseKey(in.BusinessID, in.HoldID, string(in.Reason)).Key
}
