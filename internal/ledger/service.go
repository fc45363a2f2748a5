package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/internal/idempotency"
	"github.com/angelmondragon/stockledger/pkg/db"
	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockledger/pkg/errors"
	"github.com/angelmondragon/stockledger/pkg/logger"
	"github.com/angelmondragon/stockledger/pkg/metrics"
	"github.com/angelmondragon/stockledger/pkg/outbox"
	"github.com/angelmondragon/stockledger/pkg/outbox/payloads"
	"github.com/angelmondragon/stockledger/pkg/pagination"
	"github.com/angelmondragon/stockledger/pkg/security"
	"github.com/angelmondragon/stockledger/pkg/types"
	"github.com/angelmondragon/stockledger/pkg/validators"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service records and reads stock movements.
type Service interface {
	LockScopesTx(ctx context.Context, tx *gorm.DB, scopes ...types.Scope) error
	AppendTx(ctx context.Context, tx *gorm.DB, input AppendInput) (*Entry, error)
	Append(ctx context.Context, input AppendInput) (*Entry, error)
	IncreaseStock(ctx context.Context, input StockChangeInput) (*StockChangeResult, error)
	DecreaseStock(ctx context.Context, input StockChangeInput) (*StockChangeResult, error)
	Adjust(ctx context.Context, input AdjustInput) (*StockChangeResult, error)
	SumDeltas(ctx context.Context, scope types.Scope, asOf *time.Time) (decimal.Decimal, error)
	SumDeltasTx(ctx context.Context, tx *gorm.DB, scope types.Scope, asOf *time.Time) (decimal.Decimal, error)
	History(ctx context.Context, scope types.Scope, params pagination.Params) (*pagination.Page[HistoryEntry], error)
	EntriesByReference(ctx context.Context, businessID uuid.UUID, referenceType enums.ReferenceType, referenceID uuid.UUID) ([]Entry, error)
}

// ServiceParams bundles the dependencies required to build a ledger service.
type ServiceParams struct {
	Tx       txRunner
	Repo     Repository
	Registry *idempotency.Registry
	Outbox   outboxPublisher
	Notes    *security.NoteCipher
	Metrics  *metrics.InventoryMetrics
	Logger   *logger.Logger
}

type service struct {
	tx       txRunner
	repo     Repository
	registry *idempotency.Registry
	outbox   outboxPublisher
	notes    *security.NoteCipher
	metrics  *metrics.InventoryMetrics
	logg     *logger.Logger
	now      func() time.Time
}

// NewService wires a ledger service with the provided dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("idempotency registry required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{
		tx:       params.Tx,
		repo:     params.Repo,
		registry: params.Registry,
		outbox:   params.Outbox,
		notes:    params.Notes,
		metrics:  params.Metrics,
		logg:     logg,
		now:      time.Now,
	}, nil
}

func (s *service) LockScopesTx(ctx context.Context, tx *gorm.DB, scopes ...types.Scope) error {
	for _, scope := range scopes {
		if err := scope.Validate(); err != nil {
			return err
		}
	}
	if err := s.repo.WithTx(tx).LockScopes(ctx, scopes, s.clock()); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "lock stock scope")
	}
	return nil
}

// AppendTx writes one entry inside tx. The scope is locked first and the entry
// timestamp never goes backwards within the scope.
func (s *service) AppendTx(ctx context.Context, tx *gorm.DB, input AppendInput) (*Entry, error) {
	if err := validateAppend(input); err != nil {
		return nil, err
	}
	if err := s.LockScopesTx(ctx, tx, input.Scope); err != nil {
		return nil, err
	}

	repo := s.repo.WithTx(tx)
	scopeKey := input.Scope.Key()
	createdAt := s.clock()
	latest, err := repo.LatestEntry(ctx, scopeKey)
	if err != nil {
		return nil, storageError(err, "read latest ledger entry", input.Scope)
	}
	if latest != nil {
		if last := latest.CreatedAt.UTC(); !createdAt.After(last) {
			createdAt = last.Add(time.Microsecond)
		}
	}

	var note *string
	if input.Note != "" {
		sealed, err := s.notes.Seal(input.Note)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "seal ledger note")
		}
		note = &sealed
	}

	row := &models.LedgerEntry{
		BusinessID:         input.Scope.BusinessID,
		OutletID:           input.Scope.OutletID,
		ProductID:          input.Scope.ProductID,
		CompositeVariantID: input.Scope.VariantID,
		ScopeKey:           scopeKey,
		QuantityDelta:      input.QuantityDelta,
		ReferenceType:      input.ReferenceType,
		ReferenceID:        input.ReferenceID,
		ActorUserID:        input.Actor.UserID,
		ActorAgentID:       input.Actor.AgentID,
		ActorAdminID:       input.Actor.AdminID,
		Note:               note,
		CreatedAt:          createdAt,
	}
	if input.UnitCost != nil {
		row.UnitCost = decimal.NewNullDecimal(*input.UnitCost)
	}
	if err := repo.Create(ctx, row); err != nil {
		return nil, storageError(err, "append ledger entry", input.Scope)
	}
	s.metrics.LedgerEntry(string(input.ReferenceType))

	entry := toEntry(row)
	entry.Note = input.Note
	return &entry, nil
}

func (s *service) Append(ctx context.Context, input AppendInput) (*Entry, error) {
	var entry *Entry
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		entry, err = s.AppendTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *service) IncreaseStock(ctx context.Context, input StockChangeInput) (*StockChangeResult, error) {
	return s.changeStock(ctx, enums.OperationStockIncrease, enums.DirectionInbound, input)
}

func (s *service) DecreaseStock(ctx context.Context, input StockChangeInput) (*StockChangeResult, error) {
	return s.changeStock(ctx, enums.OperationStockDecrease, enums.DirectionOutbound, input)
}

// Adjust routes a signed quantity to IncreaseStock or DecreaseStock.
func (s *service) Adjust(ctx context.Context, input AdjustInput) (*StockChangeResult, error) {
	if input.Quantity.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidQuantity, "adjustment quantity must not be zero").
			WithDetails(ScopeDetails(input.Scope, input.Quantity))
	}
	change := StockChangeInput{
		Scope:          input.Scope,
		Quantity:       input.Quantity.Abs(),
		ReferenceType:  input.ReferenceType,
		ReferenceID:    input.ReferenceID,
		UnitCost:       input.UnitCost,
		Actor:          input.Actor,
		Note:           input.Note,
		IdempotencyKey: input.IdempotencyKey,
	}
	if input.Quantity.IsPositive() {
		return s.IncreaseStock(ctx, change)
	}
	return s.DecreaseStock(ctx, change)
}

func (s *service) changeStock(ctx context.Context, op enums.IdempotencyOperation, direction enums.Direction, input StockChangeInput) (*StockChangeResult, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}
	if err := input.Scope.Validate(); err != nil {
		return nil, err
	}
	if err := CheckQuantity(input.Scope, input.Quantity, "quantity"); err != nil {
		return nil, err
	}
	if !input.ReferenceType.DirectAppendAllowed() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reference type cannot be written directly").
			WithDetails(map[string]any{"reference_type": input.ReferenceType})
	}
	if rd := input.ReferenceType.Direction(); rd != enums.DirectionEither && rd != direction {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reference type does not match stock direction").
			WithDetails(map[string]any{"reference_type": input.ReferenceType, "operation": op})
	}

	delta := input.Quantity
	if direction == enums.DirectionOutbound {
		delta = delta.Neg()
	}
	fingerprint, err := idempotency.Fingerprint(changeFingerprint{
		Scope:         input.Scope,
		QuantityDelta: delta.String(),
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		UnitCost:      input.UnitCost,
		Note:          input.Note,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fingerprint stock change")
	}
	req := idempotency.Request{
		BusinessID:  input.Scope.BusinessID,
		Operation:   op,
		Key:         input.IdempotencyKey,
		Fingerprint: fingerprint,
	}

	var result StockChangeResult
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		result = StockChangeResult{}
		decision, err := s.registry.CheckOrReserve(ctx, tx, req)
		if err != nil {
			return err
		}
		switch decision.Outcome {
		case idempotency.OutcomeConflict:
			return decision.ConflictError()
		case idempotency.OutcomeDuplicate:
			if err := decision.Decode(&result); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode stored stock change")
			}
			result.Replayed = true
			return nil
		}

		entry, err := s.AppendTx(ctx, tx, AppendInput{
			Scope:         input.Scope,
			QuantityDelta: delta,
			ReferenceType: input.ReferenceType,
			ReferenceID:   input.ReferenceID,
			UnitCost:      input.UnitCost,
			Actor:         input.Actor,
			Note:          input.Note,
		})
		if err != nil {
			return err
		}
		onHand, err := s.SumDeltasTx(ctx, tx, input.Scope, nil)
		if err != nil {
			return err
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventStockChanged,
			AggregateType: enums.AggregateStockScope,
			AggregateID:   entry.ID,
			BusinessID:    input.Scope.BusinessID,
			Actor:         ActorRef(input.Actor),
			Data: payloads.StockChangedEvent{
				Scope:         input.Scope,
				EntryID:       entry.ID,
				ReferenceType: entry.ReferenceType,
				ReferenceID:   entry.ReferenceID,
				QuantityDelta: entry.QuantityDelta,
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "queue stock changed event")
		}
		result = StockChangeResult{EntryID: entry.ID, OnHand: onHand}
		return s.registry.Commit(ctx, tx, decision, result)
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, input.Scope.Fields())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"entry_id":       result.EntryID.String(),
		"quantity_delta": delta.String(),
		"reference_type": string(input.ReferenceType),
		"on_hand":        result.OnHand.String(),
		"replayed":       result.Replayed,
	})
	s.logg.Info(logCtx, "stock changed")
	return &result, nil
}

type changeFingerprint struct {
	Scope         types.Scope         `json:"scope"`
	QuantityDelta string              `json:"quantity_delta"`
	ReferenceType enums.ReferenceType `json:"reference_type"`
	ReferenceID   *uuid.UUID          `json:"reference_id,omitempty"`
	UnitCost      *decimal.Decimal    `json:"unit_cost,omitempty"`
	Note          string              `json:"note,omitempty"`
}

func (s *service) SumDeltas(ctx context.Context, scope types.Scope, asOf *time.Time) (decimal.Decimal, error) {
	return s.SumDeltasTx(ctx, nil, scope, asOf)
}

func (s *service) SumDeltasTx(ctx context.Context, tx *gorm.DB, scope types.Scope, asOf *time.Time) (decimal.Decimal, error) {
	if err := scope.Validate(); err != nil {
		return decimal.Zero, err
	}
	total, err := s.repo.WithTx(tx).SumDeltas(ctx, scope.Key(), asOf)
	if err != nil {
		return decimal.Zero, storageError(err, "sum ledger deltas", scope)
	}
	return total, nil
}

// History pages entries newest first. Balances are rebuilt by walking back from
// the total as of the page start.
func (s *service) History(ctx context.Context, scope types.Scope, params pagination.Params) (*pagination.Page[HistoryEntry], error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	var (
		rows []models.LedgerEntry
		base decimal.Decimal
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		rows, err = repo.History(ctx, scope.Key(), cursor, pagination.LimitWithBuffer(params.Limit))
		if err != nil {
			return storageError(err, "read ledger history", scope)
		}
		if cursor == nil {
			base, err = repo.SumDeltas(ctx, scope.Key(), nil)
		} else {
			base, err = repo.SumBefore(ctx, scope.Key(), *cursor)
		}
		if err != nil {
			return storageError(err, "sum ledger deltas", scope)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	kept, next := pagination.Trim(rows, params.Limit, func(row models.LedgerEntry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: row.CreatedAt, ID: row.ID}
	})
	items := make([]HistoryEntry, 0, len(kept))
	after := base
	for i := range kept {
		entry, err := s.open(toEntry(&kept[i]))
		if err != nil {
			return nil, err
		}
		before := after.Sub(entry.QuantityDelta)
		items = append(items, HistoryEntry{Entry: entry, BalanceBefore: before, BalanceAfter: after})
		after = before
	}
	return &pagination.Page[HistoryEntry]{Items: items, NextCursor: next}, nil
}

func (s *service) EntriesByReference(ctx context.Context, businessID uuid.UUID, referenceType enums.ReferenceType, referenceID uuid.UUID) ([]Entry, error) {
	if businessID == uuid.Nil || referenceID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "business id and reference id are required")
	}
	if !referenceType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid reference type").
			WithDetails(map[string]any{"reference_type": referenceType})
	}
	rows, err := s.repo.ListByReference(ctx, businessID, referenceType, referenceID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "list ledger entries by reference")
	}
	entries := make([]Entry, 0, len(rows))
	for i := range rows {
		entry, err := s.open(toEntry(&rows[i]))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *service) open(entry Entry) (Entry, error) {
	if entry.Note == "" {
		return entry, nil
	}
	plain, err := s.notes.Open(entry.Note)
	if err != nil {
		return entry, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "open ledger note")
	}
	entry.Note = plain
	return entry, nil
}

func (s *service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func validateAppend(input AppendInput) error {
	if err := input.Scope.Validate(); err != nil {
		return err
	}
	if input.QuantityDelta.IsZero() {
		return pkgerrors.New(pkgerrors.CodeInvalidQuantity, "quantity delta must not be zero").
			WithDetails(ScopeDetails(input.Scope, input.QuantityDelta))
	}
	if !db.FitsQuantityScale(input.QuantityDelta) {
		return scaleError(input.Scope, input.QuantityDelta)
	}
	if !input.ReferenceType.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid reference type").
			WithDetails(map[string]any{"reference_type": input.ReferenceType})
	}
	switch input.ReferenceType.Direction() {
	case enums.DirectionInbound:
		if !input.QuantityDelta.IsPositive() {
			return directionError(input)
		}
	case enums.DirectionOutbound:
		if !input.QuantityDelta.IsNegative() {
			return directionError(input)
		}
	case enums.DirectionEither:
	case enums.DirectionNone:
		return pkgerrors.New(pkgerrors.CodeValidation, "reference type is not recorded in the ledger").
			WithDetails(map[string]any{"reference_type": input.ReferenceType})
	}
	if input.UnitCost != nil && (input.UnitCost.IsNegative() || !db.FitsQuantityScale(*input.UnitCost)) {
		return pkgerrors.New(pkgerrors.CodeValidation, "unit cost must be non-negative with at most 4 decimal places").
			WithDetails(ScopeDetails(input.Scope, input.QuantityDelta))
	}
	return nil
}

// scaleError rejects quantities the numeric(18,4) columns would round.
func scaleError(scope types.Scope, quantity decimal.Decimal) error {
	return pkgerrors.New(pkgerrors.CodeInvalidQuantity, "quantity has more than 4 decimal places").
		WithDetails(ScopeDetails(scope, quantity))
}

// CheckQuantity rejects quantities that are not positive or that storage
// would round.
func CheckQuantity(scope types.Scope, quantity decimal.Decimal, what string) error {
	if !quantity.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeInvalidQuantity, what+" must be greater than zero").
			WithDetails(ScopeDetails(scope, quantity))
	}
	if !db.FitsQuantityScale(quantity) {
		return scaleError(scope, quantity)
	}
	return nil
}

func directionError(input AppendInput) error {
	details := ScopeDetails(input.Scope, input.QuantityDelta)
	details["reference_type"] = input.ReferenceType
	return pkgerrors.New(pkgerrors.CodeInvalidQuantity, "quantity sign does not match reference type").WithDetails(details)
}

func toEntry(row *models.LedgerEntry) Entry {
	entry := Entry{
		ID: row.ID,
		Scope: types.Scope{
			BusinessID: row.BusinessID,
			OutletID:   row.OutletID,
			ProductID:  row.ProductID,
			VariantID:  row.CompositeVariantID,
		},
		QuantityDelta: row.QuantityDelta,
		ReferenceType: row.ReferenceType,
		ReferenceID:   row.ReferenceID,
		Actor: Actor{
			UserID:  row.ActorUserID,
			AgentID: row.ActorAgentID,
			AdminID: row.ActorAdminID,
		},
		CreatedAt: row.CreatedAt.UTC(),
	}
	if row.UnitCost.Valid {
		cost := row.UnitCost.Decimal
		entry.UnitCost = &cost
	}
	if row.Note != nil {
		entry.Note = *row.Note
	}
	return entry
}

// ActorRef converts an actor to its outbox form.
func ActorRef(actor Actor) *outbox.ActorRef {
	if actor.UserID == nil && actor.AgentID == nil && actor.AdminID == nil {
		return nil
	}
	return &outbox.ActorRef{UserID: actor.UserID, AgentID: actor.AgentID, AdminID: actor.AdminID}
}

// ScopeDetails renders scope and quantity for error details.
func ScopeDetails(scope types.Scope, quantity decimal.Decimal) map[string]any {
	details := scope.Fields()
	details["quantity"] = quantity.String()
	return details
}

func storageError(err error, message string, scope types.Scope) error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, message).WithDetails(scope.Fields())
}
