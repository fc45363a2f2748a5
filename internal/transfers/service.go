package transfers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/internal/idempotency"
	"github.com/angelmondragon/stockledger/internal/ledger"
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
	legsSavepoint     = "stock_transfer_legs"
	defaultRetries    = 3
	defaultRetryDelay = 50 * time.Millisecond
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
	EntriesByReference(ctx context.Context, businessID uuid.UUID, referenceType enums.ReferenceType, referenceID uuid.UUID) ([]ledger.Entry, error)
}

type availabilityReader interface {
	AvailableStockTx(ctx context.Context, tx *gorm.DB, scope types.Scope) (decimal.Decimal, error)
}

// Service writes transfers as a matched TRANSFER_OUT/TRANSFER_IN pair.
type Service interface {
	Transfer(ctx context.Context, input TransferInput) (*TransferResult, error)
	GetTransfer(ctx context.Context, businessID, transferID uuid.UUID) (*Record, error)
}

type ServiceParams struct {
	Tx        txRunner
	Ledger    ledgerWriter
	Inventory availabilityReader
	Registry  *idempotency.Registry
	Outbox    outboxPublisher
	Metrics   *metrics.InventoryMetrics
	Logger    *logger.Logger
	// Retries bounds how many times the destination write is retried.
	Retries   uint64
	RetryBase time.Duration
}

type service struct {
	tx        txRunner
	ledger    ledgerWriter
	inventory availabilityReader
	registry  *idempotency.Registry
	outbox    outboxPublisher
	metrics   *metrics.InventoryMetrics
	logg      *logger.Logger
	retries   uint64
	retryBase time.Duration
}

func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.Tx == nil:
		return nil, fmt.Errorf("tx runner required")
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
	retries := params.Retries
	if retries == 0 {
		retries = defaultRetries
	}
	base := params.RetryBase
	if base <= 0 {
		base = defaultRetryDelay
	}
	return &service{
		tx:        params.Tx,
		ledger:    params.Ledger,
		inventory: params.Inventory,
		registry:  params.Registry,
		outbox:    params.Outbox,
		metrics:   params.Metrics,
		logg:      logg,
		retries:   retries,
		retryBase: base,
	}, nil
}

// legFailure is returned from the transaction when the destination write gave
// up and both legs were rolled back.
type legFailure struct {
	transferID uuid.UUID
	attempts   int
	cause      error
}

func (s *service) Transfer(ctx context.Context, input TransferInput) (*TransferResult, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}
	from, to := input.source(), input.destination()
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if input.FromOutletID == input.ToOutletID {
		return nil, pkgerrors.New(pkgerrors.CodeSameOutlet, "source and destination outlets must differ").
			WithDetails(transferDetails(input))
	}
	if err := ledger.CheckQuantity(from, input.Quantity, "transfer quantity"); err != nil {
		return nil, err
	}

	fingerprint, err := idempotency.Fingerprint(map[string]any{
		"from":     from,
		"to":       to,
		"quantity": input.Quantity.String(),
		"note":     input.Note,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fingerprint transfer")
	}
	req := idempotency.Request{
		BusinessID:  input.BusinessID,
		Operation:   enums.OperationStockTransfer,
		Key:         input.IdempotencyKey,
		Fingerprint: fingerprint,
	}

	var (
		result  TransferResult
		failure *legFailure
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		result, failure = TransferResult{}, nil
		decision, err := s.registry.CheckOrReserve(ctx, tx, req)
		if err != nil {
			return err
		}
		switch decision.Outcome {
		case idempotency.OutcomeConflict:
			return decision.ConflictError()
		case idempotency.OutcomeDuplicate:
			if err := decision.Decode(&result); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode stored transfer result")
			}
			result.Replayed = true
			return nil
		}

		if err := s.ledger.LockScopesTx(ctx, tx, from, to); err != nil {
			return err
		}
		available, err := s.inventory.AvailableStockTx(ctx, tx, from)
		if err != nil {
			return err
		}
		if input.Quantity.GreaterThan(available) {
			details := transferDetails(input)
			details["available"] = available.String()
			details["shortfall"] = input.Quantity.Sub(available).String()
			return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock at source outlet").WithDetails(details)
		}

		transferID := uuid.New()
		out, in, err := s.writeLegs(ctx, tx, input, transferID)
		if err != nil {
			partial := pkgerrors.As(err)
			if partial == nil || partial.Code() != pkgerrors.CodeTransferPartialFailure {
				return err
			}
			failure, err = s.compensate(ctx, tx, input, transferID, decision, partial)
			return err
		}

		result = TransferResult{TransferID: transferID, OutEntryID: out.ID, InEntryID: in.ID}
		if err := s.emit(ctx, tx, enums.EventStockTransferred, transferID, input, payloads.StockTransferredEvent{
			TransferID:         transferID,
			BusinessID:         input.BusinessID,
			ProductID:          input.ProductID,
			CompositeVariantID: input.VariantID,
			FromOutletID:       input.FromOutletID,
			ToOutletID:         input.ToOutletID,
			Quantity:           input.Quantity,
			OutEntryID:         out.ID,
			InEntryID:          in.ID,
		}); err != nil {
			return err
		}
		return s.registry.Commit(ctx, tx, decision, result)
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeTransferPartialFailure) {
			s.metrics.Transfer("failed")
			alertCtx := s.logg.WithField(s.logg.WithFields(ctx, transferDetails(input)), "diagnostic", pkgerrors.Dump(err))
			s.logg.Alert(alertCtx, "stock transfer compensation failed", err)
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "transfer requires manual reconciliation").
				WithDetails(transferDetails(input))
		}
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, transferDetails(input))
	if failure != nil {
		s.metrics.Transfer("compensated")
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"transfer_id": failure.transferID.String(),
			"attempts":    failure.attempts,
		})
		s.logg.Error(logCtx, "stock transfer rolled back", failure.cause)
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, failure.cause, "stock transfer could not be completed").
			WithDetails(transferDetails(input))
	}
	if !result.Replayed {
		s.metrics.Transfer("committed")
	}
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"transfer_id": result.TransferID.String(),
		"replayed":    result.Replayed,
	})
	s.logg.Info(logCtx, "stock transferred")
	return &result, nil
}

// writeLegs appends the source leg under a savepoint and retries the
// destination leg. A destination that never succeeds surfaces as
// TRANSFER_PARTIAL_FAILURE with the source leg still written.
func (s *service) writeLegs(ctx context.Context, tx *gorm.DB, input TransferInput, transferID uuid.UUID) (*ledger.Entry, *ledger.Entry, error) {
	if err := tx.SavePoint(legsSavepoint).Error; err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "open transfer savepoint")
	}
	out, err := s.ledger.AppendTx(ctx, tx, ledger.AppendInput{
		Scope:         input.source(),
		QuantityDelta: input.Quantity.Neg(),
		ReferenceType: enums.ReferenceTransferOut,
		ReferenceID:   &transferID,
		Actor:         input.Actor,
		Note:          input.Note,
	})
	if err != nil {
		return nil, nil, err
	}

	var (
		in       *ledger.Entry
		attempts int
	)
	backoff := retry.WithMaxRetries(s.retries, retry.NewExponential(s.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		return tx.Transaction(func(inner *gorm.DB) error {
			entry, err := s.ledger.AppendTx(ctx, inner, ledger.AppendInput{
				Scope:         input.destination(),
				QuantityDelta: input.Quantity,
				ReferenceType: enums.ReferenceTransferIn,
				ReferenceID:   &transferID,
				Actor:         input.Actor,
				Note:          input.Note,
			})
			if err != nil {
				if pkgerrors.IsCode(err, pkgerrors.CodeStorageUnavailable) {
					return retry.RetryableError(err)
				}
				return err
			}
			in = entry
			return nil
		})
	})
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeTransferPartialFailure, err, "destination leg failed").
			WithDetails(map[string]any{"attempts": attempts})
	}
	return out, in, nil
}

// compensate rolls both legs back to the savepoint and records the failure in
// the same transaction. An error here leaves the transaction to roll back as a
// whole and stays TRANSFER_PARTIAL_FAILURE.
func (s *service) compensate(ctx context.Context, tx *gorm.DB, input TransferInput, transferID uuid.UUID, decision *idempotency.Decision, partial *pkgerrors.Error) (*legFailure, error) {
	attempts := 0
	if details, ok := partial.Details().(map[string]any); ok {
		attempts, _ = details["attempts"].(int)
	}
	failure := &legFailure{transferID: transferID, attempts: attempts, cause: partial.Unwrap()}

	if err := tx.RollbackTo(legsSavepoint).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTransferPartialFailure, err, "roll back transfer legs")
	}
	if err := s.registry.Abandon(ctx, tx, decision); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTransferPartialFailure, err, "abandon transfer key")
	}
	reason := "destination write failed"
	if failure.cause != nil {
		reason = failure.cause.Error()
	}
	if err := s.emit(ctx, tx, enums.EventStockTransferFailed, transferID, input, payloads.StockTransferFailedEvent{
		TransferID:         transferID,
		BusinessID:         input.BusinessID,
		ProductID:          input.ProductID,
		CompositeVariantID: input.VariantID,
		FromOutletID:       input.FromOutletID,
		ToOutletID:         input.ToOutletID,
		Quantity:           input.Quantity,
		Attempts:           attempts,
		Reason:             reason,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTransferPartialFailure, err, "record transfer failure")
	}
	return failure, nil
}

func (s *service) GetTransfer(ctx context.Context, businessID, transferID uuid.UUID) (*Record, error) {
	outs, err := s.ledger.EntriesByReference(ctx, businessID, enums.ReferenceTransferOut, transferID)
	if err != nil {
		return nil, err
	}
	ins, err := s.ledger.EntriesByReference(ctx, businessID, enums.ReferenceTransferIn, transferID)
	if err != nil {
		return nil, err
	}
	if len(outs) == 0 || len(ins) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transfer not found").
			WithDetails(map[string]any{"transfer_id": transferID.String()})
	}
	out, in := outs[0], ins[0]
	return &Record{
		TransferID:   transferID,
		BusinessID:   businessID,
		ProductID:    out.Scope.ProductID,
		VariantID:    out.Scope.VariantID,
		FromOutletID: out.Scope.OutletID,
		ToOutletID:   in.Scope.OutletID,
		Quantity:     in.QuantityDelta,
		OutEntryID:   out.ID,
		InEntryID:    in.ID,
		CreatedAt:    out.CreatedAt,
	}, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, transferID uuid.UUID, input TransferInput, data any) error {
	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateStockTransfer,
		AggregateID:   transferID,
		BusinessID:    input.BusinessID,
		Actor:         ledger.ActorRef(input.Actor),
		Data:          data,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "queue transfer event").WithDetails(transferDetails(input))
	}
	return nil
}

func transferDetails(input TransferInput) map[string]any {
	details := map[string]any{
		"business_id":    input.BusinessID.String(),
		"from_outlet_id": input.FromOutletID.String(),
		"to_outlet_id":   input.ToOutletID.String(),
		"product_id":     input.ProductID.String(),
		"quantity":       input.Quantity.String(),
	}
	if input.VariantID != nil {
		details["composite_variant_id"] = input.VariantID.String()
	}
	return details
}
