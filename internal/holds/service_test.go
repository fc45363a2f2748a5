package holds

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/stockledger/internal/idempotency"
	"github.com/angelmondragon/stockledger/internal/inventory"
	"github.com/angelmondragon/stockledger/internal/ledger"
	"github.com/angelmondragon/stockledger/pkg/db"
	"github.com/angelmondragon/stockledger/pkg/db/dbtest"
	"github.com/angelmondragon/stockledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockledger/pkg/errors"
	"github.com/angelmondragon/stockledger/pkg/outbox"
	"github.com/angelmondragon/stockledger/pkg/types"
)

type fixture struct {
	client    *db.Client
	ledger    ledger.Service
	inventory inventory.Service
	outbox    *outbox.Repository
	svc       *service
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.Open(t)
	registry, err := idempotency.NewRegistry(idempotency.NewRepository(client.DB()), nil, nil, nil, idempotency.Options{})
	require.NoError(t, err)
	outboxRepo := outbox.NewRepository(client.DB())
	publisher := outbox.NewService(outboxRepo, nil)
	ledgerRepo := ledger.NewRepository(client.DB())
	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		Tx:       client,
		Repo:     ledgerRepo,
		Registry: registry,
		Outbox:   publisher,
	})
	require.NoError(t, err)
	inventorySvc, err := inventory.NewService(inventory.ServiceParams{
		Tx:         client,
		Repo:       inventory.NewRepository(client.DB()),
		LedgerRepo: ledgerRepo,
	})
	require.NoError(t, err)
	built, err := NewService(ServiceParams{
		Tx:         client,
		Repo:       NewRepository(client.DB()),
		Ledger:     ledgerSvc,
		Inventory:  inventorySvc,
		Registry:   registry,
		Outbox:     publisher,
		DefaultTTL: 10 * time.Minute,
	})
	require.NoError(t, err)

	f := &fixture{
		client:    client,
		ledger:    ledgerSvc,
		inventory: inventorySvc,
		outbox:    outboxRepo,
		svc:       built.(*service),
		now:       time.Now().UTC().Truncate(time.Second),
	}
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) stock(t *testing.T, scope types.Scope, quantity int64) {
	t.Helper()
	_, err := f.ledger.Append(context.Background(), ledger.AppendInput{
		Scope:         scope,
		QuantityDelta: decimal.NewFromInt(quantity),
		ReferenceType: enums.ReferenceOpeningStock,
	})
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T, scope types.Scope) decimal.Decimal {
	t.Helper()
	available, err := f.inventory.AvailableStock(context.Background(), scope)
	require.NoError(t, err)
	return available
}

func (f *fixture) onHand(t *testing.T, scope types.Scope) decimal.Decimal {
	t.Helper()
	onHand, err := f.inventory.OnHand(context.Background(), scope)
	require.NoError(t, err)
	return onHand
}

func newScope() types.Scope {
	return types.Scope{BusinessID: uuid.New(), OutletID: uuid.New(), ProductID: uuid.New()}
}

func qty(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestPlaceHoldReducesAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := newScope()
	f.stock(t, scope, 10)

	placed, err := f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(6)})
	require.NoError(t, err)
	assert.Equal(t, enums.HoldStatusPlaced, placed.Hold.Status)
	assert.Equal(t, f.now.Add(10*time.Minute), placed.Hold.ExpiresAt)
	assert.True(t, f.available(t, scope).Equal(qty(4)))
	assert.True(t, f.onHand(t, scope).Equal(qty(10)), "placing a hold writes no ledger entry")

	_, err = f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(5)})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))
	details, ok := pkgerrors.As(err).Details().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1", details["shortfall"])

	released, err := f.svc.ReleaseHold(ctx, ReleaseInput{
		BusinessID: scope.BusinessID,
		HoldID:     placed.Hold.ID,
		Reason:     enums.ReleaseReasonCheckoutCanceled,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.HoldStatusReleased, released.Hold.Status)
	assert.Equal(t, "checkout_canceled", released.Hold.ReleaseReason)
	assert.True(t, f.available(t, scope).Equal(qty(10)))

	entries, err := f.ledger.EntriesByReference(ctx, scope.BusinessID, enums.ReferenceHoldRelease, placed.Hold.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPlaceHoldValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := newScope()

	_, err := f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(0)})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidQuantity))

	_, err = f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: decimal.RequireFromString("0.00001")})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidQuantity), "got %v", err)

	_, err = f.svc.PlaceHold(ctx, PlaceInput{Scope: types.Scope{BusinessID: scope.BusinessID}, Quantity: qty(1)})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidScope))

	_, err = f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(1)})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock), "no stock at all")
}

func TestConcurrentHoldsNeverOversell(t *testing.T) {
	f := newFixture(t)
	scope := newScope()
	f.stock(t, scope, 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.PlaceHold(context.Background(), PlaceInput{Scope: scope, Quantity: qty(6)})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.True(t, f.available(t, scope).Equal(qty(4)))
}

func TestCaptureHoldIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := newScope()
	f.stock(t, scope, 10)

	placed, err := f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(4), Reference: "cart-1"})
	require.NoError(t, err)

	sale := uuid.New()
	input := CaptureInput{BusinessID: scope.BusinessID, HoldID: placed.Hold.ID, SaleID: &sale, IdempotencyKey: "capture:" + placed.Hold.ID.String()}
	first, err := f.svc.CaptureHold(ctx, input)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, enums.HoldStatusCaptured, first.Hold.Status)
	require.NotNil(t, first.Hold.CapturedEntryID)
	assert.Equal(t, first.EntryID, *first.Hold.CapturedEntryID)

	second, err := f.svc.CaptureHold(ctx, input)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.EntryID, second.EntryID)

	entries, err := f.ledger.EntriesByReference(ctx, scope.BusinessID, enums.ReferenceHoldCapture, placed.Hold.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].QuantityDelta.Equal(qty(-4)))

	assert.True(t, f.onHand(t, scope).Equal(qty(6)))
	assert.True(t, f.available(t, scope).Equal(qty(6)), "captured holds no longer count as committed")

	other := uuid.New()
	_, err = f.svc.CaptureHold(ctx, CaptureInput{BusinessID: scope.BusinessID, HoldID: placed.Hold.ID, SaleID: &other, IdempotencyKey: input.IdempotencyKey})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotencyConflict))

	_, err = f.svc.CaptureHold(ctx, CaptureInput{BusinessID: scope.BusinessID, HoldID: placed.Hold.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidHoldState), "a fresh key cannot capture twice")

	events, err := f.outbox.ListByAggregate(ctx, nil, placed.Hold.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, enums.EventHoldPlaced, events[0].EventType)
	assert.Equal(t, enums.EventHoldCaptured, events[1].EventType)
}

func TestCaptureExpiredHoldBeforeSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := newScope()
	f.stock(t, scope, 5)

	placed, err := f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(2), TTL: time.Minute})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	_, err = f.svc.CaptureHold(ctx, CaptureInput{BusinessID: scope.BusinessID, HoldID: placed.Hold.ID})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeHoldExpired))
	assert.True(t, f.onHand(t, scope).Equal(qty(5)))

	_, err = f.svc.CaptureHold(ctx, CaptureInput{BusinessID: uuid.New(), HoldID: placed.Hold.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "holds are scoped to their business")
}

func TestExpireHoldsRestoresAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := newScope()
	f.stock(t, scope, 10)

	short, err := f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(3), TTL: time.Minute})
	require.NoError(t, err)
	long, err := f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(2), TTL: time.Hour})
	require.NoError(t, err)
	assert.True(t, f.available(t, scope).Equal(qty(5)))

	expired, err := f.svc.ExpireHolds(ctx, f.now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := f.svc.GetHold(ctx, scope.BusinessID, short.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.HoldStatusExpired, got.Status)
	assert.Equal(t, string(enums.ReleaseReasonExpired), got.ReleaseReason)
	require.NotNil(t, got.ExpiredAt)
	assert.True(t, f.available(t, scope).Equal(qty(8)))

	again, err := f.svc.ExpireHolds(ctx, f.now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, again, "sweeps are idempotent")

	active, err := f.svc.ListActiveHolds(ctx, scope)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, long.Hold.ID, active[0].ID)

	_, err = f.svc.ReleaseHold(ctx, ReleaseInput{BusinessID: scope.BusinessID, HoldID: short.Hold.ID, Reason: enums.ReleaseReasonManual})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidHoldState))
	_, err = f.svc.CaptureHold(ctx, CaptureInput{BusinessID: scope.BusinessID, HoldID: short.Hold.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeHoldExpired))
}

func TestReleaseHoldIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := newScope()
	f.stock(t, scope, 3)

	placed, err := f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(3), IdempotencyKey: "hold-1"})
	require.NoError(t, err)
	replayed, err := f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(3), IdempotencyKey: "hold-1"})
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, placed.Hold.ID, replayed.Hold.ID)

	input := ReleaseInput{BusinessID: scope.BusinessID, HoldID: placed.Hold.ID, Reason: enums.ReleaseReasonPaymentFailed, IdempotencyKey: "release-1"}
	_, err = f.svc.ReleaseHold(ctx, input)
	require.NoError(t, err)
	again, err := f.svc.ReleaseHold(ctx, input)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, enums.HoldStatusReleased, again.Hold.Status)

	_, err = f.svc.ReleaseHold(ctx, ReleaseInput{BusinessID: scope.BusinessID, HoldID: placed.Hold.ID, Reason: "lost"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestDerivedKeysReplayWithoutExplicitKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := newScope()
	f.stock(t, scope, 10)

	placeInput := PlaceInput{Scope: scope, Quantity: qty(2), Reference: "cart-9"}
	placed, err := f.svc.PlaceHold(ctx, placeInput)
	require.NoError(t, err)
	again, err := f.svc.PlaceHold(ctx, placeInput)
	require.NoError(t, err)
	assert.True(t, again.Replayed, "the cart reference derives the hold key")
	assert.Equal(t, placed.Hold.ID, again.Hold.ID)
	assert.True(t, f.available(t, scope).Equal(qty(8)))

	sale := uuid.New()
	captureInput := CaptureInput{BusinessID: scope.BusinessID, HoldID: placed.Hold.ID, SaleID: &sale}
	first, err := f.svc.CaptureHold(ctx, captureInput)
	require.NoError(t, err)
	second, err := f.svc.CaptureHold(ctx, captureInput)
	require.NoError(t, err)
	assert.True(t, second.Replayed, "the sale derives the capture key")
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.True(t, f.onHand(t, scope).Equal(qty(8)))

	other, err := f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(1)})
	require.NoError(t, err)
	releaseInput := ReleaseInput{BusinessID: scope.BusinessID, HoldID: other.Hold.ID, Reason: enums.ReleaseReasonCheckoutCanceled}
	_, err = f.svc.ReleaseHold(ctx, releaseInput)
	require.NoError(t, err)
	released, err := f.svc.ReleaseHold(ctx, releaseInput)
	require.NoError(t, err)
	assert.True(t, released.Replayed)
}

func TestExpireHoldsRecordsExpiryKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := newScope()
	f.stock(t, scope, 4)

	placed, err := f.svc.PlaceHold(ctx, PlaceInput{Scope: scope, Quantity: qty(4), TTL: time.Minute})
	require.NoError(t, err)
	expired, err := f.svc.ExpireHolds(ctx, f.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	key := idempotency.ExpiryReleaseKey(scope.BusinessID, placed.Hold.ID)
	record, err := idempotency.NewRepository(f.client.DB()).Find(ctx, scope.BusinessID, enums.OperationStockRelease, key.Key)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, enums.IdempotencyStateCommitted, record.State)

	events, err := f.outbox.ListByAggregate(ctx, nil, placed.Hold.ID)
	require.NoError(t, err)
	require.Len(t, events, 2, "placed and expired, no duplicate expiry")
}
