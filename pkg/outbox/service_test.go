package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/db/dbtest"
	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
	"github.com/angelmondragon/stockledger/pkg/logger"
	"github.com/angelmondragon/stockledger/pkg/outbox"
)

func TestEmitQueuesEnvelopeInTransaction(t *testing.T) {
	client := dbtest.Open(t)
	repo := outbox.NewRepository(client.DB())
	svc := outbox.NewService(repo, logger.Nop())
	ctx := context.Background()
	aggregate := uuid.New()
	business := uuid.New()
	user := uuid.New()

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventHoldPlaced,
			AggregateType: enums.AggregateStockHold,
			AggregateID:   aggregate,
			BusinessID:    business,
			Actor:         &outbox.ActorRef{UserID: &user},
			Data:          map[string]string{"hold_id": aggregate.String()},
		})
	})
	require.NoError(t, err)

	rows, err := repo.ListByAggregate(ctx, nil, aggregate)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	assert.Equal(t, outbox.EnvelopeVersion, envelope.Version)
	assert.Equal(t, business, envelope.BusinessID)
	assert.NotEmpty(t, envelope.EventID)
	require.NotNil(t, envelope.Actor)
	assert.Equal(t, user, *envelope.Actor.UserID)
	assert.JSONEq(t, `{"hold_id":"`+aggregate.String()+`"}`, string(envelope.Data))
}

func TestEmitRollsBackWithTransaction(t *testing.T) {
	client := dbtest.Open(t)
	repo := outbox.NewRepository(client.DB())
	svc := outbox.NewService(repo, nil)
	ctx := context.Background()
	aggregate := uuid.New()
	boom := errors.New("boom")

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := svc.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventStockChanged,
			AggregateType: enums.AggregateStockScope,
			AggregateID:   aggregate,
			Data:          map[string]int{"delta": 1},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := repo.ListByAggregate(ctx, nil, aggregate)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEmitRejectsUnknownTypesAndMissingTx(t *testing.T) {
	svc := outbox.NewService(outbox.NewRepository(nil), nil)
	ctx := context.Background()
	assert.ErrorIs(t, svc.Emit(ctx, nil, outbox.DomainEvent{}), outbox.ErrTxRequired)

	client := dbtest.Open(t)
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, outbox.DomainEvent{EventType: "nope", AggregateType: enums.AggregateStockHold, AggregateID: uuid.New()})
	})
	assert.ErrorIs(t, err, outbox.ErrUnknownEventType)

	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, outbox.DomainEvent{EventType: enums.EventHoldPlaced, AggregateType: enums.AggregateStockHold})
	})
	assert.ErrorIs(t, err, outbox.ErrMissingAggregate)
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	client := dbtest.Open(t)
	repo := outbox.NewRepository(client.DB())
	ctx := context.Background()
	db := client.DB()

	first := models.OutboxEvent{EventType: enums.EventStockChanged, AggregateType: enums.AggregateStockScope, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`)}
	second := models.OutboxEvent{EventType: enums.EventStockChanged, AggregateType: enums.AggregateStockScope, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`)}
	require.NoError(t, repo.Insert(db, &first))
	require.NoError(t, repo.Insert(db, &second))

	rows, err := repo.FetchUnpublishedForPublish(db, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, repo.MarkPublishedTx(db, first.ID))
	require.NoError(t, repo.MarkFailedTx(db, second.ID, errors.New("unavailable")))

	rows, err = repo.FetchUnpublishedForPublish(db, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].AttemptCount)
	require.NotNil(t, rows[0].LastError)
	assert.Equal(t, "unavailable", *rows[0].LastError)

	require.NoError(t, repo.MarkTerminalTx(db, second.ID, errors.New("gave up"), 3))
	rows, err = repo.FetchUnpublishedForPublish(db, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, rows)

	deleted, err := repo.DeletePublishedBefore(ctx, nil, time.Now().UTC().Add(time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestMarkFailedTruncatesLongErrors(t *testing.T) {
	client := dbtest.Open(t)
	repo := outbox.NewRepository(client.DB())
	db := client.DB()

	row := models.OutboxEvent{EventType: enums.EventStockChanged, AggregateType: enums.AggregateStockScope, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`)}
	require.NoError(t, repo.Insert(db, &row))
	long := strings.Repeat("é", 1000)
	require.NoError(t, repo.MarkFailedTx(db, row.ID, errors.New(long)))

	rows, err := repo.ListByAggregate(context.Background(), nil, row.AggregateID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].LastError)
	assert.LessOrEqual(t, len(*rows[0].LastError), 1024)
	assert.True(t, utf8.ValidString(*rows[0].LastError))
}
