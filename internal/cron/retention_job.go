package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/logger"
)

const (
	defaultOutboxRetention       = 30 * 24 * time.Hour
	defaultOutboxMinAttempts     = 10
	defaultIdempotencyPurgeBatch = 1000
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// purgeFunc deletes rows that are no longer needed as of now and reports how
// many went.
type purgeFunc func(ctx context.Context, tx *gorm.DB, now time.Time) (int64, error)

// retentionJob runs one purge per cycle inside a single transaction.
type retentionJob struct {
	name   string
	logg   *logger.Logger
	db     txRunner
	purge  purgeFunc
	fields map[string]any
	now    func() time.Time
}

func (j *retentionJob) Name() string { return j.name }

func (j *retentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var deleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		n, err := j.purge(ctx, tx, now)
		deleted = n
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	logCtx := j.logg.WithFields(ctx, j.fields)
	logCtx = j.logg.WithField(logCtx, "rows_deleted", deleted)
	j.logg.Info(logCtx, "retention cleanup complete")
	return nil
}

type outboxPurger interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error)
}

// OutboxRetentionJobParams configures removal of published and dead outbox
// rows. MinAttempts should match the publisher's max attempts so rows still
// being retried are kept.
type OutboxRetentionJobParams struct {
	Logger        *logger.Logger
	DB            txRunner
	Repository    outboxPurger
	RetentionDays int
	MinAttempts   int
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	retention := time.Duration(params.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = defaultOutboxRetention
	}
	minAttempts := params.MinAttempts
	if minAttempts <= 0 {
		minAttempts = defaultOutboxMinAttempts
	}
	repo := params.Repository
	return newRetentionJob("outbox-retention", params.Logger, params.DB,
		func(ctx context.Context, tx *gorm.DB, now time.Time) (int64, error) {
			return repo.DeletePublishedBefore(ctx, tx, now.Add(-retention), minAttempts)
		},
		map[string]any{"retention": retention.String(), "min_attempts": minAttempts},
	)
}

type idempotencyPurger interface {
	PurgeExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) (int64, error)
}

type IdempotencyRetentionJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Registry  idempotencyPurger
	BatchSize int
}

// NewIdempotencyRetentionJob deletes committed keys past retention and
// reservations left pending by crashed writers.
func NewIdempotencyRetentionJob(params IdempotencyRetentionJobParams) (Job, error) {
	if params.Registry == nil {
		return nil, fmt.Errorf("idempotency registry required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultIdempotencyPurgeBatch
	}
	registry := params.Registry
	return newRetentionJob("idempotency-retention", params.Logger, params.DB,
		func(ctx context.Context, tx *gorm.DB, now time.Time) (int64, error) {
			return registry.PurgeExpired(ctx, tx, now, batch)
		},
		map[string]any{"batch_size": batch},
	)
}

func newRetentionJob(name string, logg *logger.Logger, db txRunner, purge purgeFunc, fields map[string]any) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if db == nil {
		return nil, fmt.Errorf("db runner required")
	}
	return &retentionJob{
		name:   name,
		logg:   logg,
		db:     db,
		purge:  purge,
		fields: fields,
		now:    time.Now,
	}, nil
}
