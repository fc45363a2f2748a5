package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/logger"
)

type fakeHolds struct {
	at      time.Time
	expired int
	err     error
}

func (f *fakeHolds) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	f.at = now
	return f.expired, f.err
}

type fakeSnapshots struct {
	limit int
	err   error
}

func (f *fakeSnapshots) RefreshSnapshots(ctx context.Context, limit int) (int, error) {
	f.limit = limit
	return 3, f.err
}

type fakePurger struct {
	now   time.Time
	limit int
}

func (f *fakePurger) PurgeExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) (int64, error) {
	f.now = now
	f.limit = limit
	return 2, nil
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "scheduler-test"})
}

func TestHoldExpiryJobPassesClock(t *testing.T) {
	holds := &fakeHolds{expired: 4}
	jobIface, err := NewHoldExpiryJob(HoldExpiryJobParams{Logger: testLogger(), Holds: holds})
	if err != nil {
		t.Fatalf("NewHoldExpiryJob: %v", err)
	}
	job := jobIface.(*holdExpiryJob)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !holds.at.Equal(now) {
		t.Fatalf("expected sweep at %s, got %s", now, holds.at)
	}

	holds.err = errors.New("partial failure")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSnapshotJobUsesBatchSize(t *testing.T) {
	inventory := &fakeSnapshots{}
	job, err := NewSnapshotJob(SnapshotJobParams{Logger: testLogger(), Inventory: inventory})
	if err != nil {
		t.Fatalf("NewSnapshotJob: %v", err)
	}
	if job.Name() != "stock-snapshots" {
		t.Fatalf("unexpected name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if inventory.limit != defaultSnapshotBatch {
		t.Fatalf("expected default batch, got %d", inventory.limit)
	}
}

func TestIdempotencyRetentionJob(t *testing.T) {
	purger := &fakePurger{}
	jobIface, err := NewIdempotencyRetentionJob(IdempotencyRetentionJobParams{
		Logger:    testLogger(),
		DB:        passthroughTx{},
		Registry:  purger,
		BatchSize: 50,
	})
	if err != nil {
		t.Fatalf("NewIdempotencyRetentionJob: %v", err)
	}
	job := jobIface.(*retentionJob)
	if job.Name() != "idempotency-retention" {
		t.Fatalf("unexpected name %q", job.Name())
	}
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !purger.now.Equal(now) || purger.limit != 50 {
		t.Fatalf("unexpected purge call: %s %d", purger.now, purger.limit)
	}

	if _, err := NewIdempotencyRetentionJob(IdempotencyRetentionJobParams{Logger: testLogger(), DB: passthroughTx{}}); err == nil {
		t.Fatal("expected missing registry error")
	}
}

type fakeOutboxPurger struct {
	cutoff      time.Time
	minAttempts int
	err         error
}

func (f *fakeOutboxPurger) DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error) {
	f.cutoff = cutoff
	f.minAttempts = minAttemptCount
	return 7, f.err
}

func TestOutboxRetentionJobDefaults(t *testing.T) {
	purger := &fakeOutboxPurger{}
	jobIface, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     testLogger(),
		DB:         passthroughTx{},
		Repository: purger,
	})
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	job := jobIface.(*retentionJob)
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.Add(-defaultOutboxRetention); !purger.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, purger.cutoff)
	}
	if purger.minAttempts != defaultOutboxMinAttempts {
		t.Fatalf("expected min attempts %d, got %d", defaultOutboxMinAttempts, purger.minAttempts)
	}

	purger.err = errors.New("boom")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected purge error to propagate")
	}
}

func TestOutboxRetentionJobHonoursConfig(t *testing.T) {
	purger := &fakeOutboxPurger{}
	jobIface, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:        testLogger(),
		DB:            passthroughTx{},
		Repository:    purger,
		RetentionDays: 7,
		MinAttempts:   3,
	})
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	job := jobIface.(*retentionJob)
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.Add(-7 * 24 * time.Hour); !purger.cutoff.Equal(want) || purger.minAttempts != 3 {
		t.Fatalf("unexpected purge call: %s %d", purger.cutoff, purger.minAttempts)
	}

	if _, err := NewOutboxRetentionJob(OutboxRetentionJobParams{Logger: testLogger(), Repository: purger}); err == nil {
		t.Fatal("expected missing db runner error")
	}
}
