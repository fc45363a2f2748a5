package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/stockledger/pkg/logger"
)

const defaultSnapshotBatch = 500

type snapshotRefresher interface {
	RefreshSnapshots(ctx context.Context, limit int) (int, error)
}

type SnapshotJobParams struct {
	Logger    *logger.Logger
	Inventory snapshotRefresher
	BatchSize int
}

// NewSnapshotJob rolls stale stock snapshots forward.
func NewSnapshotJob(params SnapshotJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSnapshotBatch
	}
	return &snapshotJob{logg: params.Logger, inventory: params.Inventory, batch: batch}, nil
}

type snapshotJob struct {
	logg      *logger.Logger
	inventory snapshotRefresher
	batch     int
}

func (j *snapshotJob) Name() string { return "stock-snapshots" }

func (j *snapshotJob) Run(ctx context.Context) error {
	refreshed, err := j.inventory.RefreshSnapshots(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("refresh snapshots: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"snapshots_refreshed": refreshed,
		"batch_size":          j.batch,
	})
	j.logg.Info(logCtx, "stock snapshot refresh complete")
	return nil
}
