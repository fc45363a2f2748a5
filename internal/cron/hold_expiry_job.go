package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/stockledger/pkg/logger"
)

type holdExpirer interface {
	ExpireHolds(ctx context.Context, now time.Time) (int, error)
}

type HoldExpiryJobParams struct {
	Logger *logger.Logger
	Holds  holdExpirer
}

// NewHoldExpiryJob moves placed holds past their expiry to EXPIRED each cycle.
func NewHoldExpiryJob(params HoldExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Holds == nil {
		return nil, fmt.Errorf("hold service required")
	}
	return &holdExpiryJob{logg: params.Logger, holds: params.Holds, now: time.Now}, nil
}

type holdExpiryJob struct {
	logg  *logger.Logger
	holds holdExpirer
	now   func() time.Time
}

func (j *holdExpiryJob) Name() string { return "hold-expiry" }

func (j *holdExpiryJob) Run(ctx context.Context) error {
	expired, err := j.holds.ExpireHolds(ctx, j.now().UTC())
	logCtx := j.logg.WithField(ctx, "holds_expired", expired)
	if err != nil {
		return fmt.Errorf("expire holds: %w", err)
	}
	j.logg.Info(logCtx, "hold expiry sweep complete")
	return nil
}
