package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/stockledger/internal/cron"
	"github.com/angelmondragon/stockledger/internal/holds"
	"github.com/angelmondragon/stockledger/internal/idempotency"
	"github.com/angelmondragon/stockledger/internal/inventory"
	"github.com/angelmondragon/stockledger/internal/ledger"
	"github.com/angelmondragon/stockledger/internal/transfers"
	"github.com/angelmondragon/stockledger/pkg/config"
	"github.com/angelmondragon/stockledger/pkg/db"
	"github.com/angelmondragon/stockledger/pkg/logger"
	"github.com/angelmondragon/stockledger/pkg/metrics"
	"github.com/angelmondragon/stockledger/pkg/outbox"
	"github.com/angelmondragon/stockledger/pkg/redis"
	"github.com/angelmondragon/stockledger/pkg/security"
)

type engine struct {
	registry  *idempotency.Registry
	ledger    ledger.Service
	inventory inventory.Service
	holds     holds.Service
	transfers transfers.Service
	outbox    *outbox.Repository
}

func buildEngine(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, reg prometheus.Registerer) (*engine, error) {
	inventoryMetrics := metrics.NewInventoryMetrics(reg)

	var cache redis.Cache
	if redisClient != nil && cfg.FeatureFlags.IdempotencyCache {
		cache = redisClient
	}
	registry, err := idempotency.NewRegistry(idempotency.NewRepository(dbClient.DB()), cache, logg, inventoryMetrics, idempotency.Options{
		PendingTTL: cfg.Inventory.IdempotencyPendingTTL,
		Retention:  cfg.Inventory.IdempotencyRetention,
		CacheTTL:   cfg.Inventory.IdempotencyCacheTTL,
	})
	if err != nil {
		return nil, err
	}

	notes, err := security.NewNoteCipher(cfg.Inventory.NoteKey)
	if err != nil {
		return nil, err
	}
	outboxRepo := outbox.NewRepository(dbClient.DB())
	publisher := outbox.NewService(outboxRepo, logg)
	ledgerRepo := ledger.NewRepository(dbClient.DB())
	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		Tx:       dbClient,
		Repo:     ledgerRepo,
		Registry: registry,
		Outbox:   publisher,
		Notes:    notes,
		Metrics:  inventoryMetrics,
		Logger:   logg,
	})
	if err != nil {
		return nil, err
	}
	inventorySvc, err := inventory.NewService(inventory.ServiceParams{
		Tx:           dbClient,
		Repo:         inventory.NewRepository(dbClient.DB()),
		LedgerRepo:   ledgerRepo,
		Metrics:      inventoryMetrics,
		Logger:       logg,
		UseSnapshots: cfg.FeatureFlags.StockSnapshots,
	})
	if err != nil {
		return nil, err
	}
	holdSvc, err := holds.NewService(holds.ServiceParams{
		Tx:             dbClient,
		Repo:           holds.NewRepository(dbClient.DB()),
		Ledger:         ledgerSvc,
		Inventory:      inventorySvc,
		Registry:       registry,
		Outbox:         publisher,
		Metrics:        inventoryMetrics,
		Logger:         logg,
		DefaultTTL:     cfg.Inventory.DefaultHoldTTL,
		SweepBatchSize: cfg.Inventory.SweepBatchSize,
	})
	if err != nil {
		return nil, err
	}
	transferSvc, err := transfers.NewService(transfers.ServiceParams{
		Tx:        dbClient,
		Ledger:    ledgerSvc,
		Inventory: inventorySvc,
		Registry:  registry,
		Outbox:    publisher,
		Metrics:   inventoryMetrics,
		Logger:    logg,
		Retries:   cfg.Inventory.TransferRetries,
		RetryBase: cfg.Inventory.TransferRetryBase,
	})
	if err != nil {
		return nil, err
	}
	return &engine{
		registry:  registry,
		ledger:    ledgerSvc,
		inventory: inventorySvc,
		holds:     holdSvc,
		transfers: transferSvc,
		outbox:    outboxRepo,
	}, nil
}

func buildJobs(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, e *engine) (*cron.Registry, error) {
	var jobs []cron.Job

	holdJob, err := cron.NewHoldExpiryJob(cron.HoldExpiryJobParams{Logger: logg, Holds: e.holds})
	if err != nil {
		return nil, err
	}
	jobs = append(jobs, holdJob)

	if cfg.FeatureFlags.StockSnapshots {
		snapshotJob, err := cron.NewSnapshotJob(cron.SnapshotJobParams{
			Logger:    logg,
			Inventory: e.inventory,
			BatchSize: cfg.Inventory.SnapshotBatchSize,
		})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, snapshotJob)
	}

	idempotencyJob, err := cron.NewIdempotencyRetentionJob(cron.IdempotencyRetentionJobParams{
		Logger:   logg,
		DB:       dbClient,
		Registry: e.registry,
	})
	if err != nil {
		return nil, err
	}
	jobs = append(jobs, idempotencyJob)

	outboxJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:        logg,
		DB:            dbClient,
		Repository:    e.outbox,
		RetentionDays: cfg.Outbox.RetentionDays,
		MinAttempts:   cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	jobs = append(jobs, outboxJob)

	return cron.NewRegistry(jobs...)
}
