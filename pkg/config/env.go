package config

const EnvPrefix = "STOCKLEDGER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	EnvAppEnv   = "STOCKLEDGER_APP_ENV"
	EnvLogLevel = "STOCKLEDGER_LOG_LEVEL"

	EnvDBDSN    = "STOCKLEDGER_DB_DSN"
	EnvDBDriver = "STOCKLEDGER_DB_DRIVER"
	EnvDBHost   = "STOCKLEDGER_DB_HOST"
	EnvDBUser   = "STOCKLEDGER_DB_USER"
	EnvDBName   = "STOCKLEDGER_DB_NAME"

	EnvRedisURL = "STOCKLEDGER_REDIS_URL"

	EnvHoldDefaultTTL        = "STOCKLEDGER_HOLD_DEFAULT_TTL"
	EnvHoldSweepBatchSize    = "STOCKLEDGER_HOLD_SWEEP_BATCH_SIZE"
	EnvIdempotencyPendingTTL = "STOCKLEDGER_IDEMPOTENCY_PENDING_TTL"
	EnvIdempotencyRetention  = "STOCKLEDGER_IDEMPOTENCY_RETENTION"
	EnvIdempotencyCacheTTL   = "STOCKLEDGER_IDEMPOTENCY_CACHE_TTL"
	EnvTransferRetries       = "STOCKLEDGER_TRANSFER_RETRIES"
	EnvTransferRetryBase     = "STOCKLEDGER_TRANSFER_RETRY_BASE"
	EnvNoteKey               = "STOCKLEDGER_NOTE_KEY"

	EnvGCPProjectID     = "STOCKLEDGER_GCP_PROJECT_ID"
	EnvPubSubStockTopic = "STOCKLEDGER_PUBSUB_STOCK_TOPIC"

	EnvOutboxBatchSize   = "STOCKLEDGER_OUTBOX_PUBLISH_BATCH_SIZE"
	EnvOutboxMaxAttempts = "STOCKLEDGER_OUTBOX_MAX_ATTEMPTS"
)
