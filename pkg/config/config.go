package config

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Inventory    InventoryConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

// Load reads the environment and reports every invalid setting at once.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	err := multierr.Combine(
		cfg.DB.resolveDSN(),
		cfg.Inventory.check(),
		cfg.Outbox.check(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STOCKLEDGER_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"STOCKLEDGER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STOCKLEDGER_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"STOCKLEDGER_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"STOCKLEDGER_SERVICE_KIND" default:"sweeper"`
}

type DBConfig struct {
	DSN    string `envconfig:"STOCKLEDGER_DB_DSN"`
	Driver string `envconfig:"STOCKLEDGER_DB_DRIVER" default:"postgres"`

	// Discrete connection parts, used only when DSN is empty.
	Host     string `envconfig:"STOCKLEDGER_DB_HOST"`
	Port     int    `envconfig:"STOCKLEDGER_DB_PORT" default:"5432"`
	User     string `envconfig:"STOCKLEDGER_DB_USER"`
	Password string `envconfig:"STOCKLEDGER_DB_PASSWORD"`
	Name     string `envconfig:"STOCKLEDGER_DB_NAME"`
	SSLMode  string `envconfig:"STOCKLEDGER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STOCKLEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOCKLEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOCKLEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOCKLEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	// TxRetries re-runs transactions that fail with a transient error.
	TxRetries int           `envconfig:"STOCKLEDGER_DB_TX_RETRIES" default:"2"`
	SlowQuery time.Duration `envconfig:"STOCKLEDGER_DB_SLOW_QUERY" default:"250ms"`
}

// IsSQLite reports whether the sqlite driver is selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"STOCKLEDGER_REDIS_URL"`
	Address      string        `envconfig:"STOCKLEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"STOCKLEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOCKLEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOCKLEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOCKLEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOCKLEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOCKLEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOCKLEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Configured reports whether any redis endpoint was provided.
func (r RedisConfig) Configured() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type FeatureFlagsConfig struct {
	AutoMigrate      bool `envconfig:"STOCKLEDGER_AUTO_MIGRATE" default:"false"`
	IdempotencyCache bool `envconfig:"STOCKLEDGER_IDEMPOTENCY_CACHE" default:"true"`
	StockSnapshots   bool `envconfig:"STOCKLEDGER_STOCK_SNAPSHOTS" default:"true"`
}

type InventoryConfig struct {
	DefaultHoldTTL        time.Duration `envconfig:"STOCKLEDGER_HOLD_DEFAULT_TTL" default:"15m"`
	IdempotencyPendingTTL time.Duration `envconfig:"STOCKLEDGER_IDEMPOTENCY_PENDING_TTL" default:"30s"`
	IdempotencyRetention  time.Duration `envconfig:"STOCKLEDGER_IDEMPOTENCY_RETENTION" default:"720h"`
	IdempotencyCacheTTL   time.Duration `envconfig:"STOCKLEDGER_IDEMPOTENCY_CACHE_TTL" default:"24h"`
	SweepBatchSize        int           `envconfig:"STOCKLEDGER_HOLD_SWEEP_BATCH_SIZE" default:"200"`
	SnapshotBatchSize     int           `envconfig:"STOCKLEDGER_SNAPSHOT_BATCH_SIZE" default:"500"`
	SchedulerInterval     time.Duration `envconfig:"STOCKLEDGER_SCHEDULER_INTERVAL" default:"1m"`
	SchedulerLockTTL      time.Duration `envconfig:"STOCKLEDGER_SCHEDULER_LOCK_TTL" default:"5m"`
	TransferRetries       uint64        `envconfig:"STOCKLEDGER_TRANSFER_RETRIES" default:"3"`
	TransferRetryBase     time.Duration `envconfig:"STOCKLEDGER_TRANSFER_RETRY_BASE" default:"50ms"`
	// NoteKey is a base64 encoded 32 byte key. Empty stores notes in clear text.
	NoteKey string `envconfig:"STOCKLEDGER_NOTE_KEY"`
}

func (i InventoryConfig) check() error {
	var errs error
	if i.DefaultHoldTTL <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be positive", EnvHoldDefaultTTL))
	}
	if i.SweepBatchSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be positive", EnvHoldSweepBatchSize))
	}
	if i.IdempotencyPendingTTL <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be positive", EnvIdempotencyPendingTTL))
	}
	if i.IdempotencyRetention < i.IdempotencyCacheTTL {
		errs = multierr.Append(errs, fmt.Errorf("%s must not exceed %s", EnvIdempotencyCacheTTL, EnvIdempotencyRetention))
	}
	if i.TransferRetries == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be positive", EnvTransferRetries))
	}
	if i.TransferRetryBase <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be positive", EnvTransferRetryBase))
	}
	return errs
}

type GCPConfig struct {
	ProjectID string `envconfig:"STOCKLEDGER_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	StockTopic        string `envconfig:"STOCKLEDGER_PUBSUB_STOCK_TOPIC" default:"stock-events"`
	StockSubscription string `envconfig:"STOCKLEDGER_PUBSUB_STOCK_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"STOCKLEDGER_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"STOCKLEDGER_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"STOCKLEDGER_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"STOCKLEDGER_OUTBOX_RETENTION_DAYS" default:"30"`
}

func (o OutboxConfig) check() error {
	var errs error
	if o.BatchSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be positive", EnvOutboxBatchSize))
	}
	if o.MaxAttempts <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be positive", EnvOutboxMaxAttempts))
	}
	return errs
}

// resolveDSN fills DSN from the discrete postgres parts when it is unset.
func (db *DBConfig) resolveDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	var missing []string
	for env, value := range map[string]string{EnvDBHost: db.Host, EnvDBUser: db.User, EnvDBName: db.Name} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%s or all of %s required", EnvDBDSN, strings.Join(missing, ", "))
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.User(db.User),
		Host:   net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
		Path:   db.Name,
	}
	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	}
	if db.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {db.SSLMode}}.Encode()
	}
	db.DSN = u.String()
	return nil
}
