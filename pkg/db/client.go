package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/config"
	"github.com/angelmondragon/stockledger/pkg/logger"
)

const defaultTxRetryBase = 20 * time.Millisecond

// Client owns the pooled gorm connection and the transaction helper every
// service writes through.
type Client struct {
	conn        *gorm.DB
	txRetries   uint64
	txRetryBase time.Duration
}

// Pinger exposes the health check surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New opens the configured driver and applies the pool settings.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	conn, err := gorm.Open(dialectorFor(cfg), &gorm.Config{
		Logger:                 newQueryLog(logg, cfg.SlowQuery),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}
	configurePool(sqlDB, cfg)

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"driver":     cfg.Driver,
			"tx_retries": cfg.TxRetries,
		}), "database connection established")
	}

	client := FromConn(conn)
	if cfg.TxRetries > 0 {
		client.txRetries = uint64(cfg.TxRetries)
	}
	return client, nil
}

// FromConn wraps an existing gorm handle without transaction retries.
func FromConn(conn *gorm.DB) *Client {
	return &Client{conn: conn, txRetryBase: defaultTxRetryBase}
}

// WithTxRetries returns a copy of the client that re-runs transactions
// failing with a transient error up to retries more times.
func (c *Client) WithTxRetries(retries uint64, base time.Duration) *Client {
	clone := *c
	clone.txRetries = retries
	if base > 0 {
		clone.txRetryBase = base
	}
	return &clone
}

func dialectorFor(cfg config.DBConfig) gorm.Dialector {
	if cfg.IsSQLite() {
		return sqlite.Open(cfg.DSN)
	}
	return postgres.New(postgres.Config{DSN: cfg.DSN, PreferSimpleProtocol: true})
}

func configurePool(sqlDB *sql.DB, cfg config.DBConfig) {
	if cfg.IsSQLite() {
		// one writer at a time keeps sqlite from returning SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func (c *Client) DB() *gorm.DB {
	return c.conn
}

func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in a transaction. An error or panic from fn rolls it back.
// Serialization failures, deadlocks and dropped connections re-run the whole
// transaction when retries are configured, so fn must not have effects
// outside the database that cannot be repeated.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return c.transact(ctx, fn, nil)
}

// WithReadTx runs fn in a read-only repeatable read transaction, so every
// statement in fn reads the same snapshot. sqlite transactions are already
// serializable and run with the default options.
func (c *Client) WithReadTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return c.transact(ctx, fn, readTxOptions(c.conn))
}

func readTxOptions(conn *gorm.DB) *sql.TxOptions {
	if isSQLite(conn) {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

func (c *Client) transact(ctx context.Context, fn func(tx *gorm.DB) error, opts *sql.TxOptions) error {
	run := func(ctx context.Context) error {
		if opts == nil {
			return c.conn.WithContext(ctx).Transaction(fn)
		}
		return c.conn.WithContext(ctx).Transaction(fn, opts)
	}
	if c.txRetries == 0 {
		return run(ctx)
	}
	backoff := retry.WithMaxRetries(c.txRetries, retry.NewExponential(c.txRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := run(ctx)
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
