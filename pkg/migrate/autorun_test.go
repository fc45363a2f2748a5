package migrate

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/stockledger/pkg/config"
	"github.com/angelmondragon/stockledger/pkg/db"
	"github.com/angelmondragon/stockledger/pkg/logger"
)

func TestMaybeRunDevBuildsSQLiteSchema(t *testing.T) {
	dsn := fmt.Sprintf("file:autorun_%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	client := db.FromConn(conn)

	cfg := &config.Config{
		App:          config.AppConfig{Env: config.AppEnvDev},
		DB:           config.DBConfig{Driver: config.DriverSQLite, DSN: dsn},
		FeatureFlags: config.FeatureFlagsConfig{AutoMigrate: true},
	}
	if err := MaybeRunDev(context.Background(), cfg, logger.Nop(), client); err != nil {
		t.Fatalf("auto-run: %v", err)
	}
	for _, table := range []string{"ledger_entries", "stock_holds", "idempotency_records", "stock_scopes", "stock_snapshots", "outbox_events"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}
}

func TestMaybeRunDevSkipsOutsideDev(t *testing.T) {
	cfg := &config.Config{
		App:          config.AppConfig{Env: config.AppEnvProd},
		FeatureFlags: config.FeatureFlagsConfig{AutoMigrate: true},
	}
	if err := MaybeRunDev(context.Background(), cfg, logger.Nop(), nil); err != nil {
		t.Fatalf("prod should skip migrations: %v", err)
	}
}
