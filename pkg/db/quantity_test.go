package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type quantityRow struct {
	ID       int
	Bucket   string
	Quantity decimal.Decimal `gorm:"type:numeric(18,4)"`
}

func TestSumQuantityIsExactOnSQLite(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:qty_"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&quantityRow{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, v := range []string{"0.1", "0.2", "-0.3", "1.2345", "-1.2345"} {
		if err := conn.Create(&quantityRow{Bucket: "a", Quantity: decimal.RequireFromString(v)}).Error; err != nil {
			t.Fatalf("insert %s: %v", v, err)
		}
	}
	if err := conn.Create(&quantityRow{Bucket: "b", Quantity: decimal.RequireFromString("2.0005")}).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	var row struct{ Total decimal.NullDecimal }
	err = conn.Model(&quantityRow{}).Select(SumQuantity(conn, "quantity")+" AS total").Where("bucket = ?", "a").Scan(&row).Error
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if got := ScannedSum(conn, row.Total.Decimal); !got.IsZero() {
		t.Fatalf("expected exact zero, got %s", got)
	}

	var rows []struct {
		Bucket string
		Total  decimal.NullDecimal
	}
	err = conn.Model(&quantityRow{}).Select("bucket, " + SumQuantity(conn, "quantity") + " AS total").Group("bucket").Order("bucket").Scan(&rows).Error
	if err != nil {
		t.Fatalf("grouped sum: %v", err)
	}
	if len(rows) != 2 || !ScannedSum(conn, rows[1].Total.Decimal).Equal(decimal.RequireFromString("2.0005")) {
		t.Fatalf("unexpected grouped totals: %+v", rows)
	}

	err = conn.Model(&quantityRow{}).Select(SumQuantity(conn, "quantity")+" AS total").Where("bucket = ?", "none").Scan(&row).Error
	if err != nil || !ScannedSum(conn, row.Total.Decimal).IsZero() {
		t.Fatalf("empty sum should be zero: %v %s", err, row.Total.Decimal)
	}
}

func TestFitsQuantityScale(t *testing.T) {
	cases := map[string]bool{
		"1":          true,
		"1.2345":     true,
		"1.23450000": true,
		"-0.0001":    true,
		"1.23456":    false,
		"0.00001":    false,
	}
	for value, want := range cases {
		if got := FitsQuantityScale(decimal.RequireFromString(value)); got != want {
			t.Fatalf("%s: expected %v got %v", value, want, got)
		}
	}
}

func TestReadTxOptionsByDriver(t *testing.T) {
	if opts := readTxOptions(newTestDB(t)); opts != nil {
		t.Fatalf("sqlite reads should use default options, got %+v", opts)
	}

	sqlDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()
	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("open postgres dialector: %v", err)
	}
	opts := readTxOptions(conn)
	if opts == nil || opts.Isolation != sql.LevelRepeatableRead || !opts.ReadOnly {
		t.Fatalf("postgres reads should be read-only repeatable read, got %+v", opts)
	}
}

func TestWithReadTxSeesCommittedRows(t *testing.T) {
	conn := newTestDB(t)
	client := FromConn(conn)
	if err := conn.Create(&testModel{Name: "visible"}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	var count int64
	err := client.WithReadTx(context.Background(), func(tx *gorm.DB) error {
		return tx.Model(&testModel{}).Count(&count).Error
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}
