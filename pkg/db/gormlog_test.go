package db

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/stockledger/pkg/logger"
)

func TestQueryLogReportsFailuresAndSlowStatements(t *testing.T) {
	buf := &bytes.Buffer{}
	qlog := newQueryLog(logger.New(logger.Options{ServiceName: "db-test", Output: buf, Format: "json"}), 50*time.Millisecond)
	stmt := func() (string, int64) { return "SELECT 1", 1 }
	ctx := context.Background()

	qlog.Trace(ctx, time.Now(), stmt, gorm.ErrRecordNotFound)
	qlog.Trace(ctx, time.Now(), stmt, nil)
	if buf.Len() != 0 {
		t.Fatalf("fast and not-found statements should be silent: %s", buf.String())
	}

	qlog.Trace(ctx, time.Now(), stmt, errors.New("relation does not exist"))
	if !strings.Contains(buf.String(), "sql statement failed") || !strings.Contains(buf.String(), "SELECT 1") {
		t.Fatalf("expected failed statement log, got %s", buf.String())
	}

	buf.Reset()
	qlog.Trace(ctx, time.Now().Add(-time.Second), stmt, nil)
	if !strings.Contains(buf.String(), "slow sql statement") {
		t.Fatalf("expected slow statement log, got %s", buf.String())
	}

	buf.Reset()
	qlog.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), stmt, errors.New("ignored"))
	if buf.Len() != 0 {
		t.Fatalf("silent mode should not log")
	}
}

func TestQueryLogWithoutLoggerDiscards(t *testing.T) {
	if newQueryLog(nil, time.Second) != gormlogger.Discard {
		t.Fatalf("nil logger should fall back to the discard logger")
	}
}
