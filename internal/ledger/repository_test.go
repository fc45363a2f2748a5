package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/stockledger/pkg/types"
)

func TestLockScopesUpsertsInKeyOrder(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	a := types.Scope{BusinessID: uuid.New(), OutletID: uuid.New(), ProductID: uuid.New()}
	b := a.WithOutlet(uuid.New())
	ordered := types.SortScopes([]types.Scope{a, b})
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	stmt := regexp.QuoteMeta("INSERT INTO stock_scopes") + ".*" +
		regexp.QuoteMeta("ON CONFLICT (scope_key) DO UPDATE SET version = stock_scopes.version + 1")
	for _, scope := range ordered {
		mock.ExpectExec(stmt).
			WithArgs(scope.Key(), scope.BusinessID, scope.OutletID, scope.ProductID, nil, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	repo := NewRepository(conn)
	require.NoError(t, repo.LockScopes(context.Background(), []types.Scope{b, a, b}, now))
	require.NoError(t, mock.ExpectationsWereMet())
}
