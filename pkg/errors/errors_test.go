package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestMetadataFor(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
		details   bool
		internal  bool
	}{
		{code: CodeValidation, details: true},
		{code: CodeInvalidScope, details: true},
		{code: CodeInvalidQuantity, details: true},
		{code: CodeSameOutlet, details: true},
		{code: CodeInsufficientStock, details: true},
		{code: CodeHoldExpired, details: true},
		{code: CodeInvalidHoldState, details: true},
		{code: CodeIdempotencyConflict, details: true},
		{code: CodeTransferPartialFailure, retryable: true, internal: true},
		{code: CodeStorageUnavailable, retryable: true, details: true},
		{code: CodeNotFound},
		{code: CodeInternal, retryable: true},
		{code: "SOMETHING_UNKNOWN", retryable: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			meta := MetadataFor(tt.code)
			require.Equal(t, tt.retryable, meta.Retryable)
			require.Equal(t, tt.details, meta.DetailsAllowed)
			require.Equal(t, tt.internal, meta.Internal)
			require.NotEmpty(t, meta.PublicMessage)
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeInvalidQuantity, "quantity must be non-zero")
	require.Equal(t, CodeInvalidQuantity, base.Code())
	require.Nil(t, base.Details())
	require.Equal(t, "INVALID_QUANTITY: quantity must be non-zero", base.Error())

	base.WithDetails(map[string]any{"quantity": "0"})
	require.NotNil(t, base.Details())

	cause := stdErrors.New("connection reset")
	wrapped := Wrap(CodeStorageUnavailable, cause, "append ledger entry")
	require.ErrorIs(t, wrapped, cause)
	require.Equal(t, "STORAGE_UNAVAILABLE: append ledger entry: connection reset", wrapped.Error())

	var nilErr *Error
	require.Equal(t, CodeInternal, nilErr.Code())
	require.Nil(t, nilErr.WithDetails("x"))
}

func TestAsAndIsCode(t *testing.T) {
	err := fmt.Errorf("place hold: %w", New(CodeInsufficientStock, "not enough"))
	require.Equal(t, CodeInsufficientStock, As(err).Code())
	require.True(t, IsCode(err, CodeInsufficientStock))
	require.False(t, IsCode(err, CodeNotFound))
	require.Nil(t, As(nil))
	require.Nil(t, As(stdErrors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.True(t, IsRetryable(Wrap(CodeStorageUnavailable, stdErrors.New("timeout"), "read stock")))
	require.False(t, IsRetryable(New(CodeHoldExpired, "hold has expired")))
	require.True(t, IsRetryable(stdErrors.New("untyped")))
}

func TestPublicHidesInternalCodesAndCauses(t *testing.T) {
	partial := Wrap(CodeTransferPartialFailure, stdErrors.New("deadlock detected"), "destination write failed")
	require.Equal(t, CodeInternal, Public(partial).Code())

	untyped := Public(stdErrors.New("sql: database is closed"))
	require.Equal(t, CodeInternal, untyped.Code())
	require.Nil(t, untyped.Unwrap())

	shortfall := Wrap(CodeInsufficientStock, stdErrors.New("raw"), "insufficient stock").
		WithDetails(map[string]any{"shortfall": "1"})
	public := Public(shortfall)
	require.Equal(t, CodeInsufficientStock, public.Code())
	require.NotNil(t, public.Details())
	require.Nil(t, public.Unwrap())

	notFound := New(CodeNotFound, "hold not found").WithDetails(map[string]any{"hold_id": "x"})
	require.Nil(t, Public(notFound).Details())
	require.Nil(t, Public(nil))
}

func TestDumpFlattensChain(t *testing.T) {
	require.Equal(t, Diagnostic{}, Dump(nil))

	pgErr := &pgconn.PgError{Code: "40001", Message: "could not serialize access", TableName: "stock_ledger_entries"}
	err := fmt.Errorf("transfer: %w", Wrap(CodeTransferPartialFailure, pgErr, "destination leg failed"))

	d := Dump(err)
	require.Equal(t, CodeTransferPartialFailure, d.Code)
	require.True(t, d.Retryable)
	require.Len(t, d.Chain, 3)
	require.Equal(t, "TRANSFER_PARTIAL_FAILURE: destination leg failed", d.Chain[1])
	require.NotNil(t, d.Postgres)
	require.Equal(t, "40001", d.Postgres.SQLState)
	require.Equal(t, "stock_ledger_entries", d.Postgres.Table)
	require.Empty(t, d.SQLite)
}

func TestDumpFollowsJoinedErrors(t *testing.T) {
	joined := stdErrors.Join(stdErrors.New("SQLITE_BUSY: database is locked"), stdErrors.New("second"))
	d := Dump(Wrap(CodeStorageUnavailable, joined, "append entry"))
	require.Len(t, d.Chain, 3)
	require.Contains(t, d.SQLite, "SQLITE_BUSY")
	require.Nil(t, d.Postgres)
}
