package enums

// IdempotencyOperation scopes idempotency keys per mutating operation.
type IdempotencyOperation string

const (
	OperationStockHold     IdempotencyOperation = "stock_hold"
	OperationStockCapture  IdempotencyOperation = "stock_capture"
	OperationStockRelease  IdempotencyOperation = "stock_release"
	OperationStockIncrease IdempotencyOperation = "stock_increase"
	OperationStockDecrease IdempotencyOperation = "stock_decrease"
	OperationStockTransfer IdempotencyOperation = "stock_transfer"
)

var validIdempotencyOperations = []IdempotencyOperation{
	OperationStockHold,
	OperationStockCapture,
	OperationStockRelease,
	OperationStockIncrease,
	OperationStockDecrease,
	OperationStockTransfer,
}

// IsValid reports whether the value is a known operation.
func (o IdempotencyOperation) IsValid() bool {
	for _, candidate := range validIdempotencyOperations {
		if candidate == o {
			return true
		}
	}
	return false
}

// IdempotencyState tracks whether a key is reserved or holds a final result.
type IdempotencyState string

const (
	IdempotencyStatePending   IdempotencyState = "PENDING"
	IdempotencyStateCommitted IdempotencyState = "COMMITTED"
)
