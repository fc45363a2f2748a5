package enums

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateStockHold     OutboxAggregateType = "stock_hold"
	AggregateStockScope    OutboxAggregateType = "stock_scope"
	AggregateStockTransfer OutboxAggregateType = "stock_transfer"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateStockHold,
	AggregateStockScope,
	AggregateStockTransfer,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventStockChanged        OutboxEventType = "stock_changed"
	EventHoldPlaced          OutboxEventType = "hold_placed"
	EventHoldCaptured        OutboxEventType = "hold_captured"
	EventHoldReleased        OutboxEventType = "hold_released"
	EventHoldExpired         OutboxEventType = "hold_expired"
	EventStockTransferred    OutboxEventType = "stock_transferred"
	EventStockTransferFailed OutboxEventType = "stock_transfer_failed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventStockChanged,
	EventHoldPlaced,
	EventHoldCaptured,
	EventHoldReleased,
	EventHoldExpired,
	EventStockTransferred,
	EventStockTransferFailed,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}
