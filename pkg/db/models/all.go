package models

// All lists every persisted model, in dependency order, for test schemas.
func All() []any {
	return []any{
		&StockScope{},
		&LedgerEntry{},
		&StockHold{},
		&IdempotencyRecord{},
		&StockSnapshot{},
		&OutboxEvent{},
	}
}
