package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/stockledger/pkg/enums"
	"github.com/angelmondragon/stockledger/pkg/types"
)

// Actor identifies who caused a stock movement.
type Actor struct {
	UserID  *uuid.UUID `json:"user_id,omitempty"`
	AgentID *uuid.UUID `json:"agent_id,omitempty"`
	AdminID *uuid.UUID `json:"admin_id,omitempty"`
}

// AppendInput is one signed movement to record.
type AppendInput struct {
	Scope         types.Scope
	QuantityDelta decimal.Decimal
	ReferenceType enums.ReferenceType
	ReferenceID   *uuid.UUID
	UnitCost      *decimal.Decimal
	Actor         Actor
	Note          string
}

// Entry is a ledger entry with its note opened.
type Entry struct {
	ID            uuid.UUID           `json:"id"`
	Scope         types.Scope         `json:"scope"`
	QuantityDelta decimal.Decimal     `json:"quantity_delta"`
	ReferenceType enums.ReferenceType `json:"reference_type"`
	ReferenceID   *uuid.UUID          `json:"reference_id,omitempty"`
	UnitCost      *decimal.Decimal    `json:"unit_cost,omitempty"`
	Actor         Actor               `json:"actor"`
	Note          string              `json:"note,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// HistoryEntry annotates an entry with the balance around it.
type HistoryEntry struct {
	Entry
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// StockChangeInput drives IncreaseStock and DecreaseStock. Quantity is always
// positive; the operation picks the sign.
type StockChangeInput struct {
	Scope          types.Scope         `json:"scope"`
	Quantity       decimal.Decimal     `json:"quantity"`
	ReferenceType  enums.ReferenceType `json:"reference_type" validate:"required"`
	ReferenceID    *uuid.UUID          `json:"reference_id,omitempty"`
	UnitCost       *decimal.Decimal    `json:"unit_cost,omitempty"`
	Actor          Actor               `json:"actor"`
	Note           string              `json:"note,omitempty" validate:"max=1000"`
	IdempotencyKey string              `json:"-" validate:"max=255"`
}

// AdjustInput carries a signed quantity for stock adjustments.
type AdjustInput struct {
	Scope          types.Scope
	Quantity       decimal.Decimal
	ReferenceType  enums.ReferenceType
	ReferenceID    *uuid.UUID
	UnitCost       *decimal.Decimal
	Actor          Actor
	Note           string
	IdempotencyKey string
}

// StockChangeResult is returned by direct stock changes and replayed verbatim
// for duplicate requests.
type StockChangeResult struct {
	EntryID  uuid.UUID       `json:"entry_id"`
	OnHand   decimal.Decimal `json:"on_hand"`
	Replayed bool            `json:"-"`
}
