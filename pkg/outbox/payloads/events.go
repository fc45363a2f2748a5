package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/stockledger/pkg/enums"
	"github.com/angelmondragon/stockledger/pkg/types"
)

// StockChangedEvent is emitted for every ledger entry appended outside of hold
// capture and transfers.
type StockChangedEvent struct {
	types.Scope
	EntryID       uuid.UUID           `json:"entry_id"`
	ReferenceType enums.ReferenceType `json:"reference_type"`
	ReferenceID   *uuid.UUID          `json:"reference_id,omitempty"`
	QuantityDelta decimal.Decimal     `json:"quantity_delta"`
}

// HoldEvent carries a hold transition.
type HoldEvent struct {
	types.Scope
	HoldID              uuid.UUID        `json:"hold_id"`
	Quantity            decimal.Decimal  `json:"quantity"`
	Status              enums.HoldStatus `json:"status"`
	ExpiresAt           time.Time        `json:"expires_at"`
	Reason              string           `json:"reason,omitempty"`
	CapturedEntryID     *uuid.UUID       `json:"captured_entry_id,omitempty"`
	CapturedReferenceID *uuid.UUID       `json:"captured_reference_id,omitempty"`
}

// StockTransferredEvent is emitted once both legs of a transfer are written.
type StockTransferredEvent struct {
	TransferID         uuid.UUID       `json:"transfer_id"`
	BusinessID         uuid.UUID       `json:"business_id"`
	ProductID          uuid.UUID       `json:"product_id"`
	CompositeVariantID *uuid.UUID      `json:"composite_variant_id,omitempty"`
	FromOutletID       uuid.UUID       `json:"from_outlet_id"`
	ToOutletID         uuid.UUID       `json:"to_outlet_id"`
	Quantity           decimal.Decimal `json:"quantity"`
	OutEntryID         uuid.UUID       `json:"out_entry_id"`
	InEntryID          uuid.UUID       `json:"in_entry_id"`
}

// StockTransferFailedEvent is emitted when a transfer is compensated and
// neither leg remains in the ledger.
type StockTransferFailedEvent struct {
	TransferID         uuid.UUID       `json:"transfer_id"`
	BusinessID         uuid.UUID       `json:"business_id"`
	ProductID          uuid.UUID       `json:"product_id"`
	CompositeVariantID *uuid.UUID      `json:"composite_variant_id,omitempty"`
	FromOutletID       uuid.UUID       `json:"from_outlet_id"`
	ToOutletID         uuid.UUID       `json:"to_outlet_id"`
	Quantity           decimal.Decimal `json:"quantity"`
	Attempts           int             `json:"attempts"`
	Reason             string          `json:"reason"`
}
