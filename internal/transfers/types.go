package transfers

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/stockledger/internal/ledger"
	"github.com/angelmondragon/stockledger/pkg/types"
)

// TransferInput moves stock for one product between two outlets of the same
// business.
type TransferInput struct {
	BusinessID   uuid.UUID `validate:"required"`
	FromOutletID uuid.UUID `validate:"required"`
	ToOutletID   uuid.UUID `validate:"required"`
	ProductID    uuid.UUID `validate:"required"`
	VariantID    *uuid.UUID
	Quantity     decimal.Decimal
	Actor        ledger.Actor
	Note         string `validate:"max=1000"`
	// IdempotencyKey is optional; empty disables replay protection.
	IdempotencyKey string `validate:"max=255"`
}

func (in TransferInput) source() types.Scope {
	return types.Scope{
		BusinessID: in.BusinessID,
		OutletID:   in.FromOutletID,
		ProductID:  in.ProductID,
		VariantID:  in.VariantID,
	}
}

func (in TransferInput) destination() types.Scope {
	return in.source().WithOutlet(in.ToOutletID)
}

// TransferResult names the two ledger entries of a committed transfer.
type TransferResult struct {
	TransferID uuid.UUID `json:"transfer_id"`
	OutEntryID uuid.UUID `json:"out_entry_id"`
	InEntryID  uuid.UUID `json:"in_entry_id"`
	Replayed   bool      `json:"-"`
}

// Record is a transfer rebuilt from its TRANSFER_OUT and TRANSFER_IN entries.
type Record struct {
	TransferID   uuid.UUID       `json:"transfer_id"`
	BusinessID   uuid.UUID       `json:"business_id"`
	ProductID    uuid.UUID       `json:"product_id"`
	VariantID    *uuid.UUID      `json:"composite_variant_id,omitempty"`
	FromOutletID uuid.UUID       `json:"from_outlet_id"`
	ToOutletID   uuid.UUID       `json:"to_outlet_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	OutEntryID   uuid.UUID       `json:"out_entry_id"`
	InEntryID    uuid.UUID       `json:"in_entry_id"`
	CreatedAt    time.Time       `json:"created_at"`
}
