package inventory

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/stockledger/pkg/enums"
)

// ProductKey identifies a product, or one of its composite variants, within an
// outlet.
type ProductKey struct {
	ProductID uuid.UUID
	VariantID uuid.UUID
}

// KeyFor builds a ProductKey. A nil variant maps to uuid.Nil.
func KeyFor(productID uuid.UUID, variantID *uuid.UUID) ProductKey {
	key := ProductKey{ProductID: productID}
	if variantID != nil {
		key.VariantID = *variantID
	}
	return key
}

// AlertQuantities maps products to their low-stock alert quantity. The catalog
// owns these values.
type AlertQuantities map[ProductKey]decimal.Decimal

// Balance breaks down stock for one scope.
type Balance struct {
	OnHand    decimal.Decimal `json:"on_hand"`
	Committed decimal.Decimal `json:"committed"`
	Available decimal.Decimal `json:"available"`
}

// Item is one requested line in an availability check.
type Item struct {
	ProductID uuid.UUID       `json:"product_id" validate:"required"`
	VariantID *uuid.UUID      `json:"composite_variant_id,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Shortfall reports how much of a requested line cannot be served.
type Shortfall struct {
	ProductID uuid.UUID       `json:"product_id"`
	VariantID *uuid.UUID      `json:"composite_variant_id,omitempty"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

// AvailabilityResult is the outcome of ValidateAvailability.
type AvailabilityResult struct {
	OK         bool        `json:"ok"`
	Shortfalls []Shortfall `json:"shortfalls"`
}

// StockLevel is the current stock of one product at one outlet.
type StockLevel struct {
	OutletID      uuid.UUID         `json:"outlet_id"`
	ProductID     uuid.UUID         `json:"product_id"`
	VariantID     *uuid.UUID        `json:"composite_variant_id,omitempty"`
	OnHand        decimal.Decimal   `json:"on_hand"`
	Committed     decimal.Decimal   `json:"committed"`
	Available     decimal.Decimal   `json:"available"`
	AlertQuantity decimal.Decimal   `json:"alert_quantity"`
	Status        enums.StockStatus `json:"status"`
}

// LevelsQuery selects the stock levels for an outlet.
type LevelsQuery struct {
	BusinessID   uuid.UUID
	OutletID     uuid.UUID
	Alerts       AlertQuantities
	LowStockOnly bool
}

// SummaryQuery selects the scopes summarized by StockSummary. A nil outlet
// covers the whole business.
type SummaryQuery struct {
	BusinessID uuid.UUID
	OutletID   *uuid.UUID
	Alerts     AlertQuantities
	// UnitCosts overrides the latest unit cost found in the ledger.
	UnitCosts map[ProductKey]decimal.Decimal
}

// Summary aggregates stock statuses and value.
type Summary struct {
	OutOfStockCount int             `json:"out_of_stock_count"`
	LowStockCount   int             `json:"low_stock_count"`
	OKCount         int             `json:"ok_count"`
	Lowest          []StockLevel    `json:"lowest"`
	InventoryValue  decimal.Decimal `json:"inventory_value"`
}

// SnapshotCheck compares a snapshot against a full ledger sum.
type SnapshotCheck struct {
	ScopeKey string          `json:"scope_key"`
	Snapshot decimal.Decimal `json:"snapshot"`
	Ledger   decimal.Decimal `json:"ledger"`
	Drifted  bool            `json:"drifted"`
}
