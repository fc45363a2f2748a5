package enums

// ReferenceType tags the business event that produced a ledger entry.
// Maps to the stock_reference_type_enum enum in Postgres.
type ReferenceType string

const (
	ReferenceOpeningStock     ReferenceType = "OPENING_STOCK"
	ReferencePurchase         ReferenceType = "PURCHASE"
	ReferenceSale             ReferenceType = "SALE"
	ReferenceSaleVoidReversal ReferenceType = "SALE_VOID_REVERSAL"
	ReferenceSaleReturn       ReferenceType = "SALE_RETURN"
	ReferenceAdjustment       ReferenceType = "ADJUSTMENT"
	ReferenceDamage           ReferenceType = "DAMAGE"
	ReferenceTransferIn       ReferenceType = "TRANSFER_IN"
	ReferenceTransferOut      ReferenceType = "TRANSFER_OUT"
	ReferenceHoldCapture      ReferenceType = "HOLD_CAPTURE"
	ReferenceHoldRelease      ReferenceType = "HOLD_RELEASE"
)

var validReferenceTypes = []ReferenceType{
	ReferenceOpeningStock,
	ReferencePurchase,
	ReferenceSale,
	ReferenceSaleVoidReversal,
	ReferenceSaleReturn,
	ReferenceAdjustment,
	ReferenceDamage,
	ReferenceTransferIn,
	ReferenceTransferOut,
	ReferenceHoldCapture,
	ReferenceHoldRelease,
}

// IsValid reports whether the value matches the canonical reference type enum.
func (r ReferenceType) IsValid() bool {
	for _, candidate := range validReferenceTypes {
		if candidate == r {
			return true
		}
	}
	return false
}

// Direction is the sign a reference type imposes on quantity_delta.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionInbound
	DirectionOutbound
	DirectionEither
)

// Direction returns the delta sign each reference type requires.
func (r ReferenceType) Direction() Direction {
	switch r {
	case ReferenceOpeningStock, ReferencePurchase, ReferenceSaleVoidReversal, ReferenceSaleReturn, ReferenceTransferIn:
		return DirectionInbound
	case ReferenceSale, ReferenceDamage, ReferenceTransferOut, ReferenceHoldCapture:
		return DirectionOutbound
	case ReferenceAdjustment:
		return DirectionEither
	case ReferenceHoldRelease:
		return DirectionNone
	}
	return DirectionNone
}

// DirectAppendAllowed reports whether stock-adjustment callers may append this
// reference type without going through holds or transfers.
func (r ReferenceType) DirectAppendAllowed() bool {
	switch r {
	case ReferenceOpeningStock, ReferencePurchase, ReferenceSale, ReferenceSaleVoidReversal,
		ReferenceSaleReturn, ReferenceAdjustment, ReferenceDamage, ReferenceTransferIn, ReferenceTransferOut:
		return true
	case ReferenceHoldCapture, ReferenceHoldRelease:
		return false
	}
	return false
}
