package enums

// HoldStatus maps to the stock_hold_status_enum enum in Postgres.
type HoldStatus string

const (
	HoldStatusPlaced   HoldStatus = "PLACED"
	HoldStatusCaptured HoldStatus = "CAPTURED"
	HoldStatusReleased HoldStatus = "RELEASED"
	HoldStatusExpired  HoldStatus = "EXPIRED"
)

var validHoldStatuses = []HoldStatus{
	HoldStatusPlaced,
	HoldStatusCaptured,
	HoldStatusReleased,
	HoldStatusExpired,
}

// IsValid reports whether the value matches the canonical hold status enum.
func (s HoldStatus) IsValid() bool {
	for _, candidate := range validHoldStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave this status.
func (s HoldStatus) IsTerminal() bool {
	return s == HoldStatusCaptured || s == HoldStatusReleased || s == HoldStatusExpired
}

// HoldReleaseReason records why a hold was released.
type HoldReleaseReason string

const (
	ReleaseReasonCheckoutCanceled HoldReleaseReason = "checkout_canceled"
	ReleaseReasonPaymentFailed    HoldReleaseReason = "payment_failed"
	ReleaseReasonCartAbandoned    HoldReleaseReason = "cart_abandoned"
	ReleaseReasonManual           HoldReleaseReason = "manual"
	ReleaseReasonExpired          HoldReleaseReason = "expired"
)

var validReleaseReasons = []HoldReleaseReason{
	ReleaseReasonCheckoutCanceled,
	ReleaseReasonPaymentFailed,
	ReleaseReasonCartAbandoned,
	ReleaseReasonManual,
	ReleaseReasonExpired,
}

// IsValid reports whether the value is a known release reason.
func (r HoldReleaseReason) IsValid() bool {
	for _, candidate := range validReleaseReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
