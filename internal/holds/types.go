package holds

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/stockledger/internal/ledger"
	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
	"github.com/angelmondragon/stockledger/pkg/types"
)

// Hold is the caller view of a stock hold.
type Hold struct {
	ID                  uuid.UUID        `json:"id"`
	Scope               types.Scope      `json:"scope"`
	Quantity            decimal.Decimal  `json:"quantity"`
	Status              enums.HoldStatus `json:"status"`
	ExpiresAt           time.Time        `json:"expires_at"`
	Reference           string           `json:"reference,omitempty"`
	Purpose             string           `json:"purpose,omitempty"`
	CreatedBy           *uuid.UUID       `json:"created_by,omitempty"`
	ReleaseReason       string           `json:"release_reason,omitempty"`
	CapturedEntryID     *uuid.UUID       `json:"captured_entry_id,omitempty"`
	CapturedReferenceID *uuid.UUID       `json:"captured_reference_id,omitempty"`
	CapturedAt          *time.Time       `json:"captured_at,omitempty"`
	ReleasedAt          *time.Time       `json:"released_at,omitempty"`
	ExpiredAt           *time.Time       `json:"expired_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// PlaceInput reserves stock for an in-flight checkout.
type PlaceInput struct {
	Scope     types.Scope
	Quantity  decimal.Decimal
	TTL       time.Duration
	Reference string `validate:"max=255"`
	Purpose   string `validate:"max=64"`
	CreatedBy *uuid.UUID
	// IdempotencyKey is optional; empty disables replay protection.
	IdempotencyKey string `validate:"max=255"`
}

// CaptureInput turns a hold into a permanent deduction.
type CaptureInput struct {
	BusinessID uuid.UUID `validate:"required"`
	HoldID     uuid.UUID `validate:"required"`
	// SaleID is stored as the captured reference.
	SaleID         *uuid.UUID
	Actor          ledger.Actor
	IdempotencyKey string `validate:"max=255"`
}

// ReleaseInput gives reserved stock back.
type ReleaseInput struct {
	BusinessID     uuid.UUID               `validate:"required"`
	HoldID         uuid.UUID               `validate:"required"`
	Reason         enums.HoldReleaseReason `validate:"required"`
	Actor          ledger.Actor
	IdempotencyKey string `validate:"max=255"`
}

// CaptureResult carries the ledger entry written by a capture.
type CaptureResult struct {
	Hold     Hold      `json:"hold"`
	EntryID  uuid.UUID `json:"entry_id"`
	Replayed bool      `json:"-"`
}

// HoldResult is returned by place and release.
type HoldResult struct {
	Hold     Hold `json:"hold"`
	Replayed bool `json:"-"`
}

func toHold(row *models.StockHold) Hold {
	hold := Hold{
		ID: row.ID,
		Scope: types.Scope{
			BusinessID: row.BusinessID,
			OutletID:   row.OutletID,
			ProductID:  row.ProductID,
			VariantID:  row.CompositeVariantID,
		},
		Quantity:            row.Quantity,
		Status:              row.Status,
		ExpiresAt:           row.ExpiresAt.UTC(),
		CreatedBy:           row.CreatedBy,
		CapturedEntryID:     row.CapturedEntryID,
		CapturedReferenceID: row.CapturedReferenceID,
		CapturedAt:          utcPtr(row.CapturedAt),
		ReleasedAt:          utcPtr(row.ReleasedAt),
		ExpiredAt:           utcPtr(row.ExpiredAt),
		CreatedAt:           row.CreatedAt.UTC(),
		UpdatedAt:           row.UpdatedAt.UTC(),
	}
	if row.Reference != nil {
		hold.Reference = *row.Reference
	}
	if row.Purpose != nil {
		hold.Purpose = *row.Purpose
	}
	if row.ReleaseReason != nil {
		hold.ReleaseReason = *row.ReleaseReason
	}
	return hold
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
