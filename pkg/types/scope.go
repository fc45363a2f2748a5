package types

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/stockledger/pkg/errors"
)

const noVariant = "-"

// Scope partitions ledger and hold state: business, outlet, product and an
// optional composite variant. A nil variant is its own partition and does not
// match variant-scoped rows.
type Scope struct {
	BusinessID uuid.UUID  `json:"business_id"`
	OutletID   uuid.UUID  `json:"outlet_id"`
	ProductID  uuid.UUID  `json:"product_id"`
	VariantID  *uuid.UUID `json:"composite_variant_id,omitempty"`
}

// Validate rejects scopes with a missing key.
func (s Scope) Validate() error {
	missing := []string{}
	if s.BusinessID == uuid.Nil {
		missing = append(missing, "business_id")
	}
	if s.OutletID == uuid.Nil {
		missing = append(missing, "outlet_id")
	}
	if s.ProductID == uuid.Nil {
		missing = append(missing, "product_id")
	}
	if s.VariantID != nil && *s.VariantID == uuid.Nil {
		missing = append(missing, "composite_variant_id")
	}
	if len(missing) == 0 {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeInvalidScope, "stock scope is missing keys").
		WithDetails(map[string]any{"missing": missing, "scope": s.Fields()})
}

// Key is the stable string form used for locking and snapshot rows.
func (s Scope) Key() string {
	variant := noVariant
	if s.VariantID != nil {
		variant = s.VariantID.String()
	}
	return strings.Join([]string{
		s.BusinessID.String(),
		s.OutletID.String(),
		s.ProductID.String(),
		variant,
	}, ":")
}

// WithOutlet returns a copy of the scope at another outlet.
func (s Scope) WithOutlet(outletID uuid.UUID) Scope {
	s.OutletID = outletID
	return s
}

// Fields renders the scope for logs and error details.
func (s Scope) Fields() map[string]any {
	fields := map[string]any{
		"business_id": s.BusinessID.String(),
		"outlet_id":   s.OutletID.String(),
		"product_id":  s.ProductID.String(),
	}
	if s.VariantID != nil {
		fields["composite_variant_id"] = s.VariantID.String()
	}
	return fields
}

// SortScopes orders scopes by key so multi-scope writers lock in a stable order.
func SortScopes(scopes []Scope) []Scope {
	out := make([]Scope, len(scopes))
	copy(out, scopes)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
