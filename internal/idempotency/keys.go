package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const shortHashLen = 24

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9:_\-\.]`)

// KeyPair is an idempotency key plus the human readable reference that goes
// with it.
type KeyPair struct {
	Key string
	Ref string
}

// HoldItem identifies one reserved line when deriving a hold key.
type HoldItem struct {
	ProductID uuid.UUID
	VariantID *uuid.UUID
	Quantity  decimal.Decimal
}

// HoldKey derives a key for a hold placed for a cart. Item order does not
// change the key.
func HoldKey(businessID, outletID uuid.UUID, cartRef string, items []HoldItem, cashierID *uuid.UUID) KeyPair {
	biz := sanitize(businessID.String())
	out := sanitize(outletID.String())
	cart := sanitize(cartRef)

	lines := make([]map[string]string, 0, len(items))
	for _, item := range items {
		line := map[string]string{
			"product_id": item.ProductID.String(),
			"qty":        item.Quantity.String(),
		}
		if item.VariantID != nil {
			line["composite_variant_id"] = item.VariantID.String()
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i]["product_id"] != lines[j]["product_id"] {
			return lines[i]["product_id"] < lines[j]["product_id"]
		}
		return lines[i]["composite_variant_id"] < lines[j]["composite_variant_id"]
	})

	payload := map[string]any{"op": "stock_hold", "biz": biz, "out": out, "cart": cart, "items": lines}
	if cashierID != nil {
		payload["cashier"] = sanitize(cashierID.String())
	}
	ref := fmt.Sprintf("stock-hold:%s:%s:%s", biz, out, cart)
	return KeyPair{Key: ref + ":" + shortHash(payload), Ref: ref}
}

// CaptureKey derives the key for capturing a hold, optionally tied to a sale.
func CaptureKey(businessID, holdID uuid.UUID, saleID *uuid.UUID) KeyPair {
	parts := []string{"stock-cap", sanitize(businessID.String()), sanitize(holdID.String())}
	if saleID != nil {
		parts = append(parts, sanitize(saleID.String()))
	}
	key := strings.Join(parts, ":")
	return KeyPair{Key: key, Ref: key}
}

// ReleaseKey derives the key for a manual release.
func ReleaseKey(businessID, holdID uuid.UUID, reason string) KeyPair {
	parts := []string{"stock-rel", sanitize(businessID.String()), sanitize(holdID.String())}
	if r := sanitize(reason); r != "" {
		parts = append(parts, r)
	}
	key := strings.Join(parts, ":")
	return KeyPair{Key: key, Ref: key}
}

// ExpiryReleaseKey derives the key used by the expiry sweep.
func ExpiryReleaseKey(businessID, holdID uuid.UUID) KeyPair {
	key := fmt.Sprintf("stock-rel-exp:%s:%s", sanitize(businessID.String()), sanitize(holdID.String()))
	return KeyPair{Key: key, Ref: key}
}

func sanitize(part string) string {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(part), " ", "-"))
	return unsafeKeyChars.ReplaceAllString(s, "")
}

func shortHash(payload any) string {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		canonical = []byte(fmt.Sprint(payload))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:shortHashLen]
}
