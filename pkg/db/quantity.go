package db

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// QuantityPlaces is the scale of every numeric(18,4) quantity column.
const QuantityPlaces = 4

// FitsQuantityScale reports whether value is stored without rounding.
func FitsQuantityScale(value decimal.Decimal) bool {
	return value.Equal(value.Truncate(QuantityPlaces))
}

func isSQLite(tx *gorm.DB) bool {
	return tx != nil && tx.Dialector != nil && tx.Dialector.Name() == "sqlite"
}

// SumQuantity returns a COALESCE(SUM(column), 0) expression that stays exact
// on every driver. sqlite keeps numeric columns as REAL, so there the sum is
// taken over integers scaled by QuantityPlaces; ScannedSum undoes the scale.
func SumQuantity(tx *gorm.DB, column string) string {
	if isSQLite(tx) {
		return fmt.Sprintf("COALESCE(SUM(CAST(ROUND(%s * 10000) AS INTEGER)), 0)", column)
	}
	return fmt.Sprintf("COALESCE(SUM(%s), 0)", column)
}

// ScannedSum converts a value scanned from a SumQuantity expression.
func ScannedSum(tx *gorm.DB, value decimal.Decimal) decimal.Decimal {
	if isSQLite(tx) {
		return value.Shift(-QuantityPlaces)
	}
	return value
}
