package enums

import "github.com/shopspring/decimal"

// StockStatus classifies a current stock level against its alert quantity.
type StockStatus string

const (
	StockStatusOutOfStock StockStatus = "OUT_OF_STOCK"
	StockStatusLowStock   StockStatus = "LOW_STOCK"
	StockStatusOK         StockStatus = "OK"
)

// ClassifyStock derives the status for a level. Low stock requires a positive
// alert quantity.
func ClassifyStock(stock, alertQuantity decimal.Decimal) StockStatus {
	if stock.LessThanOrEqual(decimal.Zero) {
		return StockStatusOutOfStock
	}
	if alertQuantity.GreaterThan(decimal.Zero) && stock.LessThanOrEqual(alertQuantity) {
		return StockStatusLowStock
	}
	return StockStatusOK
}
