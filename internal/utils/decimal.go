package utils

import (
	"github.com/shopspring/decimal"
)

// Format decimal for exchange API (with 8 decimals)
func DecimalToString(val decimal.Decimal) string {
	return val.StringFixed(8)
}

// Format a float price/size the way the exchange expects it
func FormatAmount(val float64) string {
	return DecimalToString(decimal.NewFromFloat(val))
}
