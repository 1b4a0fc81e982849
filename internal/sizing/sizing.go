// Package sizing converts a USDT amount into an exchange-valid order quantity.
package sizing

import (
	"github.com/shopspring/decimal"
)

// quantityPlaces bounds the precision of any quantity sent to an exchange
const quantityPlaces = 8

// SizeOrder returns amount/price floored to a multiple of step.
// It returns 0 when the raw quantity is below minQty or price is not positive.
// Leverage does not enter the quantity; it is applied on the exchange side.
func SizeOrder(amount, price, minQty, step float64) float64 {
	if price <= 0 || amount <= 0 {
		return 0
	}

	raw := decimal.NewFromFloat(amount).Div(decimal.NewFromFloat(price))
	min := decimal.NewFromFloat(minQty)
	if raw.LessThan(min) {
		return 0
	}

	qty := raw
	if step > 0 {
		s := decimal.NewFromFloat(step)
		qty = raw.Div(s).Floor().Mul(s)
	}
	qty = qty.Truncate(quantityPlaces)

	// A step that does not divide minQty can floor below the minimum.
	if qty.LessThan(min) || !qty.IsPositive() {
		return 0
	}
	return qty.InexactFloat64()
}

// MinimumAmount is the USDT amount needed to buy minQty at price
func MinimumAmount(minQty, price float64) float64 {
	return decimal.NewFromFloat(minQty).Mul(decimal.NewFromFloat(price)).Round(2).InexactFloat64()
}

// FormatUSD renders v as "$1234.50"
func FormatUSD(v float64) string {
	return "$" + decimal.NewFromFloat(v).StringFixed(2)
}

// FormatQuantity renders a quantity without float noise for exchange APIs
func FormatQuantity(q float64) string {
	return decimal.NewFromFloat(q).Truncate(quantityPlaces).String()
}
