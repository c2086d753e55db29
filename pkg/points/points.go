// Package points holds the only currency to points conversion used by the engine.
//
// One point is one cent. Every conversion rounds half up (away from zero for
// the non-negative values the engine works with), so call sites never round
// on their own.
package points

import "github.com/shopspring/decimal"

// PerUnit is the number of points in one currency unit.
const PerUnit = 100

var perUnit = decimal.NewFromInt(PerUnit)

// FromCurrency converts a currency amount (e.g. 0.50) to points (50).
func FromCurrency(amount decimal.Decimal) int64 {
	return amount.Mul(perUnit).Round(0).IntPart()
}

// ToCurrency converts points back to a currency amount.
func ToCurrency(pts int64) decimal.Decimal {
	return decimal.NewFromInt(pts).Div(perUnit)
}

// Share returns round_half_up(total * fraction) in points.
func Share(total int64, fraction decimal.Decimal) int64 {
	return decimal.NewFromInt(total).Mul(fraction).Round(0).IntPart()
}
