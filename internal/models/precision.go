package models

import "github.com/shopspring/decimal"

// SumWithPrecision adds two quantities, rounding the result to the larger of
// the two operands' decimal precision. Native float addition would leak
// artifacts like 0.30000000000000004 into order quantities, which the
// exchange rejects as over-precise.
func SumWithPrecision(a, b float64) float64 {
	da := decimal.NewFromFloat(a)
	db := decimal.NewFromFloat(b)

	places := -da.Exponent()
	if p := -db.Exponent(); p > places {
		places = p
	}
	if places < 0 {
		places = 0
	}

	return da.Add(db).Round(places).InexactFloat64()
}

// SubWithPrecision subtracts b from a with the same precision rule as
// SumWithPrecision.
func SubWithPrecision(a, b float64) float64 {
	return SumWithPrecision(a, -b)
}
