package domain

import "github.com/shopspring/decimal"

var (
	hundred  = decimal.NewFromInt(100)
	halfCent = decimal.New(5, -3)
)

// Round stores money at two places, half up: ties go toward positive
// infinity, so -0.005 becomes 0.00.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Add(halfCent).RoundFloor(2)
}

// Percent returns base × rate / 100 rounded for storage.
func Percent(base, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() || base.IsZero() {
		return decimal.Zero
	}
	return Round(base.Mul(rate).Div(hundred))
}

func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
