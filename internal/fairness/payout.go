package fairness

import "github.com/shopspring/decimal"

// Payout is floor(amount * multiplier) in whole coin units.
func Payout(amount int64, multiplier decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(multiplier).Floor().IntPart()
}
