package tradingutils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// TickDecimals returns the number of decimal places in a tick size, so
// 0.01 yields 2 and 0.0005 yields 4.
func TickDecimals(tick decimal.Decimal) int32 {
	s := tick.String()
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(s[idx+1:], "0")))
}

// RoundToTick rounds price to the nearest multiple of tick and truncates the
// result to the tick's decimal precision. A non-positive tick leaves the
// price untouched.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick).Truncate(TickDecimals(tick))
}

// Ticks converts a tick count into a price distance
func Ticks(n int, tick decimal.Decimal) decimal.Decimal {
	return tick.Mul(decimal.NewFromInt(int64(n)))
}

// TicksBetween returns the absolute distance between two prices in ticks
func TicksBetween(a, b, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Div(tick)
}

// WeightedAverage returns the quantity weighted average of two price levels
func WeightedAverage(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.IsZero() {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}

// CalculateProfit is the gross profit of selling qty bought at buyPrice for sellPrice
func CalculateProfit(buyPrice, sellPrice, qty decimal.Decimal) decimal.Decimal {
	return sellPrice.Sub(buyPrice).Mul(qty)
}
