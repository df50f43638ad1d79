// Package util provides price helpers for order construction.
package util

import "github.com/shopspring/decimal"

// DefaultTick is the price increment used when none is configured.
var DefaultTick = decimal.New(1, -2)

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// LimitPrice converts a signed mid-price into a positive limit price on the
// tick grid. A non-zero mid never rounds down to zero; it is floored at one
// tick instead. A zero mid returns zero.
func LimitPrice(mid, tick decimal.Decimal) decimal.Decimal {
	if mid.IsZero() {
		return decimal.Zero
	}
	if !tick.IsPositive() {
		tick = DefaultTick
	}
	price := RoundToTick(mid.Abs(), tick)
	if price.LessThan(tick) {
		return tick
	}
	return price
}
