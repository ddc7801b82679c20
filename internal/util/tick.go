// Package util provides common utility functions for price calculations.
package util

import (
	"math"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// hkTickLadder maps HKEX price bands to their minimum increments. A price
// strictly below the bound uses the band's tick.
var hkTickLadder = []struct {
	below float64
	tick  float64
}{
	{0.25, 0.001},
	{0.50, 0.005},
	{10, 0.01},
	{20, 0.02},
	{100, 0.05},
	{200, 0.10},
	{500, 0.20},
	{1000, 0.50},
	{2000, 1.00},
	{5000, 2.00},
}

// usTick is the fixed US equity increment.
const usTick = 0.01

// TickSize returns the exchange tick for a symbol at the given price.
func TickSize(symbol string, price float64) float64 {
	if models.MarketOf(symbol) != models.MarketHK {
		return usTick
	}
	for _, band := range hkTickLadder {
		if price < band.below {
			return band.tick
		}
	}
	return 5.00
}

// RoundToTick rounds price to the nearest valid tick for the symbol, with
// ties rounding to the even tick. The operation is idempotent.
func RoundToTick(symbol string, price float64) float64 {
	return roundToTick(price, TickSize(symbol, price))
}

// roundToTick rounds x to the nearest multiple of tick, half to even.
func roundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.RoundToEven(x/tick) * tick
}

// FloorToTick rounds x down to a multiple of tick.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Floor(x/tick) * tick
}

// CeilToTick rounds x up to a multiple of tick.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Ceil(x/tick) * tick
}
