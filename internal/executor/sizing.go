package executor

import (
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// Budget fraction is linear over buy scores [30, 100].
const (
	budgetScoreFloor = 30
	budgetScoreCeil  = 100
)

// budgetFraction maps a buy score to the fraction of buy power allocated to
// the order, linear between min and max and clamped to that range.
func budgetFraction(score, min, max float64) float64 {
	f := min + (score-budgetScoreFloor)/(budgetScoreCeil-budgetScoreFloor)*(max-min)
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}

// effectiveBuyPower picks the spendable amount in the symbol's native
// currency. When the native balance is below the minimum, the other
// currency's buy power converts at the static FX rate.
func effectiveBuyPower(snapshot models.AccountSnapshot, symbol string, minBuyPower, fxHKDPerUSD float64) float64 {
	currency := models.CurrencyOf(symbol)
	native := snapshot.BuyPower(currency)
	if native >= minBuyPower {
		return native
	}

	if currency == "HKD" {
		if converted := snapshot.BuyPower("USD") * fxHKDPerUSD; converted > native {
			return converted
		}
	} else {
		if converted := snapshot.BuyPower("HKD") / fxHKDPerUSD; converted > native {
			return converted
		}
	}
	return native
}

// quantize rounds the target order value down to whole board lots.
func quantize(value, price float64, lotSize int64) int64 {
	if price <= 0 || lotSize <= 0 {
		return 0
	}
	lots := int64(value / price / float64(lotSize))
	return lots * lotSize
}
