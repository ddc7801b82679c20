package generator

import (
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// Buy-kind thresholds. The BUY floor is configurable; STRONG_BUY and the
// WEAK_BUY band are fixed.
const (
	strongBuyThreshold = 60
	weakBuyFloor       = 30
)

// BuyScore grades an entry candidate 0..100 by adding independent axis
// scores: RSI (30), Bollinger position (25), MACD momentum (20), volume
// surge (15) and trend alignment (10). Pure function of its inputs.
func BuyScore(price float64, ind models.IndicatorSnapshot, squeezeThreshold float64) float64 {
	return rsiScore(ind.RSI) +
		bollingerScore(price, ind, squeezeThreshold) +
		macdScore(ind) +
		volumeScore(ind.VolumeRatio) +
		trendScore(price, ind)
}

func rsiScore(rsi float64) float64 {
	switch {
	case rsi <= 20:
		return 30
	case rsi <= 30:
		return 25
	case rsi <= 40:
		return 15
	case rsi <= 50:
		return 5
	default:
		return 0
	}
}

// bollingerScore rewards prices near or below the lower band, with a squeeze
// bonus when the bands have contracted. Capped at 25.
func bollingerScore(price float64, ind models.IndicatorSnapshot, squeezeThreshold float64) float64 {
	var score float64
	switch {
	case price < ind.BBLower:
		score = 25
	case price <= ind.BBLower*1.02:
		score = 20
	case price < ind.BBMiddle:
		score = 10
	}
	if ind.BBMiddle > 0 && (ind.BBUpper-ind.BBLower)/ind.BBMiddle <= squeezeThreshold {
		score += 5
	}
	if score > 25 {
		score = 25
	}
	return score
}

// macdScore grades momentum: a fresh bullish zero cross outranks a
// strengthening positive histogram, which outranks any positive histogram.
func macdScore(ind models.IndicatorSnapshot) float64 {
	switch {
	case ind.PrevMACDHist <= 0 && ind.MACDHist > 0:
		return 20
	case ind.MACDHist > 0 && ind.MACDHist > ind.PrevMACDHist:
		return 15
	case ind.MACDHist > 0:
		return 10
	default:
		return 0
	}
}

func volumeScore(ratio float64) float64 {
	switch {
	case ratio >= 2:
		return 15
	case ratio >= 1.5:
		return 10
	case ratio >= 1.2:
		return 5
	default:
		return 0
	}
}

func trendScore(price float64, ind models.IndicatorSnapshot) float64 {
	var score float64
	if price > ind.SMA20 {
		score += 3
	}
	if ind.SMA20 > ind.SMA50 {
		score += 7
	}
	if score > 10 {
		score = 10
	}
	return score
}

// KindForScore maps a buy score to a signal kind. The second return is false
// when the score is below every emission threshold.
func KindForScore(score, minBuyScore float64, weakBuyEnabled bool) (models.SignalKind, bool) {
	switch {
	case score >= strongBuyThreshold:
		return models.KindStrongBuy, true
	case score >= minBuyScore:
		return models.KindBuy, true
	case weakBuyEnabled && score >= weakBuyFloor:
		return models.KindWeakBuy, true
	default:
		return "", false
	}
}
