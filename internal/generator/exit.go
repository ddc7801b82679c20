package generator

import (
	"fmt"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// Exit decision bands over the signed exit score.
const (
	smartExitThreshold  = 50
	earlyProfitLow      = 30
	delayBandThreshold  = -20
	deepDelayThreshold  = -40
	earlyTakeProfitMult = 0.95
	// Delay bands stretch the effective take-profit relative to entry.
	delayStretchMult     = 1.15
	deepDelayStretchMult = 1.20
)

// exitEnv is everything one exit rule may look at.
type exitEnv struct {
	price     float64
	profitPct float64
	ind       models.IndicatorSnapshot
}

// exitRule contributes a signed delta when its condition holds. Positive
// pushes toward selling, negative toward holding.
type exitRule struct {
	delta   float64
	applies func(e exitEnv) bool
}

var exitRules = []exitRule{
	{+50, func(e exitEnv) bool { return e.ind.PrevMACDHist > 0 && e.ind.MACDHist < 0 }},
	{+40, func(e exitEnv) bool { return e.ind.RSI > 80 && e.profitPct > 0 }},
	{+30, func(e exitEnv) bool { return e.ind.RSI > 70 && e.profitPct > 5 }},
	{+25, func(e exitEnv) bool { return e.ind.SMA20 < e.ind.SMA50 && e.price < e.ind.SMA20 }},
	{+20, func(e exitEnv) bool { return e.price < e.ind.SMA20 && e.profitPct < 0 }},
	{+15, func(e exitEnv) bool { return e.ind.VolumeRatio < 0.5 && e.profitPct > 8 }},
	{-30, func(e exitEnv) bool { return e.price > e.ind.SMA20 && e.ind.SMA20 > e.ind.SMA50 && e.profitPct > 5 }},
	{-25, func(e exitEnv) bool { return e.ind.PrevMACDHist <= 0 && e.ind.MACDHist > 0 }},
	{-15, func(e exitEnv) bool { return e.ind.MACDHist > 0 && e.ind.MACDHist > e.ind.PrevMACDHist }},
	{-20, func(e exitEnv) bool { return e.ind.RSI >= 50 && e.ind.RSI <= 70 && e.profitPct > 5 }},
	{-15, func(e exitEnv) bool { return e.ind.RSI < 30 && e.profitPct < 0 }},
	{-15, func(e exitEnv) bool { return e.price > e.ind.BBUpper && e.profitPct > 5 }},
	{-10, func(e exitEnv) bool { return e.ind.VolumeRatio > 1.5 && e.profitPct > 5 }},
}

// ExitScore sums the rule table for a held position. Positive favors
// exiting, negative favors holding. Pure function of its inputs.
func ExitScore(price, entry float64, ind models.IndicatorSnapshot) float64 {
	env := exitEnv{
		price:     price,
		profitPct: (price - entry) / entry * 100,
		ind:       ind,
	}
	var total float64
	for _, rule := range exitRules {
		if rule.applies(env) {
			total += rule.delta
		}
	}
	return total
}

// ExitAction is the decision for one held position this scan.
type ExitAction struct {
	// Kind is the sell signal to publish, empty to hold.
	Kind models.SignalKind
	// StretchTP, when positive, raises the stored take-profit to this level.
	StretchTP float64
	Reason    string
}

// DecideExit maps the exit score to an action. The static stop-loss floor
// fires unconditionally, whatever the score says.
func DecideExit(price float64, contract models.StopContract, score float64) ExitAction {
	if price <= contract.StopLoss {
		return ExitAction{
			Kind:   models.KindSellStopLoss,
			Reason: fmt.Sprintf("price %.2f breached stop-loss %.2f", price, contract.StopLoss),
		}
	}

	switch {
	case score >= smartExitThreshold:
		return ExitAction{
			Kind:   models.KindSellSmartExit,
			Reason: fmt.Sprintf("exit score %.0f", score),
		}

	case score >= earlyProfitLow:
		if price >= contract.TakeProfit*earlyTakeProfitMult {
			return ExitAction{
				Kind:   models.KindSellTakeProfit,
				Reason: fmt.Sprintf("exit score %.0f near take-profit %.2f", score, contract.TakeProfit),
			}
		}
		return ExitAction{Reason: "hold: moderate exit score below early take-profit"}

	case score > delayBandThreshold:
		if price >= contract.TakeProfit {
			return ExitAction{
				Kind:   models.KindSellTakeProfit,
				Reason: fmt.Sprintf("price %.2f reached take-profit %.2f", price, contract.TakeProfit),
			}
		}
		return ExitAction{Reason: "hold: neutral exit score, static levels intact"}

	default:
		mult := delayStretchMult
		if score <= deepDelayThreshold {
			mult = deepDelayStretchMult
		}
		stretched := contract.EntryPrice * mult
		if price >= stretched {
			return ExitAction{
				Kind:   models.KindSellTakeProfit,
				Reason: fmt.Sprintf("price %.2f beyond stretched take-profit %.2f", price, stretched),
			}
		}
		if price >= contract.TakeProfit && stretched > contract.TakeProfit {
			return ExitAction{
				StretchTP: stretched,
				Reason:    fmt.Sprintf("bullish hold: take-profit stretched to %.2f", stretched),
			}
		}
		return ExitAction{Reason: "hold: bullish exit score delays take-profit"}
	}
}
