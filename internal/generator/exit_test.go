package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

func TestExitScoreBearishSignals(t *testing.T) {
	ind := neutralSnapshot()
	ind.PrevMACDHist, ind.MACDHist = 0.2, -0.1 // bearish cross +50
	ind.RSI = 82                               // overbought in profit +40
	price, entry := 110.0, 100.0

	score := ExitScore(price, entry, ind)
	assert.GreaterOrEqual(t, score, 50.0)
}

func TestExitScoreBullishHold(t *testing.T) {
	// Scenario: strong uptrend in profit with bullish momentum pushes the
	// score deep negative.
	ind := neutralSnapshot()
	ind.RSI = 62
	ind.PrevMACDHist, ind.MACDHist = 0.1, 0.3 // expanding positive histogram
	ind.SMA20, ind.SMA50 = 105, 100
	price, entry := 110.5, 100.0 // profit 10.5%, price > SMA20 > SMA50

	score := ExitScore(price, entry, ind)
	assert.LessOrEqual(t, score, -40.0)
}

func TestExitScoreIsPure(t *testing.T) {
	ind := neutralSnapshot()
	assert.Equal(t, ExitScore(95, 100, ind), ExitScore(95, 100, ind))
}

func TestDecideExit_StopLossFloorOverridesDelay(t *testing.T) {
	// Entry 100, stop 94, price 93: however bullish the indicators score
	// (delay band), the static floor must fire.
	contract := models.StopContract{Symbol: "0700.HK", EntryPrice: 100, StopLoss: 94, TakeProfit: 115}
	action := DecideExit(93, contract, -35)
	assert.Equal(t, models.KindSellStopLoss, action.Kind)
}

func TestDecideExit_SmartExit(t *testing.T) {
	contract := models.StopContract{EntryPrice: 100, StopLoss: 94, TakeProfit: 115}
	action := DecideExit(108, contract, 55)
	assert.Equal(t, models.KindSellSmartExit, action.Kind)
}

func TestDecideExit_EarlyTakeProfitBand(t *testing.T) {
	contract := models.StopContract{EntryPrice: 100, StopLoss: 94, TakeProfit: 110}

	action := DecideExit(104.5, contract, 35) // ≥ 110·0.95
	assert.Equal(t, models.KindSellTakeProfit, action.Kind)

	action = DecideExit(103, contract, 35)
	assert.Empty(t, action.Kind, "below the early threshold the position is held")
}

func TestDecideExit_NeutralBandUsesStaticLevels(t *testing.T) {
	contract := models.StopContract{EntryPrice: 100, StopLoss: 94, TakeProfit: 110}

	action := DecideExit(110.2, contract, 0)
	assert.Equal(t, models.KindSellTakeProfit, action.Kind)

	action = DecideExit(105, contract, 0)
	assert.Empty(t, action.Kind)
}

func TestDecideExit_DelayedTakeProfitStretch(t *testing.T) {
	// Entry 100, take-profit 110, price 110.50, score ≤ −40: no sell; the
	// effective take-profit stretches to 1.20·entry = 120.
	contract := models.StopContract{EntryPrice: 100, StopLoss: 94, TakeProfit: 110}

	action := DecideExit(110.50, contract, -45)
	assert.Empty(t, action.Kind)
	assert.InDelta(t, 120.0, action.StretchTP, 1e-9)

	// Shallower delay band stretches to 1.15·entry.
	action = DecideExit(110.50, contract, -25)
	assert.Empty(t, action.Kind)
	assert.InDelta(t, 115.0, action.StretchTP, 1e-9)

	// Beyond even the stretched level the profit is taken.
	action = DecideExit(121, contract, -45)
	assert.Equal(t, models.KindSellTakeProfit, action.Kind)

	// Below the original take-profit nothing changes.
	action = DecideExit(105, contract, -45)
	assert.Empty(t, action.Kind)
	assert.Zero(t, action.StretchTP)
}
