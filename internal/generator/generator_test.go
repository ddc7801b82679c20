package generator

import (
	"context"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/config"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/queue"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/quote"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/storage"
)

// hkMorning is a Monday 10:00 Asia/Shanghai instant with the HK session open.
var hkMorning = time.Date(2025, 6, 2, 10, 0, 0, 0, time.FixedZone("CST", 8*3600))

func testGeneratorConfig() *config.Config {
	return &config.Config{
		Scan: config.ScanConfig{IntervalSec: 60, AnalysisWorkers: 4, CandleCount: 80},
		Signals: config.SignalsConfig{
			MinBuyScore:       35,
			CooldownSec:       300,
			ATRStopMultiple:   2,
			ATRProfitMultiple: 3,
			SqueezeThreshold:  0.05,
		},
		Watchlist: []string{"0700.HK"},
	}
}

// decliningCandles builds a steady downtrend: RSI pins at 0 (30 points) and
// the price sits below the Bollinger middle (10 points), for a buy score of
// exactly 40. ATR is exactly 1.
func decliningCandles(n int) []models.Candle {
	candles := make([]models.Candle, n)
	start := 50.0 + float64(n)
	for i := range candles {
		close := start - float64(i+1)
		candles[i] = models.Candle{
			Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Open:      close + 1,
			High:      close + 1,
			Low:       close,
			Close:     close,
			Volume:    1000,
		}
	}
	return candles
}

type generatorFixture struct {
	gen    *Generator
	mock   *broker.MockBroker
	queue  *queue.MockQueue
	stops  *storage.MockStopStore
	orders *storage.MockOrderStore
}

func newGeneratorFixture(cfg *config.Config) *generatorFixture {
	mock := broker.NewMockBroker()
	q := queue.NewMockQueue()
	stops := storage.NewMockStopStore()
	orders := storage.NewMockOrderStore()
	logger := log.New(io.Discard, "", 0)
	data := quote.NewClient(mock, logger)
	return &generatorFixture{
		gen:    New(cfg, data, mock, q, stops, orders, logger),
		mock:   mock,
		queue:  q,
		stops:  stops,
		orders: orders,
	}
}

func TestScanPublishesBuySignal(t *testing.T) {
	f := newGeneratorFixture(testGeneratorConfig())
	candles := decliningCandles(80)
	last := candles[len(candles)-1].Close
	f.mock.CandlesBySymbol["0700.HK"] = candles
	f.mock.QuotesBySymbol["0700.HK"] = models.Quote{Symbol: "0700.HK", Last: last}

	f.gen.Scan(context.Background(), hkMorning)

	d, err := f.queue.Consume(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d, "a buy signal was published")
	assert.Equal(t, models.KindBuy, d.Signal.Kind)
	assert.InDelta(t, 40.0, d.Signal.Score, 1e-9)
	assert.InDelta(t, last, d.Signal.ReferencePrice, 1e-9)
	// ATR=1, so stops sit 2 below / 3 above, already on HK ticks.
	assert.InDelta(t, last-2, d.Signal.StopLoss, 1e-9)
	assert.InDelta(t, last+3, d.Signal.TakeProfit, 1e-9)
}

func TestScanSkipsClosedMarket(t *testing.T) {
	f := newGeneratorFixture(testGeneratorConfig())
	f.mock.CandlesBySymbol["0700.HK"] = decliningCandles(80)
	f.mock.QuotesBySymbol["0700.HK"] = models.Quote{Symbol: "0700.HK", Last: 51}

	sunday := time.Date(2025, 6, 1, 10, 0, 0, 0, time.FixedZone("CST", 8*3600))
	f.gen.Scan(context.Background(), sunday)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
}

func TestScanCooldownDedup(t *testing.T) {
	f := newGeneratorFixture(testGeneratorConfig())
	candles := decliningCandles(80)
	f.mock.CandlesBySymbol["0700.HK"] = candles
	f.mock.QuotesBySymbol["0700.HK"] = models.Quote{Symbol: "0700.HK", Last: candles[len(candles)-1].Close}
	ctx := context.Background()

	f.gen.Scan(ctx, hkMorning)
	d, err := f.queue.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, f.queue.Ack(ctx, d.Signal.ID))

	// Re-scan 120s later with the same indicators: 180s of cooldown remain.
	f.gen.lastPublished["0700.HK"] = time.Now().Add(-120 * time.Second)
	f.gen.Scan(ctx, hkMorning.Add(120*time.Second))

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending, "cooldown blocks the repeat publish")

	ok, reason := f.gen.checkDedup(ctx, models.Signal{Symbol: "0700.HK", Kind: models.KindBuy}, &scanState{
		positions: map[string]models.PositionItem{},
		todayBuys: map[string]bool{},
	})
	assert.False(t, ok)
	assert.Equal(t, "cooldown (180s remaining)", reason)
}

func TestScanPositionAndSameDayDedup(t *testing.T) {
	f := newGeneratorFixture(testGeneratorConfig())
	ctx := context.Background()

	sig := models.Signal{Symbol: "0700.HK", Kind: models.KindBuy}

	ok, reason := f.gen.checkDedup(ctx, sig, &scanState{
		positions: map[string]models.PositionItem{"0700.HK": {Symbol: "0700.HK", Quantity: 200}},
		todayBuys: map[string]bool{},
	})
	assert.False(t, ok)
	assert.Equal(t, "position already open", reason)

	ok, reason = f.gen.checkDedup(ctx, sig, &scanState{
		positions: map[string]models.PositionItem{},
		todayBuys: map[string]bool{"0700.HK": true},
	})
	assert.False(t, ok)
	assert.Equal(t, "same-day buy order exists", reason)

	// Sells pass the buy-only layers.
	ok, _ = f.gen.checkDedup(ctx, models.Signal{Symbol: "0700.HK", Kind: models.KindSellStopLoss}, &scanState{
		positions: map[string]models.PositionItem{"0700.HK": {Symbol: "0700.HK", Quantity: 200}},
		todayBuys: map[string]bool{"0700.HK": true},
	})
	assert.True(t, ok)
}

func TestScanQueueDedup(t *testing.T) {
	f := newGeneratorFixture(testGeneratorConfig())
	ctx := context.Background()
	require.NoError(t, f.queue.Publish(ctx, models.Signal{ID: "sig-1", Symbol: "0700.HK", Kind: models.KindBuy, Score: 50}))

	ok, reason := f.gen.checkDedup(ctx, models.Signal{Symbol: "0700.HK", Kind: models.KindBuy}, &scanState{
		positions: map[string]models.PositionItem{},
		todayBuys: map[string]bool{},
	})
	assert.False(t, ok)
	assert.Equal(t, "pending signal already queued", reason)
}

func TestScanPublishesStopLossForActiveStop(t *testing.T) {
	f := newGeneratorFixture(testGeneratorConfig())
	ctx := context.Background()

	require.NoError(t, f.stops.Put(ctx, &models.StopContract{
		Symbol: "0700.HK", EntryPrice: 100, Quantity: 200, StopLoss: 94, TakeProfit: 115,
	}))
	f.mock.Holdings = []models.PositionItem{{Symbol: "0700.HK", Quantity: 200, Currency: "HKD"}}
	// Too few candles for indicators: only the static floor can fire.
	f.mock.CandlesBySymbol["0700.HK"] = decliningCandles(2)
	f.mock.QuotesBySymbol["0700.HK"] = models.Quote{Symbol: "0700.HK", Last: 93}

	f.gen.Scan(ctx, hkMorning)

	d, err := f.queue.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, models.KindSellStopLoss, d.Signal.Kind)
	assert.Equal(t, "0700.HK", d.Signal.Symbol)

	// The signal carries the snapshot that drove the decision; with two
	// candles the unknown fields are NaN, never zero.
	assert.False(t, d.Signal.Indicators.Valid())
	assert.True(t, math.IsNaN(d.Signal.Indicators.RSI))

	// Held symbols are never entry candidates.
	d, err = f.queue.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSellPublishDoesNotStartCooldown(t *testing.T) {
	f := newGeneratorFixture(testGeneratorConfig())
	ctx := context.Background()
	state := &scanState{
		positions: map[string]models.PositionItem{},
		todayBuys: map[string]bool{},
	}

	sell := models.Signal{ID: "sig-sell", Symbol: "0700.HK", Kind: models.KindSellStopLoss}
	f.gen.publish(ctx, sell, state, "floor breached")

	_, stamped := f.gen.lastPublished["0700.HK"]
	assert.False(t, stamped, "sells leave the cooldown map alone")

	ok, reason := f.gen.checkDedup(ctx, models.Signal{Symbol: "0700.HK", Kind: models.KindBuy}, state)
	assert.True(t, ok, "a sell must not delay the next buy: %s", reason)
}

func TestScanStretchesTakeProfit(t *testing.T) {
	f := newGeneratorFixture(testGeneratorConfig())
	ctx := context.Background()

	require.NoError(t, f.stops.Put(ctx, &models.StopContract{
		Symbol: "0700.HK", EntryPrice: 100, Quantity: 200, StopLoss: 94, TakeProfit: 110,
	}))
	f.mock.Holdings = []models.PositionItem{{Symbol: "0700.HK", Quantity: 200, Currency: "HKD"}}

	// Strong uptrend in profit: two steps up, one half-step back keeps RSI in
	// the 50-70 band while price>SMA20>SMA50, pushing the exit score deep
	// negative. Price sits just past the stored take-profit.
	n := 80
	candles := make([]models.Candle, n)
	close := 80.0
	for i := range candles {
		if i%2 == 0 {
			close += 1.0
		} else {
			close -= 0.5
		}
		candles[i] = models.Candle{
			Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Open:      close - 0.5, High: close + 0.5, Low: close - 1, Close: close, Volume: 1000,
		}
	}
	f.mock.CandlesBySymbol["0700.HK"] = candles
	f.mock.QuotesBySymbol["0700.HK"] = models.Quote{Symbol: "0700.HK", Last: 110.5}

	f.gen.Scan(ctx, hkMorning)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending, "no sell published in the delay band")

	active, err := f.stops.GetActive(ctx, "0700.HK")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Greater(t, active.TakeProfit, 110.0, "take-profit stretched upward")
}
