package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/config"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/queue"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/storage"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/util"
)

func testExecutorConfig() *config.Config {
	return &config.Config{
		Executor: config.ExecutorConfig{
			Workers:         1,
			BudgetMin:       0.08,
			BudgetMax:       0.20,
			MaxSlippagePct:  1.0,
			FXHKDPerUSD:     7.8,
			MinBuyPower:     1000,
			StatusPollSec:   1,
			BackupStopLimit: 0.995,
		},
	}
}

type executorFixture struct {
	exec   *Executor
	mock   *broker.MockBroker
	queue  *queue.MockQueue
	stops  *storage.MockStopStore
	orders *storage.MockOrderStore
}

func newExecutorFixture() *executorFixture {
	mock := broker.NewMockBroker()
	q := queue.NewMockQueue()
	stops := storage.NewMockStopStore()
	orders := storage.NewMockOrderStore()
	logger := log.New(io.Discard, "", 0)
	return &executorFixture{
		exec:   New(testExecutorConfig(), mock, q, stops, orders, nil, logger),
		mock:   mock,
		queue:  q,
		stops:  stops,
		orders: orders,
	}
}

func buySignal(symbol string, score float64) models.Signal {
	return models.Signal{
		ID:             "sig-" + symbol,
		Symbol:         symbol,
		Kind:           models.KindBuy,
		Score:          score,
		ReferencePrice: 100.0,
		StopLoss:       94.0,
		TakeProfit:     115.0,
		GeneratedAt:    time.Now(),
	}
}

func (f *executorFixture) deliver(t *testing.T, sig models.Signal) *queue.Delivery {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.queue.Publish(ctx, sig))
	d, err := f.queue.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestBudgetFraction(t *testing.T) {
	min, max := 0.08, 0.20
	assert.InDelta(t, min, budgetFraction(30, min, max), 1e-9, "floor score maps to min")
	assert.InDelta(t, max, budgetFraction(100, min, max), 1e-9, "ceiling score maps to max")
	assert.InDelta(t, min, budgetFraction(10, min, max), 1e-9, "clamped below")
	assert.InDelta(t, max, budgetFraction(150, min, max), 1e-9, "clamped above")

	mid := budgetFraction(65, min, max)
	assert.Greater(t, mid, min)
	assert.Less(t, mid, max)
	assert.Greater(t, budgetFraction(80, min, max), mid, "monotonic in score")
}

func TestEffectiveBuyPower(t *testing.T) {
	snapshot := models.AccountSnapshot{Balances: map[string]models.Balance{
		"HKD": {BuyPower: 500},
		"USD": {BuyPower: 2000},
	}}

	// Native HKD is below the minimum; USD converts at 7.8.
	got := effectiveBuyPower(snapshot, "0700.HK", 1000, 7.8)
	assert.InDelta(t, 15600.0, got, 1e-9)

	// Native USD is plenty for a US symbol.
	got = effectiveBuyPower(snapshot, "AAPL.US", 1000, 7.8)
	assert.InDelta(t, 2000.0, got, 1e-9)

	// US symbol with thin USD falls back to HKD divided by the rate.
	snapshot.Balances = map[string]models.Balance{
		"USD": {BuyPower: 100},
		"HKD": {BuyPower: 78000},
	}
	got = effectiveBuyPower(snapshot, "AAPL.US", 1000, 7.8)
	assert.InDelta(t, 10000.0, got, 1e-9)
}

func TestQuantize(t *testing.T) {
	assert.EqualValues(t, 1000, quantize(9000, 6.50, 500), "whole lots only")
	assert.EqualValues(t, 0, quantize(500, 6.50, 500), "budget below one lot")
	assert.EqualValues(t, 0, quantize(1000, 0, 500), "guard against zero price")
	assert.EqualValues(t, 200, quantize(25257, 100.10, 100))
}

func TestHandleBuy_HappyPath(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	f.mock.Balances["HKD"] = models.Balance{BuyPower: 200000}
	f.mock.DepthBySymbol["0700.HK"] = broker.Depth{Bid: 99.9, Ask: 100.2, BidSize: 1000, AskSize: 1000}
	f.mock.LotSizeBySymbol["0700.HK"] = 100

	sig := buySignal("0700.HK", 57)
	d := f.deliver(t, sig)
	f.exec.dispatch(ctx, d)

	// Order submitted at reference + one tick (ask is further away).
	require.Len(t, f.mock.SubmittedOrders, 1)
	order := f.mock.SubmittedOrders[0]
	assert.Equal(t, sig.ID, order.ClientOrderID)
	assert.Equal(t, models.SideBuy, order.Side)
	assert.InDelta(t, 100.10, order.Price, 1e-9)
	assert.EqualValues(t, 200, order.Quantity)

	// Record ends filled and the stop contract exists.
	record, err := f.orders.FindByClientOrderID(ctx, sig.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, models.StateFilled, record.State)

	active, err := f.stops.GetActive(ctx, "0700.HK")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.InDelta(t, 100.10, active.EntryPrice, 1e-9)
	assert.EqualValues(t, 200, active.Quantity)
	assert.InDelta(t, 94.0, active.StopLoss, 1e-9)
	assert.InDelta(t, 115.0, active.TakeProfit, 1e-9)

	// Two backup conditionals, ids attached.
	require.Len(t, f.mock.Conditionals, 2)
	stopBackup := f.mock.Conditionals[0]
	assert.InDelta(t, 94.0, stopBackup.TriggerPrice, 1e-9)
	assert.InDelta(t, util.RoundToTick("0700.HK", 94.0*0.995), stopBackup.LimitPrice, 1e-9)
	assert.Equal(t, broker.TIFGoodTillCancel, stopBackup.TIF)
	tpBackup := f.mock.Conditionals[1]
	assert.InDelta(t, 115.0, tpBackup.TriggerPrice, 1e-9)
	assert.InDelta(t, 115.0, tpBackup.LimitPrice, 1e-9)
	assert.NotEmpty(t, active.BackupStopOrderID)
	assert.NotEmpty(t, active.BackupTPOrderID)

	// Signal acked.
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalAcked)
	assert.EqualValues(t, 0, stats.Processing)
}

func TestHandleBuy_DedupRecheckAcks(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	f.mock.Holdings = []models.PositionItem{{Symbol: "0700.HK", Quantity: 100, Currency: "HKD"}}

	d := f.deliver(t, buySignal("0700.HK", 57))
	f.exec.dispatch(ctx, d)

	assert.Empty(t, f.mock.SubmittedOrders, "no order for an already-held symbol")
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalAcked, "dedup hit acks instead of failing")
}

func TestHandleBuy_SameDayOrderAcks(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	require.NoError(t, f.orders.Create(ctx, &models.OrderRecord{
		ClientOrderID: "earlier", Symbol: "0700.HK", Side: models.SideBuy,
		State: models.StateFilled, TradeDate: market.TradeDate(time.Now()),
	}))

	d := f.deliver(t, buySignal("0700.HK", 57))
	f.exec.dispatch(ctx, d)

	assert.Empty(t, f.mock.SubmittedOrders)
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalAcked)
}

func TestHandleBuy_IdempotentRedelivery(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	sig := buySignal("0700.HK", 57)
	// A previous delivery already placed and filled the order today, then
	// crashed before writing the stop contract. The position it opened and
	// its same-day record must not shadow the resume: the signal's own order
	// is found first, ahead of the dedup rechecks.
	f.mock.Holdings = []models.PositionItem{{Symbol: "0700.HK", Quantity: 200, Currency: "HKD"}}
	require.NoError(t, f.orders.Create(ctx, &models.OrderRecord{
		ClientOrderID: sig.ID, BrokerOrderID: "LB-1", Symbol: sig.Symbol,
		Side: models.SideBuy, Quantity: 200, Price: 100.10,
		StopLoss: 94.0, TakeProfit: 115.0,
		State: models.StateFilled, TradeDate: market.TradeDate(time.Now()),
	}))

	d := f.deliver(t, sig)
	f.exec.dispatch(ctx, d)

	assert.Empty(t, f.mock.SubmittedOrders, "no duplicate submission on redelivery")
	active, err := f.stops.GetActive(ctx, sig.Symbol)
	require.NoError(t, err)
	require.NotNil(t, active, "redelivery completes the stop contract write")
	assert.EqualValues(t, 200, active.Quantity)
	assert.InDelta(t, 94.0, active.StopLoss, 1e-9)
	assert.InDelta(t, 115.0, active.TakeProfit, 1e-9)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalAcked)
}

func TestHandleBuy_LiveOrderRetriesUntilFill(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	f.mock.Balances["HKD"] = models.Balance{BuyPower: 200000}
	f.mock.DepthBySymbol["0700.HK"] = broker.Depth{Bid: 99.9, Ask: 100.2}
	f.mock.LotSizeBySymbol["0700.HK"] = 100
	// The order stays live through the whole poll window.
	f.mock.OrderStatuses["B-0001"] = broker.OrderStatus{State: models.StateLive}

	sig := buySignal("0700.HK", 57)
	d := f.deliver(t, sig)
	f.exec.dispatch(ctx, d)

	require.Len(t, f.mock.SubmittedOrders, 1)
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending, "an unfilled order keeps the signal alive for redelivery")
	active, err := f.stops.GetActive(ctx, "0700.HK")
	require.NoError(t, err)
	assert.Nil(t, active, "no stop contract before the fill")

	// The fill lands before the redelivery; the resume writes the contract.
	f.mock.OrderStatuses["B-0001"] = broker.OrderStatus{
		State: models.StateFilled, FilledQuantity: 200, AvgFillPrice: 100.10,
	}
	d, err = f.queue.Consume(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	f.exec.dispatch(ctx, d)

	require.Len(t, f.mock.SubmittedOrders, 1, "resume never resubmits")
	active, err = f.stops.GetActive(ctx, "0700.HK")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.InDelta(t, 100.10, active.EntryPrice, 1e-9)
	require.Len(t, f.mock.Conditionals, 2)

	stats, err = f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalAcked)
	assert.EqualValues(t, 0, stats.Pending)
}

func TestHandleBuy_InsufficientBuyPowerAcks(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	f.mock.Balances["HKD"] = models.Balance{BuyPower: 100}

	d := f.deliver(t, buySignal("0700.HK", 57))
	f.exec.dispatch(ctx, d)

	assert.Empty(t, f.mock.SubmittedOrders)
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalAcked, "an unfunded buy is skipped, not failed")
	assert.EqualValues(t, 0, stats.Failed)
}

func TestHandleBuy_ZeroQuantityIsPermanent(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	// Enough to pass the minimum but far too little for one lot at ~100.
	f.mock.Balances["HKD"] = models.Balance{BuyPower: 1200}
	f.mock.DepthBySymbol["0700.HK"] = broker.Depth{Bid: 99.9, Ask: 100.2}
	f.mock.LotSizeBySymbol["0700.HK"] = 100

	d := f.deliver(t, buySignal("0700.HK", 57))
	f.exec.dispatch(ctx, d)

	assert.Empty(t, f.mock.SubmittedOrders)
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed, "permanent failure skips the retry loop")
}

func TestHandleBuy_TransientErrorRetries(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	f.mock.BalanceErr = &broker.APIError{Status: 503, Message: "upstream down"}

	d := f.deliver(t, buySignal("0700.HK", 57))
	f.exec.dispatch(ctx, d)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending, "transient failure requeues the signal")
	assert.EqualValues(t, 0, stats.Failed)
}

func TestHandleSell_HappyPath(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	require.NoError(t, f.stops.Put(ctx, &models.StopContract{
		Symbol: "0700.HK", EntryPrice: 90, Quantity: 200, StopLoss: 94, TakeProfit: 115,
	}))
	require.NoError(t, f.stops.AttachBackup(ctx, "0700.HK", "B-STOP", "B-TP"))
	f.mock.Holdings = []models.PositionItem{{Symbol: "0700.HK", Quantity: 200, Currency: "HKD"}}
	f.mock.DepthBySymbol["0700.HK"] = broker.Depth{Bid: 99.5, Ask: 99.7}

	sig := models.Signal{
		ID: "sig-sell", Symbol: "0700.HK", Kind: models.KindSellStopLoss,
		ReferencePrice: 99.6, GeneratedAt: time.Now(),
	}
	d := f.deliver(t, sig)
	f.exec.dispatch(ctx, d)

	// Backups cancelled before selling.
	assert.ElementsMatch(t, []string{"B-STOP", "B-TP"}, f.mock.CancelledOrders)

	require.Len(t, f.mock.SubmittedOrders, 1)
	order := f.mock.SubmittedOrders[0]
	assert.Equal(t, models.SideSell, order.Side)
	assert.EqualValues(t, 200, order.Quantity)
	assert.InDelta(t, 99.55, order.Price, 1e-9, "max(bid, reference - tick)")

	active, err := f.stops.GetActive(ctx, "0700.HK")
	require.NoError(t, err)
	assert.Nil(t, active, "stop contract closed after the sell filled")

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalAcked)
}

func TestHandleSell_NothingToDoAcks(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	sig := models.Signal{ID: "sig-sell", Symbol: "0700.HK", Kind: models.KindSellTakeProfit, ReferencePrice: 100}
	d := f.deliver(t, sig)
	f.exec.dispatch(ctx, d)

	assert.Empty(t, f.mock.SubmittedOrders)
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalAcked)
}

func TestReconcileUpdatesStuckOrders(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	require.NoError(t, f.orders.Create(ctx, &models.OrderRecord{
		ClientOrderID: "sig-1", BrokerOrderID: "LB-1", Symbol: "0700.HK",
		Side: models.SideBuy, Quantity: 200, Price: 100,
		State: models.StatePendingSubmit, TradeDate: market.TradeDate(time.Now()),
	}))
	f.mock.OrderStatuses["LB-1"] = broker.OrderStatus{State: models.StateFilled, FilledQuantity: 200, AvgFillPrice: 100}

	f.exec.Reconcile(ctx)

	record, err := f.orders.FindByClientOrderID(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFilled, record.State)
}

func TestReconcileWritesStopForLateFill(t *testing.T) {
	f := newExecutorFixture()
	ctx := context.Background()

	// A buy that filled after its signal exhausted the queue: the stop levels
	// live only on the order record.
	require.NoError(t, f.orders.Create(ctx, &models.OrderRecord{
		ClientOrderID: "sig-late", BrokerOrderID: "LB-9", Symbol: "0700.HK",
		Side: models.SideBuy, Quantity: 200, Price: 100.10,
		StopLoss: 94.0, TakeProfit: 115.0,
		State: models.StateLive, TradeDate: market.TradeDate(time.Now()),
	}))
	f.mock.OrderStatuses["LB-9"] = broker.OrderStatus{
		State: models.StateFilled, FilledQuantity: 200, AvgFillPrice: 100.20,
	}

	f.exec.Reconcile(ctx)

	record, err := f.orders.FindByClientOrderID(ctx, "sig-late")
	require.NoError(t, err)
	assert.Equal(t, models.StateFilled, record.State)

	active, err := f.stops.GetActive(ctx, "0700.HK")
	require.NoError(t, err)
	require.NotNil(t, active, "reconcile completes the stop contract for a late fill")
	assert.InDelta(t, 100.20, active.EntryPrice, 1e-9)
	assert.EqualValues(t, 200, active.Quantity)
	assert.InDelta(t, 94.0, active.StopLoss, 1e-9)
	assert.InDelta(t, 115.0, active.TakeProfit, 1e-9)
	require.Len(t, f.mock.Conditionals, 2, "backup sells placed alongside the contract")

	// A second pass is a no-op: the contract is already active.
	f.exec.Reconcile(ctx)
	assert.Len(t, f.mock.Conditionals, 2)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, isPermanent(permanent("zero quantity")))
	assert.True(t, isPermanent(fmt.Errorf("wrapping: %w", permanent("slippage cap"))))
	assert.True(t, isPermanent(&broker.APIError{Status: 400}))
	assert.False(t, isPermanent(&broker.APIError{Status: 503}))
	assert.False(t, isPermanent(errors.New("connection reset")))
}
