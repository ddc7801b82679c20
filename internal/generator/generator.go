// Package generator runs the periodic scan loop that turns market data into
// scored, deduplicated trading signals.
package generator

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/config"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/indicators"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/queue"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/storage"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/util"
)

// cooldownGCInterval is how many scans pass between cooldown map sweeps.
const cooldownGCInterval = 10

// MarketData is the slice of the quote client the generator needs.
type MarketData interface {
	Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	Candles(ctx context.Context, symbol string, count int) ([]models.Candle, error)
}

// PositionSource reports current holdings.
type PositionSource interface {
	Positions(ctx context.Context) ([]models.PositionItem, error)
}

// Generator owns the scan loop. It is a single logical instance; the
// lastPublished map is private to it and never shared.
type Generator struct {
	cfg       *config.Config
	data      MarketData
	positions PositionSource
	queue     queue.Queue
	stops     storage.StopStore
	orders    storage.OrderStore
	logger    *log.Logger

	cooldown      time.Duration
	lastPublished map[string]time.Time
	scanCount     int
}

// New creates a generator.
func New(
	cfg *config.Config,
	data MarketData,
	positions PositionSource,
	q queue.Queue,
	stops storage.StopStore,
	orders storage.OrderStore,
	logger *log.Logger,
) *Generator {
	return &Generator{
		cfg:           cfg,
		data:          data,
		positions:     positions,
		queue:         q,
		stops:         stops,
		orders:        orders,
		logger:        logger,
		cooldown:      cfg.Cooldown(),
		lastPublished: make(map[string]time.Time),
	}
}

// Run scans immediately and then on every tick until the context ends.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.ScanInterval())
	defer ticker.Stop()

	g.Scan(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			g.logger.Printf("generator stopping: %v", ctx.Err())
			return nil
		case now := <-ticker.C:
			g.Scan(ctx, now)
		}
	}
}

// Scan runs one full iteration: exits first, then entries. A failure on any
// single symbol is logged and skipped, never fatal to the scan.
func (g *Generator) Scan(ctx context.Context, now time.Time) {
	g.scanCount++
	if g.scanCount%cooldownGCInterval == 0 {
		g.gcCooldowns(now)
	}

	activeMarkets := market.ActiveMarkets(now)
	if len(activeMarkets) == 0 {
		return
	}
	activeSet := make(map[models.Market]bool, len(activeMarkets))
	for _, m := range activeMarkets {
		activeSet[m] = true
	}

	state, err := g.refreshState(ctx, now)
	if err != nil {
		g.logger.Printf("scan aborted, state refresh failed: %v", err)
		return
	}

	var symbols []string
	for _, s := range g.cfg.Watchlist {
		if activeSet[models.MarketOf(s)] {
			symbols = append(symbols, s)
		}
	}

	// One batched quote call covers both exit and entry analysis.
	quoteSymbols := symbols
	for symbol := range state.activeStop {
		if activeSet[models.MarketOf(symbol)] && !contains(quoteSymbols, symbol) {
			quoteSymbols = append(quoteSymbols, symbol)
		}
	}
	quotes, err := g.data.Quotes(ctx, quoteSymbols)
	if err != nil {
		g.logger.Printf("scan aborted, quote fetch failed: %v", err)
		return
	}

	g.runExits(ctx, activeSet, state, quotes)
	g.runEntries(ctx, symbols, state, quotes)
}

func (g *Generator) refreshState(ctx context.Context, now time.Time) (*scanState, error) {
	positions, err := g.positions.Positions(ctx)
	if err != nil {
		return nil, err
	}
	posMap := make(map[string]models.PositionItem, len(positions))
	for _, p := range positions {
		if p.Quantity > 0 {
			posMap[p.Symbol] = p
		}
	}

	todayBuys, err := g.orders.TodayBuySymbols(ctx, market.TradeDate(now))
	if err != nil {
		return nil, err
	}

	stops, err := g.stops.LoadAllActive(ctx)
	if err != nil {
		return nil, err
	}
	stopMap := make(map[string]models.StopContract, len(stops))
	for _, s := range stops {
		stopMap[s.Symbol] = s
	}

	return &scanState{positions: posMap, todayBuys: todayBuys, activeStop: stopMap}, nil
}

// runExits evaluates every active stop before any entry is considered.
func (g *Generator) runExits(ctx context.Context, activeSet map[models.Market]bool, state *scanState, quotes map[string]models.Quote) {
	for symbol, contract := range state.activeStop {
		if !activeSet[models.MarketOf(symbol)] {
			continue
		}
		q, ok := quotes[symbol]
		if !ok {
			g.logger.Printf("exit check for %s skipped: no quote", symbol)
			continue
		}
		action, snap := g.evaluateExit(ctx, contract, q.Last)

		if action.StretchTP > 0 {
			if err := g.stops.StretchTakeProfit(ctx, symbol, action.StretchTP); err != nil {
				g.logger.Printf("stretching take-profit for %s failed: %v", symbol, err)
			} else {
				g.logger.Printf("%s: %s", symbol, action.Reason)
			}
			continue
		}
		if action.Kind == "" {
			continue
		}

		sig := models.Signal{
			ID:             uuid.NewString(),
			Symbol:         symbol,
			Kind:           action.Kind,
			ReferencePrice: q.Last,
			Indicators:     snap,
			StopLoss:       contract.StopLoss,
			TakeProfit:     contract.TakeProfit,
			GeneratedAt:    time.Now(),
		}
		g.publish(ctx, sig, state, action.Reason)
	}
}

// evaluateExit computes the exit decision for one held position, returning
// the snapshot that drove it so the signal carries it. When the snapshot is
// incomplete only the static stop-loss floor applies.
func (g *Generator) evaluateExit(ctx context.Context, contract models.StopContract, price float64) (ExitAction, models.IndicatorSnapshot) {
	candles, err := g.data.Candles(ctx, contract.Symbol, g.cfg.Scan.CandleCount)
	if err != nil {
		g.logger.Printf("exit candles for %s failed: %v", contract.Symbol, err)
		candles = nil
	}
	snap := indicators.Compute(candles)
	if !snap.Valid() {
		if price <= contract.StopLoss {
			return ExitAction{Kind: models.KindSellStopLoss, Reason: "stop-loss floor (no indicators)"}, snap
		}
		return ExitAction{Reason: "hold: incomplete indicators"}, snap
	}
	score := ExitScore(price, contract.EntryPrice, snap)
	return DecideExit(price, contract, score), snap
}

// runEntries fans per-symbol analysis out over a bounded worker pool, then
// publishes the survivors in descending score order to bias the queue.
func (g *Generator) runEntries(ctx context.Context, symbols []string, state *scanState, quotes map[string]models.Quote) {
	var (
		mu         sync.Mutex
		candidates []models.Signal
	)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(g.cfg.Scan.AnalysisWorkers)
	for _, symbol := range symbols {
		if _, held := state.positions[symbol]; held {
			continue
		}
		if _, exiting := state.activeStop[symbol]; exiting {
			continue
		}
		q, ok := quotes[symbol]
		if !ok {
			continue
		}

		symbol, q := symbol, q
		grp.Go(func() error {
			sig, ok := g.analyzeEntry(grpCtx, symbol, q.Last)
			if ok {
				mu.Lock()
				candidates = append(candidates, sig)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = grp.Wait()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	for _, sig := range candidates {
		g.publish(ctx, sig, state, "")
	}
}

// analyzeEntry scores one symbol. Incomplete indicator snapshots are
// rejected outright, never zero-filled.
func (g *Generator) analyzeEntry(ctx context.Context, symbol string, price float64) (models.Signal, bool) {
	candles, err := g.data.Candles(ctx, symbol, g.cfg.Scan.CandleCount)
	if err != nil {
		g.logger.Printf("candles for %s failed: %v", symbol, err)
		return models.Signal{}, false
	}
	snap := indicators.Compute(candles)
	if !snap.Valid() {
		return models.Signal{}, false
	}

	score := BuyScore(price, snap, g.cfg.Signals.SqueezeThreshold)
	kind, ok := KindForScore(score, g.cfg.Signals.MinBuyScore, g.cfg.Signals.WeakBuyEnabled)
	if !ok {
		return models.Signal{}, false
	}

	return models.Signal{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Kind:           kind,
		Score:          score,
		ReferencePrice: price,
		Indicators:     snap,
		StopLoss:       util.RoundToTick(symbol, price-g.cfg.Signals.ATRStopMultiple*snap.ATR),
		TakeProfit:     util.RoundToTick(symbol, price+g.cfg.Signals.ATRProfitMultiple*snap.ATR),
		GeneratedAt:    time.Now(),
	}, true
}

// publish runs the dedup filter and, on success, hands the signal to the
// queue. Buys stamp the cooldown map; sells must never delay a later buy.
func (g *Generator) publish(ctx context.Context, sig models.Signal, state *scanState, reason string) {
	ok, skip := g.checkDedup(ctx, sig, state)
	if !ok {
		g.logger.Printf("signal for %s skipped: %s", sig.Symbol, skip)
		return
	}
	if err := g.queue.Publish(ctx, sig); err != nil {
		g.logger.Printf("publishing %s signal for %s failed: %v", sig.Kind, sig.Symbol, err)
		return
	}
	if sig.Kind.IsBuy() {
		g.lastPublished[sig.Symbol] = time.Now()
	}
	if reason != "" {
		g.logger.Printf("published %s for %s (%s)", sig.Kind, sig.Symbol, reason)
	} else {
		g.logger.Printf("published %s for %s score %.0f", sig.Kind, sig.Symbol, sig.Score)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
