// Package executor consumes signals from the queue and turns them into
// broker orders, stop contracts and notifications.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/config"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/notify"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/queue"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/storage"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/util"
)

const (
	consumeTimeout  = 2 * time.Second
	statusPollEvery = 500 * time.Millisecond
)

// permanentError marks failures retrying cannot fix: price rejections, zero
// quantity, insufficient funds. They send the signal straight to failed.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || broker.IsPermanentAPIError(err)
}

// errInsufficientBuyPower skips the signal without burning retries: the
// account cannot fund the buy, and neither redelivery nor the failed bucket
// would change that.
var errInsufficientBuyPower = errors.New("insufficient buy power")

// Executor runs N identical workers over the signal queue.
type Executor struct {
	cfg    *config.Config
	broker broker.Broker
	queue  queue.Queue
	stops  storage.StopStore
	orders storage.OrderStore
	sink   *notify.Sink
	logger *log.Logger
}

// New creates an executor.
func New(
	cfg *config.Config,
	b broker.Broker,
	q queue.Queue,
	stops storage.StopStore,
	orders storage.OrderStore,
	sink *notify.Sink,
	logger *log.Logger,
) *Executor {
	return &Executor{
		cfg:    cfg,
		broker: b,
		queue:  q,
		stops:  stops,
		orders: orders,
		sink:   sink,
		logger: logger,
	}
}

// Run starts the configured number of workers and blocks until the context
// ends.
func (e *Executor) Run(ctx context.Context) error {
	grp, grpCtx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Executor.Workers; i++ {
		worker := i
		grp.Go(func() error {
			e.workerLoop(grpCtx, worker)
			return nil
		})
	}
	return grp.Wait()
}

func (e *Executor) workerLoop(ctx context.Context, worker int) {
	e.logger.Printf("executor worker %d started", worker)
	for {
		if ctx.Err() != nil {
			e.logger.Printf("executor worker %d stopping", worker)
			return
		}
		d, err := e.queue.Consume(ctx, consumeTimeout)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Printf("worker %d consume failed: %v", worker, err)
			}
			continue
		}
		if d == nil {
			continue
		}
		e.dispatch(ctx, d)
	}
}

// dispatch handles one delivery and settles it with ack or fail.
func (e *Executor) dispatch(ctx context.Context, d *queue.Delivery) {
	sig := d.Signal
	var err error
	if sig.Kind.IsBuy() {
		err = e.handleBuy(ctx, sig)
	} else {
		err = e.handleSell(ctx, sig)
	}

	if err == nil {
		if ackErr := e.queue.Ack(ctx, sig.ID); ackErr != nil {
			e.logger.Printf("acking %s failed: %v", sig.ID, ackErr)
		}
		return
	}

	retryable := !isPermanent(err)
	e.logger.Printf("handling %s for %s failed (retryable=%t, attempt %d): %v",
		sig.Kind, sig.Symbol, retryable, d.Attempts, err)
	if failErr := e.queue.Fail(ctx, sig.ID, err, retryable); failErr != nil {
		e.logger.Printf("failing %s failed: %v", sig.ID, failErr)
	}
}

// handleBuy executes a buy signal. Returning nil acks the signal; dedup hits
// and completed resumes count as success.
func (e *Executor) handleBuy(ctx context.Context, sig models.Signal) error {
	// Idempotence first: an existing record for this signal means a previous
	// delivery already placed the order, and its own position or same-day
	// entry would trip the dedup layers below. Resume it instead.
	existing, err := e.orders.FindByClientOrderID(ctx, sig.ID)
	if err != nil {
		return fmt.Errorf("looking up order record: %w", err)
	}
	if existing != nil {
		return e.resumeBuy(ctx, sig, existing)
	}

	// Layer re-check: the world may have changed since publish.
	positions, err := e.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == sig.Symbol && p.Quantity > 0 {
			e.logger.Printf("buy %s dropped: position already open", sig.Symbol)
			return nil
		}
	}
	todayBuys, err := e.orders.TodayBuySymbols(ctx, market.TradeDate(time.Now()))
	if err != nil {
		return fmt.Errorf("fetching today's buys: %w", err)
	}
	if todayBuys[sig.Symbol] {
		e.logger.Printf("buy %s dropped: same-day buy order exists", sig.Symbol)
		return nil
	}

	price, quantity, err := e.sizeBuy(ctx, sig)
	if errors.Is(err, errInsufficientBuyPower) {
		e.logger.Printf("buy %s skipped: %v", sig.Symbol, err)
		e.notifyEvent("buy_skipped", sig.Symbol, err.Error())
		return nil
	}
	if err != nil {
		return err
	}

	brokerOrderID, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: sig.ID,
		Symbol:        sig.Symbol,
		Side:          models.SideBuy,
		Quantity:      quantity,
		Price:         price,
		Type:          broker.TypeLimit,
		TIF:           broker.TIFDay,
	})
	if err != nil {
		return fmt.Errorf("submitting buy for %s: %w", sig.Symbol, err)
	}

	record := &models.OrderRecord{
		ClientOrderID: sig.ID,
		BrokerOrderID: brokerOrderID,
		Symbol:        sig.Symbol,
		Side:          models.SideBuy,
		Quantity:      quantity,
		Price:         price,
		StopLoss:      sig.StopLoss,
		TakeProfit:    sig.TakeProfit,
		State:         models.StatePendingSubmit,
		TradeDate:     market.TradeDate(time.Now()),
		SubmittedAt:   time.Now(),
	}
	if err := e.orders.Create(ctx, record); err != nil {
		return fmt.Errorf("writing order record for %s: %w", sig.Symbol, err)
	}

	status := e.pollStatus(ctx, record)
	return e.settleBuy(ctx, sig, record, status)
}

// sizeBuy computes the limit price and lot-quantized quantity for a buy.
func (e *Executor) sizeBuy(ctx context.Context, sig models.Signal) (float64, int64, error) {
	snapshot, err := e.accountSnapshot(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching account snapshot: %w", err)
	}
	buyPower := effectiveBuyPower(snapshot, sig.Symbol, e.cfg.Executor.MinBuyPower, e.cfg.Executor.FXHKDPerUSD)
	if buyPower < e.cfg.Executor.MinBuyPower {
		return 0, 0, fmt.Errorf("%w: %.2f for %s", errInsufficientBuyPower, buyPower, sig.Symbol)
	}

	fraction := budgetFraction(sig.Score, e.cfg.Executor.BudgetMin, e.cfg.Executor.BudgetMax)
	value := buyPower * fraction

	depth, err := e.broker.Depth(ctx, sig.Symbol)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching depth for %s: %w", sig.Symbol, err)
	}
	tick := util.TickSize(sig.Symbol, sig.ReferencePrice)
	limit := sig.ReferencePrice + tick
	if depth.Ask > 0 && depth.Ask < limit {
		limit = depth.Ask
	}
	limit = util.RoundToTick(sig.Symbol, limit)
	if limit > sig.ReferencePrice*(1+e.cfg.Executor.MaxSlippagePct/100) {
		return 0, 0, permanent("limit %.4f exceeds slippage cap over reference %.4f", limit, sig.ReferencePrice)
	}

	lotSize, err := e.broker.LotSize(ctx, sig.Symbol)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching lot size for %s: %w", sig.Symbol, err)
	}
	quantity := quantize(value, limit, lotSize)
	if quantity <= 0 {
		return 0, 0, permanent("budget %.2f too small for one lot of %s at %.4f", value, sig.Symbol, limit)
	}
	return limit, quantity, nil
}

func (e *Executor) accountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	balances, err := e.broker.AccountBalance(ctx)
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	positions, err := e.broker.Positions(ctx)
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	posMap := make(map[string]models.PositionItem, len(positions))
	for _, p := range positions {
		posMap[p.Symbol] = p
	}
	return models.AccountSnapshot{Balances: balances, Positions: posMap}, nil
}

// pollStatus polls the broker for up to the configured window and keeps the
// order record's state current. Returns the last status seen, nil if none.
func (e *Executor) pollStatus(ctx context.Context, record *models.OrderRecord) *broker.OrderStatus {
	deadline := time.Now().Add(time.Duration(e.cfg.Executor.StatusPollSec) * time.Second)
	var last *broker.OrderStatus
	for {
		status, err := e.broker.OrderStatus(ctx, record.BrokerOrderID)
		if err != nil {
			e.logger.Printf("polling order %s: %v", record.BrokerOrderID, err)
		} else {
			last = status
			if record.State.CanTransitionTo(status.State) && record.State != status.State {
				if err := e.orders.UpdateState(ctx, record.ClientOrderID, status.State); err != nil {
					e.logger.Printf("updating order %s state: %v", record.ClientOrderID, err)
				} else {
					record.State = status.State
				}
			}
			if status.State.Terminal() {
				return last
			}
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(statusPollEvery):
		}
	}
}

// settleBuy finishes buy handling once the order reached its post-submit
// state: writes the stop contract and backup orders on a fill.
func (e *Executor) settleBuy(ctx context.Context, sig models.Signal, record *models.OrderRecord, status *broker.OrderStatus) error {
	if status == nil {
		// Submitted but unconfirmed; the record stays pending_submit and a
		// redelivery resumes polling.
		return fmt.Errorf("order %s unconfirmed after status polling", record.BrokerOrderID)
	}

	switch status.State {
	case models.StateFailed, models.StateCancelled:
		return permanent("buy order for %s ended %s", sig.Symbol, status.State)

	case models.StateFilled, models.StatePartiallyFilled:
		if status.FilledQuantity <= 0 {
			return fmt.Errorf("order %s reports %s with no filled quantity", record.BrokerOrderID, status.State)
		}
		entry := status.AvgFillPrice
		if entry <= 0 {
			entry = record.Price
		}
		if err := e.writeStopAndBackups(ctx, sig.Symbol, entry, status.FilledQuantity, sig.StopLoss, sig.TakeProfit); err != nil {
			return err
		}
		e.notifyEvent("buy_filled", sig.Symbol,
			fmt.Sprintf("bought %d %s at %.4f, stop %.4f take-profit %.4f",
				status.FilledQuantity, sig.Symbol, entry, sig.StopLoss, sig.TakeProfit))
		return nil

	default:
		// Accepted but not yet filled within the poll window. Fail retryable
		// so redelivery keeps polling; a fill must end with a stop contract,
		// and acking here would orphan it. Reconcile covers orders that fill
		// after the attempt budget runs out.
		return fmt.Errorf("buy order %s for %s still %s after polling", record.BrokerOrderID, sig.Symbol, status.State)
	}
}

// writeStopAndBackups persists the stop contract and best-effort places the
// two exchange-side backup sells. Backup failures never fail the buy.
func (e *Executor) writeStopAndBackups(ctx context.Context, symbol string, entry float64, quantity int64, stopLoss, takeProfit float64) error {
	contract := &models.StopContract{
		Symbol:     symbol,
		EntryPrice: entry,
		Quantity:   quantity,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}
	if err := e.stops.Put(ctx, contract); err != nil {
		if errors.Is(err, storage.ErrStopConflict) {
			// Already written by a previous delivery of this signal.
			e.logger.Printf("stop contract for %s already active", symbol)
			return nil
		}
		return fmt.Errorf("writing stop contract for %s: %w", symbol, err)
	}

	stopOrderID, err := e.broker.SubmitConditional(ctx, broker.ConditionalRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Quantity:     quantity,
		TriggerPrice: stopLoss,
		LimitPrice:   util.RoundToTick(symbol, stopLoss*e.cfg.Executor.BackupStopLimit),
		TIF:          broker.TIFGoodTillCancel,
	})
	if err != nil {
		e.logger.Printf("backup stop order for %s failed: %v", symbol, err)
	}
	tpOrderID, err := e.broker.SubmitConditional(ctx, broker.ConditionalRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Quantity:     quantity,
		TriggerPrice: takeProfit,
		LimitPrice:   takeProfit,
		TIF:          broker.TIFGoodTillCancel,
	})
	if err != nil {
		e.logger.Printf("backup take-profit order for %s failed: %v", symbol, err)
	}
	if stopOrderID != "" || tpOrderID != "" {
		if err := e.stops.AttachBackup(ctx, symbol, stopOrderID, tpOrderID); err != nil {
			e.logger.Printf("attaching backup ids for %s failed: %v", symbol, err)
		}
	}
	return nil
}

// resumeBuy continues a redelivered buy whose order already exists.
func (e *Executor) resumeBuy(ctx context.Context, sig models.Signal, record *models.OrderRecord) error {
	e.logger.Printf("resuming buy %s for %s in state %s", record.ClientOrderID, record.Symbol, record.State)
	if record.State.Terminal() {
		if record.State == models.StateFilled {
			active, err := e.stops.GetActive(ctx, sig.Symbol)
			if err != nil {
				return fmt.Errorf("checking stop contract for %s: %w", sig.Symbol, err)
			}
			if active == nil {
				stopLoss, takeProfit := record.StopLoss, record.TakeProfit
				if stopLoss <= 0 {
					stopLoss, takeProfit = sig.StopLoss, sig.TakeProfit
				}
				return e.writeStopAndBackups(ctx, sig.Symbol, record.Price, record.Quantity, stopLoss, takeProfit)
			}
		}
		return nil
	}
	status := e.pollStatus(ctx, record)
	return e.settleBuy(ctx, sig, record, status)
}

// handleSell executes a sell signal. All sell failures are retryable.
func (e *Executor) handleSell(ctx context.Context, sig models.Signal) error {
	contract, err := e.stops.GetActive(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("reading stop contract for %s: %w", sig.Symbol, err)
	}

	positions, err := e.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}
	var held int64
	for _, p := range positions {
		if p.Symbol == sig.Symbol {
			held = p.Quantity
		}
	}
	if contract == nil && held == 0 {
		e.logger.Printf("sell %s dropped: no position and no stop contract", sig.Symbol)
		return nil
	}

	// Backups must not race our sell.
	if contract != nil {
		for _, orderID := range []string{contract.BackupStopOrderID, contract.BackupTPOrderID} {
			if orderID == "" {
				continue
			}
			if err := e.broker.CancelOrder(ctx, orderID); err != nil {
				e.logger.Printf("cancelling backup order %s for %s: %v", orderID, sig.Symbol, err)
			}
		}
	}

	quantity := held
	if quantity == 0 && contract != nil {
		quantity = contract.Quantity
	}
	if quantity <= 0 {
		if err := e.stops.MarkClosed(ctx, sig.Symbol); err != nil {
			return fmt.Errorf("closing orphaned stop contract for %s: %w", sig.Symbol, err)
		}
		return nil
	}

	// Redelivery resume: the sell order may already exist.
	record, err := e.orders.FindByClientOrderID(ctx, sig.ID)
	if err != nil {
		return fmt.Errorf("looking up sell record: %w", err)
	}
	if record == nil {
		depth, err := e.broker.Depth(ctx, sig.Symbol)
		if err != nil {
			return fmt.Errorf("fetching depth for %s: %w", sig.Symbol, err)
		}
		tick := util.TickSize(sig.Symbol, sig.ReferencePrice)
		limit := sig.ReferencePrice - tick
		if depth.Bid > limit {
			limit = depth.Bid
		}
		limit = util.RoundToTick(sig.Symbol, limit)

		brokerOrderID, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
			ClientOrderID: sig.ID,
			Symbol:        sig.Symbol,
			Side:          models.SideSell,
			Quantity:      quantity,
			Price:         limit,
			Type:          broker.TypeLimit,
			TIF:           broker.TIFDay,
		})
		if err != nil {
			return fmt.Errorf("submitting sell for %s: %w", sig.Symbol, err)
		}
		record = &models.OrderRecord{
			ClientOrderID: sig.ID,
			BrokerOrderID: brokerOrderID,
			Symbol:        sig.Symbol,
			Side:          models.SideSell,
			Quantity:      quantity,
			Price:         limit,
			State:         models.StatePendingSubmit,
			TradeDate:     market.TradeDate(time.Now()),
			SubmittedAt:   time.Now(),
		}
		if err := e.orders.Create(ctx, record); err != nil {
			return fmt.Errorf("writing sell record for %s: %w", sig.Symbol, err)
		}
	}

	status := e.pollStatus(ctx, record)
	if status == nil || !status.State.Terminal() {
		return fmt.Errorf("sell order %s for %s not final yet", record.BrokerOrderID, sig.Symbol)
	}
	if status.State != models.StateFilled && status.State != models.StatePartiallyFilled {
		return fmt.Errorf("sell order for %s ended %s", sig.Symbol, status.State)
	}

	if err := e.stops.MarkClosed(ctx, sig.Symbol); err != nil {
		return fmt.Errorf("closing stop contract for %s: %w", sig.Symbol, err)
	}
	e.notifyEvent("sell_filled", sig.Symbol,
		fmt.Sprintf("%s sold %d %s at %.4f", sig.Kind, status.FilledQuantity, sig.Symbol, status.AvgFillPrice))
	return nil
}

// Reconcile brings order records stuck in non-terminal states up to date
// with the broker. Run once at startup before consuming. Buy fills discovered
// here get their stop contract and backups from the levels persisted on the
// record, since the originating signal may be long gone from the queue.
func (e *Executor) Reconcile(ctx context.Context) {
	open, err := e.orders.OpenOrders(ctx)
	if err != nil {
		e.logger.Printf("reconcile skipped: %v", err)
		return
	}
	for _, record := range open {
		if record.BrokerOrderID == "" {
			continue
		}
		status, err := e.broker.OrderStatus(ctx, record.BrokerOrderID)
		if err != nil {
			e.logger.Printf("reconcile: polling %s failed: %v", record.BrokerOrderID, err)
			continue
		}
		if status.State != record.State && record.State.CanTransitionTo(status.State) {
			if err := e.orders.UpdateState(ctx, record.ClientOrderID, status.State); err != nil {
				e.logger.Printf("reconcile: updating %s failed: %v", record.ClientOrderID, err)
				continue
			}
			e.logger.Printf("reconcile: order %s for %s moved %s -> %s",
				record.ClientOrderID, record.Symbol, record.State, status.State)
		}

		filled := status.State == models.StateFilled || status.State == models.StatePartiallyFilled
		if record.Side == models.SideBuy && record.StopLoss > 0 && filled && status.FilledQuantity > 0 {
			active, err := e.stops.GetActive(ctx, record.Symbol)
			if err != nil {
				e.logger.Printf("reconcile: checking stop contract for %s: %v", record.Symbol, err)
				continue
			}
			if active != nil {
				continue
			}
			entry := status.AvgFillPrice
			if entry <= 0 {
				entry = record.Price
			}
			if err := e.writeStopAndBackups(ctx, record.Symbol, entry, status.FilledQuantity, record.StopLoss, record.TakeProfit); err != nil {
				e.logger.Printf("reconcile: stop contract for %s: %v", record.Symbol, err)
				continue
			}
			e.logger.Printf("reconcile: wrote stop contract for %s after late fill", record.Symbol)
		}
	}
}

func (e *Executor) notifyEvent(kind, symbol, message string) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(notify.Event{Kind: kind, Symbol: symbol, Message: message})
}
