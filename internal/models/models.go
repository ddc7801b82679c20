// Package models defines the core domain types shared across the engine:
// candles, quotes, indicator snapshots, signals, stop contracts and order
// records.
package models

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Market identifies the exchange a symbol trades on.
type Market string

const (
	// MarketHK is the Hong Kong exchange.
	MarketHK Market = "HK"
	// MarketUS is the US exchange.
	MarketUS Market = "US"
	// MarketUnknown is returned for symbols without a recognized suffix.
	MarketUnknown Market = ""
)

// MarketOf derives the market from a symbol suffix (e.g. "0700.HK", "AAPL.US").
func MarketOf(symbol string) Market {
	switch {
	case strings.HasSuffix(symbol, ".HK"):
		return MarketHK
	case strings.HasSuffix(symbol, ".US"):
		return MarketUS
	default:
		return MarketUnknown
	}
}

// CurrencyOf returns the native trading currency for a symbol.
func CurrencyOf(symbol string) string {
	if MarketOf(symbol) == MarketHK {
		return "HKD"
	}
	return "USD"
}

// Candle is a single OHLCV bar. Sequences are ordered oldest first.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Quote is a real-time last-trade snapshot for a symbol.
type Quote struct {
	Symbol      string    `json:"symbol"`
	Last        float64   `json:"last"`
	VolumeToday float64   `json:"volume_today"`
	Timestamp   time.Time `json:"timestamp"`
}

// IndicatorSnapshot holds the latest value of every indicator the scoring
// model consumes. Unavailable values are NaN, never zero.
type IndicatorSnapshot struct {
	RSI          float64 `json:"rsi"`
	MACD         float64 `json:"macd"`
	MACDSignal   float64 `json:"macd_signal"`
	MACDHist     float64 `json:"macd_hist"`
	PrevMACDHist float64 `json:"prev_macd_hist"`
	BBUpper      float64 `json:"bb_upper"`
	BBMiddle     float64 `json:"bb_middle"`
	BBLower      float64 `json:"bb_lower"`
	SMA20        float64 `json:"sma20"`
	SMA50        float64 `json:"sma50"`
	ATR          float64 `json:"atr"`
	VolumeRatio  float64 `json:"volume_ratio"`
}

// Valid reports whether every field carries a real value. Scoring rejects
// snapshots with unknown fields rather than substituting zeros.
func (s IndicatorSnapshot) Valid() bool {
	for _, v := range []float64{
		s.RSI, s.MACD, s.MACDSignal, s.MACDHist, s.PrevMACDHist,
		s.BBUpper, s.BBMiddle, s.BBLower, s.SMA20, s.SMA50, s.ATR, s.VolumeRatio,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// indicatorSnapshotWire mirrors IndicatorSnapshot with nullable fields so
// unknown values cross JSON as null, never as zero.
type indicatorSnapshotWire struct {
	RSI          *float64 `json:"rsi"`
	MACD         *float64 `json:"macd"`
	MACDSignal   *float64 `json:"macd_signal"`
	MACDHist     *float64 `json:"macd_hist"`
	PrevMACDHist *float64 `json:"prev_macd_hist"`
	BBUpper      *float64 `json:"bb_upper"`
	BBMiddle     *float64 `json:"bb_middle"`
	BBLower      *float64 `json:"bb_lower"`
	SMA20        *float64 `json:"sma20"`
	SMA50        *float64 `json:"sma50"`
	ATR          *float64 `json:"atr"`
	VolumeRatio  *float64 `json:"volume_ratio"`
}

func nullableFloat(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func floatOrNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// MarshalJSON encodes unknown values as null; plain float64 marshaling would
// reject NaN outright.
func (s IndicatorSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(indicatorSnapshotWire{
		RSI:          nullableFloat(s.RSI),
		MACD:         nullableFloat(s.MACD),
		MACDSignal:   nullableFloat(s.MACDSignal),
		MACDHist:     nullableFloat(s.MACDHist),
		PrevMACDHist: nullableFloat(s.PrevMACDHist),
		BBUpper:      nullableFloat(s.BBUpper),
		BBMiddle:     nullableFloat(s.BBMiddle),
		BBLower:      nullableFloat(s.BBLower),
		SMA20:        nullableFloat(s.SMA20),
		SMA50:        nullableFloat(s.SMA50),
		ATR:          nullableFloat(s.ATR),
		VolumeRatio:  nullableFloat(s.VolumeRatio),
	})
}

// UnmarshalJSON restores null and absent fields to NaN.
func (s *IndicatorSnapshot) UnmarshalJSON(data []byte) error {
	var w indicatorSnapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.RSI = floatOrNaN(w.RSI)
	s.MACD = floatOrNaN(w.MACD)
	s.MACDSignal = floatOrNaN(w.MACDSignal)
	s.MACDHist = floatOrNaN(w.MACDHist)
	s.PrevMACDHist = floatOrNaN(w.PrevMACDHist)
	s.BBUpper = floatOrNaN(w.BBUpper)
	s.BBMiddle = floatOrNaN(w.BBMiddle)
	s.BBLower = floatOrNaN(w.BBLower)
	s.SMA20 = floatOrNaN(w.SMA20)
	s.SMA50 = floatOrNaN(w.SMA50)
	s.ATR = floatOrNaN(w.ATR)
	s.VolumeRatio = floatOrNaN(w.VolumeRatio)
	return nil
}

// SignalKind classifies a signal.
type SignalKind string

const (
	// KindStrongBuy is a buy signal scoring at or above the strong threshold.
	KindStrongBuy SignalKind = "STRONG_BUY"
	// KindBuy is a regular buy signal.
	KindBuy SignalKind = "BUY"
	// KindWeakBuy is a low-conviction buy, emitted only when enabled.
	KindWeakBuy SignalKind = "WEAK_BUY"
	// KindSellStopLoss exits a position whose stop-loss floor was breached.
	KindSellStopLoss SignalKind = "SELL_STOP_LOSS"
	// KindSellTakeProfit exits a position near or beyond its take-profit.
	KindSellTakeProfit SignalKind = "SELL_TAKE_PROFIT"
	// KindSellSmartExit exits a position on a high dynamic exit score.
	KindSellSmartExit SignalKind = "SELL_SMART_EXIT"
)

// IsBuy reports whether the kind opens a position.
func (k SignalKind) IsBuy() bool {
	return k == KindStrongBuy || k == KindBuy || k == KindWeakBuy
}

// IsSell reports whether the kind closes a position.
func (k SignalKind) IsSell() bool {
	return k == KindSellStopLoss || k == KindSellTakeProfit || k == KindSellSmartExit
}

// Signal is an immutable scored trading decision emitted by the generator.
type Signal struct {
	ID             string            `json:"id"`
	Symbol         string            `json:"symbol"`
	Kind           SignalKind        `json:"kind"`
	Score          float64           `json:"score"`
	ReferencePrice float64           `json:"reference_price"`
	Indicators     IndicatorSnapshot `json:"indicators"`
	StopLoss       float64           `json:"stop_loss"`
	TakeProfit     float64           `json:"take_profit"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// Queue priorities for sell signals. Lower dispatches earlier.
const (
	PrioritySellStopLoss   = 0
	PrioritySellSmartExit  = 5
	PrioritySellTakeProfit = 10
)

// Priority maps a signal to its queue priority. Buys invert the score so
// higher-quality signals dispatch first; sells use fixed urgency bands.
func (s Signal) Priority() int {
	switch s.Kind {
	case KindSellStopLoss:
		return PrioritySellStopLoss
	case KindSellSmartExit:
		return PrioritySellSmartExit
	case KindSellTakeProfit:
		return PrioritySellTakeProfit
	default:
		p := 100 - int(s.Score)
		if p < 0 {
			p = 0
		}
		return p
	}
}

// StopStatus is the lifecycle state of a stop contract.
type StopStatus string

const (
	// StopActive marks the single live contract for a symbol.
	StopActive StopStatus = "active"
	// StopClosed marks a contract whose position was sold.
	StopClosed StopStatus = "closed"
)

// StopContract binds an open position to its stop-loss/take-profit levels and
// the optional exchange-side backup orders. At most one active contract may
// exist per symbol.
type StopContract struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	Symbol            string     `gorm:"index:idx_stops_symbol_status" json:"symbol"`
	EntryPrice        float64    `json:"entry_price"`
	Quantity          int64      `json:"quantity"`
	StopLoss          float64    `json:"stop_loss"`
	TakeProfit        float64    `json:"take_profit"`
	BackupStopOrderID string     `json:"backup_stop_order_id,omitempty"`
	BackupTPOrderID   string     `json:"backup_tp_order_id,omitempty"`
	Status            StopStatus `gorm:"index:idx_stops_symbol_status" json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	// SideBuy opens or adds to a position.
	SideBuy OrderSide = "buy"
	// SideSell reduces or closes a position.
	SideSell OrderSide = "sell"
)

// OrderState is the lifecycle state of an order record. Transitions are
// monotonic toward filled, failed or cancelled.
type OrderState string

const (
	// StatePendingSubmit means the order was sent but not yet confirmed live.
	StatePendingSubmit OrderState = "pending_submit"
	// StateLive means the broker accepted the order.
	StateLive OrderState = "live"
	// StatePartiallyFilled means part of the quantity executed.
	StatePartiallyFilled OrderState = "partially_filled"
	// StateFilled means the full quantity executed.
	StateFilled OrderState = "filled"
	// StateFailed means the broker rejected the order.
	StateFailed OrderState = "failed"
	// StateCancelled means the order was cancelled before completion.
	StateCancelled OrderState = "cancelled"
)

// Terminal reports whether no further state transitions are possible.
func (s OrderState) Terminal() bool {
	return s == StateFilled || s == StateFailed || s == StateCancelled
}

// orderStateRank orders states along the monotonic lifecycle.
var orderStateRank = map[OrderState]int{
	StatePendingSubmit:   0,
	StateLive:            1,
	StatePartiallyFilled: 2,
	StateFilled:          3,
	StateFailed:          3,
	StateCancelled:       3,
}

// CanTransitionTo reports whether moving to next preserves monotonicity.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	if s.Terminal() {
		return false
	}
	return orderStateRank[next] >= orderStateRank[s]
}

// OrderRecord is the locally persisted view of a broker order. ClientOrderID
// equals the originating signal id, which makes buy handling idempotent
// across redeliveries. Buys carry the signal's stop levels so a fill
// discovered after the signal is gone can still get its stop contract.
type OrderRecord struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ClientOrderID string     `gorm:"uniqueIndex" json:"client_order_id"`
	BrokerOrderID string     `json:"broker_order_id"`
	Symbol        string     `json:"symbol"`
	Side          OrderSide  `gorm:"index:idx_orders_date_side_state" json:"side"`
	Quantity      int64      `json:"quantity"`
	Price         float64    `json:"price"`
	StopLoss      float64    `json:"stop_loss,omitempty"`
	TakeProfit    float64    `json:"take_profit,omitempty"`
	State         OrderState `gorm:"index:idx_orders_date_side_state" json:"state"`
	TradeDate     string     `gorm:"index:idx_orders_date_side_state" json:"trade_date"`
	SubmittedAt   time.Time  `json:"submitted_at"`
}

// Balance is the broker-reported capacity for one currency.
type Balance struct {
	Cash             float64 `json:"cash"`
	BuyPower         float64 `json:"buy_power"`
	MaxFinance       float64 `json:"max_finance"`
	RemainingFinance float64 `json:"remaining_finance"`
	NetAssets        float64 `json:"net_assets"`
}

// PositionItem is one holding in the broker ledger.
type PositionItem struct {
	Symbol   string  `json:"symbol"`
	Quantity int64   `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
	Currency string  `json:"currency"`
}

// AccountSnapshot is an ephemeral view of buying power and holdings, fetched
// fresh before sizing every order.
type AccountSnapshot struct {
	Balances  map[string]Balance      `json:"balances"`
	Positions map[string]PositionItem `json:"positions"`
}

// BuyPower returns the buying power for a currency, zero when absent.
func (a AccountSnapshot) BuyPower(currency string) float64 {
	return a.Balances[currency].BuyPower
}

// Holds reports whether the account currently holds the symbol.
func (a AccountSnapshot) Holds(symbol string) bool {
	p, ok := a.Positions[symbol]
	return ok && p.Quantity > 0
}
