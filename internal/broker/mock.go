package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// MockBroker implements Broker for testing. Fields configure canned
// responses; per-method error fields force failures. Call counters let tests
// assert interaction patterns. Safe for concurrent use.
type MockBroker struct {
	mu sync.Mutex

	QuotesBySymbol   map[string]models.Quote
	RealtimeEmpty    bool
	CandlesBySymbol  map[string][]models.Candle
	CandleErr        error
	DepthBySymbol    map[string]Depth
	LotSizeBySymbol  map[string]int64
	Balances         map[string]models.Balance
	Holdings         []models.PositionItem
	OrderStatuses    map[string]OrderStatus
	SubmitErr        error
	ConditionalErr   error
	CancelErr        error
	BalanceErr       error
	PositionsErr     error
	DepthErr         error
	StatusErr        error
	nextOrderSeq     int
	SubmittedOrders  []OrderRequest
	Conditionals     []ConditionalRequest
	CancelledOrders  []string
	CandleCallCounts map[string]int
	candleCountsSeen map[string][]int
}

// Ensure MockBroker implements Broker at compile time.
var _ Broker = (*MockBroker)(nil)

// NewMockBroker creates an empty mock broker.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		QuotesBySymbol:   make(map[string]models.Quote),
		CandlesBySymbol:  make(map[string][]models.Candle),
		DepthBySymbol:    make(map[string]Depth),
		LotSizeBySymbol:  make(map[string]int64),
		Balances:         make(map[string]models.Balance),
		OrderStatuses:    make(map[string]OrderStatus),
		CandleCallCounts: make(map[string]int),
		candleCountsSeen: make(map[string][]int),
	}
}

// RealtimeQuotes returns canned quotes, or nothing when RealtimeEmpty is set.
func (m *MockBroker) RealtimeQuotes(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RealtimeEmpty {
		return map[string]models.Quote{}, nil
	}
	return m.pickQuotes(symbols), nil
}

// Quotes returns canned quotes from the fallback endpoint.
func (m *MockBroker) Quotes(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pickQuotes(symbols), nil
}

func (m *MockBroker) pickQuotes(symbols []string) map[string]models.Quote {
	out := make(map[string]models.Quote)
	for _, s := range symbols {
		if q, ok := m.QuotesBySymbol[s]; ok {
			out[s] = q
		}
	}
	return out
}

// Candles returns canned candles, recording the requested counts.
func (m *MockBroker) Candles(_ context.Context, symbol string, count int) ([]models.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CandleCallCounts[symbol]++
	m.candleCountsSeen[symbol] = append(m.candleCountsSeen[symbol], count)
	if m.CandleErr != nil {
		err := m.CandleErr
		// The quota error clears after the first hit so the shortened retry
		// can succeed, matching broker behavior.
		if IsCandleCountLimit(err) {
			m.CandleErr = nil
		}
		return nil, err
	}
	candles := m.CandlesBySymbol[symbol]
	if count < len(candles) {
		return candles[len(candles)-count:], nil
	}
	return candles, nil
}

// CandleCountsSeen returns the sequence of counts requested for a symbol.
func (m *MockBroker) CandleCountsSeen(symbol string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.candleCountsSeen[symbol]...)
}

// Depth returns the canned top of book for a symbol.
func (m *MockBroker) Depth(_ context.Context, symbol string) (*Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DepthErr != nil {
		return nil, m.DepthErr
	}
	d, ok := m.DepthBySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("no depth for %s", symbol)
	}
	return &d, nil
}

// LotSize returns the canned board lot, defaulting to 1.
func (m *MockBroker) LotSize(_ context.Context, symbol string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lot, ok := m.LotSizeBySymbol[symbol]; ok {
		return lot, nil
	}
	return 1, nil
}

// AccountBalance returns the canned balances.
func (m *MockBroker) AccountBalance(_ context.Context) (map[string]models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	out := make(map[string]models.Balance, len(m.Balances))
	for k, v := range m.Balances {
		out[k] = v
	}
	return out, nil
}

// Positions returns the canned holdings.
func (m *MockBroker) Positions(_ context.Context) ([]models.PositionItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	return append([]models.PositionItem(nil), m.Holdings...), nil
}

// SubmitOrder records the request and returns a synthetic broker order id.
func (m *MockBroker) SubmitOrder(_ context.Context, req OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return "", m.SubmitErr
	}
	m.nextOrderSeq++
	id := fmt.Sprintf("B-%04d", m.nextOrderSeq)
	m.SubmittedOrders = append(m.SubmittedOrders, req)
	if _, ok := m.OrderStatuses[id]; !ok {
		m.OrderStatuses[id] = OrderStatus{
			State:          models.StateFilled,
			FilledQuantity: req.Quantity,
			AvgFillPrice:   req.Price,
		}
	}
	return id, nil
}

// OrderStatus returns the canned status for an order id.
func (m *MockBroker) OrderStatus(_ context.Context, brokerOrderID string) (*OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StatusErr != nil {
		return nil, m.StatusErr
	}
	st, ok := m.OrderStatuses[brokerOrderID]
	if !ok {
		return nil, &APIError{Status: 404, Code: "order_not_found", Message: "unknown order " + brokerOrderID}
	}
	return &st, nil
}

// CancelOrder records the cancellation.
func (m *MockBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.CancelledOrders = append(m.CancelledOrders, brokerOrderID)
	return nil
}

// SubmitConditional records the request and returns a synthetic order id.
func (m *MockBroker) SubmitConditional(_ context.Context, req ConditionalRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConditionalErr != nil {
		return "", m.ConditionalErr
	}
	m.nextOrderSeq++
	m.Conditionals = append(m.Conditionals, req)
	return fmt.Sprintf("C-%04d", m.nextOrderSeq), nil
}
