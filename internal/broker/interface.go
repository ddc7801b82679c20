// Package broker defines the brokerage contract the engine trades through
// and provides the OpenAPI REST implementation plus a circuit-breaker
// wrapper.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// OrderType selects the broker order flavor.
type OrderType string

const (
	// TypeLimit is a plain limit order.
	TypeLimit OrderType = "LIMIT"
	// TypeLIT is a limit-if-touched conditional order.
	TypeLIT OrderType = "LIT"
)

// TimeInForce controls order lifetime.
type TimeInForce string

const (
	// TIFDay expires the order at session end.
	TIFDay TimeInForce = "DAY"
	// TIFGoodTillCancel keeps the order until cancelled.
	TIFGoodTillCancel TimeInForce = "GTC"
)

// OrderRequest describes a regular order submission.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          models.OrderSide
	Quantity      int64
	Price         float64
	Type          OrderType
	TIF           TimeInForce
}

// ConditionalRequest describes an exchange-side conditional (LIT) order.
type ConditionalRequest struct {
	Symbol       string
	Side         models.OrderSide
	Quantity     int64
	TriggerPrice float64
	LimitPrice   float64
	TIF          TimeInForce
}

// OrderStatus is the broker's view of a submitted order.
type OrderStatus struct {
	State          models.OrderState
	FilledQuantity int64
	AvgFillPrice   float64
}

// Depth is the top-of-book quote for a symbol.
type Depth struct {
	Bid     float64
	Ask     float64
	BidSize int64
	AskSize int64
}

// Broker defines the brokerage operations the engine depends on. The rest of
// the system calls these and nothing else.
type Broker interface {
	// Market data
	RealtimeQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	Candles(ctx context.Context, symbol string, count int) ([]models.Candle, error)
	Depth(ctx context.Context, symbol string) (*Depth, error)
	LotSize(ctx context.Context, symbol string) (int64, error)

	// Account
	AccountBalance(ctx context.Context) (map[string]models.Balance, error)
	Positions(ctx context.Context) ([]models.PositionItem, error)

	// Orders
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	OrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	SubmitConditional(ctx context.Context, req ConditionalRequest) (string, error)
}

// APIError is a non-2xx response from the broker API.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool {
	return e.Status >= 500 || e.Status == 429
}

// IsPermanentAPIError reports a 4xx error that retrying cannot fix.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// candleCountLimitMessage is the API's complaint when the requested kline
// window exceeds the per-symbol limit.
const candleCountLimitMessage = "kline symbol count out of limit"

// IsCandleCountLimit reports the quota error that triggers the one-shot
// count shortening in the quote client.
func IsCandleCountLimit(err error) bool {
	return err != nil && strings.Contains(err.Error(), candleCountLimitMessage)
}

// IsTickViolation reports a price rejected for not sitting on a valid tick.
func IsTickViolation(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == "invalid_tick" || strings.Contains(strings.ToLower(apiErr.Message), "tick")
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(b Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}
	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	b Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(b) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// RealtimeQuotes wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) RealtimeQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]models.Quote, error) {
		return b.RealtimeQuotes(ctx, symbols)
	})
}

// Quotes wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]models.Quote, error) {
		return b.Quotes(ctx, symbols)
	})
}

// Candles wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Candles(ctx context.Context, symbol string, count int) ([]models.Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Candle, error) {
		return b.Candles(ctx, symbol, count)
	})
}

// Depth wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Depth(ctx context.Context, symbol string) (*Depth, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Depth, error) {
		return b.Depth(ctx, symbol)
	})
}

// LotSize wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) LotSize(ctx context.Context, symbol string) (int64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (int64, error) {
		return b.LotSize(ctx, symbol)
	})
}

// AccountBalance wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) AccountBalance(ctx context.Context) (map[string]models.Balance, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]models.Balance, error) {
		return b.AccountBalance(ctx)
	})
}

// Positions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Positions(ctx context.Context) ([]models.PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.PositionItem, error) {
		return b.Positions(ctx)
	})
}

// SubmitOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.SubmitOrder(ctx, req)
	})
}

// OrderStatus wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) OrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderStatus, error) {
		return b.OrderStatus(ctx, brokerOrderID)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, brokerOrderID)
	})
	return err
}

// SubmitConditional wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) SubmitConditional(ctx context.Context, req ConditionalRequest) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.SubmitConditional(ctx, req)
	})
}
