// Package storage persists stop contracts and order records.
package storage

import (
	"context"
	"errors"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// ErrStopConflict is returned when a second active stop contract would be
// created for a symbol.
var ErrStopConflict = errors.New("active stop contract already exists for symbol")

// ErrInvalidTransition is returned when an order state update would move
// backwards along the lifecycle.
var ErrInvalidTransition = errors.New("order state transition not allowed")

// StopStore persists stop contracts. At most one active contract per symbol.
type StopStore interface {
	// Put inserts a new active contract. Fails with ErrStopConflict when the
	// symbol already has one.
	Put(ctx context.Context, contract *models.StopContract) error

	// GetActive returns the active contract for a symbol, nil when none.
	GetActive(ctx context.Context, symbol string) (*models.StopContract, error)

	// LoadAllActive returns every active contract.
	LoadAllActive(ctx context.Context) ([]models.StopContract, error)

	// MarkClosed closes the active contract for a symbol. Closing a symbol
	// without an active contract is a no-op.
	MarkClosed(ctx context.Context, symbol string) error

	// AttachBackup records the exchange-side backup order ids on the active
	// contract.
	AttachBackup(ctx context.Context, symbol, stopOrderID, tpOrderID string) error

	// StretchTakeProfit raises the take-profit level on the active contract.
	StretchTakeProfit(ctx context.Context, symbol string, newTP float64) error
}

// OrderStore persists order records keyed by client order id.
type OrderStore interface {
	// Create inserts a new order record.
	Create(ctx context.Context, record *models.OrderRecord) error

	// UpdateState moves a record along the lifecycle, enforcing monotonicity.
	UpdateState(ctx context.Context, clientOrderID string, state models.OrderState) error

	// SetBrokerOrderID records the broker-assigned order id.
	SetBrokerOrderID(ctx context.Context, clientOrderID, brokerOrderID string) error

	// TodayBuySymbols returns the set of symbols with a same-day buy order
	// not in a cancelled or failed state.
	TodayBuySymbols(ctx context.Context, tradeDate string) (map[string]bool, error)

	// FindByClientOrderID returns the record for a client order id, nil when
	// none exists.
	FindByClientOrderID(ctx context.Context, clientOrderID string) (*models.OrderRecord, error)

	// OpenOrders returns every record still in a non-terminal state.
	OpenOrders(ctx context.Context) ([]models.OrderRecord, error)
}
