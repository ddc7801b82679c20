package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// MockStopStore is an in-memory StopStore for tests.
type MockStopStore struct {
	mu        sync.Mutex
	contracts []*models.StopContract
	nextID    uint

	PutErr error
}

// Ensure MockStopStore implements StopStore at compile time.
var _ StopStore = (*MockStopStore)(nil)

// NewMockStopStore creates an empty in-memory stop store.
func NewMockStopStore() *MockStopStore {
	return &MockStopStore{}
}

func (s *MockStopStore) findActive(symbol string) *models.StopContract {
	for _, c := range s.contracts {
		if c.Symbol == symbol && c.Status == models.StopActive {
			return c
		}
	}
	return nil
}

// Put inserts a new active contract.
func (s *MockStopStore) Put(_ context.Context, contract *models.StopContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	if s.findActive(contract.Symbol) != nil {
		return ErrStopConflict
	}
	s.nextID++
	contract.ID = s.nextID
	contract.Status = models.StopActive
	cp := *contract
	s.contracts = append(s.contracts, &cp)
	return nil
}

// GetActive returns a copy of the active contract, nil when none.
func (s *MockStopStore) GetActive(_ context.Context, symbol string) (*models.StopContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findActive(symbol); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

// LoadAllActive returns copies of all active contracts.
func (s *MockStopStore) LoadAllActive(_ context.Context) ([]models.StopContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StopContract
	for _, c := range s.contracts {
		if c.Status == models.StopActive {
			out = append(out, *c)
		}
	}
	return out, nil
}

// MarkClosed closes the active contract, no-op when none.
func (s *MockStopStore) MarkClosed(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findActive(symbol); c != nil {
		c.Status = models.StopClosed
	}
	return nil
}

// AttachBackup records backup order ids on the active contract.
func (s *MockStopStore) AttachBackup(_ context.Context, symbol, stopOrderID, tpOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findActive(symbol); c != nil {
		c.BackupStopOrderID = stopOrderID
		c.BackupTPOrderID = tpOrderID
	}
	return nil
}

// StretchTakeProfit raises the take-profit on the active contract.
func (s *MockStopStore) StretchTakeProfit(_ context.Context, symbol string, newTP float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findActive(symbol); c != nil {
		c.TakeProfit = newTP
	}
	return nil
}

// MockOrderStore is an in-memory OrderStore for tests.
type MockOrderStore struct {
	mu      sync.Mutex
	records map[string]*models.OrderRecord
	nextID  uint

	CreateErr error
}

// Ensure MockOrderStore implements OrderStore at compile time.
var _ OrderStore = (*MockOrderStore)(nil)

// NewMockOrderStore creates an empty in-memory order store.
func NewMockOrderStore() *MockOrderStore {
	return &MockOrderStore{records: make(map[string]*models.OrderRecord)}
}

// Create inserts a new order record.
func (s *MockOrderStore) Create(_ context.Context, record *models.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if _, ok := s.records[record.ClientOrderID]; ok {
		return fmt.Errorf("duplicate client order id %s", record.ClientOrderID)
	}
	s.nextID++
	record.ID = s.nextID
	cp := *record
	s.records[record.ClientOrderID] = &cp
	return nil
}

// UpdateState moves a record along the lifecycle.
func (s *MockOrderStore) UpdateState(_ context.Context, clientOrderID string, state models.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[clientOrderID]
	if !ok {
		return fmt.Errorf("no order record for %s", clientOrderID)
	}
	if record.State == state {
		return nil
	}
	if !record.State.CanTransitionTo(state) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, record.State, state, clientOrderID)
	}
	record.State = state
	return nil
}

// SetBrokerOrderID records the broker-assigned order id.
func (s *MockOrderStore) SetBrokerOrderID(_ context.Context, clientOrderID, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[clientOrderID]; ok {
		record.BrokerOrderID = brokerOrderID
	}
	return nil
}

// TodayBuySymbols returns symbols with a live same-day buy.
func (s *MockOrderStore) TodayBuySymbols(_ context.Context, tradeDate string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, r := range s.records {
		if r.Side == models.SideBuy && r.TradeDate == tradeDate &&
			r.State != models.StateCancelled && r.State != models.StateFailed {
			out[r.Symbol] = true
		}
	}
	return out, nil
}

// OpenOrders returns copies of all non-terminal records.
func (s *MockOrderStore) OpenOrders(_ context.Context) ([]models.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OrderRecord
	for _, r := range s.records {
		if !r.State.Terminal() {
			out = append(out, *r)
		}
	}
	return out, nil
}

// FindByClientOrderID returns a copy of the record, nil when none.
func (s *MockOrderStore) FindByClientOrderID(_ context.Context, clientOrderID string) (*models.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[clientOrderID]; ok {
		cp := *record
		return &cp, nil
	}
	return nil, nil
}
