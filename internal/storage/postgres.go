package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// NewDB opens the Postgres connection, migrates the schema, and installs the
// partial unique index that backs the one-active-stop-per-symbol invariant.
func NewDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if err := db.AutoMigrate(&models.StopContract{}, &models.OrderRecord{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	// AutoMigrate cannot express a partial index; the database enforces the
	// invariant even if the application-level guard is bypassed.
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_stop_contracts_active_symbol
		 ON stop_contracts (symbol) WHERE status = 'active'`,
	).Error; err != nil {
		return nil, fmt.Errorf("creating active-stop index: %w", err)
	}

	return db, nil
}

// PostgresStopStore is the gorm-backed StopStore.
type PostgresStopStore struct {
	db *gorm.DB
}

// Ensure PostgresStopStore implements StopStore at compile time.
var _ StopStore = (*PostgresStopStore)(nil)

// NewPostgresStopStore creates a stop store over an open connection.
func NewPostgresStopStore(db *gorm.DB) *PostgresStopStore {
	return &PostgresStopStore{db: db}
}

// Put inserts a new active contract inside a transaction that first checks
// for an existing one. The partial unique index catches races the check
// misses.
func (s *PostgresStopStore) Put(ctx context.Context, contract *models.StopContract) error {
	contract.Status = models.StopActive
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.StopContract{}).
			Where("symbol = ? AND status = ?", contract.Symbol, models.StopActive).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrStopConflict
		}
		return tx.Create(contract).Error
	})
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrStopConflict
	}
	return err
}

// GetActive returns the active contract for a symbol, nil when none.
func (s *PostgresStopStore) GetActive(ctx context.Context, symbol string) (*models.StopContract, error) {
	var contract models.StopContract
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", symbol, models.StopActive).
		First(&contract).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &contract, nil
}

// LoadAllActive returns every active contract.
func (s *PostgresStopStore) LoadAllActive(ctx context.Context) ([]models.StopContract, error) {
	var contracts []models.StopContract
	err := s.db.WithContext(ctx).
		Where("status = ?", models.StopActive).
		Find(&contracts).Error
	return contracts, err
}

// MarkClosed closes the active contract for a symbol. No-op when none.
func (s *PostgresStopStore) MarkClosed(ctx context.Context, symbol string) error {
	return s.db.WithContext(ctx).Model(&models.StopContract{}).
		Where("symbol = ? AND status = ?", symbol, models.StopActive).
		Update("status", models.StopClosed).Error
}

// AttachBackup records the backup order ids on the active contract.
func (s *PostgresStopStore) AttachBackup(ctx context.Context, symbol, stopOrderID, tpOrderID string) error {
	return s.db.WithContext(ctx).Model(&models.StopContract{}).
		Where("symbol = ? AND status = ?", symbol, models.StopActive).
		Updates(map[string]any{
			"backup_stop_order_id": stopOrderID,
			"backup_tp_order_id":   tpOrderID,
		}).Error
}

// StretchTakeProfit raises the take-profit on the active contract.
func (s *PostgresStopStore) StretchTakeProfit(ctx context.Context, symbol string, newTP float64) error {
	return s.db.WithContext(ctx).Model(&models.StopContract{}).
		Where("symbol = ? AND status = ?", symbol, models.StopActive).
		Update("take_profit", newTP).Error
}

// PostgresOrderStore is the gorm-backed OrderStore.
type PostgresOrderStore struct {
	db *gorm.DB
}

// Ensure PostgresOrderStore implements OrderStore at compile time.
var _ OrderStore = (*PostgresOrderStore)(nil)

// NewPostgresOrderStore creates an order store over an open connection.
func NewPostgresOrderStore(db *gorm.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

// Create inserts a new order record.
func (s *PostgresOrderStore) Create(ctx context.Context, record *models.OrderRecord) error {
	return s.db.WithContext(ctx).Create(record).Error
}

// UpdateState moves a record along the lifecycle inside a transaction,
// rejecting backwards transitions with ErrInvalidTransition.
func (s *PostgresOrderStore) UpdateState(ctx context.Context, clientOrderID string, state models.OrderState) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.OrderRecord
		if err := tx.Where("client_order_id = ?", clientOrderID).First(&record).Error; err != nil {
			return err
		}
		if record.State == state {
			return nil
		}
		if !record.State.CanTransitionTo(state) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, record.State, state, clientOrderID)
		}
		return tx.Model(&record).Update("state", state).Error
	})
}

// SetBrokerOrderID records the broker-assigned order id.
func (s *PostgresOrderStore) SetBrokerOrderID(ctx context.Context, clientOrderID, brokerOrderID string) error {
	return s.db.WithContext(ctx).Model(&models.OrderRecord{}).
		Where("client_order_id = ?", clientOrderID).
		Update("broker_order_id", brokerOrderID).Error
}

// TodayBuySymbols answers "which symbols already bought today" from the
// (side, state, trade_date) index.
func (s *PostgresOrderStore) TodayBuySymbols(ctx context.Context, tradeDate string) (map[string]bool, error) {
	var symbols []string
	err := s.db.WithContext(ctx).Model(&models.OrderRecord{}).
		Where("side = ? AND trade_date = ? AND state NOT IN ?",
			models.SideBuy, tradeDate, []models.OrderState{models.StateCancelled, models.StateFailed}).
		Distinct().
		Pluck("symbol", &symbols).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		out[s] = true
	}
	return out, nil
}

// OpenOrders returns every record still in a non-terminal state.
func (s *PostgresOrderStore) OpenOrders(ctx context.Context) ([]models.OrderRecord, error) {
	var records []models.OrderRecord
	err := s.db.WithContext(ctx).
		Where("state IN ?", []models.OrderState{
			models.StatePendingSubmit, models.StateLive, models.StatePartiallyFilled,
		}).
		Find(&records).Error
	return records, err
}

// FindByClientOrderID returns the record for a client order id, nil when none.
func (s *PostgresOrderStore) FindByClientOrderID(ctx context.Context, clientOrderID string) (*models.OrderRecord, error) {
	var record models.OrderRecord
	err := s.db.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
