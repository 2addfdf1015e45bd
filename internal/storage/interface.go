// Package storage persists positions, trades, and broker ground-truth
// records (order history, transactions, order chains) behind a single
// Interface so reconciliation logic never touches the backing file
// directly.
package storage

import (
	"time"

	"github.com/halpertlabs/spreadkeeper/internal/models"
)

// Interface is the persistence contract for the lifecycle engine.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe. The JSONStorage implementation serializes
// access with a sync.RWMutex.
type Interface interface {
	// Position management
	GetPosition(id string) (*models.Position, bool)
	GetOpenPositions(userID, accountNumber string) []models.Position
	ListPositionsByAccount(userID, accountNumber string) []models.Position
	GetPositionsByUnderlying(userID, accountNumber, underlyingSymbol string) []models.Position
	FindPositionByOpeningOrderID(accountNumber, openingOrderID string) (*models.Position, bool)
	SavePosition(pos *models.Position) error
	// WithPositionLock runs fn while holding the position's row lock,
	// re-reading the freshest copy first. fn's returned position (if
	// non-nil) is persisted before the lock is released.
	WithPositionLock(id string, fn func(pos *models.Position) (*models.Position, error)) error

	// Trade management. Broker order ids are globally unique, so trades
	// can be looked up without an account scope.
	GetTradeByBrokerOrderID(brokerOrderID string) (*models.Trade, bool)
	GetTradesForPosition(positionID string) []models.Trade
	GetTradesForAccount(userID, accountNumber string) []models.Trade
	SaveTrade(trade *models.Trade) error

	// Order history cache, upserted by broker_order_id.
	UpsertOrderHistory(row *models.OrderHistory) (created bool, err error)
	GetOrderHistory(brokerOrderID string) (*models.OrderHistory, bool)
	GetOrderHistoryBatch(brokerOrderIDs []string) map[string]models.OrderHistory
	FindLiveOrdersByUnderlying(userID, accountNumber, underlyingSymbol string) []models.OrderHistory

	// Transaction ledger, upserted by transaction_id. Linking a
	// transaction to its position is monotonic.
	UpsertTransaction(tx *models.TransactionRecord) (created bool, err error)
	LinkTransaction(transactionID, positionID string) error
	GetTransactionsByOrderID(orderID string) []models.TransactionRecord
	GetTransactionsByPosition(positionID string) []models.TransactionRecord
	GetTransactions(userID, accountNumber string, since time.Time) []models.TransactionRecord

	// Order chain aggregates, upserted by chain_id.
	UpsertOrderChain(chain *models.OrderChainRecord) error

	// Trading accounts eligible for reconciliation.
	ListActiveAccounts() []models.TradingAccount
	SaveAccount(account *models.TradingAccount) error

	// Data persistence
	Save() error
	Load() error
}

// NewStorage creates the default storage implementation.
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
