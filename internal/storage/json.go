package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/halpertlabs/spreadkeeper/internal/models"
)

// fileData is the on-disk document. Every record set is keyed by its
// natural unique id so upserts are map writes.
type fileData struct {
	Positions    map[string]*models.Position          `json:"positions"`
	Trades       map[string]*models.Trade             `json:"trades"` // keyed by trade id
	Orders       map[string]*models.OrderHistory      `json:"orders"` // keyed by broker order id
	Transactions map[string]*models.TransactionRecord `json:"transactions"`
	Chains       map[string]*models.OrderChainRecord  `json:"order_chains"`
	Accounts     []models.TradingAccount              `json:"accounts"`
	LastUpdated  time.Time                            `json:"last_updated"`
}

func newFileData() *fileData {
	return &fileData{
		Positions:    make(map[string]*models.Position),
		Trades:       make(map[string]*models.Trade),
		Orders:       make(map[string]*models.OrderHistory),
		Transactions: make(map[string]*models.TransactionRecord),
		Chains:       make(map[string]*models.OrderChainRecord),
	}
}

// JSONStorage persists all engine state in a single JSON file. Writes go
// to a temp file followed by an atomic rename so a crash mid-write never
// corrupts the store.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *fileData

	rowMu sync.Mutex
	rows  map[string]*sync.Mutex // per-position row locks
}

// NewJSONStorage opens (or initializes) the store at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data:     newFileData(),
		rows:     make(map[string]*sync.Mutex),
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}
	return s, nil
}

// NewMemoryStorage returns a store that never touches disk, for tests and
// dry runs.
func NewMemoryStorage() *JSONStorage {
	return &JSONStorage{
		data: newFileData(),
		rows: make(map[string]*sync.Mutex),
	}
}

// Load replaces in-memory state with the file contents.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	loaded := newFileData()
	if err := json.Unmarshal(raw, loaded); err != nil {
		return fmt.Errorf("parse %s: %w", s.filepath, err)
	}
	if loaded.Positions == nil {
		loaded.Positions = make(map[string]*models.Position)
	}
	if loaded.Trades == nil {
		loaded.Trades = make(map[string]*models.Trade)
	}
	if loaded.Orders == nil {
		loaded.Orders = make(map[string]*models.OrderHistory)
	}
	if loaded.Transactions == nil {
		loaded.Transactions = make(map[string]*models.TransactionRecord)
	}
	if loaded.Chains == nil {
		loaded.Chains = make(map[string]*models.OrderChainRecord)
	}
	s.data = loaded
	return nil
}

// Save writes the store to disk via temp file + atomic rename.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()
	if s.filepath == "" {
		return nil
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.filepath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.filepath)
}

// clone deep-copies a record through JSON so callers never share memory
// with the store.
func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return v
	}
	return out
}

// GetPosition returns a copy of the position, if present.
func (s *JSONStorage) GetPosition(id string) (*models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.data.Positions[id]
	if !ok {
		return nil, false
	}
	return clone(pos), true
}

// GetOpenPositions returns copies of every non-terminal position in the
// account, ordered by id for deterministic iteration.
func (s *JSONStorage) GetOpenPositions(userID, accountNumber string) []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Position
	for _, pos := range s.data.Positions {
		if pos.UserID != userID || pos.AccountNumber != accountNumber {
			continue
		}
		if !pos.State.IsOpen() {
			continue
		}
		out = append(out, *clone(pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListPositionsByAccount returns copies of every position in the account,
// any state.
func (s *JSONStorage) ListPositionsByAccount(userID, accountNumber string) []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Position
	for _, pos := range s.data.Positions {
		if pos.UserID != userID || pos.AccountNumber != accountNumber {
			continue
		}
		out = append(out, *clone(pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindPositionByOpeningOrderID looks a position up by its opening order.
// Opening order ids are unique per account.
func (s *JSONStorage) FindPositionByOpeningOrderID(accountNumber, openingOrderID string) (*models.Position, bool) {
	if openingOrderID == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pos := range s.data.Positions {
		if pos.AccountNumber == accountNumber && pos.OpeningOrderID == openingOrderID {
			return clone(pos), true
		}
	}
	return nil, false
}

// GetPositionsByUnderlying returns copies of every position (any state)
// for one underlying in the account.
func (s *JSONStorage) GetPositionsByUnderlying(userID, accountNumber, underlyingSymbol string) []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Position
	for _, pos := range s.data.Positions {
		if pos.UserID != userID || pos.AccountNumber != accountNumber || pos.Symbol != underlyingSymbol {
			continue
		}
		out = append(out, *clone(pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SavePosition upserts the position and persists the store.
func (s *JSONStorage) SavePosition(pos *models.Position) error {
	if pos.ID == "" {
		return fmt.Errorf("position id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos.UpdatedAt = time.Now().UTC()
	s.data.Positions[pos.ID] = clone(pos)
	return s.saveLocked()
}

// rowLock returns the mutex guarding one position's read-modify-write
// cycles.
func (s *JSONStorage) rowLock(id string) *sync.Mutex {
	s.rowMu.Lock()
	defer s.rowMu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		m = &sync.Mutex{}
		s.rows[id] = m
	}
	return m
}

// WithPositionLock serializes concurrent mutation of one position: fn gets
// the freshest copy and its non-nil result is persisted before the row
// lock is released.
func (s *JSONStorage) WithPositionLock(id string, fn func(pos *models.Position) (*models.Position, error)) error {
	m := s.rowLock(id)
	m.Lock()
	defer m.Unlock()

	pos, ok := s.GetPosition(id)
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	updated, err := fn(pos)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	return s.SavePosition(updated)
}

// GetTradeByBrokerOrderID looks a trade up by its globally unique broker
// order id.
func (s *JSONStorage) GetTradeByBrokerOrderID(brokerOrderID string) (*models.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, trade := range s.data.Trades {
		if trade.BrokerOrderID == brokerOrderID {
			return clone(trade), true
		}
	}
	return nil, false
}

// GetTradesForPosition returns copies of the position's trades ordered by
// creation time.
func (s *JSONStorage) GetTradesForPosition(positionID string) []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trade
	for _, trade := range s.data.Trades {
		if trade.PositionID == positionID {
			out = append(out, *clone(trade))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *JSONStorage) GetTradesForAccount(userID, accountNumber string) []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trade
	for _, trade := range s.data.Trades {
		if trade.UserID == userID && trade.AccountNumber == accountNumber {
			out = append(out, *clone(trade))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SaveTrade upserts the trade and persists the store.
func (s *JSONStorage) SaveTrade(trade *models.Trade) error {
	if trade.ID == "" {
		return fmt.Errorf("trade id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	trade.UpdatedAt = time.Now().UTC()
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = trade.UpdatedAt
	}
	s.data.Trades[trade.ID] = clone(trade)
	return s.saveLocked()
}

// UpsertOrderHistory inserts or refreshes the cached order row, reporting
// whether a new row was created.
func (s *JSONStorage) UpsertOrderHistory(row *models.OrderHistory) (bool, error) {
	if row.BrokerOrderID == "" {
		return false, fmt.Errorf("broker order id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.data.Orders[row.BrokerOrderID]
	row.UpdatedAt = time.Now().UTC()
	s.data.Orders[row.BrokerOrderID] = clone(row)
	return !exists, s.saveLocked()
}

// GetOrderHistory returns a copy of the cached order row.
func (s *JSONStorage) GetOrderHistory(brokerOrderID string) (*models.OrderHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.data.Orders[brokerOrderID]
	if !ok {
		return nil, false
	}
	return clone(row), true
}

// GetOrderHistoryBatch returns the cached rows for the requested ids in
// one locked read. Missing ids are simply absent from the result.
func (s *JSONStorage) GetOrderHistoryBatch(brokerOrderIDs []string) map[string]models.OrderHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.OrderHistory, len(brokerOrderIDs))
	for _, id := range brokerOrderIDs {
		if row, ok := s.data.Orders[id]; ok {
			out[id] = *clone(row)
		}
	}
	return out
}

// FindLiveOrdersByUnderlying returns cached orders still in Live status
// for one underlying, ordered by received time. The profit-target
// reconciler uses this for orphan adoption.
func (s *JSONStorage) FindLiveOrdersByUnderlying(userID, accountNumber, underlyingSymbol string) []models.OrderHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OrderHistory
	for _, row := range s.data.Orders {
		if row.UserID != userID || row.AccountNumber != accountNumber {
			continue
		}
		if row.UnderlyingSymbol != underlyingSymbol || row.Status != models.OrderLive {
			continue
		}
		out = append(out, *clone(row))
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ReceivedAt, out[j].ReceivedAt
		if ti == nil || tj == nil {
			return out[i].BrokerOrderID < out[j].BrokerOrderID
		}
		return ti.Before(*tj)
	})
	return out
}

// UpsertTransaction inserts the transaction if unseen, reporting whether a
// new row was created. Existing rows are immutable ground truth and are
// left untouched.
func (s *JSONStorage) UpsertTransaction(tx *models.TransactionRecord) (bool, error) {
	if tx.TransactionID == "" {
		return false, fmt.Errorf("transaction id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Transactions[tx.TransactionID]; exists {
		return false, nil
	}
	s.data.Transactions[tx.TransactionID] = clone(tx)
	return true, s.saveLocked()
}

// LinkTransaction sets a transaction's related position. Linking is
// monotonic: an already-linked transaction is left alone.
func (s *JSONStorage) LinkTransaction(transactionID, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.data.Transactions[transactionID]
	if !ok {
		return fmt.Errorf("transaction %s not found", transactionID)
	}
	if tx.RelatedPositionID != "" {
		return nil
	}
	tx.RelatedPositionID = positionID
	return s.saveLocked()
}

// GetTransactionsByPosition returns copies of the transactions linked to a
// position, ordered by execution time.
func (s *JSONStorage) GetTransactionsByPosition(positionID string) []models.TransactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TransactionRecord
	for _, tx := range s.data.Transactions {
		if tx.RelatedPositionID == positionID {
			out = append(out, *clone(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out
}

// GetTransactionsByOrderID returns copies of the transactions linked to
// one broker order, ordered by execution time.
func (s *JSONStorage) GetTransactionsByOrderID(orderID string) []models.TransactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TransactionRecord
	for _, tx := range s.data.Transactions {
		if tx.OrderID == orderID {
			out = append(out, *clone(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out
}

// GetTransactions returns copies of the account's transactions executed at
// or after since, ordered by execution time.
func (s *JSONStorage) GetTransactions(userID, accountNumber string, since time.Time) []models.TransactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TransactionRecord
	for _, tx := range s.data.Transactions {
		if tx.UserID != userID || tx.AccountNumber != accountNumber {
			continue
		}
		if tx.ExecutedAt.Before(since) {
			continue
		}
		out = append(out, *clone(tx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out
}

// UpsertOrderChain inserts or refreshes a broker order-chain aggregate.
func (s *JSONStorage) UpsertOrderChain(chain *models.OrderChainRecord) error {
	if chain.ChainID == "" {
		return fmt.Errorf("chain id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chain.UpdatedAt = time.Now().UTC()
	s.data.Chains[chain.ChainID] = clone(chain)
	return s.saveLocked()
}

// ListActiveAccounts returns the accounts eligible for reconciliation:
// active, with a valid token, excluding test accounts.
func (s *JSONStorage) ListActiveAccounts() []models.TradingAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TradingAccount
	for _, acct := range s.data.Accounts {
		if acct.IsActive && acct.TokenValid && !acct.IsTest {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].AccountNumber < out[j].AccountNumber
	})
	return out
}

// SaveAccount upserts the account by (user, account number).
func (s *JSONStorage) SaveAccount(account *models.TradingAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, acct := range s.data.Accounts {
		if acct.UserID == account.UserID && acct.AccountNumber == account.AccountNumber {
			s.data.Accounts[i] = *account
			return s.saveLocked()
		}
	}
	s.data.Accounts = append(s.data.Accounts, *account)
	return s.saveLocked()
}
