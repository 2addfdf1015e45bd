package broker

import (
	"context"
	"sync"
	"time"

	"github.com/halpertlabs/spreadkeeper/internal/models"
)

// MockSession is a configurable Session fake shared by tests across
// packages. Unset function fields return empty results.
type MockSession struct {
	mu sync.Mutex

	ListPositionsFunc   func(ctx context.Context, accountNumber string) ([]LivePosition, error)
	GetOrderHistoryFunc func(ctx context.Context, accountNumber string, startDate time.Time, perPage, pageOffset int) (*OrderHistoryPage, error)
	GetOrderFunc        func(ctx context.Context, accountNumber, orderID string) (*PlacedOrder, error)
	GetLiveOrdersFunc   func(ctx context.Context, accountNumber string) ([]PlacedOrder, error)
	GetTransactionsFunc func(ctx context.Context, accountNumber string, startDate time.Time) ([]Transaction, error)
	GetOrderChainsFunc  func(ctx context.Context, accountNumber, underlyingSymbol string) ([]OrderChain, error)
	PlaceOrderFunc      func(ctx context.Context, accountNumber string, spec OrderSpec) (*PlacedOrder, error)
	CancelOrderFunc     func(ctx context.Context, accountNumber, orderID string) error

	// Recorded mutating calls, for assertions.
	PlacedSpecs       []OrderSpec
	CancelledOrderIDs []string
}

var _ Session = (*MockSession)(nil)

func (m *MockSession) ListPositions(ctx context.Context, accountNumber string) ([]LivePosition, error) {
	if m.ListPositionsFunc != nil {
		return m.ListPositionsFunc(ctx, accountNumber)
	}
	return nil, nil
}

func (m *MockSession) GetOrderHistory(ctx context.Context, accountNumber string, startDate time.Time, perPage, pageOffset int) (*OrderHistoryPage, error) {
	if m.GetOrderHistoryFunc != nil {
		return m.GetOrderHistoryFunc(ctx, accountNumber, startDate, perPage, pageOffset)
	}
	return &OrderHistoryPage{}, nil
}

func (m *MockSession) GetOrder(ctx context.Context, accountNumber, orderID string) (*PlacedOrder, error) {
	if m.GetOrderFunc != nil {
		return m.GetOrderFunc(ctx, accountNumber, orderID)
	}
	return nil, &APIError{Kind: KindNotFound, Status: 404, Body: "order not found"}
}

func (m *MockSession) GetLiveOrders(ctx context.Context, accountNumber string) ([]PlacedOrder, error) {
	if m.GetLiveOrdersFunc != nil {
		return m.GetLiveOrdersFunc(ctx, accountNumber)
	}
	return nil, nil
}

func (m *MockSession) GetTransactions(ctx context.Context, accountNumber string, startDate time.Time) ([]Transaction, error) {
	if m.GetTransactionsFunc != nil {
		return m.GetTransactionsFunc(ctx, accountNumber, startDate)
	}
	return nil, nil
}

func (m *MockSession) GetOrderChains(ctx context.Context, accountNumber, underlyingSymbol string) ([]OrderChain, error) {
	if m.GetOrderChainsFunc != nil {
		return m.GetOrderChainsFunc(ctx, accountNumber, underlyingSymbol)
	}
	return nil, nil
}

func (m *MockSession) PlaceOrder(ctx context.Context, accountNumber string, spec OrderSpec) (*PlacedOrder, error) {
	m.mu.Lock()
	m.PlacedSpecs = append(m.PlacedSpecs, spec)
	m.mu.Unlock()
	if m.PlaceOrderFunc != nil {
		return m.PlaceOrderFunc(ctx, accountNumber, spec)
	}
	return &PlacedOrder{ID: "mock-order", Status: models.OrderReceived}, nil
}

func (m *MockSession) CancelOrder(ctx context.Context, accountNumber, orderID string) error {
	m.mu.Lock()
	m.CancelledOrderIDs = append(m.CancelledOrderIDs, orderID)
	m.mu.Unlock()
	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, accountNumber, orderID)
	}
	return nil
}

// MockSessionFactory returns the same session for every account.
type MockSessionFactory struct {
	Session Session
	Err     error
}

var _ SessionFactory = (*MockSessionFactory)(nil)

func (f *MockSessionFactory) SessionFor(ctx context.Context, userID, accountNumber string) (Session, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Session, nil
}
