package broker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// OrderHistoryPage is one page of the account's order history.
type OrderHistoryPage struct {
	Orders     []PlacedOrder
	TotalItems int
	PageOffset int
}

// Session is the per-account brokerage connection the engine drives. All
// methods take a context and return classified errors; see APIError.
type Session interface {
	// ListPositions returns every individual leg currently held.
	ListPositions(ctx context.Context, accountNumber string) ([]LivePosition, error)

	// GetOrderHistory returns one page of orders updated on or after
	// startDate, newest first. perPage caps the page size.
	GetOrderHistory(ctx context.Context, accountNumber string, startDate time.Time, perPage, pageOffset int) (*OrderHistoryPage, error)

	// GetOrder fetches a single order by broker id.
	GetOrder(ctx context.Context, accountNumber, orderID string) (*PlacedOrder, error)

	// GetLiveOrders returns every order in a working status.
	GetLiveOrders(ctx context.Context, accountNumber string) ([]PlacedOrder, error)

	// GetTransactions returns transactions executed on or after startDate.
	GetTransactions(ctx context.Context, accountNumber string, startDate time.Time) ([]Transaction, error)

	// GetOrderChains returns the broker's per-symbol order aggregates.
	GetOrderChains(ctx context.Context, accountNumber, underlyingSymbol string) ([]OrderChain, error)

	// PlaceOrder submits a limit order and returns the broker's snapshot.
	PlaceOrder(ctx context.Context, accountNumber string, spec OrderSpec) (*PlacedOrder, error)

	// CancelOrder cancels a working order. Cancelling an order that is
	// already terminal returns a conflict error.
	CancelOrder(ctx context.Context, accountNumber, orderID string) error
}

// SessionFactory opens an authenticated Session for one user's account.
// Token refresh happens behind the factory; a returned Session is valid
// for at least the current reconciliation run.
type SessionFactory interface {
	SessionFor(ctx context.Context, userID, accountNumber string) (Session, error)
}

// TokenSessionFactory serves one breaker-wrapped client authenticated by a
// single session token, shared across accounts. Multi-tenant deployments
// substitute a factory that resolves per-user credentials.
type TokenSessionFactory struct {
	session Session
}

var _ SessionFactory = (*TokenSessionFactory)(nil)

func NewTokenSessionFactory(baseURL, sessionToken string, logger *logrus.Logger) *TokenSessionFactory {
	client := NewTastytradeClient(baseURL, sessionToken, logger)
	return &TokenSessionFactory{session: NewBreakerSession(client, logger)}
}

func (f *TokenSessionFactory) SessionFor(ctx context.Context, userID, accountNumber string) (Session, error) {
	return f.session, nil
}
