package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breaker around a Session.
type BreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Interval     time.Duration // reset counts interval
	Timeout      time.Duration // open circuit duration
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// DefaultBreakerSettings returns the settings used in production.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// BreakerSession wraps a Session with a circuit breaker so a broker outage
// fails the account's run fast instead of hammering the API.
type BreakerSession struct {
	session Session
	breaker *gobreaker.CircuitBreaker
}

var _ Session = (*BreakerSession)(nil)

// NewBreakerSession wraps session with default settings.
func NewBreakerSession(session Session, logger *logrus.Logger) *BreakerSession {
	return NewBreakerSessionWithSettings(session, DefaultBreakerSettings(), logger)
}

// NewBreakerSessionWithSettings wraps session with custom settings.
func NewBreakerSessionWithSettings(session Session, settings BreakerSettings, logger *logrus.Logger) *BreakerSession {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerSession",
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
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}
	return &BreakerSession{
		session: session,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, session Session, fn func(Session) (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(session) })
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

func (b *BreakerSession) ListPositions(ctx context.Context, accountNumber string) ([]LivePosition, error) {
	return execBreaker(b.breaker, b.session, func(s Session) ([]LivePosition, error) {
		return s.ListPositions(ctx, accountNumber)
	})
}

func (b *BreakerSession) GetOrderHistory(ctx context.Context, accountNumber string, startDate time.Time, perPage, pageOffset int) (*OrderHistoryPage, error) {
	return execBreaker(b.breaker, b.session, func(s Session) (*OrderHistoryPage, error) {
		return s.GetOrderHistory(ctx, accountNumber, startDate, perPage, pageOffset)
	})
}

func (b *BreakerSession) GetOrder(ctx context.Context, accountNumber, orderID string) (*PlacedOrder, error) {
	return execBreaker(b.breaker, b.session, func(s Session) (*PlacedOrder, error) {
		return s.GetOrder(ctx, accountNumber, orderID)
	})
}

func (b *BreakerSession) GetLiveOrders(ctx context.Context, accountNumber string) ([]PlacedOrder, error) {
	return execBreaker(b.breaker, b.session, func(s Session) ([]PlacedOrder, error) {
		return s.GetLiveOrders(ctx, accountNumber)
	})
}

func (b *BreakerSession) GetTransactions(ctx context.Context, accountNumber string, startDate time.Time) ([]Transaction, error) {
	return execBreaker(b.breaker, b.session, func(s Session) ([]Transaction, error) {
		return s.GetTransactions(ctx, accountNumber, startDate)
	})
}

func (b *BreakerSession) GetOrderChains(ctx context.Context, accountNumber, underlyingSymbol string) ([]OrderChain, error) {
	return execBreaker(b.breaker, b.session, func(s Session) ([]OrderChain, error) {
		return s.GetOrderChains(ctx, accountNumber, underlyingSymbol)
	})
}

func (b *BreakerSession) PlaceOrder(ctx context.Context, accountNumber string, spec OrderSpec) (*PlacedOrder, error) {
	return execBreaker(b.breaker, b.session, func(s Session) (*PlacedOrder, error) {
		return s.PlaceOrder(ctx, accountNumber, spec)
	})
}

func (b *BreakerSession) CancelOrder(ctx context.Context, accountNumber, orderID string) error {
	_, err := execBreaker(b.breaker, b.session, func(s Session) (struct{}, error) {
		return struct{}{}, s.CancelOrder(ctx, accountNumber, orderID)
	})
	return err
}
