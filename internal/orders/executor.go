// Package orders places and cancels profit-target exit orders. It is the
// execution collaborator the reconciler and event processor call after
// deciding a spread needs a working exit.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/pnl"
	"github.com/halpertlabs/spreadkeeper/internal/retry"
	"github.com/halpertlabs/spreadkeeper/internal/strategy"
)

// placeRetry allows one extra attempt on transient broker errors. Auth,
// validation, and conflict errors surface on the first attempt.
var placeRetry = retry.Config{
	MaxRetries:     1,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Timeout:        30 * time.Second,
}

// Placer is the narrow surface the reconciler and event processor depend
// on.
type Placer interface {
	PlaceTarget(ctx context.Context, session broker.Session, pos *models.Position, spec strategy.ProfitTargetSpec) (orderID string, targetPrice decimal.Decimal, err error)
	CancelTarget(ctx context.Context, session broker.Session, accountNumber, orderID string) error
}

// Executor builds limit exit orders from a position's recorded legs.
type Executor struct {
	logger *logrus.Logger
	dryRun bool
}

var _ Placer = (*Executor)(nil)

func NewExecutor(logger *logrus.Logger, dryRun bool) *Executor {
	return &Executor{logger: logger, dryRun: dryRun}
}

// exitAction inverts an open leg into its closing verb.
func exitAction(legQuantity int) string {
	if legQuantity < 0 {
		return models.ActionBuyToClose
	}
	return models.ActionSellToClose
}

// legBySymbol finds the recorded leg for an OCC symbol.
func legBySymbol(pos *models.Position, symbol string) (models.Leg, bool) {
	for _, leg := range pos.Metadata.Legs {
		if leg.Symbol == symbol {
			return leg, true
		}
	}
	return models.Leg{}, false
}

// spreadSymbols resolves the OCC symbols composing one spread, preferring
// the recorded spread_legs map over shape inference.
func spreadSymbols(pos *models.Position, spreadType models.SpreadType) ([]string, error) {
	if symbols, ok := pos.Metadata.SpreadLegs[spreadType]; ok && len(symbols) > 0 {
		return symbols, nil
	}
	spreads, err := strategy.SplitSpreads(pos.StrategyType, pos.Metadata.Legs)
	if err != nil {
		return nil, err
	}
	symbols, ok := spreads[spreadType]
	if !ok {
		return nil, fmt.Errorf("position %s has no legs for %s", pos.ID, spreadType)
	}
	return symbols, nil
}

// BuildExitSpec constructs the limit order that closes one spread at its
// profit-target price.
func (e *Executor) BuildExitSpec(pos *models.Position, spec strategy.ProfitTargetSpec) (broker.OrderSpec, decimal.Decimal, error) {
	detail := pos.TargetDetail(spec.SpreadType)

	credit := decimal.Zero
	if detail != nil {
		credit = detail.OriginalCredit
	}
	if credit.IsZero() {
		credit = pos.AvgPrice
	}
	if credit.IsZero() {
		return broker.OrderSpec{}, decimal.Zero, fmt.Errorf("position %s: no credit basis for %s target", pos.ID, spec.SpreadType)
	}

	effect := pos.OpeningPriceEffect
	if effect == "" {
		effect = pnl.Credit
	}
	targetPrice := pnl.RoundStorage(pnl.TargetPrice(credit, spec.Percent, effect))

	symbols, err := spreadSymbols(pos, spec.SpreadType)
	if err != nil {
		return broker.OrderSpec{}, decimal.Zero, err
	}

	legs := make([]broker.OrderSpecLeg, 0, len(symbols))
	for _, symbol := range symbols {
		leg, ok := legBySymbol(pos, symbol)
		if !ok {
			return broker.OrderSpec{}, decimal.Zero, fmt.Errorf("position %s: leg %s not recorded", pos.ID, symbol)
		}
		qty := spec.Quantity
		if qty <= 0 {
			qty = 1
		}
		legs = append(legs, broker.OrderSpecLeg{
			Symbol:         symbol,
			InstrumentType: string(leg.InstrumentType),
			Action:         exitAction(leg.Quantity),
			Quantity:       qty,
		})
	}

	// Closing a credit spread pays a debit; closing a debit spread
	// collects a credit.
	exitEffect := "Debit"
	if effect == pnl.Debit {
		exitEffect = "Credit"
	}

	return broker.OrderSpec{
		OrderType:   "Limit",
		TimeInForce: "GTC",
		Price:       targetPrice,
		PriceEffect: exitEffect,
		Legs:        legs,
	}, targetPrice, nil
}

// PlaceTarget submits the exit order for one spread and returns the broker
// order id. In dry-run mode nothing is sent and the id is empty.
func (e *Executor) PlaceTarget(ctx context.Context, session broker.Session, pos *models.Position, spec strategy.ProfitTargetSpec) (string, decimal.Decimal, error) {
	orderSpec, targetPrice, err := e.BuildExitSpec(pos, spec)
	if err != nil {
		return "", decimal.Zero, err
	}

	if e.dryRun {
		e.logger.WithFields(logrus.Fields{
			"position":    pos.ID,
			"spread_type": spec.SpreadType,
			"price":       targetPrice.String(),
		}).Info("Dry run: skipping profit-target placement")
		return "", targetPrice, nil
	}

	placed, err := retry.Do(ctx, placeRetry, e.logger, "place order", func(ctx context.Context) (*broker.PlacedOrder, error) {
		return session.PlaceOrder(ctx, pos.AccountNumber, orderSpec)
	})
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("place %s target for position %s: %w", spec.SpreadType, pos.ID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"position":    pos.ID,
		"spread_type": spec.SpreadType,
		"order_id":    placed.ID,
		"price":       targetPrice.String(),
	}).Info("Profit target placed")
	return placed.ID, targetPrice, nil
}

// CancelTarget cancels a working exit order. Conflict errors propagate so
// the caller can switch to the fill branch.
func (e *Executor) CancelTarget(ctx context.Context, session broker.Session, accountNumber, orderID string) error {
	if e.dryRun {
		e.logger.WithField("order_id", orderID).Info("Dry run: skipping cancel")
		return nil
	}
	_, err := retry.Do(ctx, placeRetry, e.logger, "cancel order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, session.CancelOrder(ctx, accountNumber, orderID)
	})
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}
