// Package events consumes the account websocket's order events and applies
// them to local state the moment they arrive: opening fills promote
// positions and spawn their profit targets, profit-target fills book
// realized P&L, terminal non-fills close pending entries. The periodic
// reconciler remains the safety net when this path is down.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/orders"
	"github.com/halpertlabs/spreadkeeper/internal/reconcile"
	"github.com/halpertlabs/spreadkeeper/internal/storage"
	"github.com/halpertlabs/spreadkeeper/internal/strategy"
)

// inboxSize bounds each account's pending event queue.
const inboxSize = 64

// Processor routes order events to one worker per account so events for
// the same account apply strictly in arrival order.
type Processor struct {
	store      storage.Interface
	factory    broker.SessionFactory
	placer     orders.Placer
	reconciler *reconcile.Reconciler
	logger     *logrus.Logger

	mu      sync.Mutex
	inboxes map[string]chan broker.OrderEvent
	wg      sync.WaitGroup
}

func NewProcessor(store storage.Interface, factory broker.SessionFactory, placer orders.Placer, reconciler *reconcile.Reconciler, logger *logrus.Logger) *Processor {
	return &Processor{
		store:      store,
		factory:    factory,
		placer:     placer,
		reconciler: reconciler,
		logger:     logger,
		inboxes:    make(map[string]chan broker.OrderEvent),
	}
}

// Run consumes the stream until the context ends or the channel closes,
// then waits for the per-account workers to drain.
func (p *Processor) Run(ctx context.Context, events <-chan broker.OrderEvent) {
	defer p.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.dispatch(ctx, ev)
		}
	}
}

func (p *Processor) dispatch(ctx context.Context, ev broker.OrderEvent) {
	p.mu.Lock()
	inbox, ok := p.inboxes[ev.AccountNumber]
	if !ok {
		inbox = make(chan broker.OrderEvent, inboxSize)
		p.inboxes[ev.AccountNumber] = inbox
		p.wg.Add(1)
		go p.worker(ctx, inbox)
	}
	p.mu.Unlock()

	select {
	case inbox <- ev:
	default:
		p.logger.WithFields(logrus.Fields{
			"account": ev.AccountNumber,
			"order":   ev.Order.ID,
		}).Warn("Account event inbox full, dropping event for reconciler pickup")
	}
}

func (p *Processor) worker(ctx context.Context, inbox <-chan broker.OrderEvent) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-inbox:
			if !ok {
				return
			}
			if err := p.Handle(ctx, ev); err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"account": ev.AccountNumber,
					"order":   ev.Order.ID,
				}).Error("Order event processing failed")
			}
		}
	}
}

func (p *Processor) shutdown() {
	p.mu.Lock()
	for _, inbox := range p.inboxes {
		close(inbox)
	}
	p.inboxes = make(map[string]chan broker.OrderEvent)
	p.mu.Unlock()
	p.wg.Wait()
}

// Handle applies one order event. Events referencing orders the engine
// does not track are ignored.
func (p *Processor) Handle(ctx context.Context, ev broker.OrderEvent) error {
	order := &ev.Order
	account, ok := p.accountFor(ev.AccountNumber)
	if !ok {
		return nil
	}

	// Keep the order-history cache current regardless of what the event
	// means for positions.
	if row, err := order.HistoryRow(account.UserID, account.AccountNumber); err == nil {
		if _, err := p.store.UpsertOrderHistory(row); err != nil {
			p.logger.WithError(err).WithField("order", order.ID).Warn("Order history upsert failed")
		}
	}

	if trade, ok := p.store.GetTradeByBrokerOrderID(order.ID); ok && trade.TradeType == models.TradeOpen {
		return p.handleOpeningEvent(ctx, account, trade, order)
	}

	if positionID, spreadType, ok := p.findClaimingPosition(account, order.ID); ok {
		return p.handleTargetEvent(positionID, spreadType, order)
	}
	return nil
}

func (p *Processor) accountFor(accountNumber string) (models.TradingAccount, bool) {
	for _, account := range p.store.ListActiveAccounts() {
		if account.AccountNumber == accountNumber {
			return account, true
		}
	}
	return models.TradingAccount{}, false
}

// findClaimingPosition locates the open position whose profit-target
// details claim the order id.
func (p *Processor) findClaimingPosition(account models.TradingAccount, orderID string) (string, models.SpreadType, bool) {
	for _, pos := range p.store.GetOpenPositions(account.UserID, account.AccountNumber) {
		for spreadType, detail := range pos.ProfitTargetDetails {
			if detail != nil && detail.OrderID == orderID {
				return pos.ID, spreadType, true
			}
		}
	}
	return "", "", false
}

// handleOpeningEvent advances an opening trade: a fill promotes the
// position and spawns its profit targets, a terminal non-fill closes it.
func (p *Processor) handleOpeningEvent(ctx context.Context, account models.TradingAccount, trade *models.Trade, order *broker.PlacedOrder) error {
	switch {
	case order.Status == models.OrderFilled:
		return p.applyOpeningFill(ctx, account, trade, order)
	case order.Status.IsTerminal():
		return p.closeUnfilledEntry(trade, order)
	default:
		return p.advanceTradeStatus(trade, order.Status)
	}
}

func (p *Processor) advanceTradeStatus(trade *models.Trade, status models.OrderStatus) error {
	next := trade.Status
	switch status {
	case models.OrderRouted:
		next = models.TradeRouted
	case models.OrderLive:
		next = models.TradeLive
	}
	if next == trade.Status {
		return nil
	}
	trade.Status = next
	return p.store.SaveTrade(trade)
}

func (p *Processor) applyOpeningFill(ctx context.Context, account models.TradingAccount, trade *models.Trade, order *broker.PlacedOrder) error {
	filledAt := time.Now().UTC()
	if order.FilledAt != nil {
		filledAt = *order.FilledAt
	}

	var promoted *models.Position
	err := p.store.WithPositionLock(trade.PositionID, func(pos *models.Position) (*models.Position, error) {
		if pos.State != models.StatePendingEntry {
			return nil, nil
		}
		if err := pos.Transition(models.StateOpenFull, models.ConditionOrderFilled); err != nil {
			return nil, err
		}
		pos.OpenedAt = &filledAt
		if net, ok := order.NetFillPrice(); ok {
			pos.AvgPrice = net.Abs().Round(2)
		}
		promoted = pos
		return pos, nil
	})
	if err != nil || promoted == nil {
		return err
	}

	trade.Status = models.TradeFilled
	trade.FilledAt = &filledAt
	if net, ok := order.NetFillPrice(); ok {
		trade.FillPrice = net
	}
	if err := p.store.SaveTrade(trade); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"position": promoted.ID,
		"order":    order.ID,
	}).Info("Opening order filled, position promoted")

	// Refresh legs and marks from the broker in the background; target
	// placement proceeds on the recorded legs and the next sweep repairs
	// anything the sync changes.
	go p.syncAfterFill(ctx, account)

	return p.createProfitTargets(ctx, account, promoted.ID, trade)
}

// syncAfterFill runs one account-scoped position sync so broker-side leg
// state lands without waiting for the next sweep.
func (p *Processor) syncAfterFill(ctx context.Context, account models.TradingAccount) {
	session, err := p.factory.SessionFor(ctx, account.UserID, account.AccountNumber)
	if err != nil {
		p.logger.WithError(err).WithField("account", account.AccountNumber).Warn("Post-fill sync skipped: no session")
		return
	}
	result := p.reconciler.SyncPositions(ctx, session, account)
	if !result.Success {
		p.logger.WithFields(logrus.Fields{
			"account": account.AccountNumber,
			"errors":  len(result.Errors),
		}).Warn("Post-fill position sync reported errors")
	}
}

// createProfitTargets places the strategy's exit orders right after the
// opening fill and records them on the position and the opening trade.
func (p *Processor) createProfitTargets(ctx context.Context, account models.TradingAccount, positionID string, openingTrade *models.Trade) error {
	pos, ok := p.store.GetPosition(positionID)
	if !ok {
		return nil
	}
	targets := strategy.ExpectedTargets(pos.StrategyType)
	if len(targets) == 0 || pos.ProfitTargetsCreated {
		return nil
	}

	session, err := p.factory.SessionFor(ctx, account.UserID, account.AccountNumber)
	if err != nil {
		return err
	}

	spreads, err := strategy.SplitSpreads(pos.StrategyType, pos.Metadata.Legs)
	if err == nil && len(spreads) > 0 && len(pos.Metadata.SpreadLegs) == 0 {
		_ = p.store.WithPositionLock(positionID, func(fresh *models.Position) (*models.Position, error) {
			fresh.Metadata.SpreadLegs = spreads
			return fresh, nil
		})
		pos.Metadata.SpreadLegs = spreads
	}

	var childIDs []string
	for _, spec := range targets {
		orderID, targetPrice, placeErr := p.placer.PlaceTarget(ctx, session, pos, spec)
		if placeErr != nil {
			p.logger.WithError(placeErr).WithFields(logrus.Fields{
				"position":    positionID,
				"spread_type": spec.SpreadType,
			}).Error("Profit-target placement failed; reconciler will recreate")
			continue
		}
		if orderID == "" {
			continue
		}
		childIDs = append(childIDs, orderID)

		submittedAt := time.Now().UTC()
		err := p.store.WithPositionLock(positionID, func(fresh *models.Position) (*models.Position, error) {
			detail := fresh.TargetDetail(spec.SpreadType)
			if detail == nil {
				detail = &models.ProfitTargetDetail{}
				fresh.SetTargetDetail(spec.SpreadType, detail)
			}
			detail.OrderID = orderID
			detail.Percent = spec.Percent
			detail.Quantity = spec.Quantity
			detail.TargetPrice = targetPrice
			detail.Status = models.TargetPending
			detail.SubmittedAt = &submittedAt
			if detail.OriginalCredit.IsZero() {
				detail.OriginalCredit = fresh.AvgPrice
			}
			return fresh, nil
		})
		if err != nil {
			return err
		}
	}

	if len(childIDs) == len(targets) {
		if err := p.store.WithPositionLock(positionID, func(fresh *models.Position) (*models.Position, error) {
			fresh.ProfitTargetsCreated = true
			return fresh, nil
		}); err != nil {
			return err
		}
	}
	if len(childIDs) > 0 {
		openingTrade.ChildOrderIDs = append(openingTrade.ChildOrderIDs, childIDs...)
		return p.store.SaveTrade(openingTrade)
	}
	return nil
}

// closeUnfilledEntry closes a pending position whose opening order went
// terminal without filling.
func (p *Processor) closeUnfilledEntry(trade *models.Trade, order *broker.PlacedOrder) error {
	var reason models.ClosureReason
	var condition string
	var tradeStatus models.TradeStatus
	switch order.Status {
	case models.OrderRejected:
		reason, condition, tradeStatus = models.ClosureOrderRejected, models.ConditionOrderRejected, models.TradeRejected
	case models.OrderExpired:
		reason, condition, tradeStatus = models.ClosureOrderExpired, models.ConditionOrderExpired, models.TradeCancelled
	default:
		reason, condition, tradeStatus = models.ClosureOrderCancelled, models.ConditionOrderCancelled, models.TradeCancelled
	}

	err := p.store.WithPositionLock(trade.PositionID, func(pos *models.Position) (*models.Position, error) {
		if pos.State != models.StatePendingEntry {
			return nil, nil
		}
		if err := pos.Transition(models.StateClosed, condition); err != nil {
			return nil, err
		}
		pos.ClosureReason = reason
		return pos, nil
	})
	if err != nil {
		return err
	}

	trade.Status = tradeStatus
	return p.store.SaveTrade(trade)
}

// handleTargetEvent applies a profit-target order's terminal event. Fills
// share the reconciler's fill bookkeeping; cancellations mark the detail
// so the next sweep recreates the order.
func (p *Processor) handleTargetEvent(positionID string, spreadType models.SpreadType, order *broker.PlacedOrder) error {
	switch {
	case order.Status == models.OrderFilled:
		_, err := p.reconciler.ApplyTargetFill(positionID, spreadType, order)
		return err
	case order.Status.IsTerminal():
		return p.store.WithPositionLock(positionID, func(pos *models.Position) (*models.Position, error) {
			detail := pos.TargetDetail(spreadType)
			if detail == nil || detail.Status != models.TargetPending {
				return nil, nil
			}
			detail.Status = models.TargetCancelled
			return pos, nil
		})
	default:
		return nil
	}
}
