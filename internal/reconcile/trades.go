package reconcile

import (
	"context"
	"time"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
)

// ReconcileTrades squares trade records against the cached order history:
// trades stuck in a working status whose broker order went terminal are
// advanced, and pending_entry positions whose opening order filled while
// no event arrived are promoted.
func (r *Reconciler) ReconcileTrades(ctx context.Context, session broker.Session, account models.TradingAccount) *PhaseResult {
	result := newPhaseResult(PhaseTrades)
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	for _, pos := range r.scopedOpenPositions(account) {
		if pos.State != models.StatePendingEntry || pos.OpeningOrderID == "" {
			continue
		}
		result.ItemsProcessed++

		row, ok := r.store.GetOrderHistory(pos.OpeningOrderID)
		if !ok {
			continue
		}
		order, err := decodeOrderData(row)
		if err != nil {
			result.addError("position %s: decode order %s: %v", pos.ID, pos.OpeningOrderID, err)
			continue
		}
		if order.Status != models.OrderFilled {
			continue
		}
		if r.opts.DryRun {
			continue
		}
		if err := r.promotePendingEntry(pos.ID, order); err != nil {
			result.addError("position %s: promote: %v", pos.ID, err)
			continue
		}
		result.ItemsUpdated++
		r.logger.WithField("position", pos.ID).Info("Promoted stuck pending entry from cached order history")
	}

	r.advanceStaleTrades(account, result)
	return result
}

// advanceStaleTrades updates trade rows whose recorded status lags the
// cached order history.
func (r *Reconciler) advanceStaleTrades(account models.TradingAccount, result *PhaseResult) {
	for _, trade := range r.store.GetTradesForAccount(account.UserID, account.AccountNumber) {
		if trade.Status.IsTerminal() {
			continue
		}
		if !r.opts.Scope.matchesPosition(trade.PositionID) {
			continue
		}
		row, ok := r.store.GetOrderHistory(trade.BrokerOrderID)
		if !ok {
			continue
		}
		order, err := decodeOrderData(row)
		if err != nil {
			continue
		}

		var next models.TradeStatus
		switch order.Status {
		case models.OrderFilled:
			next = models.TradeFilled
		case models.OrderRejected:
			next = models.TradeRejected
		case models.OrderCancelled, models.OrderExpired:
			next = models.TradeCancelled
		default:
			continue
		}

		result.ItemsProcessed++
		if r.opts.DryRun {
			continue
		}
		trade.Status = next
		if next == models.TradeFilled {
			filledAt := time.Now().UTC()
			if order.FilledAt != nil {
				filledAt = *order.FilledAt
			}
			trade.FilledAt = &filledAt
			if price, ok := fillPriceOf(order); ok {
				trade.FillPrice = price
			}
		}
		if err := r.store.SaveTrade(&trade); err != nil {
			result.addError("trade %s: %v", trade.ID, err)
			continue
		}
		result.ItemsUpdated++
	}
}
