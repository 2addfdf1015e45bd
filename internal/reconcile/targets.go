package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/occ"
	"github.com/halpertlabs/spreadkeeper/internal/pnl"
	"github.com/halpertlabs/spreadkeeper/internal/strategy"
)

// orphanAdoptionWindow bounds how far from the position's open time a Live
// order may have been received and still be adopted as its profit target.
const orphanAdoptionWindow = 5 * time.Minute

// FixProfitTargets guarantees every still-open spread of every app-managed
// position has exactly one working exit order at the broker: it validates
// recorded orders, adopts orphans, applies missed fills, and recreates
// what is genuinely missing.
func (r *Reconciler) FixProfitTargets(ctx context.Context, session broker.Session, account models.TradingAccount) *PhaseResult {
	result := newPhaseResult(PhaseProfitTargets)
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	for _, pos := range r.scopedOpenPositions(account) {
		if !pos.IsAppManaged || pos.State == models.StatePendingEntry {
			continue
		}
		targets := strategy.ExpectedTargets(pos.StrategyType)
		if len(targets) == 0 {
			continue
		}
		result.ItemsProcessed++
		if err := r.fixPositionTargets(ctx, session, account, pos.ID, targets, result); err != nil {
			result.addError("position %s: %v", pos.ID, err)
		}
	}
	return result
}

// targetPlan captures what one position needs after validation.
type targetPlan struct {
	missing []strategy.ProfitTargetSpec
	filled  map[models.SpreadType]*broker.PlacedOrder
}

func (r *Reconciler) fixPositionTargets(
	ctx context.Context,
	session broker.Session,
	account models.TradingAccount,
	positionID string,
	targets []strategy.ProfitTargetSpec,
	result *PhaseResult,
) error {
	// Steps 1-5 read and validate under the row lock; order placement
	// (step 7) happens outside it.
	plan := &targetPlan{filled: make(map[models.SpreadType]*broker.PlacedOrder)}

	err := r.store.WithPositionLock(positionID, func(pos *models.Position) (*models.Position, error) {
		if !pos.IsOpen() || pos.State == models.StatePendingEntry {
			return nil, nil
		}

		// Step 5: DTE automation owns end-of-life once it has touched
		// the position.
		if dte := pos.Metadata.DTEAutomation; dte != nil && dte.LastProcessedDTE != nil {
			return nil, nil
		}

		openSpreads := openSpreadSet(pos, targets)
		changed := false

		for _, spec := range targets {
			if !openSpreads[spec.SpreadType] {
				continue
			}
			detail := pos.TargetDetail(spec.SpreadType)

			valid, filledOrder := r.validateTarget(ctx, session, account, pos, spec.SpreadType, detail)
			if filledOrder != nil {
				plan.filled[spec.SpreadType] = filledOrder
				continue
			}
			if valid {
				continue
			}

			// Step 4: look for an orphaned Live order before recreating.
			if orderID := r.adoptOrphan(account, pos, spec.SpreadType); orderID != "" {
				if detail == nil {
					detail = &models.ProfitTargetDetail{
						Percent:  spec.Percent,
						Quantity: spec.Quantity,
						Status:   models.TargetPending,
					}
					pos.SetTargetDetail(spec.SpreadType, detail)
				}
				detail.OrderID = orderID
				detail.Status = models.TargetPending
				changed = true
				result.ItemsUpdated++
				r.logger.WithFields(logrus.Fields{
					"position":    pos.ID,
					"spread_type": spec.SpreadType,
					"order_id":    orderID,
				}).Info("Adopted orphaned profit-target order")
				continue
			}

			plan.missing = append(plan.missing, spec)
		}

		if !changed || r.opts.DryRun {
			return nil, nil
		}
		return pos, nil
	})
	if err != nil {
		return err
	}

	// Step 6: apply fills observed during validation.
	for spreadType, order := range plan.filled {
		if r.opts.DryRun {
			continue
		}
		applied, err := r.ApplyTargetFill(positionID, spreadType, order)
		if err != nil {
			result.addError("position %s: apply %s fill: %v", positionID, spreadType, err)
			continue
		}
		if applied {
			result.ItemsUpdated++
		}
	}

	// Step 7: recreate what is still missing, outside the lock.
	if len(plan.missing) > 0 {
		r.recreateTargets(ctx, session, positionID, plan.missing, result)
	}

	if r.opts.CancelOrphanedOrders {
		r.cancelStrayOrders(ctx, session, account, positionID, targets, result)
	}
	return nil
}

// cancelStrayOrders cancels unclaimed Live orders on the position's
// underlying whose leg set matches no expected spread. Gated by the
// cancel_orphaned_orders option because cancelling someone else's working
// order is destructive.
func (r *Reconciler) cancelStrayOrders(
	ctx context.Context,
	session broker.Session,
	account models.TradingAccount,
	positionID string,
	targets []strategy.ProfitTargetSpec,
	result *PhaseResult,
) {
	pos, ok := r.store.GetPosition(positionID)
	if !ok {
		return
	}
	claimed := r.claimedOrderIDs(account, "")

	for _, row := range r.store.FindLiveOrdersByUnderlying(account.UserID, account.AccountNumber, pos.Symbol) {
		if claimed[row.BrokerOrderID] {
			continue
		}
		order, err := decodeOrderData(&row)
		if err != nil {
			continue
		}
		if _, matches := matchSpread(order, pos, targets); matches {
			continue
		}
		if r.opts.DryRun {
			r.logger.WithFields(logrus.Fields{
				"position": pos.ID,
				"order_id": row.BrokerOrderID,
			}).Info("Dry run: would cancel stray order")
			continue
		}

		if err := session.CancelOrder(ctx, account.AccountNumber, row.BrokerOrderID); err != nil {
			if broker.IsConflict(err) {
				// Went terminal mid-flight. If it filled and turns out to
				// cover one of our spreads after all, take the fill.
				fresh, ferr := session.GetOrder(ctx, account.AccountNumber, row.BrokerOrderID)
				if ferr == nil && fresh.Status == models.OrderFilled {
					if spreadType, matches := matchSpread(fresh, pos, targets); matches {
						if _, aerr := r.ApplyTargetFill(pos.ID, spreadType, fresh); aerr != nil {
							result.addError("position %s: apply conflicting fill: %v", pos.ID, aerr)
						}
					}
				}
				continue
			}
			result.addError("position %s: cancel stray order %s: %v", pos.ID, row.BrokerOrderID, err)
			continue
		}
		result.ItemsUpdated++
		r.logger.WithFields(logrus.Fields{
			"position": pos.ID,
			"order_id": row.BrokerOrderID,
		}).Info("Cancelled stray order")
	}
}

// matchSpread reports which expected spread, if any, an order's leg set
// covers.
func matchSpread(order *broker.PlacedOrder, pos *models.Position, targets []strategy.ProfitTargetSpec) (models.SpreadType, bool) {
	for _, spec := range targets {
		expected := pos.Metadata.SpreadLegs[spec.SpreadType]
		if len(expected) > 0 && sameLegSet(order, expected) {
			return spec.SpreadType, true
		}
	}
	return "", false
}

// claimedOrderIDs collects every profit-target order id claimed by any of
// the account's positions, excluding the one named (if any).
func (r *Reconciler) claimedOrderIDs(account models.TradingAccount, excludePositionID string) map[string]bool {
	claimed := make(map[string]bool)
	for _, other := range r.store.ListPositionsByAccount(account.UserID, account.AccountNumber) {
		if other.ID == excludePositionID {
			continue
		}
		for _, id := range other.ClaimedTargetOrderIDs() {
			claimed[id] = true
		}
	}
	return claimed
}

// openSpreadSet determines which expected spreads still have legs at the
// broker, preferring the recorded spread_legs map and falling back to
// short/long pair counting.
func openSpreadSet(pos *models.Position, targets []strategy.ProfitTargetSpec) map[models.SpreadType]bool {
	held := make(map[string]bool)
	for _, leg := range pos.Metadata.Legs {
		if leg.Quantity != 0 {
			held[leg.Symbol] = true
		}
	}

	open := make(map[models.SpreadType]bool)
	if len(pos.Metadata.SpreadLegs) > 0 {
		for _, spec := range targets {
			symbols, ok := pos.Metadata.SpreadLegs[spec.SpreadType]
			if !ok {
				continue
			}
			for _, symbol := range symbols {
				if held[symbol] {
					open[spec.SpreadType] = true
					break
				}
			}
		}
		return open
	}

	// No spread_legs map: infer from pair counts.
	putPairs, callPairs := pairCounts(pos)
	for _, spec := range targets {
		switch spec.SpreadType {
		case models.SpreadCall:
			open[models.SpreadCall] = callPairs >= 1
		case models.SpreadPut1:
			open[models.SpreadPut1] = putPairs >= 1
		case models.SpreadPut2:
			open[models.SpreadPut2] = putPairs >= 2
		default:
			open[spec.SpreadType] = len(held) > 0
		}
	}
	return open
}

// pairCounts counts matched short/long put and call pairs in the recorded
// legs.
func pairCounts(pos *models.Position) (putPairs, callPairs int) {
	var shortPuts, longPuts, shortCalls, longCalls int
	for _, leg := range pos.Metadata.Legs {
		if leg.Quantity == 0 || leg.InstrumentType != models.InstrumentEquityOption {
			continue
		}
		sym, err := occ.Parse(leg.Symbol)
		if err != nil {
			continue
		}
		switch {
		case sym.Type == occ.Put && leg.Quantity < 0:
			shortPuts += leg.AbsQuantity()
		case sym.Type == occ.Put:
			longPuts += leg.AbsQuantity()
		case leg.Quantity < 0:
			shortCalls += leg.AbsQuantity()
		default:
			longCalls += leg.AbsQuantity()
		}
	}
	putPairs = min(shortPuts, longPuts)
	callPairs = min(shortCalls, longCalls)
	return putPairs, callPairs
}

// validateTarget applies step 3's decision table to one recorded detail.
// Returns valid=true when no action is needed; a non-nil filledOrder means
// the fill branch must run.
func (r *Reconciler) validateTarget(
	ctx context.Context,
	session broker.Session,
	account models.TradingAccount,
	pos *models.Position,
	spreadType models.SpreadType,
	detail *models.ProfitTargetDetail,
) (valid bool, filledOrder *broker.PlacedOrder) {
	if detail == nil {
		return false, nil
	}
	if detail.Status == models.TargetFilled {
		return true, nil
	}
	if detail.SkipRecreation {
		return true, nil
	}
	if detail.OrderID == "" {
		if pos.ProfitTargetsCreated {
			// Recreating here risks a duplicate; an operator has to
			// resolve how the id was lost.
			r.logger.WithFields(logrus.Fields{
				"position":    pos.ID,
				"spread_type": spreadType,
			}).Error("Profit target has no order id despite profit_targets_created; manual review required")
			return true, nil
		}
		return false, nil
	}

	order, err := session.GetOrder(ctx, account.AccountNumber, detail.OrderID)
	if err != nil {
		if broker.IsNotFound(err) {
			return false, nil
		}
		r.logger.WithError(err).WithFields(logrus.Fields{
			"position": pos.ID,
			"order_id": detail.OrderID,
		}).Warn("Profit-target order fetch failed; treating as needing recreation")
		return false, nil
	}

	switch {
	case order.Status == models.OrderFilled:
		return true, order
	case order.Status.IsWorking():
		return true, nil
	default:
		// Cancelled, Rejected, Expired.
		if !r.opts.ReplaceCancelledTargets && order.Status == models.OrderCancelled {
			return true, nil
		}
		return false, nil
	}
}

// adoptOrphan finds a Live order on the position's underlying, received
// within the adoption window, with exactly the expected leg set, not
// claimed by any other position.
func (r *Reconciler) adoptOrphan(account models.TradingAccount, pos *models.Position, spreadType models.SpreadType) string {
	if pos.OpenedAt == nil {
		return ""
	}
	expected := pos.Metadata.SpreadLegs[spreadType]
	if len(expected) == 0 {
		return ""
	}

	// The in-memory position may hold adoptions not yet persisted.
	claimed := r.claimedOrderIDs(account, pos.ID)
	for _, id := range pos.ClaimedTargetOrderIDs() {
		claimed[id] = true
	}

	for _, row := range r.store.FindLiveOrdersByUnderlying(account.UserID, account.AccountNumber, pos.Symbol) {
		if claimed[row.BrokerOrderID] {
			continue
		}
		if row.ReceivedAt == nil {
			continue
		}
		delta := row.ReceivedAt.Sub(*pos.OpenedAt)
		if delta < -orphanAdoptionWindow || delta > orphanAdoptionWindow {
			continue
		}
		order, err := decodeOrderData(&row)
		if err != nil {
			continue
		}
		if sameLegSet(order, expected) {
			return row.BrokerOrderID
		}
	}
	return ""
}

// sameLegSet compares an order's leg symbols with the expected OCC set.
func sameLegSet(order *broker.PlacedOrder, expected []string) bool {
	if len(order.Legs) != len(expected) {
		return false
	}
	got := make([]string, 0, len(order.Legs))
	for _, leg := range order.Legs {
		got = append(got, leg.Symbol)
	}
	want := append([]string(nil), expected...)
	sort.Strings(got)
	sort.Strings(want)
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// ApplyTargetFill marks one profit target filled under the position's row
// lock: price and timestamps from the order, realized P&L from the credit
// basis, quantity decremented, lifecycle advanced. Idempotent — an entry
// already filled is a no-op. Shared with the push-event processor.
func (r *Reconciler) ApplyTargetFill(positionID string, spreadType models.SpreadType, order *broker.PlacedOrder) (bool, error) {
	applied := false
	var tradeToSave *models.Trade

	err := r.store.WithPositionLock(positionID, func(pos *models.Position) (*models.Position, error) {
		if !pos.IsOpen() {
			return nil, nil
		}
		detail := pos.TargetDetail(spreadType)
		if detail == nil {
			detail = &models.ProfitTargetDetail{Status: models.TargetPending}
			pos.SetTargetDetail(spreadType, detail)
		}
		if detail.Status == models.TargetFilled {
			return nil, nil
		}

		fillPrice, ok := fillPriceOf(order)
		if !ok {
			fillPrice = detail.TargetPrice
		}
		filledAt := time.Now().UTC()
		if order.FilledAt != nil {
			filledAt = *order.FilledAt
		}

		fillQty := detail.FillQuantity()
		realized := pnl.RoundStorage(pnl.SpreadRealized(detail.OriginalCredit, fillPrice, fillQty))

		detail.Status = models.TargetFilled
		detail.FilledAt = &filledAt
		detail.FillPrice = pnl.RoundStorage(fillPrice.Abs())
		detail.RealizedPnL = realized
		if detail.OrderID == "" {
			detail.OrderID = order.ID
		}

		if pos.Metadata.OriginalQuantity == 0 {
			pos.Metadata.OriginalQuantity = pos.Quantity
		}
		pos.Quantity -= fillQty
		pos.TotalRealizedPnL = pnl.RoundStorage(pos.TotalRealizedPnL.Add(realized))

		if pos.Quantity <= 0 {
			pos.Quantity = 0
			if pos.ClosureReason == "" {
				pos.ClosureReason = models.ClosureProfitTarget
			}
			if err := pos.Transition(models.StateClosed, models.ConditionPositionClosed); err != nil {
				return nil, err
			}
			pos.ClosedAt = &filledAt
		} else if pos.Quantity < pos.OriginalQuantity() {
			if pos.State == models.StateOpenFull || pos.State == models.StateOpenPartial {
				if err := pos.Transition(models.StateOpenPartial, models.ConditionPartialClose); err != nil {
					return nil, err
				}
			}
		}

		tradeToSave = &models.Trade{
			ID:             uuid.NewString(),
			UserID:         pos.UserID,
			PositionID:     pos.ID,
			AccountNumber:  pos.AccountNumber,
			BrokerOrderID:  order.ID,
			TradeType:      models.TradeClose,
			FillPrice:      detail.FillPrice,
			Quantity:       fillQty,
			Status:         models.TradeFilled,
			FilledAt:       &filledAt,
			LifecycleEvent: "profit_target_fill",
			RealizedPnL:    realized,
		}
		applied = true
		return pos, nil
	})
	if err != nil {
		return false, err
	}
	if tradeToSave != nil {
		if _, exists := r.store.GetTradeByBrokerOrderID(tradeToSave.BrokerOrderID); !exists {
			if err := r.store.SaveTrade(tradeToSave); err != nil {
				return applied, err
			}
		}
	}
	return applied, nil
}

// recreateTargets places replacement exit orders for missing spreads and
// records the returned ids. A partial success is recorded but flagged.
func (r *Reconciler) recreateTargets(ctx context.Context, session broker.Session, positionID string, missing []strategy.ProfitTargetSpec, result *PhaseResult) {
	pos, ok := r.store.GetPosition(positionID)
	if !ok {
		result.addError("position %s vanished before target recreation", positionID)
		return
	}

	for _, spec := range missing {
		if r.opts.DryRun {
			continue
		}
		orderID, targetPrice, err := r.placer.PlaceTarget(ctx, session, pos, spec)
		if err != nil {
			if broker.IsConflict(err) {
				// The order went terminal (likely filled) mid-flight;
				// the next run's validation picks the fill up.
				r.logger.WithField("position", positionID).Warn("Target placement conflicted; deferring to next run")
				continue
			}
			result.addError("position %s: place %s: %v", positionID, spec.SpreadType, err)
			continue
		}

		submittedAt := time.Now().UTC()
		lockErr := r.store.WithPositionLock(positionID, func(fresh *models.Position) (*models.Position, error) {
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
			fresh.ProfitTargetsCreated = true
			return fresh, nil
		})
		if lockErr != nil {
			result.addError("position %s: record %s order: %v", positionID, spec.SpreadType, lockErr)
			continue
		}
		result.ItemsCreated++
	}
}
