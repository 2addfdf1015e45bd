package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/occ"
	"github.com/halpertlabs/spreadkeeper/internal/pnl"
)

// brokerAbsentGrace keeps the broker-absent safety net from closing a
// position whose fill the broker's position feed has not reflected yet.
const brokerAbsentGrace = 10 * time.Minute

// SyncPositions reconciles local position rows against the broker's live
// positions: Tier A rebuilds app-managed legs from cached orders, Tier B
// upserts broker-grouped unmanaged positions, then pending orders are
// reconciled and broker-absent positions closed as a safety net.
func (r *Reconciler) SyncPositions(ctx context.Context, session broker.Session, account models.TradingAccount) *PhaseResult {
	result := newPhaseResult(PhasePositions)
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	live, err := session.ListPositions(ctx, account.AccountNumber)
	if err != nil {
		result.addError("list positions: %v", err)
		return result
	}
	legsBySymbol := make(map[string]broker.LivePosition, len(live))
	for _, leg := range live {
		legsBySymbol[leg.Symbol] = leg
	}

	open := r.scopedOpenPositions(account)

	// Tier A: app-managed positions rebuilt from their cached opening
	// orders. Batched reads up front to avoid per-position queries.
	var managed []models.Position
	openingIDs := make([]string, 0, len(open))
	filledTargetIDs := make([]string, 0)
	for _, pos := range open {
		if !pos.IsAppManaged {
			continue
		}
		managed = append(managed, pos)
		if pos.OpeningOrderID != "" {
			openingIDs = append(openingIDs, pos.OpeningOrderID)
		}
		for _, d := range pos.ProfitTargetDetails {
			if d != nil && d.Status == models.TargetFilled && d.OrderID != "" {
				filledTargetIDs = append(filledTargetIDs, d.OrderID)
			}
		}
	}
	openingRows := r.store.GetOrderHistoryBatch(openingIDs)
	filledTargetRows := r.store.GetOrderHistoryBatch(filledTargetIDs)

	syncedUnderlyings := make(map[string]bool)
	for i := range managed {
		pos := &managed[i]
		result.ItemsProcessed++
		syncedUnderlyings[pos.Symbol] = true

		if err := r.syncManagedPosition(ctx, session, pos, legsBySymbol, openingRows, filledTargetRows); err != nil {
			result.addError("position %s: %v", pos.ID, err)
			r.flagReconstructionFailure(pos.ID, err)
			continue
		}
		result.ItemsUpdated++
	}

	// Tier B: broker legs grouped by underlying, for underlyings Tier A
	// did not cover.
	r.syncUnmanagedGroups(account, live, syncedUnderlyings, result)

	// Pending-order reconciliation and broker-absent safety net.
	r.reconcilePendingEntries(ctx, session, account, result)
	r.closeBrokerAbsent(account, legsBySymbol, result)

	return result
}

func (r *Reconciler) scopedOpenPositions(account models.TradingAccount) []models.Position {
	var out []models.Position
	for _, pos := range r.store.GetOpenPositions(account.UserID, account.AccountNumber) {
		if !r.opts.Scope.matchesPosition(pos.ID) || !r.opts.Scope.matchesSymbol(pos.Symbol) {
			continue
		}
		out = append(out, pos)
	}
	return out
}

// flagReconstructionFailure marks the position for human review without
// aborting the phase.
func (r *Reconciler) flagReconstructionFailure(positionID string, cause error) {
	if r.opts.DryRun {
		return
	}
	_ = r.store.WithPositionLock(positionID, func(pos *models.Position) (*models.Position, error) {
		pos.Metadata.ReconstructionFailed = true
		pos.Metadata.ReconstructionError = cause.Error()
		return pos, nil
	})
}

// syncManagedPosition rebuilds one app-managed position's legs, marks, and
// P&L from its opening order and the broker's live legs, then reconciles
// any filled profit targets.
func (r *Reconciler) syncManagedPosition(
	ctx context.Context,
	session broker.Session,
	pos *models.Position,
	brokerLegs map[string]broker.LivePosition,
	openingRows map[string]models.OrderHistory,
	filledTargetRows map[string]models.OrderHistory,
) error {
	if pos.State == models.StatePendingEntry {
		// Handled by reconcilePendingEntries.
		return nil
	}

	openingRow, ok := openingRows[pos.OpeningOrderID]
	if !ok {
		return errMissingOpeningOrder(pos)
	}
	openingOrder, err := decodeOrderData(&openingRow)
	if err != nil {
		return err
	}

	// Quantities already closed by filled profit targets, per leg symbol.
	closedBySymbol := make(map[string]int)
	for _, d := range pos.ProfitTargetDetails {
		if d == nil || d.Status != models.TargetFilled || d.OrderID == "" {
			continue
		}
		row, ok := filledTargetRows[d.OrderID]
		if !ok {
			continue
		}
		targetOrder, err := decodeOrderData(&row)
		if err != nil {
			continue
		}
		for _, leg := range targetOrder.Legs {
			closedBySymbol[leg.Symbol] += int(leg.Quantity.Abs().IntPart())
		}
	}

	var legs []models.Leg
	unrealized := decimal.Zero
	for _, openLeg := range openingOrder.Legs {
		opened := 0
		for _, fill := range openLeg.Fills {
			opened += int(fill.Quantity.Abs().IntPart())
		}
		if opened == 0 {
			opened = int(openLeg.Quantity.Abs().IntPart())
		}
		remaining := opened - closedBySymbol[openLeg.Symbol]
		if remaining <= 0 {
			continue
		}

		brokerLeg, held := brokerLegs[openLeg.Symbol]
		if !held {
			// Leg declared open but absent at broker; the closure
			// engine decides what that means.
			continue
		}

		direction := pnl.Long
		signed := remaining
		if brokerLeg.Quantity.Sign() < 0 {
			direction = pnl.Short
			signed = -remaining
		}
		multiplier := brokerLeg.Multiplier
		if multiplier <= 0 {
			multiplier = pnl.DefaultMultiplier
		}

		current := brokerLeg.ClosePrice
		if brokerLeg.MarkPrice != nil {
			current = *brokerLeg.MarkPrice
		} else if brokerLeg.ClosePrice.Equal(brokerLeg.AverageOpenPrice) {
			r.logger.WithFields(logrus.Fields{
				"position": pos.ID,
				"leg":      openLeg.Symbol,
			}).Warn("Close price equals open price, leg pricing may be stale")
		}

		legs = append(legs, models.Leg{
			Symbol:            openLeg.Symbol,
			Quantity:          signed,
			QuantityDirection: direction,
			AverageOpenPrice:  brokerLeg.AverageOpenPrice,
			ClosePrice:        brokerLeg.ClosePrice,
			MarkPrice:         brokerLeg.MarkPrice,
			Multiplier:        multiplier,
			InstrumentType:    models.InstrumentType(brokerLeg.InstrumentType),
		})
		unrealized = unrealized.Add(pnl.LegUnrealized(
			brokerLeg.AverageOpenPrice, current, remaining, direction, multiplier))
	}

	avgPrice := pos.AvgPrice
	if net, ok := fillPriceOf(openingOrder); ok {
		avgPrice = pnl.RoundStorage(net.Abs())
	}

	if r.opts.DryRun {
		return nil
	}

	return r.store.WithPositionLock(pos.ID, func(fresh *models.Position) (*models.Position, error) {
		if !fresh.IsOpen() {
			return nil, nil
		}
		// Protected fields (is_app_managed, strategy_type, quantity,
		// profit-target state, risk numbers) are deliberately not
		// touched here.
		fresh.Metadata.Legs = legs
		fresh.AvgPrice = avgPrice
		fresh.UnrealizedPnL = pnl.RoundStorage(unrealized)
		fresh.Metadata.ReconstructionFailed = false
		fresh.Metadata.ReconstructionError = ""
		r.backfillOriginalCredits(fresh)
		return fresh, nil
	})
}

type missingOpeningOrderError struct{ positionID, orderID string }

func (e *missingOpeningOrderError) Error() string {
	return "opening order " + e.orderID + " not cached for position " + e.positionID
}

func errMissingOpeningOrder(pos *models.Position) error {
	return &missingOpeningOrderError{positionID: pos.ID, orderID: pos.OpeningOrderID}
}

// backfillOriginalCredits fills profit_target_details[*].original_credit
// when absent, from the opening fill price. Multi-spread strategies keep
// their per-spread credits when already present.
func (r *Reconciler) backfillOriginalCredits(pos *models.Position) {
	for _, d := range pos.ProfitTargetDetails {
		if d == nil || !d.OriginalCredit.IsZero() {
			continue
		}
		d.OriginalCredit = pos.AvgPrice
		if !d.Percent.IsZero() && d.TargetPrice.IsZero() {
			effect := pos.OpeningPriceEffect
			if effect == "" {
				effect = pnl.Credit
			}
			d.TargetPrice = pnl.RoundStorage(pnl.TargetPrice(d.OriginalCredit, d.Percent, effect))
		}
	}
}

// syncUnmanagedGroups upserts one unmanaged position per broker underlying
// that Tier A did not cover.
func (r *Reconciler) syncUnmanagedGroups(account models.TradingAccount, live []broker.LivePosition, covered map[string]bool, result *PhaseResult) {
	byUnderlying := make(map[string][]broker.LivePosition)
	for _, leg := range live {
		underlying := leg.UnderlyingSymbol
		if underlying == "" {
			underlying = occ.Underlying(leg.Symbol)
		}
		if covered[underlying] || !r.opts.Scope.matchesSymbol(underlying) {
			continue
		}
		byUnderlying[underlying] = append(byUnderlying[underlying], leg)
	}

	for underlying, legs := range byUnderlying {
		result.ItemsProcessed++
		if r.opts.DryRun {
			continue
		}

		existing := r.findOpenUnmanaged(account, underlying)
		if existing == nil {
			existing = models.NewPosition(uuid.NewString(), account.UserID, account.AccountNumber, underlying)
			existing.IsAppManaged = false
			existing.StrategyType = models.StrategyExternal
			now := time.Now().UTC()
			existing.State = models.StateOpenFull
			existing.OpenedAt = &now
			result.ItemsCreated++
		} else {
			result.ItemsUpdated++
		}

		var modelLegs []models.Leg
		spreads := 0
		netPerSpread := decimal.Zero
		unrealized := decimal.Zero
		for _, leg := range legs {
			direction := pnl.Long
			if leg.Quantity.Sign() < 0 {
				direction = pnl.Short
			}
			multiplier := leg.Multiplier
			if multiplier <= 0 {
				multiplier = pnl.DefaultMultiplier
			}
			if leg.InstrumentType == string(models.InstrumentEquity) {
				multiplier = 1
			}
			modelLegs = append(modelLegs, models.Leg{
				Symbol:            leg.Symbol,
				Quantity:          int(leg.Quantity.IntPart()),
				QuantityDirection: direction,
				AverageOpenPrice:  leg.AverageOpenPrice,
				ClosePrice:        leg.ClosePrice,
				MarkPrice:         leg.MarkPrice,
				Multiplier:        multiplier,
				InstrumentType:    models.InstrumentType(leg.InstrumentType),
			})
			q := leg.AbsQuantity()
			if spreads == 0 || q < spreads {
				spreads = q
			}
			if direction == pnl.Short {
				netPerSpread = netPerSpread.Add(leg.AverageOpenPrice)
			} else {
				netPerSpread = netPerSpread.Sub(leg.AverageOpenPrice)
			}
			current := leg.ClosePrice
			if leg.MarkPrice != nil {
				current = *leg.MarkPrice
			}
			unrealized = unrealized.Add(pnl.LegUnrealized(leg.AverageOpenPrice, current, q, direction, multiplier))
		}

		existing.Metadata.Legs = modelLegs
		existing.Quantity = spreads
		existing.AvgPrice = pnl.RoundStorage(netPerSpread.Abs())
		existing.UnrealizedPnL = pnl.RoundStorage(unrealized)
		if err := r.store.SavePosition(existing); err != nil {
			result.addError("unmanaged %s: %v", underlying, err)
		}
	}
}

func (r *Reconciler) findOpenUnmanaged(account models.TradingAccount, underlying string) *models.Position {
	for _, pos := range r.store.GetPositionsByUnderlying(account.UserID, account.AccountNumber, underlying) {
		if !pos.IsAppManaged && pos.IsOpen() {
			p := pos
			return &p
		}
	}
	return nil
}

// reconcilePendingEntries resolves pending_entry positions: terminal
// opening orders close them, filled ones promote them to open_full.
func (r *Reconciler) reconcilePendingEntries(ctx context.Context, session broker.Session, account models.TradingAccount, result *PhaseResult) {
	liveOrders, liveErr := session.GetLiveOrders(ctx, account.AccountNumber)
	liveByID := make(map[string]broker.PlacedOrder)
	if liveErr == nil {
		for _, order := range liveOrders {
			liveByID[order.ID] = order
		}
	}

	for _, pos := range r.scopedOpenPositions(account) {
		if pos.State != models.StatePendingEntry || pos.OpeningOrderID == "" {
			continue
		}
		result.ItemsProcessed++

		order, inLive := liveByID[pos.OpeningOrderID]
		if !inLive {
			fetched, err := session.GetOrder(ctx, account.AccountNumber, pos.OpeningOrderID)
			if err != nil {
				if !broker.IsNotFound(err) {
					result.addError("position %s: get order %s: %v", pos.ID, pos.OpeningOrderID, err)
				}
				continue
			}
			order = *fetched
		}

		switch {
		case order.Status == models.OrderFilled:
			if err := r.promotePendingEntry(pos.ID, &order); err != nil {
				result.addError("position %s: promote: %v", pos.ID, err)
			} else {
				result.ItemsUpdated++
			}
		case order.Status.IsTerminal():
			if err := r.closePendingEntry(pos.ID, order.Status); err != nil {
				result.addError("position %s: close: %v", pos.ID, err)
			} else {
				result.ItemsUpdated++
			}
		}
	}
}

// promotePendingEntry transitions a pending position whose opening order
// filled while the push path was down, back-filling its opening trade.
func (r *Reconciler) promotePendingEntry(positionID string, order *broker.PlacedOrder) error {
	if r.opts.DryRun {
		return nil
	}
	err := r.store.WithPositionLock(positionID, func(pos *models.Position) (*models.Position, error) {
		if pos.State != models.StatePendingEntry {
			return nil, nil
		}
		if err := pos.Transition(models.StateOpenFull, models.ConditionOrderFilled); err != nil {
			return nil, err
		}
		if order.FilledAt != nil {
			pos.OpenedAt = order.FilledAt
		}
		return pos, nil
	})
	if err != nil {
		return err
	}

	trade, ok := r.store.GetTradeByBrokerOrderID(order.ID)
	if !ok {
		return nil
	}
	trade.Status = models.TradeFilled
	filledAt := time.Now().UTC()
	if order.FilledAt != nil {
		filledAt = *order.FilledAt
	}
	trade.FilledAt = &filledAt
	if price, ok := fillPriceOf(order); ok {
		trade.FillPrice = price
	}
	return r.store.SaveTrade(trade)
}

// closePendingEntry closes a pending position whose opening order went
// terminal without filling.
func (r *Reconciler) closePendingEntry(positionID string, status models.OrderStatus) error {
	if r.opts.DryRun {
		return nil
	}
	reason, condition := closureForOrderStatus(status)
	return r.store.WithPositionLock(positionID, func(pos *models.Position) (*models.Position, error) {
		if pos.State != models.StatePendingEntry {
			return nil, nil
		}
		if err := pos.Transition(models.StateClosed, condition); err != nil {
			return nil, err
		}
		pos.ClosureReason = reason
		return pos, nil
	})
}

func closureForOrderStatus(status models.OrderStatus) (models.ClosureReason, string) {
	switch status {
	case models.OrderRejected:
		return models.ClosureOrderRejected, models.ConditionOrderRejected
	case models.OrderExpired:
		return models.ClosureOrderExpired, models.ConditionOrderExpired
	default:
		return models.ClosureOrderCancelled, models.ConditionOrderCancelled
	}
}

// closeBrokerAbsent closes open positions whose underlying has vanished
// from the broker entirely. Detailed closure accounting is the closure
// engine's job; this is the safety net.
func (r *Reconciler) closeBrokerAbsent(account models.TradingAccount, brokerLegs map[string]broker.LivePosition, result *PhaseResult) {
	heldUnderlyings := make(map[string]bool)
	for symbol, leg := range brokerLegs {
		underlying := leg.UnderlyingSymbol
		if underlying == "" {
			underlying = occ.Underlying(symbol)
		}
		heldUnderlyings[underlying] = true
	}

	for _, pos := range r.scopedOpenPositions(account) {
		if pos.State == models.StatePendingEntry || heldUnderlyings[pos.Symbol] {
			continue
		}
		// The broker's position feed can lag a fresh fill; leave
		// just-opened positions for a later sweep.
		if pos.OpenedAt != nil && time.Since(*pos.OpenedAt) < brokerAbsentGrace {
			continue
		}
		if r.opts.DryRun {
			continue
		}
		err := r.store.WithPositionLock(pos.ID, func(fresh *models.Position) (*models.Position, error) {
			if !fresh.IsOpen() || fresh.State == models.StatePendingEntry {
				return nil, nil
			}
			if err := fresh.Transition(models.StateClosed, models.ConditionClosedAtBroker); err != nil {
				return nil, err
			}
			if fresh.ClosureReason == "" {
				fresh.ClosureReason = models.ClosureAtBroker
			}
			return fresh, nil
		})
		if err != nil {
			result.addError("position %s: broker-absent close: %v", pos.ID, err)
			continue
		}
		result.ItemsUpdated++
	}
}
