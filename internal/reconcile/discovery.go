package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/occ"
	"github.com/halpertlabs/spreadkeeper/internal/pnl"
	"github.com/halpertlabs/spreadkeeper/internal/strategy"
)

// DiscoverPositions creates Position records for broker-initiated opens:
// opening transactions whose order_id matches no local position. Two
// positions with identical strikes but different order ids stay distinct.
// Each discovered underlying also gets its broker order-chain aggregates
// cached for fee and P&L attribution.
func (r *Reconciler) DiscoverPositions(ctx context.Context, session broker.Session, account models.TradingAccount) *PhaseResult {
	result := newPhaseResult(PhaseDiscovery)
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	since := r.opts.window()
	byOrder := make(map[string][]models.TransactionRecord)
	for _, tx := range r.store.GetTransactions(account.UserID, account.AccountNumber, since) {
		if tx.OrderID == "" || !tx.IsOpening() {
			continue
		}
		byOrder[tx.OrderID] = append(byOrder[tx.OrderID], tx)
	}

	orderIDs := make([]string, 0, len(byOrder))
	for orderID := range byOrder {
		orderIDs = append(orderIDs, orderID)
	}
	sort.Strings(orderIDs)

	chained := make(map[string]bool)

	for _, orderID := range orderIDs {
		if ctx.Err() != nil {
			result.addError("cancelled: %v", ctx.Err())
			return result
		}
		result.ItemsProcessed++
		if _, exists := r.store.FindPositionByOpeningOrderID(account.AccountNumber, orderID); exists {
			continue
		}

		txs := byOrder[orderID]
		if !r.opts.Scope.matchesSymbol(underlyingOf(txs)) {
			continue
		}
		if r.opts.DryRun {
			result.ItemsCreated++
			continue
		}

		pos := buildDiscoveredPosition(account, orderID, txs)
		if err := r.store.SavePosition(pos); err != nil {
			result.addError("discover order %s: %v", orderID, err)
			continue
		}
		for _, tx := range txs {
			if err := r.store.LinkTransaction(tx.TransactionID, pos.ID); err != nil {
				result.addError("link %s: %v", tx.TransactionID, err)
			}
		}
		result.ItemsCreated++
		r.logger.WithFields(logrus.Fields{
			"position": pos.ID,
			"order_id": orderID,
			"symbol":   pos.Symbol,
			"strategy": pos.StrategyType,
		}).Info("Discovered broker-initiated position")

		if !chained[pos.Symbol] {
			chained[pos.Symbol] = true
			r.cacheOrderChains(ctx, session, account, pos.Symbol, result)
		}
	}
	return result
}

// cacheOrderChains snapshots the broker's order-chain aggregates for one
// underlying. Chain fetch failures never fail discovery.
func (r *Reconciler) cacheOrderChains(ctx context.Context, session broker.Session, account models.TradingAccount, underlying string, result *PhaseResult) {
	chains, err := session.GetOrderChains(ctx, account.AccountNumber, underlying)
	if err != nil {
		r.logger.WithError(err).WithField("symbol", underlying).Debug("Order-chain fetch failed")
		return
	}
	for _, chain := range chains {
		record := &models.OrderChainRecord{
			ChainID:          chain.ID,
			UnderlyingSymbol: chain.UnderlyingSymbol,
			TotalCommissions: chain.TotalCommissions,
			TotalFees:        chain.TotalFees,
			RealizedPnL:      chain.RealizedPnL,
			UnrealizedPnL:    chain.UnrealizedPnL,
			CreatedAt:        chain.CreatedAt,
			UpdatedAt:        chain.UpdatedAt,
		}
		if err := r.store.UpsertOrderChain(record); err != nil {
			result.addError("cache order chain %s: %v", chain.ID, err)
		}
	}
}

func underlyingOf(txs []models.TransactionRecord) string {
	for _, tx := range txs {
		if tx.UnderlyingSymbol != "" {
			return tx.UnderlyingSymbol
		}
		if tx.Symbol != "" {
			return occ.Underlying(tx.Symbol)
		}
	}
	return ""
}

// buildDiscoveredPosition reconstructs an unmanaged position from the
// opening transactions that share one order id.
func buildDiscoveredPosition(account models.TradingAccount, orderID string, txs []models.TransactionRecord) *models.Position {
	pos := models.NewPosition(uuid.NewString(), account.UserID, account.AccountNumber, underlyingOf(txs))
	pos.IsAppManaged = false
	pos.OpeningOrderID = orderID

	openedAt := txs[0].ExecutedAt
	allEquity := true
	var legs []models.Leg
	for _, tx := range txs {
		if tx.ExecutedAt.Before(openedAt) {
			openedAt = tx.ExecutedAt
		}
		qty := int(tx.Quantity.IntPart())
		direction := pnl.Long
		if tx.Action == models.ActionSellToOpen {
			qty = -qty
			direction = pnl.Short
		}
		instrument := tx.InstrumentType
		if instrument == "" {
			if occ.IsOption(tx.Symbol) {
				instrument = models.InstrumentEquityOption
			} else {
				instrument = models.InstrumentEquity
			}
		}
		if instrument != models.InstrumentEquity {
			allEquity = false
		}
		multiplier := pnl.DefaultMultiplier
		if instrument == models.InstrumentEquity {
			multiplier = 1
		}
		legs = append(legs, models.Leg{
			Symbol:            tx.Symbol,
			Quantity:          qty,
			QuantityDirection: direction,
			AverageOpenPrice:  tx.Price,
			Multiplier:        multiplier,
			InstrumentType:    instrument,
			Action:            tx.Action,
		})
	}
	pos.Metadata.Legs = legs

	if allEquity {
		pos.StrategyType = models.StrategyStockHolding
		pos.InstrumentType = models.InstrumentEquity
		shares := 0
		for _, leg := range legs {
			shares += leg.Quantity
		}
		pos.Quantity = shares
	} else {
		pos.StrategyType = models.StrategyExternal
		pos.Quantity = spreadCount(legs)
		if inferred := strategy.Classify(legs); inferred != models.StrategyExternal {
			pos.Metadata.Extra = map[string]any{"inferred_strategy": string(inferred)}
		}
	}
	pos.Metadata.OriginalQuantity = pos.Quantity
	pos.AvgPrice = pnl.RoundStorage(netOpenPrice(txs))
	pos.OpeningPriceEffect = openingEffect(txs)
	pos.State = models.StateOpenFull
	pos.OpenedAt = &openedAt
	return pos
}

// spreadCount is min(|leg qty|) across option legs.
func spreadCount(legs []models.Leg) int {
	count := 0
	for _, leg := range legs {
		if leg.InstrumentType != models.InstrumentEquityOption {
			continue
		}
		q := leg.AbsQuantity()
		if count == 0 || q < count {
			count = q
		}
	}
	return count
}

// netOpenPrice sums per-contract flows: sells positive, buys negative.
func netOpenPrice(txs []models.TransactionRecord) decimal.Decimal {
	net := decimal.Zero
	for _, tx := range txs {
		if tx.Action == models.ActionSellToOpen {
			net = net.Add(tx.Price)
		} else {
			net = net.Sub(tx.Price)
		}
	}
	return net.Abs()
}

func openingEffect(txs []models.TransactionRecord) pnl.PriceEffect {
	net := decimal.Zero
	for _, tx := range txs {
		net = net.Add(tx.NetValue)
	}
	if net.Sign() < 0 {
		return pnl.Debit
	}
	return pnl.Credit
}
