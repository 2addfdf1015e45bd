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

// ProcessClosures detects positions whose legs all vanished from the
// broker, classifies why, computes realized P&L from transaction ground
// truth, and converts assignments into equity positions.
func (r *Reconciler) ProcessClosures(ctx context.Context, session broker.Session, account models.TradingAccount) *PhaseResult {
	result := newPhaseResult(PhaseClosures)
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	live, err := session.ListPositions(ctx, account.AccountNumber)
	if err != nil {
		result.addError("list positions: %v", err)
		return result
	}
	held := make(map[string]bool, len(live))
	for _, leg := range live {
		held[leg.Symbol] = true
	}

	for _, pos := range r.scopedOpenPositions(account) {
		if pos.State == models.StatePendingEntry {
			continue
		}
		if len(pos.Metadata.Legs) == 0 {
			continue
		}

		anyHeld := false
		for _, leg := range pos.Metadata.Legs {
			if held[leg.Symbol] {
				anyHeld = true
				break
			}
		}
		if anyHeld {
			continue
		}

		result.ItemsProcessed++
		if r.opts.DryRun {
			continue
		}
		if err := r.closePosition(account, pos.ID, result); err != nil {
			result.addError("position %s: %v", pos.ID, err)
			continue
		}
		result.ItemsUpdated++
	}
	return result
}

// closePosition classifies and finalizes one closed position under lock.
func (r *Reconciler) closePosition(account models.TradingAccount, positionID string, result *PhaseResult) error {
	var assignments []models.TransactionRecord

	err := r.store.WithPositionLock(positionID, func(pos *models.Position) (*models.Position, error) {
		if !pos.IsOpen() || pos.State == models.StatePendingEntry {
			return nil, nil
		}

		txs := r.positionTransactions(pos)
		var opening, closing, settlement []models.TransactionRecord
		for _, tx := range txs {
			switch {
			case tx.IsAssignmentOrExercise():
				settlement = append(settlement, tx)
			case tx.IsOpening():
				opening = append(opening, tx)
			case tx.IsClosing():
				closing = append(closing, tx)
			}
		}

		pos.ClosureReason = classifyClosure(pos, opening, closing, settlement)

		if len(opening) > 0 {
			realized := realizedFromTransactions(opening, closing, settlement)
			pos.TotalRealizedPnL = pnl.RoundStorage(realized.Add(pos.FilledTargetPnL()))
		}

		if pos.ClosureReason == models.ClosureAssignment || pos.ClosureReason == models.ClosureExercise {
			now := time.Now().UTC()
			pos.AssignedAt = &now
			assignments = settlement
		}

		if err := pos.Transition(models.StateClosed, models.ConditionPositionClosed); err != nil {
			return nil, err
		}
		return pos, nil
	})
	if err != nil || len(assignments) == 0 {
		return err
	}

	// Equity conversion happens outside the option position's lock.
	equityID, err := r.createAssignedEquity(account, positionID, assignments)
	if err != nil {
		return err
	}
	if equityID != "" {
		result.ItemsCreated++
		return r.store.WithPositionLock(positionID, func(pos *models.Position) (*models.Position, error) {
			pos.Metadata.AssignedEquityPositionID = equityID
			return pos, nil
		})
	}
	return nil
}

// positionTransactions gathers the position's transactions by link and by
// opening order id.
func (r *Reconciler) positionTransactions(pos *models.Position) []models.TransactionRecord {
	seen := make(map[string]bool)
	var out []models.TransactionRecord
	for _, tx := range r.store.GetTransactionsByPosition(pos.ID) {
		seen[tx.TransactionID] = true
		out = append(out, tx)
	}
	if pos.OpeningOrderID != "" {
		for _, tx := range r.store.GetTransactionsByOrderID(pos.OpeningOrderID) {
			if !seen[tx.TransactionID] {
				out = append(out, tx)
			}
		}
	}
	return out
}

func classifyClosure(pos *models.Position, opening, closing, settlement []models.TransactionRecord) models.ClosureReason {
	if len(settlement) > 0 {
		for _, tx := range settlement {
			if tx.TransactionSubType == models.SubTypeAssignment {
				return models.ClosureAssignment
			}
		}
		return models.ClosureExercise
	}

	if len(closing) > 0 {
		targetOrders := make(map[string]bool)
		for _, d := range pos.ProfitTargetDetails {
			if d != nil && d.OrderID != "" {
				targetOrders[d.OrderID] = true
			}
		}
		for _, tx := range closing {
			if targetOrders[tx.OrderID] {
				return models.ClosureProfitTarget
			}
		}
		return models.ClosureManualClose
	}

	if exp := pos.Metadata.ExpirationDate; exp != nil && !exp.After(time.Now().UTC()) {
		return models.ClosureExpiredWorthless
	}
	return models.ClosureUnknown
}

// realizedFromTransactions applies the transaction-flow P&L formula,
// treating assignment and exercise settlements as closings.
func realizedFromTransactions(opening, closing, settlement []models.TransactionRecord) decimal.Decimal {
	var openFlows, closeFlows []pnl.Flow
	for _, tx := range opening {
		openFlows = append(openFlows, pnl.Flow{Action: pnl.Action(tx.Action), NetValue: tx.NetValue})
	}
	for _, tx := range closing {
		closeFlows = append(closeFlows, pnl.Flow{Action: pnl.Action(tx.Action), NetValue: tx.NetValue})
	}
	for _, tx := range settlement {
		closeFlows = append(closeFlows, pnl.Flow{Action: pnl.Action(tx.Action), NetValue: tx.NetValue})
	}
	return pnl.Realized(openFlows, closeFlows)
}

// createAssignedEquity sums assigned shares and opens a stock_holding
// position when the net is non-zero. Put assignments deliver shares, call
// assignments take them away.
func (r *Reconciler) createAssignedEquity(account models.TradingAccount, optionPositionID string, settlement []models.TransactionRecord) (string, error) {
	shares := 0
	totalCost := decimal.Zero
	symbol := ""
	for _, tx := range settlement {
		sym, err := occ.Parse(tx.Symbol)
		if err != nil {
			continue
		}
		if symbol == "" {
			symbol = sym.Root
		}
		qty := int(tx.Quantity.Abs().IntPart())
		if qty == 0 {
			qty = 1
		}
		if sym.Type == occ.Put {
			shares += pnl.DefaultMultiplier * qty
		} else {
			shares -= pnl.DefaultMultiplier * qty
		}
		totalCost = totalCost.Add(tx.NetValue.Abs())
	}
	if shares == 0 || symbol == "" {
		return "", nil
	}

	equity := models.NewPosition(uuid.NewString(), account.UserID, account.AccountNumber, symbol)
	equity.InstrumentType = models.InstrumentEquity
	equity.StrategyType = models.StrategyStockHolding
	equity.IsAppManaged = false
	equity.Quantity = shares
	absShares := shares
	if absShares < 0 {
		absShares = -absShares
	}
	equity.AvgPrice = pnl.RoundStorage(totalCost.Div(decimal.New(int64(absShares), 0)))
	now := time.Now().UTC()
	equity.State = models.StateOpenFull
	equity.OpenedAt = &now
	equity.Metadata.Extra = map[string]any{"assigned_from_position_id": optionPositionID}

	if err := r.store.SavePosition(equity); err != nil {
		return "", err
	}
	r.logger.WithFields(logrus.Fields{
		"position":  equity.ID,
		"symbol":    symbol,
		"shares":    shares,
		"avg_price": equity.AvgPrice.String(),
	}).Info("Created equity position from assignment")
	return equity.ID, nil
}
