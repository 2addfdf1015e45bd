package reconcile

import (
	"context"
	"time"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/occ"
)

// txToRecord converts a broker transaction line into its ledger row.
func txToRecord(tx *broker.Transaction, userID, accountNumber string) *models.TransactionRecord {
	return &models.TransactionRecord{
		TransactionID:      tx.ID,
		UserID:             userID,
		AccountNumber:      accountNumber,
		OrderID:            tx.OrderID,
		TransactionType:    tx.TransactionType,
		TransactionSubType: tx.TransactionSubType,
		Action:             tx.Action,
		Value:              tx.Value,
		NetValue:           tx.NetValue,
		Commission:         tx.Commission,
		ClearingFees:       tx.ClearingFees,
		RegulatoryFees:     tx.RegulatoryFees,
		Symbol:             tx.Symbol,
		UnderlyingSymbol:   tx.UnderlyingSymbol,
		InstrumentType:     models.InstrumentType(tx.InstrumentType),
		Quantity:           tx.Quantity,
		Price:              tx.Price,
		ExecutedAt:         tx.ExecutedAt,
	}
}

// SyncTransactions imports the account's transactions and links each to
// its position.
func (r *Reconciler) SyncTransactions(ctx context.Context, session broker.Session, account models.TradingAccount) *PhaseResult {
	result := newPhaseResult(PhaseTransactions)
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	txs, err := session.GetTransactions(ctx, account.AccountNumber, r.opts.window())
	if err != nil {
		result.addError("get transactions: %v", err)
		return result
	}

	for i := range txs {
		result.ItemsProcessed++
		record := txToRecord(&txs[i], account.UserID, account.AccountNumber)
		if record.UnderlyingSymbol == "" && record.Symbol != "" {
			if sym, err := occ.Parse(record.Symbol); err == nil {
				record.UnderlyingSymbol = sym.Root
			} else {
				record.UnderlyingSymbol = record.Symbol
			}
		}
		if r.opts.DryRun {
			continue
		}
		created, err := r.store.UpsertTransaction(record)
		if err != nil {
			result.addError("transaction %s: %v", record.TransactionID, err)
			continue
		}
		if created {
			result.ItemsCreated++
		}
	}

	if !r.opts.DryRun {
		r.linkTransactions(account, result)
	}
	return result
}

// linkTransactions sets related_position on unlinked transactions. Opening
// transactions link through opening_order_id; closing and settlement lines
// link to the open position holding their leg symbol at execution time.
func (r *Reconciler) linkTransactions(account models.TradingAccount, result *PhaseResult) {
	since := r.opts.window()
	for _, tx := range r.store.GetTransactions(account.UserID, account.AccountNumber, since) {
		if tx.RelatedPositionID != "" {
			continue
		}

		positionID := ""
		if tx.OrderID != "" {
			if pos, ok := r.store.FindPositionByOpeningOrderID(account.AccountNumber, tx.OrderID); ok {
				positionID = pos.ID
			}
		}
		if positionID == "" && tx.Symbol != "" {
			positionID = r.findPositionHoldingLeg(account, tx.Symbol, tx.ExecutedAt)
		}
		if positionID == "" {
			continue
		}

		if err := r.store.LinkTransaction(tx.TransactionID, positionID); err != nil {
			result.addError("link transaction %s: %v", tx.TransactionID, err)
			continue
		}
		result.ItemsUpdated++
	}
}

// findPositionHoldingLeg locates the position that held the leg symbol and
// was still open when the transaction executed.
func (r *Reconciler) findPositionHoldingLeg(account models.TradingAccount, symbol string, executedAt time.Time) string {
	underlying := symbol
	if sym, err := occ.Parse(symbol); err == nil {
		underlying = sym.Root
	}
	for _, pos := range r.store.GetPositionsByUnderlying(account.UserID, account.AccountNumber, underlying) {
		if pos.OpenedAt != nil && pos.OpenedAt.After(executedAt) {
			continue
		}
		if pos.ClosedAt != nil && pos.ClosedAt.Before(executedAt) {
			continue
		}
		for _, leg := range pos.Metadata.Legs {
			if leg.Symbol == symbol {
				return pos.ID
			}
		}
	}
	return ""
}
