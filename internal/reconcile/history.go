package reconcile

import (
	"context"
	"time"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
)

// historyPageSize is mandatory: fetching fewer per page once lost fills
// beyond the first 50 orders.
const historyPageSize = 100

// SyncOrderHistory pulls the account's paginated order history and upserts
// it into the cache. Strictly additive: it never touches Position or Trade
// rows.
func (r *Reconciler) SyncOrderHistory(ctx context.Context, session broker.Session, account models.TradingAccount) *PhaseResult {
	result := newPhaseResult(PhaseOrderHistory)
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	since := r.opts.window()
	for offset := 0; ; offset++ {
		page, err := session.GetOrderHistory(ctx, account.AccountNumber, since, historyPageSize, offset)
		if err != nil {
			result.addError("page %d: %v", offset, err)
			return result
		}

		for i := range page.Orders {
			order := &page.Orders[i]
			result.ItemsProcessed++

			row, err := orderToHistory(order, account.UserID, account.AccountNumber)
			if err != nil {
				result.addError("order %s: serialize: %v", order.ID, err)
				continue
			}
			if r.opts.DryRun {
				continue
			}
			created, err := r.store.UpsertOrderHistory(row)
			if err != nil {
				result.addError("order %s: upsert: %v", order.ID, err)
				continue
			}
			if created {
				result.ItemsCreated++
			} else {
				result.ItemsUpdated++
			}
		}

		// A short or empty page terminates; a full page means more.
		if len(page.Orders) < historyPageSize {
			break
		}
	}

	result.Details["orders_synced"] = result.ItemsProcessed
	return result
}
