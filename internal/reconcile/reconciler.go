package reconcile

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/orders"
	"github.com/halpertlabs/spreadkeeper/internal/storage"
)

// Options are the run-level reconciliation knobs.
type Options struct {
	DaysBack                int
	DryRun                  bool
	CancelOrphanedOrders    bool
	ReplaceCancelledTargets bool
	Scope                   Scope
}

// DefaultDaysBack is the history/transaction window when unset.
const DefaultDaysBack = 30

func (o *Options) window() time.Time {
	days := o.DaysBack
	if days <= 0 {
		days = DefaultDaysBack
	}
	return time.Now().UTC().AddDate(0, 0, -days)
}

// Reconciler runs the pipeline phases for one account at a time.
type Reconciler struct {
	store  storage.Interface
	placer orders.Placer
	logger *logrus.Logger
	opts   Options
}

func NewReconciler(store storage.Interface, placer orders.Placer, logger *logrus.Logger, opts Options) *Reconciler {
	return &Reconciler{store: store, placer: placer, logger: logger, opts: opts}
}

// orderToHistory converts a broker order snapshot into its cached row.
func orderToHistory(order *broker.PlacedOrder, userID, accountNumber string) (*models.OrderHistory, error) {
	return order.HistoryRow(userID, accountNumber)
}

// fillPriceOf returns the order's recorded price, falling back to the net
// computed from its leg fills.
func fillPriceOf(order *broker.PlacedOrder) (decimal.Decimal, bool) {
	if order.Price != nil {
		return *order.Price, true
	}
	if net, ok := order.NetFillPrice(); ok {
		return net, true
	}
	return decimal.Zero, false
}

// decodeOrderData parses a cached row's serialized order.
func decodeOrderData(row *models.OrderHistory) (*broker.PlacedOrder, error) {
	var order broker.PlacedOrder
	if err := json.Unmarshal(row.OrderData, &order); err != nil {
		return nil, err
	}
	return &order, nil
}
