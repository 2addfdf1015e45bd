package broker

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/halpertlabs/spreadkeeper/internal/models"
)

// OrderFill is one execution against a leg.
type OrderFill struct {
	ExtGroupFillID string          `json:"ext-group-fill-id,omitempty"`
	FillID         string          `json:"fill-id"`
	Quantity       decimal.Decimal `json:"quantity"`
	FillPrice      decimal.Decimal `json:"fill-price"`
	FilledAt       time.Time       `json:"filled-at"`
}

// OrderLeg is one leg of a (possibly complex) order, with its fills.
type OrderLeg struct {
	Symbol            string          `json:"symbol"` // OCC or equity ticker
	InstrumentType    string          `json:"instrument-type"`
	Action            string          `json:"action"` // Sell to Open, Buy to Open, ...
	Quantity          decimal.Decimal `json:"quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining-quantity"`
	Fills             []OrderFill     `json:"fills,omitempty"`
}

// IsSell reports whether the leg's action sells premium or stock.
func (l OrderLeg) IsSell() bool {
	return l.Action == models.ActionSellToOpen || l.Action == models.ActionSellToClose
}

// PlacedOrder is the broker's order snapshot, used both for history pages
// and push events.
type PlacedOrder struct {
	ID                       string             `json:"id"`
	Status                   models.OrderStatus `json:"status"`
	OrderType                string             `json:"order-type,omitempty"`
	Size                     decimal.Decimal    `json:"size"`
	UnderlyingSymbol         string             `json:"underlying-symbol"`
	UnderlyingInstrumentType string             `json:"underlying-instrument-type,omitempty"`
	TimeInForce              string             `json:"time-in-force,omitempty"`
	Price                    *decimal.Decimal   `json:"price,omitempty"`
	PriceEffect              string             `json:"price-effect,omitempty"`
	ReceivedAt               *time.Time         `json:"received-at,omitempty"`
	LiveAt                   *time.Time         `json:"live-at,omitempty"`
	FilledAt                 *time.Time         `json:"filled-at,omitempty"`
	CancelledAt              *time.Time         `json:"cancelled-at,omitempty"`
	TerminalAt               *time.Time         `json:"terminal-at,omitempty"`
	ComplexOrderID           string             `json:"complex-order-id,omitempty"`
	ParentOrderID            string             `json:"parent-order-id,omitempty"`
	ReplacesOrderID          string             `json:"replaces-order-id,omitempty"`
	ReplacingOrderID         string             `json:"replacing-order-id,omitempty"`
	ContingentStatus         string             `json:"contingent-status,omitempty"`
	RejectReason             string             `json:"reject-reason,omitempty"`
	Legs                     []OrderLeg         `json:"legs,omitempty"`
}

// NetFillPrice computes the order's net execution price from its leg fills:
// sells contribute +fill_price × |qty|, buys contribute −fill_price × |qty|,
// across every fill of every leg. Returns ok=false when no fills exist.
func (o *PlacedOrder) NetFillPrice() (decimal.Decimal, bool) {
	total := decimal.Zero
	found := false
	for _, leg := range o.Legs {
		for _, fill := range leg.Fills {
			found = true
			amount := fill.FillPrice.Mul(fill.Quantity.Abs())
			if leg.IsSell() {
				total = total.Add(amount)
			} else {
				total = total.Sub(amount)
			}
		}
	}
	if !found {
		return decimal.Zero, false
	}
	return total, true
}

// HistoryRow converts the order snapshot into its order-history cache row,
// serializing the full leg and fill structure. Filled orders carry their
// net fill price; working orders carry the limit price.
func (o *PlacedOrder) HistoryRow(userID, accountNumber string) (*models.OrderHistory, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}

	row := &models.OrderHistory{
		BrokerOrderID:    o.ID,
		UserID:           userID,
		AccountNumber:    accountNumber,
		ComplexOrderID:   o.ComplexOrderID,
		ParentOrderID:    o.ParentOrderID,
		ReplacesOrderID:  o.ReplacesOrderID,
		ReplacingOrderID: o.ReplacingOrderID,
		UnderlyingSymbol: o.UnderlyingSymbol,
		OrderType:        o.OrderType,
		Status:           o.Status,
		PriceEffect:      o.PriceEffect,
		ReceivedAt:       o.ReceivedAt,
		LiveAt:           o.LiveAt,
		FilledAt:         o.FilledAt,
		CancelledAt:      o.CancelledAt,
		TerminalAt:       o.TerminalAt,
		OrderData:        raw,
	}

	if o.Status == models.OrderFilled {
		if net, ok := o.NetFillPrice(); ok {
			row.Price = &net
		}
	} else if o.Price != nil {
		limit := *o.Price
		row.Price = &limit
	}
	return row, nil
}

// LivePosition is one individual leg record from the broker's position list.
type LivePosition struct {
	Symbol            string           `json:"symbol"` // OCC or equity ticker
	UnderlyingSymbol  string           `json:"underlying-symbol"`
	InstrumentType    string           `json:"instrument-type"`
	Quantity          decimal.Decimal  `json:"quantity"` // signed
	QuantityDirection string           `json:"quantity-direction"` // Short | Long
	AverageOpenPrice  decimal.Decimal  `json:"average-open-price"`
	ClosePrice        decimal.Decimal  `json:"close-price"`
	MarkPrice         *decimal.Decimal `json:"mark-price,omitempty"`
	Multiplier        int              `json:"multiplier,omitempty"`
}

// AbsQuantity returns the unsigned contract/share count as an int.
func (p LivePosition) AbsQuantity() int {
	return int(p.Quantity.Abs().IntPart())
}

// Transaction is the broker's transaction line.
type Transaction struct {
	ID                 string          `json:"id"`
	TransactionType    string          `json:"transaction-type"`
	TransactionSubType string          `json:"transaction-sub-type,omitempty"`
	Action             string          `json:"action,omitempty"`
	Symbol             string          `json:"symbol,omitempty"`
	UnderlyingSymbol   string          `json:"underlying-symbol,omitempty"`
	InstrumentType     string          `json:"instrument-type,omitempty"`
	Value              decimal.Decimal `json:"value"`
	NetValue           decimal.Decimal `json:"net-value"`
	Commission         decimal.Decimal `json:"commission"`
	ClearingFees       decimal.Decimal `json:"clearing-fees"`
	RegulatoryFees     decimal.Decimal `json:"regulatory-fees"`
	Quantity           decimal.Decimal `json:"quantity"`
	Price              decimal.Decimal `json:"price"`
	ExecutedAt         time.Time       `json:"executed-at"`
	OrderID            string          `json:"order-id,omitempty"`
	Description        string          `json:"description,omitempty"`
}

// OrderChain aggregates every order in one symbol's lifecycle at the broker.
type OrderChain struct {
	ID               string          `json:"id"`
	UnderlyingSymbol string          `json:"underlying-symbol"`
	TotalCommissions decimal.Decimal `json:"total-commissions"`
	TotalFees        decimal.Decimal `json:"total-fees"`
	RealizedPnL      decimal.Decimal `json:"realized-pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized-pnl"`
	CreatedAt        time.Time       `json:"created-at"`
	UpdatedAt        time.Time       `json:"updated-at"`
}

// OrderSpecLeg is one leg of an order the engine places.
type OrderSpecLeg struct {
	Symbol         string `json:"symbol"`
	InstrumentType string `json:"instrument-type"`
	Action         string `json:"action"`
	Quantity       int    `json:"quantity"`
}

// OrderSpec describes an order to place, limit-only: the engine never sends
// market orders.
type OrderSpec struct {
	OrderType   string          `json:"order-type"` // "Limit"
	TimeInForce string          `json:"time-in-force"`
	Price       decimal.Decimal `json:"price"`
	PriceEffect string          `json:"price-effect"` // Credit | Debit
	Legs        []OrderSpecLeg  `json:"legs"`
}
