package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the broker's order status vocabulary as cached in
// OrderHistory rows.
type OrderStatus string

const (
	OrderReceived  OrderStatus = "Received"
	OrderRouted    OrderStatus = "Routed"
	OrderInFlight  OrderStatus = "In Flight"
	OrderQueued    OrderStatus = "Queued"
	OrderLive      OrderStatus = "Live"
	OrderFilled    OrderStatus = "Filled"
	OrderCancelled OrderStatus = "Cancelled"
	OrderRejected  OrderStatus = "Rejected"
	OrderExpired   OrderStatus = "Expired"
)

// IsTerminal reports whether the broker will not change this order again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// IsWorking reports whether the order is still eligible to fill.
func (s OrderStatus) IsWorking() bool {
	switch s {
	case OrderReceived, OrderRouted, OrderInFlight, OrderQueued, OrderLive:
		return true
	}
	return false
}

// OrderHistory caches one broker order. Rows are upserted by
// broker_order_id and treated as immutable ground truth once terminal.
type OrderHistory struct {
	BrokerOrderID    string          `json:"broker_order_id"` // unique
	UserID           string          `json:"user_id"`
	AccountNumber    string          `json:"account_number"`
	ComplexOrderID   string          `json:"complex_order_id,omitempty"`
	ParentOrderID    string          `json:"parent_order_id,omitempty"`
	ReplacesOrderID  string          `json:"replaces_order_id,omitempty"`
	ReplacingOrderID string          `json:"replacing_order_id,omitempty"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
	OrderType        string          `json:"order_type,omitempty"`
	Status           OrderStatus     `json:"status"`
	Price            *decimal.Decimal `json:"price,omitempty"` // fill price when Filled, else limit
	PriceEffect      string          `json:"price_effect,omitempty"`
	ReceivedAt       *time.Time      `json:"received_at,omitempty"`
	LiveAt           *time.Time      `json:"live_at,omitempty"`
	FilledAt         *time.Time      `json:"filled_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	TerminalAt       *time.Time      `json:"terminal_at,omitempty"`
	OrderData        json.RawMessage `json:"order_data,omitempty"` // full serialized order incl. legs and fills
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TransactionRecord is one ground-truth fill, assignment, exercise, or fee
// line imported from the broker.
type TransactionRecord struct {
	TransactionID      string          `json:"transaction_id"` // unique
	UserID             string          `json:"user_id"`
	AccountNumber      string          `json:"account_number"`
	OrderID            string          `json:"order_id,omitempty"`
	TransactionType    string          `json:"transaction_type"`
	TransactionSubType string          `json:"transaction_sub_type,omitempty"` // "Buy to Open", "Assignment", "Exercise", ...
	Action             string          `json:"action,omitempty"`
	Value              decimal.Decimal `json:"value"`
	NetValue           decimal.Decimal `json:"net_value"`
	Commission         decimal.Decimal `json:"commission"`
	ClearingFees       decimal.Decimal `json:"clearing_fees"`
	RegulatoryFees     decimal.Decimal `json:"regulatory_fees"`
	Symbol             string          `json:"symbol,omitempty"` // OCC or equity
	UnderlyingSymbol   string          `json:"underlying_symbol,omitempty"`
	InstrumentType     InstrumentType  `json:"instrument_type,omitempty"`
	Quantity           decimal.Decimal `json:"quantity"`
	Price              decimal.Decimal `json:"price"`
	ExecutedAt         time.Time       `json:"executed_at"`
	RelatedPositionID  string          `json:"related_position_id,omitempty"`
	RawData            json.RawMessage `json:"raw_data,omitempty"`
}

// Transaction action verbs as the broker spells them.
const (
	ActionSellToOpen  = "Sell to Open"
	ActionBuyToOpen   = "Buy to Open"
	ActionSellToClose = "Sell to Close"
	ActionBuyToClose  = "Buy to Close"
)

// Transaction sub types that settle positions without an order.
const (
	SubTypeAssignment = "Assignment"
	SubTypeExercise   = "Exercise"
)

// IsOpening reports whether the transaction opens exposure.
func (t *TransactionRecord) IsOpening() bool {
	return t.Action == ActionSellToOpen || t.Action == ActionBuyToOpen
}

// IsClosing reports whether the transaction reduces exposure via an order.
func (t *TransactionRecord) IsClosing() bool {
	return t.Action == ActionSellToClose || t.Action == ActionBuyToClose
}

// IsAssignmentOrExercise reports whether the transaction settles the
// position through assignment or exercise.
func (t *TransactionRecord) IsAssignmentOrExercise() bool {
	return t.TransactionSubType == SubTypeAssignment || t.TransactionSubType == SubTypeExercise
}

// OrderChainRecord is the broker-side aggregate of all orders in one
// symbol's lifecycle.
type OrderChainRecord struct {
	ChainID          string          `json:"chain_id"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
	TotalCommissions decimal.Decimal `json:"total_commissions"`
	TotalFees        decimal.Decimal `json:"total_fees"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ChainData        json.RawMessage `json:"chain_data,omitempty"`
}

// TradingAccount is owned by the external accounts module; the engine only
// reads it to select reconciliation targets.
type TradingAccount struct {
	UserID        string `json:"user_id"`
	AccountNumber string `json:"account_number"`
	IsPrimary     bool   `json:"is_primary"`
	IsActive      bool   `json:"is_active"`
	TokenValid    bool   `json:"token_valid"`
	IsTest        bool   `json:"is_test"`
}
