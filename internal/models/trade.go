package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType distinguishes opening, closing, and adjustment orders.
type TradeType string

const (
	TradeOpen       TradeType = "open"
	TradeClose      TradeType = "close"
	TradeAdjustment TradeType = "adjustment"
)

// TradeStatus is the local order status ladder.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeSubmitted TradeStatus = "submitted"
	TradeRouted    TradeStatus = "routed"
	TradeLive      TradeStatus = "live"
	TradeWorking   TradeStatus = "working"
	TradeFilled    TradeStatus = "filled"
	TradeRejected  TradeStatus = "rejected"
	TradeCancelled TradeStatus = "cancelled"
)

// IsTerminal reports whether no further status changes are expected.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeFilled || s == TradeRejected || s == TradeCancelled
}

// OrderLegSnapshot is the leg set recorded on a Trade at submission time.
type OrderLegSnapshot struct {
	Symbol         string          `json:"symbol"`
	InstrumentType InstrumentType  `json:"instrument_type"`
	Action         string          `json:"action"`
	Quantity       int             `json:"quantity"`
	FillPrice      decimal.Decimal `json:"fill_price"`
}

// Trade is a single order event for a position.
type Trade struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	PositionID     string             `json:"position_id"`
	AccountNumber  string             `json:"account_number"`
	BrokerOrderID  string             `json:"broker_order_id"` // globally unique
	TradeType      TradeType          `json:"trade_type"`
	OrderLegs      []OrderLegSnapshot `json:"order_legs,omitempty"`
	ExecutedPrice  decimal.Decimal    `json:"executed_price"`
	FillPrice      decimal.Decimal    `json:"fill_price"` // 4 fractional digits
	Quantity       int                `json:"quantity"`
	Status         TradeStatus        `json:"status"`
	SubmittedAt    *time.Time         `json:"submitted_at,omitempty"`
	FilledAt       *time.Time         `json:"filled_at,omitempty"`
	Commission     decimal.Decimal    `json:"commission"`
	ParentOrderID  string             `json:"parent_order_id,omitempty"`
	ChildOrderIDs  []string           `json:"child_order_ids,omitempty"` // profit-target order ids
	LifecycleEvent string             `json:"lifecycle_event,omitempty"`
	OrderType      string             `json:"order_type,omitempty"`
	TimeInForce    string             `json:"time_in_force,omitempty"`
	RealizedPnL    decimal.Decimal    `json:"realized_pnl"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}
