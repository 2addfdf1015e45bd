package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/halpertlabs/spreadkeeper/internal/pnl"
)

// InstrumentType is the broker's instrument classification.
type InstrumentType string

const (
	InstrumentEquity       InstrumentType = "Equity"
	InstrumentEquityOption InstrumentType = "Equity Option"
)

// StrategyType tags how a position was constructed. App-managed positions
// carry one of the known strategies; everything the broker originated is
// external or stock_holding.
type StrategyType string

const (
	StrategySenexTrident      StrategyType = "senex_trident"
	StrategyShortIronCondor   StrategyType = "short_iron_condor"
	StrategyLongIronCondor    StrategyType = "long_iron_condor"
	StrategyIronCondor        StrategyType = "iron_condor"
	StrategyShortPutVertical  StrategyType = "short_put_vertical"
	StrategyShortCallVertical StrategyType = "short_call_vertical"
	StrategyLongPutVertical   StrategyType = "long_put_vertical"
	StrategyLongCallVertical  StrategyType = "long_call_vertical"
	StrategyCashSecuredPut    StrategyType = "cash_secured_put"
	StrategyCoveredCall       StrategyType = "covered_call"
	StrategyExternal          StrategyType = "external"
	StrategyStockHolding      StrategyType = "stock_holding"
)

// SpreadType keys the profit-target map. Senex Trident carries three spreads;
// condors two; verticals and single-leg strategies one.
type SpreadType string

const (
	SpreadPut1      SpreadType = "put_spread_1"
	SpreadPut2      SpreadType = "put_spread_2"
	SpreadCall      SpreadType = "call_spread"
	SpreadPut       SpreadType = "put_spread"
	SpreadGeneric   SpreadType = "spread"
	SpreadSingleLeg SpreadType = "single_leg"
)

// ClosureReason records why a position left the book.
type ClosureReason string

const (
	ClosureAssignment       ClosureReason = "assignment"
	ClosureExercise         ClosureReason = "exercise"
	ClosureProfitTarget     ClosureReason = "profit_target"
	ClosureManualClose      ClosureReason = "manual_close"
	ClosureExpiredWorthless ClosureReason = "expired_worthless"
	ClosureAtBroker         ClosureReason = "closed_at_broker"
	ClosureUnknown          ClosureReason = "unknown"
	ClosureOrderCancelled   ClosureReason = "order_cancelled"
	ClosureOrderRejected    ClosureReason = "order_rejected"
	ClosureOrderExpired     ClosureReason = "order_expired"
)

// TargetStatus is the lifecycle of one profit-target exit order.
type TargetStatus string

const (
	TargetPending                TargetStatus = "pending"
	TargetFilled                 TargetStatus = "filled"
	TargetCancelled              TargetStatus = "cancelled"
	TargetCancelledDTEAutomation TargetStatus = "cancelled_dte_automation"
)

// ProfitTargetDetail tracks one pre-placed exit order for a spread.
type ProfitTargetDetail struct {
	OrderID        string          `json:"order_id,omitempty"`
	Percent        decimal.Decimal `json:"percent"`
	OriginalCredit decimal.Decimal `json:"original_credit"`
	TargetPrice    decimal.Decimal `json:"target_price"`
	Status         TargetStatus    `json:"status"`
	Quantity       int             `json:"quantity,omitempty"` // spreads closed per fill; 0 means 1
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	SkipRecreation bool            `json:"skip_recreation,omitempty"`
	SkipReason     string          `json:"skip_reason,omitempty"`
}

// FillQuantity returns how many spreads one fill of this target closes.
func (d *ProfitTargetDetail) FillQuantity() int {
	if d.Quantity > 0 {
		return d.Quantity
	}
	return 1
}

// Leg is one option or equity leg as held by the broker.
type Leg struct {
	Symbol            string           `json:"symbol"`
	Quantity          int              `json:"quantity"` // signed
	QuantityDirection pnl.Direction    `json:"quantity_direction"`
	AverageOpenPrice  decimal.Decimal  `json:"average_open_price"`
	ClosePrice        decimal.Decimal  `json:"close_price"`
	MarkPrice         *decimal.Decimal `json:"mark_price,omitempty"`
	Multiplier        int              `json:"multiplier"`
	InstrumentType    InstrumentType   `json:"instrument_type"`
	Action            string           `json:"action,omitempty"`
}

// AbsQuantity returns the unsigned leg quantity.
func (l Leg) AbsQuantity() int {
	if l.Quantity < 0 {
		return -l.Quantity
	}
	return l.Quantity
}

// DTEAutomation is written by the external DTE manager. A non-nil
// LastProcessedDTE means that collaborator owns end-of-life closure.
type DTEAutomation struct {
	LastProcessedDTE *int       `json:"last_processed_dte,omitempty"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

// PositionMetadata is the closed set of metadata keys the engine reads and
// writes. Unknown broker keys land in Extra at the boundary.
type PositionMetadata struct {
	Legs                     []Leg                   `json:"legs,omitempty"`
	SpreadLegs               map[SpreadType][]string `json:"spread_legs,omitempty"`
	SuggestionID             string                  `json:"suggestion_id,omitempty"`
	Strikes                  map[string]string       `json:"strikes,omitempty"`
	OriginalQuantity         int                     `json:"original_quantity,omitempty"`
	ExpirationDate           *time.Time              `json:"expiration_date,omitempty"`
	DTEAutomation            *DTEAutomation          `json:"dte_automation,omitempty"`
	ReconstructionFailed     bool                    `json:"reconstruction_failed,omitempty"`
	ReconstructionError      string                  `json:"reconstruction_error,omitempty"`
	AssignedEquityPositionID string                  `json:"assigned_equity_position_id,omitempty"`
	StreamingPricing         bool                    `json:"streaming_pricing,omitempty"`
	BrokerData               json.RawMessage         `json:"tastytrade_data,omitempty"`
	Extra                    map[string]any          `json:"extra,omitempty"`
}

// Position is the canonical record of an open or closed exposure.
type Position struct {
	ID                   string                             `json:"id"`
	UserID               string                             `json:"user_id"`
	AccountNumber        string                             `json:"account_number"`
	Symbol               string                             `json:"symbol"` // underlying
	InstrumentType       InstrumentType                     `json:"instrument_type"`
	StrategyType         StrategyType                       `json:"strategy_type,omitempty"`
	State                LifecycleState                     `json:"lifecycle_state"`
	Quantity             int                                `json:"quantity"` // signed spread/share count
	AvgPrice             decimal.Decimal                    `json:"avg_price"`
	UnrealizedPnL        decimal.Decimal                    `json:"unrealized_pnl"`
	TotalRealizedPnL     decimal.Decimal                    `json:"total_realized_pnl"`
	OpeningPriceEffect   pnl.PriceEffect                    `json:"opening_price_effect,omitempty"`
	InitialRisk          decimal.Decimal                    `json:"initial_risk"`
	SpreadWidth          decimal.Decimal                    `json:"spread_width"`
	NumberOfSpreads      int                                `json:"number_of_spreads"`
	IsAppManaged         bool                               `json:"is_app_managed"`
	OpeningOrderID       string                             `json:"opening_order_id,omitempty"` // unique per account
	OpeningComplexID     string                             `json:"opening_complex_order_id,omitempty"`
	ClosureReason        ClosureReason                      `json:"closure_reason,omitempty"`
	AssignedAt           *time.Time                         `json:"assigned_at,omitempty"`
	ProfitTargetsCreated bool                               `json:"profit_targets_created"`
	ProfitTargetDetails  map[SpreadType]*ProfitTargetDetail `json:"profit_target_details,omitempty"`
	Metadata             PositionMetadata                   `json:"metadata"`
	OpenedAt             *time.Time                         `json:"opened_at,omitempty"`
	ClosedAt             *time.Time                         `json:"closed_at,omitempty"`
	CreatedAt            time.Time                          `json:"created_at"`
	UpdatedAt            time.Time                          `json:"updated_at"`
}

// NewPosition builds a position in pending_entry with initialized maps.
func NewPosition(id, userID, account, symbol string) *Position {
	now := time.Now().UTC()
	return &Position{
		ID:                  id,
		UserID:              userID,
		AccountNumber:       account,
		Symbol:              symbol,
		InstrumentType:      InstrumentEquityOption,
		State:               StatePendingEntry,
		ProfitTargetDetails: make(map[SpreadType]*ProfitTargetDetail),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// IsOpen reports whether the position still has live or pending exposure.
func (p *Position) IsOpen() bool { return p.State.IsOpen() }

// Transition moves the position to a new lifecycle state, enforcing the
// transition graph and the closed-state invariants (closed_at set, quantity
// and unrealized P&L zeroed).
func (p *Position) Transition(to LifecycleState, condition string) error {
	if err := p.State.CanTransition(to, condition); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	p.State = to
	now := time.Now().UTC()
	p.UpdatedAt = now

	switch to {
	case StateOpenFull:
		if p.OpenedAt == nil {
			p.OpenedAt = &now
		}
	case StateClosed, StateRolled, StateExpired:
		if p.ClosedAt == nil {
			p.ClosedAt = &now
		}
		p.Quantity = 0
		p.UnrealizedPnL = decimal.Zero
	}
	return nil
}

// TargetDetail returns the detail for a spread type, nil when absent.
func (p *Position) TargetDetail(st SpreadType) *ProfitTargetDetail {
	return p.ProfitTargetDetails[st]
}

// SetTargetDetail stores a detail, allocating the map on first write.
func (p *Position) SetTargetDetail(st SpreadType, d *ProfitTargetDetail) {
	if p.ProfitTargetDetails == nil {
		p.ProfitTargetDetails = make(map[SpreadType]*ProfitTargetDetail)
	}
	p.ProfitTargetDetails[st] = d
}

// FilledTargetPnL sums realized P&L over filled profit-target entries.
func (p *Position) FilledTargetPnL() decimal.Decimal {
	total := decimal.Zero
	for _, d := range p.ProfitTargetDetails {
		if d != nil && d.Status == TargetFilled {
			total = total.Add(d.RealizedPnL)
		}
	}
	return total
}

// ClaimedTargetOrderIDs lists every non-empty profit-target order id. The
// reconciler uses this to refuse adopting an order claimed elsewhere.
func (p *Position) ClaimedTargetOrderIDs() []string {
	ids := make([]string, 0, len(p.ProfitTargetDetails))
	for _, d := range p.ProfitTargetDetails {
		if d != nil && d.OrderID != "" {
			ids = append(ids, d.OrderID)
		}
	}
	return ids
}

// OriginalQuantity returns the stamped opening quantity, falling back to the
// current quantity when the stamp is absent.
func (p *Position) OriginalQuantity() int {
	if p.Metadata.OriginalQuantity != 0 {
		return p.Metadata.OriginalQuantity
	}
	return p.Quantity
}

// Validate enforces the record-level invariants that must hold after every
// write.
func (p *Position) Validate() error {
	if p.State == StateClosed {
		if p.ClosedAt == nil {
			return fmt.Errorf("position %s: closed without closed_at", p.ID)
		}
		if p.Quantity != 0 {
			return fmt.Errorf("position %s: closed with quantity %d", p.ID, p.Quantity)
		}
	}
	for st, d := range p.ProfitTargetDetails {
		if d == nil {
			return fmt.Errorf("position %s: nil profit target detail for %s", p.ID, st)
		}
	}
	return nil
}
