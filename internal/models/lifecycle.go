// Package models provides the persisted record types and lifecycle state
// management for positions, trades, order history, and transactions.
package models

import (
	"fmt"
)

// LifecycleState represents where a position sits in its lifecycle.
type LifecycleState string

const (
	// StatePendingEntry means the opening order is at the broker but not filled.
	StatePendingEntry LifecycleState = "pending_entry"
	// StateOpenFull means the opening order filled and all spreads remain open.
	StateOpenFull LifecycleState = "open_full"
	// StateOpenPartial means at least one spread has closed, but not all.
	StateOpenPartial LifecycleState = "open_partial"
	// StateClosing means a closing order is working at the broker.
	StateClosing LifecycleState = "closing"
	// StateClosed means no exposure remains; the record is immutable except
	// for late-arriving P&L and metadata annotations.
	StateClosed LifecycleState = "closed"
	// StateRolled means the position was replaced by a roll.
	StateRolled LifecycleState = "rolled"
	// StateAdjusted means the legs were modified in place.
	StateAdjusted LifecycleState = "adjusted"
	// StateExpired means the legs ran past expiration.
	StateExpired LifecycleState = "expired"
)

// Transition conditions. Every state change carries one of these so the
// audit trail records why the position moved.
const (
	ConditionOrderFilled     = "order_filled"
	ConditionOrderCancelled  = "order_cancelled"
	ConditionOrderRejected   = "order_rejected"
	ConditionOrderExpired    = "order_expired"
	ConditionPartialClose    = "partial_close"
	ConditionPositionClosed  = "position_closed"
	ConditionClosedAtBroker  = "closed_at_broker"
	ConditionCloseSubmitted  = "close_submitted"
	ConditionRolled          = "rolled"
	ConditionAdjusted        = "adjusted"
	ConditionExpiredAtBroker = "expired"
	ConditionDiscovered      = "discovered"
)

// StateTransition defines one edge of the lifecycle graph.
type StateTransition struct {
	From      LifecycleState
	To        LifecycleState
	Condition string
}

// ValidTransitions enumerates the lifecycle graph. Anything not listed here
// is rejected.
var ValidTransitions = []StateTransition{
	// Entry
	{StatePendingEntry, StateOpenFull, ConditionOrderFilled},
	{StatePendingEntry, StateClosed, ConditionOrderCancelled},
	{StatePendingEntry, StateClosed, ConditionOrderRejected},
	{StatePendingEntry, StateClosed, ConditionOrderExpired},

	// Partial closes from profit-target fills
	{StateOpenFull, StateOpenPartial, ConditionPartialClose},
	{StateOpenPartial, StateOpenPartial, ConditionPartialClose},

	// Full closes
	{StateOpenFull, StateClosed, ConditionPositionClosed},
	{StateOpenFull, StateClosed, ConditionClosedAtBroker},
	{StateOpenPartial, StateClosed, ConditionPositionClosed},
	{StateOpenPartial, StateClosed, ConditionClosedAtBroker},
	{StateClosing, StateClosed, ConditionPositionClosed},
	{StateClosing, StateClosed, ConditionClosedAtBroker},

	// Close order working at the broker
	{StateOpenFull, StateClosing, ConditionCloseSubmitted},
	{StateOpenPartial, StateClosing, ConditionCloseSubmitted},

	// Rolls, adjustments, expiration
	{StateOpenFull, StateRolled, ConditionRolled},
	{StateOpenPartial, StateRolled, ConditionRolled},
	{StateOpenFull, StateAdjusted, ConditionAdjusted},
	{StateOpenFull, StateExpired, ConditionExpiredAtBroker},
	{StateOpenPartial, StateExpired, ConditionExpiredAtBroker},
}

// OpenStates are the states in which a position still has (or may still
// acquire) exposure at the broker.
var OpenStates = []LifecycleState{StatePendingEntry, StateOpenFull, StateOpenPartial, StateClosing}

// IsOpen reports whether the state carries live or pending exposure.
func (s LifecycleState) IsOpen() bool {
	for _, st := range OpenStates {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state ends the lifecycle.
func (s LifecycleState) IsTerminal() bool {
	return s == StateClosed || s == StateRolled || s == StateExpired
}

// CanTransition checks the lifecycle graph for a matching edge.
func (s LifecycleState) CanTransition(to LifecycleState, condition string) error {
	for _, tr := range ValidTransitions {
		if tr.From == s && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition %s -> %s (%s)", s, to, condition)
}
