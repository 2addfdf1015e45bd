// Package reconcile implements the periodic top-down sweep that brings
// local position state into agreement with broker truth: order-history and
// transaction ingestion, position discovery and sync, closure processing,
// trade reconciliation, and profit-target repair, sequenced by the
// orchestrator.
package reconcile

import (
	"fmt"
	"time"
)

// Phase names, in pipeline order.
const (
	PhaseOrderHistory   = "sync_order_history"
	PhaseTransactions   = "sync_transactions"
	PhaseDiscovery      = "discover_positions"
	PhasePositions      = "sync_positions"
	PhaseClosures       = "process_closures"
	PhaseTrades         = "reconcile_trades"
	PhaseProfitTargets  = "fix_profit_targets"
)

// PhaseResult is the structured outcome of one phase for one account.
// Per-item failures land in Errors; a phase never panics on them.
type PhaseResult struct {
	Phase          string        `json:"phase"`
	Success        bool          `json:"success"`
	Duration       time.Duration `json:"duration"`
	ItemsProcessed int           `json:"items_processed"`
	ItemsUpdated   int           `json:"items_updated"`
	ItemsCreated   int           `json:"items_created"`
	Errors         []string      `json:"errors,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

func newPhaseResult(phase string) *PhaseResult {
	return &PhaseResult{Phase: phase, Success: true, Details: map[string]any{}}
}

// addError records a per-item failure and marks the phase unsuccessful.
func (r *PhaseResult) addError(format string, args ...any) {
	r.Success = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// AccountReport aggregates one account's pipeline run.
type AccountReport struct {
	UserID        string         `json:"user_id"`
	AccountNumber string         `json:"account_number"`
	Success       bool           `json:"success"`
	Skipped       bool           `json:"skipped,omitempty"`
	SkipReason    string         `json:"skip_reason,omitempty"`
	Phases        []*PhaseResult `json:"phases"`
}

// RunReport is the outcome of one orchestrator invocation.
type RunReport struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	DryRun     bool             `json:"dry_run"`
	Success    bool             `json:"success"`
	Accounts   []*AccountReport `json:"accounts"`
}

// Scope narrows a run to one user, position, or underlying. Zero value
// means everything.
type Scope struct {
	UserID     string
	PositionID string
	Symbol     string
}

// matchesUser reports whether the scope admits the user.
func (s Scope) matchesUser(userID string) bool {
	return s.UserID == "" || s.UserID == userID
}

// matchesSymbol reports whether the scope admits the underlying.
func (s Scope) matchesSymbol(symbol string) bool {
	return s.Symbol == "" || s.Symbol == symbol
}

// matchesPosition reports whether the scope admits the position id.
func (s Scope) matchesPosition(positionID string) bool {
	return s.PositionID == "" || s.PositionID == positionID
}
