package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleGraph(t *testing.T) {
	tests := []struct {
		name      string
		from      LifecycleState
		to        LifecycleState
		condition string
		wantErr   bool
	}{
		{"entry fill", StatePendingEntry, StateOpenFull, ConditionOrderFilled, false},
		{"entry cancelled", StatePendingEntry, StateClosed, ConditionOrderCancelled, false},
		{"entry rejected", StatePendingEntry, StateClosed, ConditionOrderRejected, false},
		{"first target fill", StateOpenFull, StateOpenPartial, ConditionPartialClose, false},
		{"subsequent target fill", StateOpenPartial, StateOpenPartial, ConditionPartialClose, false},
		{"last target fill", StateOpenPartial, StateClosed, ConditionPositionClosed, false},
		{"broker absent", StateOpenFull, StateClosed, ConditionClosedAtBroker, false},
		{"closing filled", StateClosing, StateClosed, ConditionPositionClosed, false},
		{"roll", StateOpenFull, StateRolled, ConditionRolled, false},
		{"skip entry fill", StatePendingEntry, StateOpenPartial, ConditionPartialClose, true},
		{"reopen closed", StateClosed, StateOpenFull, ConditionOrderFilled, true},
		{"wrong condition", StatePendingEntry, StateOpenFull, ConditionPartialClose, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.from.CanTransition(tt.to, tt.condition)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpenStates(t *testing.T) {
	assert.True(t, StatePendingEntry.IsOpen())
	assert.True(t, StateOpenFull.IsOpen())
	assert.True(t, StateOpenPartial.IsOpen())
	assert.True(t, StateClosing.IsOpen())
	assert.False(t, StateClosed.IsOpen())
	assert.False(t, StateRolled.IsOpen())
	assert.True(t, StateClosed.IsTerminal())
}

func TestPositionTransitionSideEffects(t *testing.T) {
	p := NewPosition("pos-1", "u1", "5WT0001", "SPY")
	p.Quantity = 3

	require.NoError(t, p.Transition(StateOpenFull, ConditionOrderFilled))
	require.NotNil(t, p.OpenedAt)
	assert.Equal(t, 3, p.Quantity)

	require.NoError(t, p.Transition(StateOpenPartial, ConditionPartialClose))
	assert.Nil(t, p.ClosedAt)

	p.Quantity = 0
	require.NoError(t, p.Transition(StateClosed, ConditionPositionClosed))
	require.NotNil(t, p.ClosedAt)
	assert.Equal(t, 0, p.Quantity)
	assert.True(t, p.UnrealizedPnL.IsZero())
	assert.NoError(t, p.Validate())
}

func TestPositionTransitionRejectsInvalid(t *testing.T) {
	p := NewPosition("pos-1", "u1", "5WT0001", "SPY")
	err := p.Transition(StateOpenPartial, ConditionPartialClose)
	require.Error(t, err)
	assert.Equal(t, StatePendingEntry, p.State)
}

func TestFilledTargetPnL(t *testing.T) {
	p := NewPosition("pos-1", "u1", "5WT0001", "SPY")
	p.SetTargetDetail(SpreadCall, &ProfitTargetDetail{
		Status:      TargetFilled,
		RealizedPnL: decimal.RequireFromString("68"),
	})
	p.SetTargetDetail(SpreadPut1, &ProfitTargetDetail{
		Status: TargetPending,
	})
	assert.True(t, p.FilledTargetPnL().Equal(decimal.RequireFromString("68")))
	assert.Len(t, p.ClaimedTargetOrderIDs(), 0)

	p.TargetDetail(SpreadPut1).OrderID = "90001"
	assert.Equal(t, []string{"90001"}, p.ClaimedTargetOrderIDs())
}

func TestOriginalQuantityFallback(t *testing.T) {
	p := NewPosition("pos-1", "u1", "5WT0001", "SPY")
	p.Quantity = 2
	assert.Equal(t, 2, p.OriginalQuantity())
	p.Metadata.OriginalQuantity = 3
	assert.Equal(t, 3, p.OriginalQuantity())
}

func TestOrderStatusPredicates(t *testing.T) {
	assert.True(t, OrderLive.IsWorking())
	assert.True(t, OrderReceived.IsWorking())
	assert.False(t, OrderFilled.IsWorking())
	assert.True(t, OrderFilled.IsTerminal())
	assert.True(t, OrderCancelled.IsTerminal())
	assert.False(t, OrderLive.IsTerminal())
}

func TestTransactionPredicates(t *testing.T) {
	tx := TransactionRecord{Action: ActionSellToOpen}
	assert.True(t, tx.IsOpening())
	assert.False(t, tx.IsClosing())

	tx = TransactionRecord{Action: ActionBuyToClose}
	assert.True(t, tx.IsClosing())

	tx = TransactionRecord{TransactionSubType: SubTypeAssignment}
	assert.True(t, tx.IsAssignmentOrExercise())
}
