package orders

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/pnl"
	"github.com/halpertlabs/spreadkeeper/internal/strategy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func callSpreadPosition(t *testing.T) *models.Position {
	t.Helper()
	pos := models.NewPosition("pos-1", "u1", "5WT0001", "SPY")
	pos.StrategyType = models.StrategySenexTrident
	pos.IsAppManaged = true
	pos.OpeningPriceEffect = pnl.Credit
	pos.Metadata.Legs = []models.Leg{
		{Symbol: "SPY   250117C00500000", Quantity: -1, InstrumentType: models.InstrumentEquityOption},
		{Symbol: "SPY   250117C00505000", Quantity: 1, InstrumentType: models.InstrumentEquityOption},
	}
	pos.Metadata.SpreadLegs = map[models.SpreadType][]string{
		models.SpreadCall: {"SPY   250117C00500000", "SPY   250117C00505000"},
	}
	pos.SetTargetDetail(models.SpreadCall, &models.ProfitTargetDetail{
		Percent:        d("50"),
		OriginalCredit: d("1.76"),
		Status:         models.TargetPending,
	})
	return pos
}

func TestBuildExitSpec(t *testing.T) {
	e := NewExecutor(logrus.New(), false)
	pos := callSpreadPosition(t)

	spec, price, err := e.BuildExitSpec(pos, strategy.ProfitTargetSpec{
		SpreadType: models.SpreadCall,
		Percent:    d("50"),
		Quantity:   1,
	})
	require.NoError(t, err)

	assert.True(t, price.Equal(d("0.88")), "got %s", price)
	assert.Equal(t, "Limit", spec.OrderType)
	assert.Equal(t, "Debit", spec.PriceEffect)
	require.Len(t, spec.Legs, 2)

	bySymbol := map[string]string{}
	for _, leg := range spec.Legs {
		bySymbol[leg.Symbol] = leg.Action
	}
	assert.Equal(t, models.ActionBuyToClose, bySymbol["SPY   250117C00500000"])
	assert.Equal(t, models.ActionSellToClose, bySymbol["SPY   250117C00505000"])
}

func TestBuildExitSpecNoCreditBasis(t *testing.T) {
	e := NewExecutor(logrus.New(), false)
	pos := callSpreadPosition(t)
	pos.TargetDetail(models.SpreadCall).OriginalCredit = decimal.Zero

	_, _, err := e.BuildExitSpec(pos, strategy.ProfitTargetSpec{
		SpreadType: models.SpreadCall,
		Percent:    d("50"),
		Quantity:   1,
	})
	assert.Error(t, err)
}

func TestPlaceTargetRecordsOrder(t *testing.T) {
	mock := &broker.MockSession{
		PlaceOrderFunc: func(ctx context.Context, account string, spec broker.OrderSpec) (*broker.PlacedOrder, error) {
			return &broker.PlacedOrder{ID: "90010", Status: models.OrderReceived}, nil
		},
	}
	e := NewExecutor(logrus.New(), false)
	pos := callSpreadPosition(t)

	orderID, price, err := e.PlaceTarget(context.Background(), mock, pos, strategy.ProfitTargetSpec{
		SpreadType: models.SpreadCall,
		Percent:    d("50"),
		Quantity:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, "90010", orderID)
	assert.True(t, price.Equal(d("0.88")))
	require.Len(t, mock.PlacedSpecs, 1)
}

func TestPlaceTargetRetriesTransientError(t *testing.T) {
	attempts := 0
	mock := &broker.MockSession{
		PlaceOrderFunc: func(ctx context.Context, account string, spec broker.OrderSpec) (*broker.PlacedOrder, error) {
			attempts++
			if attempts == 1 {
				return nil, &broker.APIError{Kind: broker.KindTransient, Status: 503, Body: "bad gateway"}
			}
			return &broker.PlacedOrder{ID: "90011", Status: models.OrderReceived}, nil
		},
	}
	e := NewExecutor(logrus.New(), false)
	pos := callSpreadPosition(t)

	orderID, _, err := e.PlaceTarget(context.Background(), mock, pos, strategy.ProfitTargetSpec{
		SpreadType: models.SpreadCall,
		Percent:    d("50"),
		Quantity:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, "90011", orderID)
	assert.Equal(t, 2, attempts)
}

func TestPlaceTargetDoesNotRetryValidationError(t *testing.T) {
	attempts := 0
	mock := &broker.MockSession{
		PlaceOrderFunc: func(ctx context.Context, account string, spec broker.OrderSpec) (*broker.PlacedOrder, error) {
			attempts++
			return nil, &broker.APIError{Kind: broker.KindValidation, Status: 422, Body: "bad leg"}
		},
	}
	e := NewExecutor(logrus.New(), false)
	pos := callSpreadPosition(t)

	_, _, err := e.PlaceTarget(context.Background(), mock, pos, strategy.ProfitTargetSpec{
		SpreadType: models.SpreadCall,
		Percent:    d("50"),
		Quantity:   1,
	})
	require.Error(t, err)
	assert.True(t, broker.IsValidation(err))
	assert.Equal(t, 1, attempts)
}

func TestCancelTargetPreservesConflict(t *testing.T) {
	mock := &broker.MockSession{
		CancelOrderFunc: func(ctx context.Context, account, orderID string) error {
			return &broker.APIError{Kind: broker.KindConflict, Status: 409, Body: "order is terminal"}
		},
	}
	e := NewExecutor(logrus.New(), false)

	err := e.CancelTarget(context.Background(), mock, "5WT0001", "90012")
	require.Error(t, err)
	assert.True(t, broker.IsConflict(err), "conflict classification must survive wrapping")
}

func TestPlaceTargetDryRun(t *testing.T) {
	mock := &broker.MockSession{}
	e := NewExecutor(logrus.New(), true)
	pos := callSpreadPosition(t)

	orderID, _, err := e.PlaceTarget(context.Background(), mock, pos, strategy.ProfitTargetSpec{
		SpreadType: models.SpreadCall,
		Percent:    d("50"),
		Quantity:   1,
	})
	require.NoError(t, err)
	assert.Empty(t, orderID)
	assert.Empty(t, mock.PlacedSpecs)
}
