package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halpertlabs/spreadkeeper/internal/models"
)

func TestSaveAndReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.json")

	s, err := NewJSONStorage(path)
	require.NoError(t, err)

	pos := models.NewPosition("pos-1", "u1", "5WT0001", "SPY")
	pos.StrategyType = models.StrategySenexTrident
	pos.Quantity = 1
	pos.SetTargetDetail(models.SpreadCall, &models.ProfitTargetDetail{
		Percent:       decimal.RequireFromString("50"),
		OriginalCredit: decimal.RequireFromString("1.76"),
		TargetPrice:   decimal.RequireFromString("0.88"),
		Status:        models.TargetPending,
		Quantity:      1,
	})
	require.NoError(t, s.SavePosition(pos))

	reopened, err := NewJSONStorage(path)
	require.NoError(t, err)
	got, ok := reopened.GetPosition("pos-1")
	require.True(t, ok)
	assert.Equal(t, models.StrategySenexTrident, got.StrategyType)
	detail := got.TargetDetail(models.SpreadCall)
	require.NotNil(t, detail)
	assert.True(t, detail.TargetPrice.Equal(decimal.RequireFromString("0.88")))
}

func TestGetPositionReturnsCopy(t *testing.T) {
	s := NewMemoryStorage()
	pos := models.NewPosition("pos-1", "u1", "5WT0001", "SPY")
	require.NoError(t, s.SavePosition(pos))

	first, ok := s.GetPosition("pos-1")
	require.True(t, ok)
	first.Quantity = 99

	second, ok := s.GetPosition("pos-1")
	require.True(t, ok)
	assert.Equal(t, 0, second.Quantity)
}

func TestOpenPositionFiltering(t *testing.T) {
	s := NewMemoryStorage()

	open := models.NewPosition("pos-open", "u1", "5WT0001", "SPY")
	require.NoError(t, s.SavePosition(open))

	closed := models.NewPosition("pos-closed", "u1", "5WT0001", "QQQ")
	closed.State = models.StateClosed
	require.NoError(t, s.SavePosition(closed))

	other := models.NewPosition("pos-other", "u2", "5WT0002", "SPY")
	require.NoError(t, s.SavePosition(other))

	got := s.GetOpenPositions("u1", "5WT0001")
	require.Len(t, got, 1)
	assert.Equal(t, "pos-open", got[0].ID)
}

func TestWithPositionLockPersistsResult(t *testing.T) {
	s := NewMemoryStorage()
	pos := models.NewPosition("pos-1", "u1", "5WT0001", "SPY")
	pos.Quantity = 2
	require.NoError(t, s.SavePosition(pos))

	err := s.WithPositionLock("pos-1", func(p *models.Position) (*models.Position, error) {
		p.Quantity--
		return p, nil
	})
	require.NoError(t, err)

	got, ok := s.GetPosition("pos-1")
	require.True(t, ok)
	assert.Equal(t, 1, got.Quantity)
}

func TestWithPositionLockMissing(t *testing.T) {
	s := NewMemoryStorage()
	err := s.WithPositionLock("absent", func(p *models.Position) (*models.Position, error) {
		t.Fatal("fn should not run")
		return nil, nil
	})
	assert.Error(t, err)
}

func TestUpsertOrderHistoryCreatedFlag(t *testing.T) {
	s := NewMemoryStorage()
	row := &models.OrderHistory{
		BrokerOrderID:    "90001",
		UserID:           "u1",
		AccountNumber:    "5WT0001",
		UnderlyingSymbol: "SPY",
		Status:           models.OrderLive,
	}
	created, err := s.UpsertOrderHistory(row)
	require.NoError(t, err)
	assert.True(t, created)

	row.Status = models.OrderFilled
	created, err = s.UpsertOrderHistory(row)
	require.NoError(t, err)
	assert.False(t, created)

	got, ok := s.GetOrderHistory("90001")
	require.True(t, ok)
	assert.Equal(t, models.OrderFilled, got.Status)
}

func TestUpsertTransactionIsInsertOnly(t *testing.T) {
	s := NewMemoryStorage()
	tx := &models.TransactionRecord{
		TransactionID: "t1",
		UserID:        "u1",
		AccountNumber: "5WT0001",
		OrderID:       "90001",
		NetValue:      decimal.RequireFromString("120"),
		ExecutedAt:    time.Now().UTC(),
	}
	created, err := s.UpsertTransaction(tx)
	require.NoError(t, err)
	assert.True(t, created)

	// Re-imports must not mutate the stored row.
	tx.NetValue = decimal.RequireFromString("999")
	created, err = s.UpsertTransaction(tx)
	require.NoError(t, err)
	assert.False(t, created)

	got := s.GetTransactionsByOrderID("90001")
	require.Len(t, got, 1)
	assert.True(t, got[0].NetValue.Equal(decimal.RequireFromString("120")))
}

func TestGetOrderHistoryBatch(t *testing.T) {
	s := NewMemoryStorage()
	for _, id := range []string{"1", "2", "3"} {
		_, err := s.UpsertOrderHistory(&models.OrderHistory{BrokerOrderID: id, Status: models.OrderFilled})
		require.NoError(t, err)
	}
	got := s.GetOrderHistoryBatch([]string{"1", "3", "missing"})
	assert.Len(t, got, 2)
	_, ok := got["missing"]
	assert.False(t, ok)
}

func TestListActiveAccounts(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.SaveAccount(&models.TradingAccount{UserID: "u1", AccountNumber: "A1", IsActive: true, TokenValid: true}))
	require.NoError(t, s.SaveAccount(&models.TradingAccount{UserID: "u1", AccountNumber: "A2", IsActive: true, TokenValid: false}))
	require.NoError(t, s.SaveAccount(&models.TradingAccount{UserID: "u2", AccountNumber: "A3", IsActive: true, TokenValid: true, IsTest: true}))
	require.NoError(t, s.SaveAccount(&models.TradingAccount{UserID: "u3", AccountNumber: "A4", IsActive: false, TokenValid: true}))

	got := s.ListActiveAccounts()
	require.Len(t, got, 1)
	assert.Equal(t, "A1", got[0].AccountNumber)
}

func TestLinkTransactionIsMonotonic(t *testing.T) {
	s := NewMemoryStorage()
	_, err := s.UpsertTransaction(&models.TransactionRecord{TransactionID: "t1", OrderID: "90001"})
	require.NoError(t, err)

	require.NoError(t, s.LinkTransaction("t1", "pos-1"))
	require.NoError(t, s.LinkTransaction("t1", "pos-other"))

	got := s.GetTransactionsByPosition("pos-1")
	require.Len(t, got, 1)
	assert.Empty(t, s.GetTransactionsByPosition("pos-other"))
}

func TestFindPositionByOpeningOrderID(t *testing.T) {
	s := NewMemoryStorage()
	pos := models.NewPosition("pos-1", "u1", "5WT0001", "SPY")
	pos.OpeningOrderID = "90001"
	require.NoError(t, s.SavePosition(pos))

	got, ok := s.FindPositionByOpeningOrderID("5WT0001", "90001")
	require.True(t, ok)
	assert.Equal(t, "pos-1", got.ID)

	_, ok = s.FindPositionByOpeningOrderID("5WT0001", "")
	assert.False(t, ok)
}

func TestFindLiveOrdersByUnderlying(t *testing.T) {
	s := NewMemoryStorage()
	now := time.Now().UTC()
	for _, row := range []*models.OrderHistory{
		{BrokerOrderID: "1", UserID: "u1", AccountNumber: "A1", UnderlyingSymbol: "SPY", Status: models.OrderLive, ReceivedAt: &now},
		{BrokerOrderID: "2", UserID: "u1", AccountNumber: "A1", UnderlyingSymbol: "SPY", Status: models.OrderFilled},
		{BrokerOrderID: "3", UserID: "u1", AccountNumber: "A1", UnderlyingSymbol: "QQQ", Status: models.OrderLive},
	} {
		_, err := s.UpsertOrderHistory(row)
		require.NoError(t, err)
	}
	got := s.FindLiveOrdersByUnderlying("u1", "A1", "SPY")
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].BrokerOrderID)
}

func TestGetTradeByBrokerOrderID(t *testing.T) {
	s := NewMemoryStorage()
	trade := &models.Trade{
		ID:            "tr-1",
		PositionID:    "pos-1",
		BrokerOrderID: "90001",
		TradeType:     models.TradeOpen,
		Status:        models.TradeFilled,
	}
	require.NoError(t, s.SaveTrade(trade))

	got, ok := s.GetTradeByBrokerOrderID("90001")
	require.True(t, ok)
	assert.Equal(t, "tr-1", got.ID)

	_, ok = s.GetTradeByBrokerOrderID("unknown")
	assert.False(t, ok)
}
