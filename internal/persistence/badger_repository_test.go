package persistence

import (
	"binance-range-bot-go/internal/config"
	"binance-range-bot-go/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) StateRepository {
	t.Helper()
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestLoadSnapshotEmpty(t *testing.T) {
	repo := openTestRepo(t)

	snapshot, err := repo.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	repo := openTestRepo(t)

	original := &models.Snapshot{
		Config: config.Default(),
		Status: &models.TradingStatus{
			State:          models.StateBought,
			Symbol:         "ETH/USDT",
			CurrentTradeID: "trade_abc",
			BuyOrder: &models.OrderInfo{
				OrderID: "12345",
				Symbol:  "ETH/USDT",
				Side:    models.SideBuy,
				Price:   2500.5,
				Amount:  0.04,
				Status:  models.OrderClosed,
			},
			High: 2600,
			Low:  2450,
		},
		TradeRecords: []*models.TradeRecord{
			{ID: "trade_abc", Symbol: "ETH/USDT", Status: models.TradeInProgress, BuyPrice: 2500.5, Amount: 0.04},
			{ID: "trade_old", Symbol: "BTC/USDT", Status: models.TradeCompleted, Profit: 1.5},
		},
		Stats: &models.SystemStats{
			TotalTrades:      2,
			SuccessfulTrades: 1,
			TotalProfit:      1.5,
			CurrentDate:      "2025-06-15",
			TradedSymbols:    map[string]int{"ETH/USDT": 1, "BTC/USDT": 1},
		},
	}

	require.NoError(t, repo.SaveSnapshot(original))
	assert.NotZero(t, original.LastSaved)

	loaded, err := repo.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, models.StateBought, loaded.Status.State)
	assert.Equal(t, "ETH/USDT", loaded.Status.Symbol)
	require.NotNil(t, loaded.Status.BuyOrder)
	assert.Equal(t, "12345", loaded.Status.BuyOrder.OrderID)
	assert.Len(t, loaded.TradeRecords, 2)
	assert.Equal(t, models.TradeInProgress, loaded.TradeRecords[0].Status)
	assert.InDelta(t, 1.5, loaded.Stats.TotalProfit, 1e-9)
	assert.Equal(t, original.Config.Symbols, loaded.Config.Symbols)
}

func TestSaveOverwritesPrevious(t *testing.T) {
	repo := openTestRepo(t)

	first := &models.Snapshot{Status: &models.TradingStatus{State: models.StateIdle}, Stats: &models.SystemStats{}}
	require.NoError(t, repo.SaveSnapshot(first))

	second := &models.Snapshot{Status: &models.TradingStatus{State: models.StateBought, Symbol: "ETH/USDT"}, Stats: &models.SystemStats{TotalTrades: 1}}
	require.NoError(t, repo.SaveSnapshot(second))

	loaded, err := repo.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, models.StateBought, loaded.Status.State)
	assert.Equal(t, 1, loaded.Stats.TotalTrades)
}
