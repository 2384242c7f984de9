package journal

import (
	"binance-range-bot-go/internal/models"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordOrder(t *testing.T) {
	j := openTestJournal(t)

	snap := &models.OrderSnapshot{
		OrderID:   "100",
		Symbol:    "ETH/USDT",
		State:     models.ExecOpen,
		Price:     2500,
		Amount:    0.04,
		CreatedAt: 1700000000000,
	}
	require.NoError(t, j.RecordOrder(snap, models.SideBuy, "trade_1"))

	// terminal transition of the same order appends a second row
	snap.State = models.ExecFilled
	snap.Filled = 0.04
	require.NoError(t, j.RecordOrder(snap, models.SideBuy, "trade_1"))
}

func TestRecordTradeUpsert(t *testing.T) {
	j := openTestJournal(t)

	record := &models.TradeRecord{
		ID:         "trade_1",
		Symbol:     "ETH/USDT",
		BuyOrderID: "100",
		BuyPrice:   2500,
		Amount:     0.04,
		Status:     models.TradeInProgress,
		StartTime:  1700000000000,
	}
	require.NoError(t, j.RecordTrade(record))

	record.SellOrderID = "101"
	record.SellPrice = 2550
	record.Profit = 2.0
	record.ProfitRate = 2.0
	record.Status = models.TradeCompleted
	record.EndTime = 1700000100000
	require.NoError(t, j.RecordTrade(record))

	trades, err := j.RecentTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeCompleted, trades[0].Status)
	assert.InDelta(t, 2.0, trades[0].Profit, 1e-9)
	assert.Equal(t, "101", trades[0].SellOrderID)
}

func TestRecentTradesOrderAndLimit(t *testing.T) {
	j := openTestJournal(t)

	for i, id := range []string{"trade_a", "trade_b", "trade_c"} {
		require.NoError(t, j.RecordTrade(&models.TradeRecord{
			ID:         id,
			Symbol:     "ETH/USDT",
			BuyOrderID: "1",
			BuyPrice:   2500,
			Amount:     0.04,
			Status:     models.TradeFailed,
			StartTime:  int64(1700000000000 + i),
		}))
	}

	trades, err := j.RecentTrades(2)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}
