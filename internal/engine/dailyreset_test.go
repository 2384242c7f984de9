package engine

import (
	"binance-range-bot-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeOfDayReached(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2025, 6, 15, h, m, 0, 0, time.UTC)
	}
	assert.True(t, timeOfDayReached(at(23, 30), "23:30"))
	assert.True(t, timeOfDayReached(at(23, 45), "23:30"))
	assert.False(t, timeOfDayReached(at(23, 29), "23:30"))
	assert.False(t, timeOfDayReached(at(0, 5), "23:30"))
	assert.False(t, timeOfDayReached(at(23, 45), "bogus"))
}

func TestDailyResetLiquidatesPosition(t *testing.T) {
	env := newTestEnv(t)
	buy := env.enterBought(t)
	env.advisor.allowBuy = false // keep the post-reset tick out of a new entry

	env.advance(13 * time.Hour) // past midnight into June 16
	env.tick()

	assert.Equal(t, models.StateIdle, env.engine.status.State)
	assert.Equal(t, "2025-06-16", env.engine.stats.CurrentDate)
	assert.Empty(t, env.engine.stats.TradedSymbols)

	require.Len(t, env.engine.records, 1)
	rec := env.engine.records[0]
	assert.Equal(t, models.TradeCompleted, rec.Status)
	// liquidated just under the market at the forced discount
	assert.InDelta(t, 105*0.999, rec.SellPrice, 1e-6)
	expectedProfit := (105*0.999 - 101.0) * buy.Amount
	assert.InDelta(t, expectedProfit, rec.Profit, 1e-6)
}

func TestDailyResetCancelsUnfilledBuyOrder(t *testing.T) {
	env := newTestEnv(t)
	buy := env.enterBuyPlaced(t)
	env.advisor.allowBuy = false

	env.advance(24 * time.Hour)
	env.tick()

	assert.Equal(t, models.StateIdle, env.engine.status.State)
	assert.Equal(t, "2025-06-16", env.engine.stats.CurrentDate)
	assert.Contains(t, env.gateway.canceled, buy.OrderID)
	require.Len(t, env.engine.records, 1)
	assert.Equal(t, models.TradeFailed, env.engine.records[0].Status)
	assert.Equal(t, 1, env.engine.stats.FailedTrades)
}

func TestDailyResetLiquidatesPartiallyFilledBuy(t *testing.T) {
	env := newTestEnv(t)
	buy := env.enterBuyPlaced(t)
	env.advisor.allowBuy = false

	env.gateway.fill(buy.OrderID, buy.Amount*0.5, 101)
	env.advance(24 * time.Hour)
	env.tick()

	require.Len(t, env.engine.records, 1)
	rec := env.engine.records[0]
	assert.Equal(t, models.TradeCompleted, rec.Status)
	// only the filled half was held and liquidated
	assert.InDelta(t, buy.Amount*0.5, rec.Amount, 1e-9)
}

func TestDailyResetInfersFillFromBalance(t *testing.T) {
	env := newTestEnv(t)
	buy := env.enterBuyPlaced(t)
	env.advisor.allowBuy = false

	// the order vanished from the exchange, but the base asset arrived
	delete(env.gateway.orders, buy.OrderID)
	env.gateway.balances["ETH"] = models.Balance{Free: buy.Amount}

	env.advance(24 * time.Hour)
	env.tick()

	require.Len(t, env.engine.records, 1)
	assert.Equal(t, models.TradeCompleted, env.engine.records[0].Status)
	assert.Equal(t, 0, env.engine.stats.FailedTrades)
}

func TestDailyResetLostOrderWithoutBalanceFails(t *testing.T) {
	env := newTestEnv(t)
	buy := env.enterBuyPlaced(t)
	env.advisor.allowBuy = false

	delete(env.gateway.orders, buy.OrderID)

	env.advance(24 * time.Hour)
	env.tick()

	require.Len(t, env.engine.records, 1)
	assert.Equal(t, models.TradeFailed, env.engine.records[0].Status)
	assert.Equal(t, 1, env.engine.stats.FailedTrades)
}

func TestDailyResetLiquidatesSellRemainder(t *testing.T) {
	env := newTestEnv(t)
	_, sell := env.enterSellPlaced(t)
	env.advisor.allowBuy = false

	env.gateway.fill(sell.OrderID, sell.Amount*0.5, 109)

	env.advance(24 * time.Hour)
	env.tick()

	assert.Equal(t, models.StateIdle, env.engine.status.State)
	require.Len(t, env.engine.records, 1)
	rec := env.engine.records[0]
	assert.Equal(t, models.TradeCompleted, rec.Status)
	// the unsold half went through forced liquidation
	assert.InDelta(t, sell.Amount*0.5, rec.Amount, 1e-9)
	assert.InDelta(t, 105*0.999, rec.SellPrice, 1e-6)
}

func TestDailyResetCompletedSellNeedsNoLiquidation(t *testing.T) {
	env := newTestEnv(t)
	_, sell := env.enterSellPlaced(t)
	env.advisor.allowBuy = false
	ordersBefore := env.gateway.nextID

	env.gateway.fill(sell.OrderID, sell.Amount, 109)

	env.advance(24 * time.Hour)
	env.tick()

	require.Len(t, env.engine.records, 1)
	assert.Equal(t, models.TradeCompleted, env.engine.records[0].Status)
	assert.InDelta(t, 109.0, env.engine.records[0].SellPrice, 1e-9)
	// no extra liquidation order was needed
	assert.Equal(t, ordersBefore, env.gateway.nextID)
}

func TestDailyResetClearsBreakerDailyLoss(t *testing.T) {
	env := newTestEnv(t)
	env.advisor.allowBuy = false

	// stage a losing day
	env.engine.records = append(env.engine.records, &models.TradeRecord{
		ID:      "trade_loss",
		Status:  models.TradeCompleted,
		Profit:  -15,
		EndTime: env.clock.UnixMilli(),
	})
	env.tick()
	assert.InDelta(t, -15.0, env.engine.CircuitBreakerState().DailyLoss, 1e-9)

	env.advance(24 * time.Hour)
	env.tick()
	assert.InDelta(t, 0.0, env.engine.CircuitBreakerState().DailyLoss, 1e-9)
}
