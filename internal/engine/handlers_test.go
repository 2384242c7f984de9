package engine

import (
	"binance-range-bot-go/internal/models"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdlePlacesBuyOrder(t *testing.T) {
	env := newTestEnv(t)

	env.tick()

	st := env.engine.status
	require.Equal(t, models.StateBuyOrderPlaced, st.State)
	assert.Equal(t, "ETH/USDT", st.Symbol)
	require.NotNil(t, st.BuyOrder)
	assert.InDelta(t, 101.0, st.BuyOrder.Price, 1e-9)
	assert.InDelta(t, 110.0, st.High, 1e-9)
	assert.InDelta(t, 100.0, st.Low, 1e-9)

	require.Len(t, env.engine.records, 1)
	assert.Equal(t, models.TradeInProgress, env.engine.records[0].Status)
	assert.Equal(t, 1, env.engine.stats.TotalTrades)
	assert.Equal(t, 1, env.engine.stats.TradedSymbols["ETH/USDT"])
}

func TestIdleRespectsAdvisorVeto(t *testing.T) {
	env := newTestEnv(t)
	env.advisor.allowBuy = false

	env.tick()
	assert.Equal(t, models.StateIdle, env.engine.status.State)
	assert.Equal(t, 0, env.gateway.nextID)
}

func TestIdleRespectsBalanceBuffer(t *testing.T) {
	env := newTestEnv(t)
	// 100 invested needs 105 free with the 5% buffer
	env.gateway.balances["USDT"] = models.Balance{Free: 104}

	env.tick()
	assert.Equal(t, models.StateIdle, env.engine.status.State)
	assert.Equal(t, 0, env.gateway.nextID)
}

func TestIdleRespectsDailyTradeLimit(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.DailyTradeLimit = 1
	env.engine.records = append(env.engine.records, &models.TradeRecord{
		ID:        "trade_done",
		Status:    models.TradeCompleted,
		StartTime: env.clock.UnixMilli(),
		EndTime:   env.clock.UnixMilli(),
	})

	env.tick()
	assert.Equal(t, models.StateIdle, env.engine.status.State)
	assert.Equal(t, 0, env.gateway.nextID)
}

func TestIdleRespectsTradeInterval(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.TradeIntervalMs = 60 * 60 * 1000
	env.engine.records = append(env.engine.records, &models.TradeRecord{
		ID:        "trade_done",
		Status:    models.TradeCompleted,
		StartTime: env.clock.Add(-40 * time.Minute).UnixMilli(),
		EndTime:   env.clock.Add(-30 * time.Minute).UnixMilli(),
	})

	env.tick()
	assert.Equal(t, models.StateIdle, env.engine.status.State)

	env.advance(31 * time.Minute)
	env.tick()
	assert.Equal(t, models.StateBuyOrderPlaced, env.engine.status.State)
}

func TestIdleBlackoutAfterProcessingTime(t *testing.T) {
	env := newTestEnv(t)
	*env.clock = time.Date(2025, 6, 15, 23, 45, 0, 0, time.UTC) // past 23:30

	env.tick()
	assert.Equal(t, models.StateIdle, env.engine.status.State)
	assert.Equal(t, 0, env.gateway.nextID)
}

func TestBuyOrderFillsIntoBought(t *testing.T) {
	env := newTestEnv(t)
	buy := env.enterBuyPlaced(t)

	env.gateway.fill(buy.OrderID, buy.Amount, 100.8)
	env.tick()

	st := env.engine.status
	assert.Equal(t, models.StateBought, st.State)
	assert.Equal(t, models.OrderClosed, st.BuyOrder.Status)
	assert.InDelta(t, 100.8, st.BuyOrder.Price, 1e-9) // actual average, not the limit price
	assert.InDelta(t, 100.8, env.engine.records[0].BuyPrice, 1e-9)
}

func TestBuyTimeoutUnfilledFailsTrade(t *testing.T) {
	env := newTestEnv(t)
	buy := env.enterBuyPlaced(t)

	env.advance(61 * time.Minute) // past the 60m buy timeout
	env.tick()

	assert.Equal(t, models.StateIdle, env.engine.status.State)
	assert.Contains(t, env.gateway.canceled, buy.OrderID)
	require.Len(t, env.engine.records, 1)
	assert.Equal(t, models.TradeFailed, env.engine.records[0].Status)
	assert.Equal(t, 1, env.engine.stats.FailedTrades)
}

func TestBuyTimeoutHalfFilledKeepsPosition(t *testing.T) {
	env := newTestEnv(t)
	buy := env.enterBuyPlaced(t)

	env.gateway.fill(buy.OrderID, buy.Amount*0.6, 101)
	env.advance(61 * time.Minute)
	env.tick()

	st := env.engine.status
	assert.Equal(t, models.StateBought, st.State)
	assert.InDelta(t, buy.Amount*0.6, st.BuyOrder.Amount, 1e-9)
	assert.Equal(t, 0, env.engine.stats.FailedTrades)
}

func TestUpperBreachAbandonsEntry(t *testing.T) {
	env := newTestEnv(t)
	buy := env.enterBuyPlaced(t)

	env.gateway.prices["ETH/USDT"] = 111 // above the 110 high
	env.tick()

	assert.Equal(t, models.StateIdle, env.engine.status.State)
	assert.Contains(t, env.gateway.canceled, buy.OrderID)
	// the attempt leaves no trace in history or stats
	assert.Empty(t, env.engine.records)
	assert.Equal(t, 0, env.engine.stats.TotalTrades)
	assert.Equal(t, 0, env.engine.stats.FailedTrades)
	assert.NotContains(t, env.engine.stats.TradedSymbols, "ETH/USDT")
}

func TestLowerBreachUnfilledFailsTrade(t *testing.T) {
	env := newTestEnv(t)
	env.enterBuyPlaced(t)

	env.gateway.prices["ETH/USDT"] = 99 // below the 100 low
	env.tick()

	assert.Equal(t, models.StateIdle, env.engine.status.State)
	require.Len(t, env.engine.records, 1)
	assert.Equal(t, models.TradeFailed, env.engine.records[0].Status)
	assert.Equal(t, 1, env.engine.stats.FailedTrades)
}

func TestLowerBreachPartiallyFilledKeepsPosition(t *testing.T) {
	env := newTestEnv(t)
	buy := env.enterBuyPlaced(t)

	env.gateway.fill(buy.OrderID, buy.Amount*0.3, 101)
	env.gateway.prices["ETH/USDT"] = 99
	env.tick()

	st := env.engine.status
	assert.Equal(t, models.StateBought, st.State)
	assert.InDelta(t, buy.Amount*0.3, st.BuyOrder.Amount, 1e-9)
}

func TestBoughtPlacesSellAtTarget(t *testing.T) {
	env := newTestEnv(t)
	env.enterBought(t)

	env.tick()

	st := env.engine.status
	require.Equal(t, models.StateSellOrderPlaced, st.State)
	require.NotNil(t, st.SellOrder)
	assert.InDelta(t, 109.0, st.SellOrder.Price, 1e-9)
	assert.Equal(t, st.SellOrder.OrderID, env.engine.records[0].SellOrderID)
}

func TestBoughtStopLossClosesPosition(t *testing.T) {
	env := newTestEnv(t)
	env.enterBought(t)

	// entry near 101, drop to 98 is roughly -3%, past the -2% threshold
	env.gateway.prices["ETH/USDT"] = 98
	env.tick()

	assert.Equal(t, models.StateDone, env.engine.status.State)
	require.Len(t, env.engine.records, 1)
	rec := env.engine.records[0]
	assert.Equal(t, models.TradeCompleted, rec.Status)
	assert.Less(t, rec.Profit, 0.0)
	// executed at the discounted stop price
	assert.InDelta(t, 98*0.998, rec.SellPrice, 1e-6)

	// the loss lands in the aggregate stats
	assert.Less(t, env.engine.stats.TotalProfit, 0.0)
	assert.Equal(t, 1, env.engine.stats.SuccessfulTrades)
}

func TestBoughtAdvisorVetoDelaysSell(t *testing.T) {
	env := newTestEnv(t)
	env.enterBought(t)
	env.advisor.allowSell = false

	env.tick()
	assert.Equal(t, models.StateBought, env.engine.status.State)
	assert.Nil(t, env.engine.status.SellOrder)
}

func TestBoughtRefreshesRangeBelowLow(t *testing.T) {
	env := newTestEnv(t)
	env.enterBought(t)

	// price dips below the old low but stays above the stop-loss line;
	// the fresh window sits lower
	env.gateway.prices["ETH/USDT"] = 99.5
	env.gateway.klines["ETH/USDT"] = []models.Kline{
		{Open: 99, High: 104, Low: 94, Close: 99},
		{Open: 99, High: 103, Low: 95, Close: 99.5},
	}
	env.tick()

	st := env.engine.status
	assert.InDelta(t, 94.0, st.Low, 1e-9)
	assert.InDelta(t, 104.0, st.High, 1e-9)
}

func TestSellFillCompletesTrade(t *testing.T) {
	env := newTestEnv(t)
	buy, sell := env.enterSellPlaced(t)

	env.gateway.fill(sell.OrderID, sell.Amount, 109)
	env.tick()

	assert.Equal(t, models.StateDone, env.engine.status.State)
	rec := env.engine.records[0]
	assert.Equal(t, models.TradeCompleted, rec.Status)
	expectedProfit := (109 - 101.0) * buy.Amount
	assert.InDelta(t, expectedProfit, rec.Profit, 1e-6)
	assert.InDelta(t, expectedProfit, env.engine.stats.TotalProfit, 1e-6)
	assert.Equal(t, 1, env.engine.stats.SuccessfulTrades)
	assert.Greater(t, env.engine.stats.TotalProfitRate, 0.0)

	// the following tick starts a fresh cycle
	env.tick()
	assert.Equal(t, models.StateIdle, env.engine.status.State)
	assert.Empty(t, env.engine.status.Symbol)
}

func TestSellTimeoutNearFullFillCompletes(t *testing.T) {
	env := newTestEnv(t)
	_, sell := env.enterSellPlaced(t)

	env.gateway.fill(sell.OrderID, sell.Amount*0.99, 109)
	env.gateway.orders[sell.OrderID].LastTradeAt = 0 // keep the timeout clock on creation time
	env.advance(121 * time.Minute)                   // past the 120m sell timeout
	env.tick()

	assert.Equal(t, models.StateDone, env.engine.status.State)
	assert.Equal(t, models.TradeCompleted, env.engine.records[0].Status)
}

func TestSellTimeoutPartialFillReturnsToBought(t *testing.T) {
	env := newTestEnv(t)
	_, sell := env.enterSellPlaced(t)

	env.gateway.fill(sell.OrderID, sell.Amount*0.4, 109)
	env.gateway.orders[sell.OrderID].LastTradeAt = 0
	env.advance(121 * time.Minute)
	env.tick()

	st := env.engine.status
	assert.Equal(t, models.StateBought, st.State)
	assert.Nil(t, st.SellOrder)
	// the sold part is deducted from the position
	assert.InDelta(t, sell.Amount*0.6, st.BuyOrder.Amount, 1e-9)
	assert.Equal(t, 0, env.engine.stats.FailedTrades)
}

func TestSellTimeoutUnfilledReturnsToBought(t *testing.T) {
	env := newTestEnv(t)
	_, sell := env.enterSellPlaced(t)

	env.advance(121 * time.Minute)
	env.tick()

	st := env.engine.status
	assert.Equal(t, models.StateBought, st.State)
	assert.InDelta(t, sell.Amount, st.BuyOrder.Amount, 1e-9)
	assert.Equal(t, 0, env.engine.stats.FailedTrades)
}

func TestSellPriceDeviationRepricesNextTick(t *testing.T) {
	env := newTestEnv(t)
	_, sell := env.enterSellPlaced(t)

	// price collapses far below the resting 109 ask
	env.gateway.prices["ETH/USDT"] = 100
	env.tick()

	assert.Equal(t, models.StateBought, env.engine.status.State)
	assert.Contains(t, env.gateway.canceled, sell.OrderID)
}

func TestSellOpenStopLossCancelsAndCloses(t *testing.T) {
	env := newTestEnv(t)
	// a wide deviation band must not leave the position unprotected
	env.cfg.Trading.PriceDeviationThreshold = 100
	_, sell := env.enterSellPlaced(t)

	// entry near 101, drop to 98 is past the -2% threshold
	env.gateway.prices["ETH/USDT"] = 98
	env.tick()

	assert.Contains(t, env.gateway.canceled, sell.OrderID)
	assert.Equal(t, models.StateDone, env.engine.status.State)
	require.Len(t, env.engine.records, 1)
	rec := env.engine.records[0]
	assert.Equal(t, models.TradeCompleted, rec.Status)
	assert.InDelta(t, 98*0.998, rec.SellPrice, 1e-6)
	assert.Less(t, rec.Profit, 0.0)
}

func TestSellOpenStopLossLiquidatesRemainder(t *testing.T) {
	env := newTestEnv(t)
	_, sell := env.enterSellPlaced(t)

	env.gateway.fill(sell.OrderID, sell.Amount*0.4, 109)
	env.gateway.prices["ETH/USDT"] = 98
	env.tick()

	assert.Equal(t, models.StateDone, env.engine.status.State)
	require.Len(t, env.engine.records, 1)
	rec := env.engine.records[0]
	assert.Equal(t, models.TradeCompleted, rec.Status)
	// only the unsold part goes through the stop sale
	assert.InDelta(t, sell.Amount*0.6, rec.Amount, 1e-9)
	assert.InDelta(t, 98*0.998, rec.SellPrice, 1e-6)
}

func TestSellCanceledExternallyReturnsToBought(t *testing.T) {
	env := newTestEnv(t)
	_, sell := env.enterSellPlaced(t)

	env.gateway.orders[sell.OrderID].State = models.ExecCanceled
	env.tick()

	assert.Equal(t, models.StateBought, env.engine.status.State)
	assert.Nil(t, env.engine.status.SellOrder)
}

func TestTransientErrorLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.enterBuyPlaced(t)
	before := *env.engine.status

	env.gateway.orderErr = errors.New("exchange 503")
	env.tick()

	assert.Equal(t, before.State, env.engine.status.State)
	assert.Equal(t, before.BuyOrder.OrderID, env.engine.status.BuyOrder.OrderID)
	assert.Equal(t, 0, env.engine.stats.FailedTrades)
}

func TestBreakerTripBlocksNewEntriesOnly(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.CircuitBreaker.ConsecutiveFailures = 1
	env.engine.breaker.UpdateConfig(env.cfg.CircuitBreaker)

	// a buy timeout produces one failure, tripping the breaker
	env.enterBuyPlaced(t)
	env.advance(61 * time.Minute)
	env.tick()
	require.Equal(t, 1, env.engine.stats.FailedTrades)

	// new entries are suppressed
	env.tick()
	assert.Equal(t, models.StateIdle, env.engine.status.State)
	assert.True(t, env.engine.CircuitBreakerState().IsTripped)

	// manual reset restores trading
	require.NoError(t, env.engine.ResetCircuitBreaker())
	env.tick()
	assert.Equal(t, models.StateBuyOrderPlaced, env.engine.status.State)
}
