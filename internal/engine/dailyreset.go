package engine

import (
	"binance-range-bot-go/internal/exchange"
	"binance-range-bot-go/internal/logger"
	"binance-range-bot-go/internal/models"
	"binance-range-bot-go/internal/order"
	"context"
	"errors"
	"time"
)

// 余额推断的容差：持有量达到期望值的该比例即认为买单已成交
const balanceInferenceTolerance = 0.999

// timeOfDayReached 判断now是否已过当天的 "HH:MM" 时刻
func timeOfDayReached(now time.Time, hhmm string) bool {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return false
	}
	return now.Hour()*60+now.Minute() >= parsed.Hour()*60+parsed.Minute()
}

// inBlackout 判断当前是否处于日切禁开仓时段（处理时间到午夜）
func (e *Engine) inBlackout() bool {
	if e.cfg.DailyReset.ProcessingTime == "" {
		return false
	}
	return timeOfDayReached(e.now(), e.cfg.DailyReset.ProcessingTime)
}

// maybeWarnReset 临近日切且仍有在途交易时，每天提醒一次
func (e *Engine) maybeWarnReset() {
	wt := e.cfg.DailyReset.WarningTime
	if wt == "" {
		return
	}
	if e.status.State == models.StateIdle || e.status.State == models.StateDone {
		return
	}
	now := e.now()
	if !timeOfDayReached(now, wt) {
		return
	}
	today := now.Format("2006-01-02")
	if e.resetWarnDate == today {
		return
	}
	e.resetWarnDate = today
	logger.S().Warnf("临近日切处理时间 %s，仍有在途交易 (状态=%s %s)",
		e.cfg.DailyReset.ProcessingTime, e.status.State, e.status.Symbol)
}

// checkDailyReset 在每轮tick开始时检查日期是否翻转。
// 翻转时先清算所有在途订单和持仓，再重置当日统计。
func (e *Engine) checkDailyReset(ctx context.Context) {
	today := e.now().Format("2006-01-02")
	if e.stats.CurrentDate == "" {
		e.stats.CurrentDate = today
		return
	}
	if e.stats.CurrentDate == today {
		e.maybeWarnReset()
		return
	}

	logger.S().Infof("日切开始: %s -> %s (状态=%s)", e.stats.CurrentDate, today, e.status.State)
	e.resolveInFlight(ctx)
	e.resetToIdle()
	e.stats.CurrentDate = today
	e.stats.TradedSymbols = make(map[string]int)
	e.breaker.ResetDaily()
	e.persist()
	logger.S().Info("日切完成")
}

// resolveInFlight 日切前清算在途状态：隔夜不留持仓也不留挂单
func (e *Engine) resolveInFlight(ctx context.Context) {
	switch e.status.State {
	case models.StateBuyOrderPlaced:
		e.resolveBuyOrder(ctx)
	case models.StateSellOrderPlaced:
		e.resolveSellOrder(ctx)
	case models.StateBought:
		e.forceLiquidate(ctx)
	}
}

// resolveBuyOrder 日切时处理未决买单
func (e *Engine) resolveBuyOrder(ctx context.Context) {
	st := e.status
	snap, err := e.orders.GetOrderStatus(ctx, st.Symbol, st.BuyOrder.OrderID)

	if errors.Is(err, exchange.ErrOrderNotFound) {
		// 订单在交易所查不到了，用余额推断是否已经成交
		if e.inferFillFromBalance(ctx, st.Symbol, st.BuyOrder.Amount) {
			logger.S().Warnf("日切: 买单 %s 丢失但余额显示已成交，强制平仓", st.BuyOrder.OrderID)
			st.BuyOrder.Status = models.OrderClosed
			st.State = models.StateBought
			e.forceLiquidate(ctx)
		} else {
			e.failTrade("日切时买单丢失且未检测到持仓")
		}
		return
	}
	if err != nil {
		e.failTrade("日切时查询买单失败: " + err.Error())
		return
	}

	switch snap.State {
	case models.ExecFilled:
		e.transitionToBought(snap)
		e.forceLiquidate(ctx)
	case models.ExecCanceled:
		if snap.Filled > 0 {
			e.transitionToBought(snap)
			e.forceLiquidate(ctx)
		} else {
			e.failTrade("买单在日切前已被撤销")
		}
	default:
		after, err := e.cancelAndQuery(ctx, st.Symbol, st.BuyOrder.OrderID)
		if err != nil {
			e.failTrade("日切撤销买单失败: " + err.Error())
			return
		}
		e.journalOrder(after, models.SideBuy)
		if after.Filled > 0 {
			e.transitionToBought(after)
			e.forceLiquidate(ctx)
		} else {
			e.failTrade("日切撤销未成交买单")
		}
	}
}

// resolveSellOrder 日切时处理未决卖单：撤单后把剩余持仓强制平掉
func (e *Engine) resolveSellOrder(ctx context.Context) {
	st := e.status
	so := st.SellOrder

	after, err := e.cancelAndQuery(ctx, st.Symbol, so.OrderID)
	if err != nil {
		e.failTrade("日切处理卖单失败: " + err.Error())
		return
	}
	e.journalOrder(after, models.SideSell)

	remainder := st.BuyOrder.Amount - after.Filled
	if after.State == models.ExecFilled || remainder <= 0 {
		e.completeTrade(after.OrderID, order.ActualPrice(after, so.Price), st.BuyOrder.Amount)
		return
	}

	e.returnToBought(after.Filled, "日切撤销卖单")
	e.forceLiquidate(ctx)
}

// inferFillFromBalance 买单在交易所消失时的兜底：
// 持有的基础资产接近委托数量则认为订单实际已成交。
func (e *Engine) inferFillFromBalance(ctx context.Context, symbol string, expected float64) bool {
	balances, err := e.gateway.GetBalances(ctx)
	if err != nil {
		logger.S().Warnf("余额推断失败: %v", err)
		return false
	}
	held := balances[baseAsset(symbol)].Free
	return held >= expected*balanceInferenceTolerance
}

// forceLiquidate 以现价折扣激进卖出当前持仓并结算
func (e *Engine) forceLiquidate(ctx context.Context) {
	st := e.status
	amount := st.BuyOrder.Amount
	if amount <= 0 {
		e.failTrade("日切强平: 持仓数量为零")
		return
	}

	current, err := e.orders.GetCurrentPrice(ctx, st.Symbol)
	if err != nil {
		e.failTrade("日切强平获取价格失败: " + err.Error())
		return
	}

	sellPrice := current * e.cfg.DailyReset.ForceLiquidationDiscount
	logger.S().Warnf("日切强制平仓 %s: 数量=%.8f 价格=%.8f", st.Symbol, amount, sellPrice)

	snap, err := e.orders.CreateSell(ctx, st.Symbol, sellPrice, amount)
	if err != nil {
		e.failTrade("日切强制平仓失败: " + err.Error())
		return
	}
	e.journalOrder(snap, models.SideSell)

	e.sleep(e.cfg.DailyReset.LiquidationWaitMs)

	exec := sellPrice
	if after, err := e.orders.GetOrderStatus(ctx, st.Symbol, snap.OrderID); err == nil {
		exec = order.ActualPrice(after, sellPrice)
		e.journalOrder(after, models.SideSell)
	}
	e.completeTrade(snap.OrderID, exec, amount)
}

// completedTradesToday 统计今日开始且已完成的交易笔数
func (e *Engine) completedTradesToday() int {
	today := e.now().Format("2006-01-02")
	count := 0
	for _, r := range e.records {
		if r.Status != models.TradeCompleted {
			continue
		}
		if time.UnixMilli(r.StartTime).Format("2006-01-02") == today {
			count++
		}
	}
	return count
}

// lastCompletedEndTime 返回最近一笔完成交易的结束时间（毫秒），没有则为0
func (e *Engine) lastCompletedEndTime() int64 {
	var last int64
	for _, r := range e.records {
		if r.Status == models.TradeCompleted && r.EndTime > last {
			last = r.EndTime
		}
	}
	return last
}
