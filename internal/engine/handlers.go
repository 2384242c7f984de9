package engine

import (
	"binance-range-bot-go/internal/exchange"
	"binance-range-bot-go/internal/logger"
	"binance-range-bot-go/internal/models"
	"binance-range-bot-go/internal/order"
	"binance-range-bot-go/internal/strategy"
	"context"
	"errors"
	"strings"
)

// 买单超时撤销后，成交比例达到该值时保留持仓而不是标记失败
const keepPositionFillRatio = 0.5

func baseAsset(symbol string) string {
	if i := strings.Index(symbol, "/"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

func quoteAsset(symbol string) string {
	if i := strings.Index(symbol, "/"); i >= 0 {
		return symbol[i+1:]
	}
	return "USDT"
}

// handleIdle 依次通过各道开仓闸门，全部通过后挂买单进场
func (e *Engine) handleIdle(ctx context.Context) {
	nowMs := e.now().UnixMilli()

	if e.inBlackout() {
		logger.S().Debug("已过日切处理时间，今日不再开新仓")
		return
	}

	if limit := e.cfg.DailyTradeLimit; limit > 0 && e.completedTradesToday() >= limit {
		logger.S().Debugf("今日完成交易已达上限 %d，暂停开仓", limit)
		return
	}

	if interval := e.cfg.TradeIntervalMs; interval > 0 {
		if last := e.lastCompletedEndTime(); last > 0 && nowMs-last < interval {
			logger.S().Debugf("距上次交易结束不足 %d 分钟，暂停开仓", interval/60000)
			return
		}
	}

	analysis := e.findCandidate(ctx)
	if analysis == nil {
		logger.S().Debug("本轮扫描没有合格的交易对")
		return
	}
	symbol := analysis.Symbol

	current, err := e.orders.GetCurrentPrice(ctx, symbol)
	if err != nil {
		logger.S().Errorf("获取 %s 价格失败: %v", symbol, err)
		return
	}
	prev := e.lastPrices[symbol]
	e.lastPrices[symbol] = current
	if prev > 0 && e.breaker.CheckPriceVolatility(prev, current) {
		logger.S().Warnf("%s 价格波动过大 (%.4f -> %.4f)，本轮不开仓", symbol, prev, current)
		return
	}

	if !e.advisor.ShouldAllowBuy(ctx, symbol, analysis, current) {
		return
	}

	balances, err := e.gateway.GetBalances(ctx)
	if err != nil {
		logger.S().Errorf("获取余额失败: %v", err)
		return
	}
	required := e.cfg.InvestmentAmount * (1 + e.cfg.Trading.BalanceSafetyBuffer)
	free := balances[quoteAsset(symbol)].Free
	if free < required {
		logger.S().Warnf("%s 余额不足: 可用 %.2f < 需要 %.2f", quoteAsset(symbol), free, required)
		return
	}

	amount := strategy.CalculateBuyAmount(e.cfg.InvestmentAmount, analysis.BuyPrice)
	snap, err := e.orders.CreateBuy(ctx, symbol, analysis.BuyPrice, amount)
	if err != nil {
		if errors.Is(err, order.ErrBelowMinNotional) || errors.Is(err, order.ErrAmountOutOfRange) {
			logger.S().Warnf("%s 不满足下单限制，跳过: %v", symbol, err)
		} else {
			logger.S().Errorf("%s 挂买单失败: %v", symbol, err)
		}
		return
	}

	e.openPosition(symbol, snap, analysis.High, analysis.Low)
}

// findCandidate 根据配置用单框架或多框架打分器选出候选交易对
func (e *Engine) findCandidate(ctx context.Context) *models.AmplitudeAnalysis {
	if e.cfg.MultiTimeframe.Enabled {
		mtf, err := strategy.FindBestSymbolMultiTimeframe(ctx, e.gateway, e.cfg)
		if err != nil || mtf == nil {
			return nil
		}
		logger.S().Infof("多框架选中 %s: 得分=%.0f 振幅=%.2f%%", mtf.Symbol, mtf.TotalScore, mtf.Amplitude)
		return &models.AmplitudeAnalysis{
			Symbol:    mtf.Symbol,
			High:      mtf.High,
			Low:       mtf.Low,
			Amplitude: mtf.Amplitude,
			BuyPrice:  mtf.BuyPrice,
			SellPrice: mtf.SellPrice,
		}
	}

	best, err := strategy.FindBestSymbol(ctx, e.gateway, e.cfg)
	if err != nil || best == nil {
		return nil
	}
	logger.S().Infof("选中 %s: 振幅=%.2f%% 趋势=%.2f%%", best.Symbol, best.Amplitude, best.Trend)
	return best
}

// openPosition 记录新交易并进入买单等待状态
func (e *Engine) openPosition(symbol string, snap *models.OrderSnapshot, high, low float64) {
	nowMs := e.now().UnixMilli()
	tradeID := e.newTradeID()

	record := &models.TradeRecord{
		ID:         tradeID,
		Symbol:     symbol,
		BuyOrderID: snap.OrderID,
		BuyPrice:   snap.Price,
		Amount:     snap.Amount,
		StartTime:  nowMs,
		Status:     models.TradeInProgress,
	}
	e.records = append(e.records, record)
	e.stats.TotalTrades++
	e.stats.TradedSymbols[symbol]++

	createdAt := snap.CreatedAt
	if createdAt == 0 {
		createdAt = nowMs
	}
	e.status = &models.TradingStatus{
		State:          models.StateBuyOrderPlaced,
		Symbol:         symbol,
		CurrentTradeID: tradeID,
		BuyOrder: &models.OrderInfo{
			OrderID:   snap.OrderID,
			Symbol:    symbol,
			Side:      models.SideBuy,
			Price:     snap.Price,
			Amount:    snap.Amount,
			Status:    models.OrderOpen,
			CreatedAt: createdAt,
		},
		High:           high,
		Low:            low,
		LastUpdateTime: nowMs,
	}

	e.journalOrder(snap, models.SideBuy)
	e.journalTrade(record)
	logger.S().Infof("开仓 %s: 买价=%.8f 数量=%.8f 区间=[%.8f, %.8f] 订单=%s",
		symbol, snap.Price, snap.Amount, low, high, snap.OrderID)
}

// cancelAndQuery 撤单后再查一次订单，拿到撤单前的最终成交情况。
// 撤单与成交竞争时撤单会报订单不存在，此时以查询结果为准。
func (e *Engine) cancelAndQuery(ctx context.Context, symbol, orderID string) (*models.OrderSnapshot, error) {
	if err := e.orders.Cancel(ctx, symbol, orderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		return nil, err
	}
	return e.orders.GetOrderStatus(ctx, symbol, orderID)
}

// handleBuyOrderPlaced 跟踪买单：成交则持仓，突破区间或超时则撤单
func (e *Engine) handleBuyOrderPlaced(ctx context.Context) {
	st := e.status
	snap, err := e.orders.GetOrderStatus(ctx, st.Symbol, st.BuyOrder.OrderID)
	if err != nil {
		logger.S().Errorf("查询买单失败: %v", err)
		return
	}

	switch snap.State {
	case models.ExecFilled:
		e.transitionToBought(snap)

	case models.ExecCanceled:
		e.journalOrder(snap, models.SideBuy)
		if snap.Filled > 0 {
			e.transitionToBought(snap)
		} else {
			e.failTrade("买单被外部撤销")
		}

	case models.ExecOpen, models.ExecPartiallyFilled:
		current, err := e.orders.GetCurrentPrice(ctx, st.Symbol)
		if err != nil {
			logger.S().Errorf("获取 %s 价格失败: %v", st.Symbol, err)
			return
		}
		e.lastPrices[st.Symbol] = current

		switch strategy.CheckProtection(current, st.High, st.Low) {
		case strategy.ProtectionUpper:
			// 价格向上突破，区间判断失效，放弃本次入场
			after, err := e.cancelAndQuery(ctx, st.Symbol, st.BuyOrder.OrderID)
			if err != nil {
				logger.S().Errorf("撤销买单失败: %v", err)
				return
			}
			e.journalOrder(after, models.SideBuy)
			if after.Filled > 0 {
				e.transitionToBought(after)
			} else {
				e.abandonEntry(current)
			}
			return

		case strategy.ProtectionLower:
			after, err := e.cancelAndQuery(ctx, st.Symbol, st.BuyOrder.OrderID)
			if err != nil {
				logger.S().Errorf("撤销买单失败: %v", err)
				return
			}
			e.journalOrder(after, models.SideBuy)
			if after.Filled > 0 {
				e.transitionToBought(after)
			} else {
				e.failTrade("价格跌破区间下界，撤销买单")
			}
			return
		}

		timeoutMs := e.cfg.OrderTimeout.ForSide(models.SideBuy, st.Symbol)
		if strategy.CheckOrderTimeout(snap, e.now().UnixMilli(), timeoutMs) {
			after, err := e.cancelAndQuery(ctx, st.Symbol, st.BuyOrder.OrderID)
			if err != nil {
				logger.S().Errorf("撤销超时买单失败: %v", err)
				return
			}
			e.journalOrder(after, models.SideBuy)
			if after.FillRatio() >= keepPositionFillRatio {
				logger.S().Infof("买单超时但已成交 %.1f%%，保留持仓", after.FillRatio()*100)
				e.transitionToBought(after)
			} else {
				e.failTrade("买单超时撤销")
			}
		}
	}
}

// transitionToBought 买单成交（或部分成交后撤销）转入持仓状态
func (e *Engine) transitionToBought(snap *models.OrderSnapshot) {
	nowMs := e.now().UnixMilli()
	bo := e.status.BuyOrder

	actual := order.ActualPrice(snap, bo.Price)
	bo.Status = models.OrderClosed
	bo.Price = actual
	if snap.Filled > 0 {
		bo.Amount = snap.Filled
	}
	bo.FilledAt = nowMs

	if rec := e.currentRecord(); rec != nil {
		rec.BuyPrice = actual
		rec.Amount = bo.Amount
		e.journalTrade(rec)
	}
	e.journalOrder(snap, models.SideBuy)

	e.status.State = models.StateBought
	e.status.LastUpdateTime = nowMs
	logger.S().Infof("买入成交 %s: 均价=%.8f 数量=%.8f", e.status.Symbol, actual, bo.Amount)
}

// failTrade 把当前交易标记为失败并回到空闲状态
func (e *Engine) failTrade(reason string) {
	nowMs := e.now().UnixMilli()
	if rec := e.currentRecord(); rec != nil {
		rec.Status = models.TradeFailed
		rec.FailureReason = reason
		rec.EndTime = nowMs
		e.journalTrade(rec)
	}
	e.stats.FailedTrades++
	logger.S().Warnf("交易失败 %s: %s", e.status.Symbol, reason)
	e.resetToIdle()
}

// abandonEntry 价格突破上界时放弃入场：撤掉交易记录，不计入统计
func (e *Engine) abandonEntry(current float64) {
	symbol := e.status.Symbol
	tradeID := e.status.CurrentTradeID

	for i, r := range e.records {
		if r.ID == tradeID {
			e.records = append(e.records[:i], e.records[i+1:]...)
			break
		}
	}
	if e.stats.TotalTrades > 0 {
		e.stats.TotalTrades--
	}
	if n := e.stats.TradedSymbols[symbol]; n > 1 {
		e.stats.TradedSymbols[symbol] = n - 1
	} else {
		delete(e.stats.TradedSymbols, symbol)
	}

	logger.S().Infof("价格 %.8f 突破区间上界，放弃入场 %s", current, symbol)
	e.resetToIdle()
}

// handleBought 持仓管理：止损优先，然后刷新区间并挂卖单
func (e *Engine) handleBought(ctx context.Context) {
	st := e.status
	symbol := st.Symbol
	bo := st.BuyOrder

	current, err := e.orders.GetCurrentPrice(ctx, symbol)
	if err != nil {
		logger.S().Errorf("获取 %s 价格失败: %v", symbol, err)
		return
	}
	prev := e.lastPrices[symbol]
	e.lastPrices[symbol] = current

	if e.cfg.StopLoss.Enabled && bo.Price > 0 {
		lossRate := (current - bo.Price) / bo.Price * 100
		if lossRate <= e.cfg.StopLoss.Threshold {
			e.executeStopLoss(ctx, current, lossRate)
			return
		}
	}

	if prev > 0 && e.breaker.CheckPriceVolatility(prev, current) {
		logger.S().Warnf("%s 价格波动过大 (%.4f -> %.4f)，本轮暂不挂卖单", symbol, prev, current)
		return
	}

	analysis, err := strategy.AnalyzeSymbol(ctx, e.gateway, symbol, e.cfg)
	if err != nil {
		logger.S().Warnf("刷新 %s 振幅分析失败: %v", symbol, err)
		return
	}

	if current < st.Low {
		// 跌破入场区间，用最新数据刷新保护区间
		logger.S().Infof("%s 跌破入场区间，刷新区间: [%.8f, %.8f] -> [%.8f, %.8f]",
			symbol, st.Low, st.High, analysis.Low, analysis.High)
		st.High = analysis.High
		st.Low = analysis.Low
	}

	if !e.advisor.ShouldAllowSell(ctx, symbol, analysis, current) {
		return
	}

	e.placeSell(ctx, analysis.SellPrice)
}

// placeSell 挂限价卖单并转入卖单等待状态
func (e *Engine) placeSell(ctx context.Context, sellPrice float64) {
	st := e.status
	nowMs := e.now().UnixMilli()

	snap, err := e.orders.CreateSell(ctx, st.Symbol, sellPrice, st.BuyOrder.Amount)
	if err != nil {
		if errors.Is(err, order.ErrBelowMinNotional) || errors.Is(err, order.ErrAmountOutOfRange) {
			e.failTrade("持仓不满足交易所下单限制: " + err.Error())
		} else {
			logger.S().Errorf("%s 挂卖单失败: %v", st.Symbol, err)
		}
		return
	}

	createdAt := snap.CreatedAt
	if createdAt == 0 {
		createdAt = nowMs
	}
	st.SellOrder = &models.OrderInfo{
		OrderID:   snap.OrderID,
		Symbol:    st.Symbol,
		Side:      models.SideSell,
		Price:     snap.Price,
		Amount:    snap.Amount,
		Status:    models.OrderOpen,
		CreatedAt: createdAt,
	}
	st.State = models.StateSellOrderPlaced
	st.LastUpdateTime = nowMs

	if rec := e.currentRecord(); rec != nil {
		rec.SellOrderID = snap.OrderID
	}
	e.journalOrder(snap, models.SideSell)
	logger.S().Infof("挂卖单 %s: 价格=%.8f 数量=%.8f 订单=%s", st.Symbol, snap.Price, snap.Amount, snap.OrderID)
}

// executeStopLoss 硬止损：以折扣价激进卖出并立即结算
func (e *Engine) executeStopLoss(ctx context.Context, current, lossRate float64) {
	st := e.status
	sellPrice := current * e.cfg.StopLoss.ExecutionDiscount

	logger.S().Warnf("触发止损 %s: 亏损 %.2f%% <= 阈值 %.2f%%，以 %.8f 卖出",
		st.Symbol, lossRate, e.cfg.StopLoss.Threshold, sellPrice)

	snap, err := e.orders.CreateSell(ctx, st.Symbol, sellPrice, st.BuyOrder.Amount)
	if err != nil {
		logger.S().Errorf("止损卖单失败: %v", err)
		return
	}
	e.journalOrder(snap, models.SideSell)

	e.sleep(e.cfg.StopLoss.WaitMs)

	exec := sellPrice
	if after, err := e.orders.GetOrderStatus(ctx, st.Symbol, snap.OrderID); err == nil {
		exec = order.ActualPrice(after, sellPrice)
		e.journalOrder(after, models.SideSell)
	}
	e.completeTrade(snap.OrderID, exec, st.BuyOrder.Amount)
}

// completeTrade 结算当前交易并转入完结状态
func (e *Engine) completeTrade(sellOrderID string, sellPrice, amount float64) {
	nowMs := e.now().UnixMilli()
	buyPrice := e.status.BuyOrder.Price

	profit, profitRate := strategy.CalculateProfit(buyPrice, sellPrice, amount)

	if rec := e.currentRecord(); rec != nil {
		rec.SellOrderID = sellOrderID
		rec.SellPrice = sellPrice
		rec.Profit = profit
		rec.ProfitRate = profitRate
		rec.EndTime = nowMs
		rec.Status = models.TradeCompleted
		e.journalTrade(rec)
	}

	e.stats.SuccessfulTrades++
	e.stats.TotalProfit += profit
	e.recomputeStats()

	e.status.State = models.StateDone
	e.status.LastUpdateTime = nowMs
	logger.S().Infof("交易完成 %s: 买=%.8f 卖=%.8f 利润=%.4f (%.2f%%)",
		e.status.Symbol, buyPrice, sellPrice, profit, profitRate)
}

// handleSellOrderPlaced 跟踪卖单：成交即结算，超时或价格异常则撤单回到持仓
func (e *Engine) handleSellOrderPlaced(ctx context.Context) {
	st := e.status
	so := st.SellOrder

	snap, err := e.orders.GetOrderStatus(ctx, st.Symbol, so.OrderID)
	if err != nil {
		logger.S().Errorf("查询卖单失败: %v", err)
		return
	}

	threshold := e.cfg.Trading.PartialFillThreshold

	switch snap.State {
	case models.ExecFilled:
		e.journalOrder(snap, models.SideSell)
		e.completeTrade(snap.OrderID, order.ActualPrice(snap, so.Price), snap.Filled)

	case models.ExecCanceled:
		e.journalOrder(snap, models.SideSell)
		if snap.Filled > 0 && snap.FillRatio() >= threshold {
			e.completeTrade(snap.OrderID, order.ActualPrice(snap, so.Price), snap.Filled)
		} else {
			e.returnToBought(snap.Filled, "卖单被外部撤销")
		}

	case models.ExecOpen, models.ExecPartiallyFilled:
		current, err := e.orders.GetCurrentPrice(ctx, st.Symbol)
		if err != nil {
			logger.S().Errorf("获取 %s 价格失败: %v", st.Symbol, err)
			return
		}
		e.lastPrices[st.Symbol] = current

		// 挂着卖单也要盯着硬止损，跌破阈值时撤单立即止损
		if e.cfg.StopLoss.Enabled && st.BuyOrder.Price > 0 {
			lossRate := (current - st.BuyOrder.Price) / st.BuyOrder.Price * 100
			if lossRate <= e.cfg.StopLoss.Threshold {
				after, err := e.cancelAndQuery(ctx, st.Symbol, so.OrderID)
				if err != nil {
					logger.S().Errorf("止损撤销卖单失败: %v", err)
					return
				}
				e.journalOrder(after, models.SideSell)
				if after.Filled > 0 && after.FillRatio() >= threshold {
					e.completeTrade(after.OrderID, order.ActualPrice(after, so.Price), after.Filled)
					return
				}
				e.returnToBought(after.Filled, "触发止损，撤销卖单")
				e.executeStopLoss(ctx, current, lossRate)
				return
			}
		}

		timeoutMs := e.cfg.OrderTimeout.ForSide(models.SideSell, st.Symbol)
		if strategy.CheckOrderTimeout(snap, e.now().UnixMilli(), timeoutMs) {
			e.cancelSellAndSettle(ctx, so, threshold, "卖单超时撤销")
			return
		}

		if strategy.CheckPriceDeviation(so.Price, current, e.cfg.Trading.PriceDeviationThreshold) {
			e.cancelSellAndSettle(ctx, so, threshold, "卖单价格偏离现价过大，撤销重定价")
			return
		}

		if current < st.Low {
			e.cancelSellAndSettle(ctx, so, threshold, "价格跌破区间下界，撤销卖单")
		}
	}
}

// cancelSellAndSettle 撤销卖单后按最终成交比例结算或回到持仓
func (e *Engine) cancelSellAndSettle(ctx context.Context, so *models.OrderInfo, threshold float64, reason string) {
	after, err := e.cancelAndQuery(ctx, e.status.Symbol, so.OrderID)
	if err != nil {
		logger.S().Errorf("撤销卖单失败: %v", err)
		return
	}
	e.journalOrder(after, models.SideSell)

	if after.Filled > 0 && after.FillRatio() >= threshold {
		// 成交比例足够高，按完成处理
		e.completeTrade(after.OrderID, order.ActualPrice(after, so.Price), after.Filled)
		return
	}
	e.returnToBought(after.Filled, reason)
}

// returnToBought 撤销卖单后回到持仓状态，已卖出的部分从持仓中扣除
func (e *Engine) returnToBought(filled float64, reason string) {
	st := e.status
	if filled > 0 {
		st.BuyOrder.Amount -= filled
		if st.BuyOrder.Amount < 0 {
			st.BuyOrder.Amount = 0
		}
		if rec := e.currentRecord(); rec != nil {
			rec.Amount = st.BuyOrder.Amount
		}
	}
	st.SellOrder = nil
	st.State = models.StateBought
	st.LastUpdateTime = e.now().UnixMilli()
	logger.S().Infof("回到持仓状态 %s: %s (剩余数量=%.8f)", st.Symbol, reason, st.BuyOrder.Amount)
}

// manualBuy 人工指定交易对开仓，跳过打分和AI闸门
func (e *Engine) manualBuy(ctx context.Context, symbol string) {
	if e.status.State != models.StateIdle {
		logger.S().Warnf("当前状态 %s 不允许人工开仓", e.status.State)
		return
	}

	analysis, err := strategy.AnalyzeSymbol(ctx, e.gateway, symbol, e.cfg)
	if err != nil {
		logger.S().Errorf("人工开仓分析 %s 失败: %v", symbol, err)
		return
	}

	amount := strategy.CalculateBuyAmount(e.cfg.InvestmentAmount, analysis.BuyPrice)
	snap, err := e.orders.CreateBuy(ctx, symbol, analysis.BuyPrice, amount)
	if err != nil {
		logger.S().Errorf("人工开仓 %s 挂单失败: %v", symbol, err)
		return
	}

	logger.S().Infof("人工开仓 %s", symbol)
	e.openPosition(symbol, snap, analysis.High, analysis.Low)
}

// manualSell 人工触发卖出，以现价折扣激进挂单
func (e *Engine) manualSell(ctx context.Context) {
	if e.status.State != models.StateBought {
		logger.S().Warnf("当前状态 %s 不允许人工卖出", e.status.State)
		return
	}

	current, err := e.orders.GetCurrentPrice(ctx, e.status.Symbol)
	if err != nil {
		logger.S().Errorf("获取 %s 价格失败: %v", e.status.Symbol, err)
		return
	}

	logger.S().Infof("人工卖出 %s", e.status.Symbol)
	e.placeSell(ctx, current*e.cfg.Trading.MarketOrderDiscount)
}
