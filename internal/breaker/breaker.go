package breaker

import (
	"binance-range-bot-go/internal/logger"
	"binance-range-bot-go/internal/models"
	"fmt"
	"sync"
	"time"
)

// Breaker 是交易熔断器。触发后挂起新开仓，冷却期结束自动恢复。
// 熔断只拦截新开仓，已有持仓的保护逻辑继续运行。
type Breaker struct {
	mu    sync.Mutex
	cfg   models.CircuitBreakerConfig
	state models.CircuitBreakerState
	now   func() time.Time
}

// New 创建熔断器。now 为 nil 时使用系统时钟。
func New(cfg models.CircuitBreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now}
}

// UpdateConfig 应用新的熔断配置（热更新）
func (b *Breaker) UpdateConfig(cfg models.CircuitBreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

func (b *Breaker) trip(reason string) {
	b.state.IsTripped = true
	b.state.TrippedAt = b.now().UnixMilli()
	b.state.Reason = reason
	logger.S().Errorf("熔断器触发: %s", reason)
}

// ShouldTrip 评估全部熔断条件并返回熔断器当前是否处于触发状态。
// 已触发且冷却期结束时自动复位。每轮交易循环开始时调用一次。
func (b *Breaker) ShouldTrip(stats *models.SystemStats, records []*models.TradeRecord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled {
		return false
	}

	if b.state.IsTripped {
		elapsed := b.now().UnixMilli() - b.state.TrippedAt
		if b.cfg.CooldownMs > 0 && elapsed >= b.cfg.CooldownMs {
			logger.S().Infof("熔断冷却期结束，自动恢复交易 (冷却 %d 分钟)", elapsed/60000)
			b.state = models.CircuitBreakerState{}
		} else {
			return true
		}
	}

	if b.cfg.ConsecutiveFailures > 0 && b.state.ConsecutiveFailures >= b.cfg.ConsecutiveFailures {
		b.trip(fmt.Sprintf("连续失败 %d 次，达到上限 %d", b.state.ConsecutiveFailures, b.cfg.ConsecutiveFailures))
		return true
	}

	dailyLoss := b.todayProfit(records)
	b.state.DailyLoss = dailyLoss
	if b.cfg.DailyLossLimit > 0 && dailyLoss < -b.cfg.DailyLossLimit {
		b.trip(fmt.Sprintf("单日亏损 %.2f USDT，超过限额 %.2f", -dailyLoss, b.cfg.DailyLossLimit))
		return true
	}

	if stats != nil && b.cfg.TotalLossLimit > 0 && stats.TotalProfit < -b.cfg.TotalLossLimit {
		b.trip(fmt.Sprintf("总亏损 %.2f USDT，超过限额 %.2f", -stats.TotalProfit, b.cfg.TotalLossLimit))
		return true
	}

	return false
}

// todayProfit 汇总今日完成交易的净利润（caller holds lock）
func (b *Breaker) todayProfit(records []*models.TradeRecord) float64 {
	today := b.now().Format("2006-01-02")
	var sum float64
	for _, r := range records {
		if r.Status != models.TradeCompleted || r.EndTime == 0 {
			continue
		}
		if time.UnixMilli(r.EndTime).Format("2006-01-02") == today {
			sum += r.Profit
		}
	}
	return sum
}

// RecordFailure 记录一次失败交易
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveFailures++
	logger.S().Warnf("交易失败计数: %d", b.state.ConsecutiveFailures)
}

// RecordSuccess 记录一次成功交易，连续失败计数清零
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveFailures = 0
}

// CheckPriceVolatility 判断两次价格之间的波动是否超过阈值
func (b *Breaker) CheckPriceVolatility(prevPrice, currentPrice float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled || prevPrice <= 0 || b.cfg.PriceVolatilityThreshold <= 0 {
		return false
	}
	change := (currentPrice - prevPrice) / prevPrice * 100
	if change < 0 {
		change = -change
	}
	return change > b.cfg.PriceVolatilityThreshold
}

// Reset 人工复位熔断器
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = models.CircuitBreakerState{}
	logger.S().Info("熔断器已人工复位")
}

// ResetDaily 日切时清零单日亏损
func (b *Breaker) ResetDaily() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.DailyLoss = 0
}

// State 返回熔断器状态的副本
func (b *Breaker) State() models.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
