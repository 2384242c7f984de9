package engine

import (
	"binance-range-bot-go/internal/breaker"
	"binance-range-bot-go/internal/config"
	"binance-range-bot-go/internal/exchange"
	"binance-range-bot-go/internal/logger"
	"binance-range-bot-go/internal/models"
	"binance-range-bot-go/internal/order"
	"binance-range-bot-go/internal/persistence"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jxskiss/base62"
)

// AdvisorGate 是引擎对AI顾问的依赖
type AdvisorGate interface {
	ShouldAllowBuy(ctx context.Context, symbol string, analysis *models.AmplitudeAnalysis, currentPrice float64) bool
	ShouldAllowSell(ctx context.Context, symbol string, analysis *models.AmplitudeAnalysis, currentPrice float64) bool
	UpdateConfig(cfg models.AIConfig)
}

// TradeJournal 是引擎对审计流水的依赖，可以为nil（不记流水）
type TradeJournal interface {
	RecordOrder(snap *models.OrderSnapshot, side models.OrderSide, tradeID string) error
	RecordTrade(record *models.TradeRecord) error
}

type commandKind int

const (
	cmdToggleAuto commandKind = iota
	cmdUpdateConfig
	cmdResetBreaker
	cmdManualBuy
	cmdManualSell
)

type command struct {
	kind   commandKind
	flag   bool
	symbol string
	patch  json.RawMessage
}

// Engine 是交易引擎，持有状态机的唯一运行实例。
// 所有状态只在tick内部被修改；外部控制通过命令队列进入，
// 在下一轮tick开始时统一执行，引擎状态不存在并发写。
type Engine struct {
	mu      sync.Mutex
	cfg     *models.Config
	status  *models.TradingStatus
	records []*models.TradeRecord
	stats   *models.SystemStats

	gateway exchange.Gateway
	orders  *order.Manager
	breaker *breaker.Breaker
	advisor AdvisorGate
	repo    persistence.StateRepository
	journal TradeJournal
	now     func() time.Time

	// 熔断器失败/成功计数的增量基线
	prevFailed     int
	prevSuccessful int

	// 各交易对上一轮tick的价格，用于波动检测
	lastPrices map[string]float64

	// 日切预警当天只发一次
	resetWarnDate string

	tickRunning bool
	tickMu      sync.Mutex

	commands    chan command
	stopChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New 创建交易引擎。now 为 nil 时使用系统时钟。
func New(cfg *models.Config, gateway exchange.Gateway, repo persistence.StateRepository,
	brk *breaker.Breaker, advisor AdvisorGate, journal TradeJournal, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:         cfg,
		gateway:     gateway,
		orders:      order.NewManager(gateway),
		breaker:     brk,
		advisor:     advisor,
		repo:        repo,
		journal:     journal,
		now:         now,
		lastPrices:  make(map[string]float64),
		commands:    make(chan command, 16),
		stopChannel: make(chan struct{}),
	}
}

// Restore 从快照恢复状态机、交易记录和统计。
// 没有快照时初始化全新状态。配置始终以当前配置文件为准。
func (e *Engine) Restore() error {
	snapshot, err := e.repo.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("加载快照失败: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if snapshot != nil && snapshot.Status != nil {
		e.status = snapshot.Status
		e.records = snapshot.TradeRecords
		e.stats = snapshot.Stats
		logger.S().Infof("已从快照恢复: 状态=%s 交易记录=%d条", e.status.State, len(e.records))
	}
	if e.status == nil {
		e.status = &models.TradingStatus{State: models.StateIdle, LastUpdateTime: e.now().UnixMilli()}
	}
	if e.stats == nil {
		e.stats = &models.SystemStats{CurrentDate: e.now().Format("2006-01-02")}
	}
	if e.stats.TradedSymbols == nil {
		e.stats.TradedSymbols = make(map[string]int)
	}
	e.prevFailed = e.stats.FailedTrades
	e.prevSuccessful = e.stats.SuccessfulTrades
	return nil
}

// Start 启动主循环
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
	logger.S().Infof("交易引擎已启动: 周期=%dms 交易对=%v", e.cfg.LoopIntervalMs, e.cfg.Symbols)
}

// Stop 停止主循环并落盘
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChannel) })
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.persist()
	logger.S().Info("交易引擎已停止")
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Duration(e.cfg.LoopIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChannel:
			return
		case <-ticker.C:
			e.Tick(context.Background())
		}
	}
}

// Tick 执行一轮交易循环。不可重入：上一轮尚未结束时直接跳过，
// 绝不并发执行两轮。
func (e *Engine) Tick(ctx context.Context) {
	e.tickMu.Lock()
	if e.tickRunning {
		e.tickMu.Unlock()
		logger.S().Warn("上一轮交易循环尚未结束，本轮跳过")
		return
	}
	e.tickRunning = true
	e.tickMu.Unlock()

	defer func() {
		e.tickMu.Lock()
		e.tickRunning = false
		e.tickMu.Unlock()
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainCommands(ctx)
	e.checkDailyReset(ctx)

	if !e.cfg.IsAutoTrading {
		return
	}

	tripped := e.breaker.ShouldTrip(e.stats, e.records)

	switch e.status.State {
	case models.StateIdle:
		if tripped {
			logger.S().Debug("熔断器处于触发状态，暂停新开仓")
		} else {
			e.handleIdle(ctx)
		}
	case models.StateBuyOrderPlaced:
		e.handleBuyOrderPlaced(ctx)
	case models.StateBought:
		e.handleBought(ctx)
	case models.StateSellOrderPlaced:
		e.handleSellOrderPlaced(ctx)
	case models.StateDone:
		// 一笔交易完结，下一轮从干净的空闲状态开始
		e.resetToIdle()
	default:
		logger.S().Errorf("未知状态 %q，重置为空闲", e.status.State)
		e.resetToIdle()
	}

	e.syncBreakerCounters()
	e.persist()
}

// syncBreakerCounters 把本轮产生的成败增量同步给熔断器
func (e *Engine) syncBreakerCounters() {
	for i := e.prevFailed; i < e.stats.FailedTrades; i++ {
		e.breaker.RecordFailure()
	}
	if e.stats.SuccessfulTrades > e.prevSuccessful {
		e.breaker.RecordSuccess()
	}
	e.prevFailed = e.stats.FailedTrades
	e.prevSuccessful = e.stats.SuccessfulTrades
}

// drainCommands 在tick开始时执行队列里积压的全部控制命令
func (e *Engine) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-e.commands:
			e.applyCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (e *Engine) applyCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdToggleAuto:
		e.cfg.IsAutoTrading = cmd.flag
		logger.S().Infof("自动交易开关: %v", cmd.flag)
	case cmdUpdateConfig:
		merged, err := config.Merge(e.cfg, cmd.patch)
		if err != nil {
			logger.S().Errorf("配置更新失败，保留原配置: %v", err)
			return
		}
		e.cfg = merged
		e.breaker.UpdateConfig(merged.CircuitBreaker)
		e.advisor.UpdateConfig(merged.AI)
		logger.S().Info("配置已热更新")
	case cmdResetBreaker:
		e.breaker.Reset()
	case cmdManualBuy:
		e.manualBuy(ctx, cmd.symbol)
	case cmdManualSell:
		e.manualSell(ctx)
	}
}

func (e *Engine) enqueue(cmd command) error {
	select {
	case e.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("命令队列已满")
	}
}

// ToggleAutoTrading 开关自动交易，下一轮tick生效
func (e *Engine) ToggleAutoTrading(on bool) error {
	return e.enqueue(command{kind: cmdToggleAuto, flag: on})
}

// UpdateConfig 提交一份JSON配置补丁，下一轮tick合并生效
func (e *Engine) UpdateConfig(patch json.RawMessage) error {
	return e.enqueue(command{kind: cmdUpdateConfig, patch: patch})
}

// ResetCircuitBreaker 人工复位熔断器，下一轮tick生效
func (e *Engine) ResetCircuitBreaker() error {
	return e.enqueue(command{kind: cmdResetBreaker})
}

// ManualBuy 人工指定交易对开仓，仅在空闲状态有效
func (e *Engine) ManualBuy(symbol string) error {
	return e.enqueue(command{kind: cmdManualBuy, symbol: symbol})
}

// ManualSell 人工触发卖出当前持仓，仅在持仓状态有效
func (e *Engine) ManualSell() error {
	return e.enqueue(command{kind: cmdManualSell})
}

// CircuitBreakerState 返回熔断器状态副本
func (e *Engine) CircuitBreakerState() models.CircuitBreakerState {
	return e.breaker.State()
}

// StatusSnapshot 返回状态机当前状态的深拷贝
func (e *Engine) StatusSnapshot() *models.TradingStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyStatus(e.status)
}

// StatsSnapshot 返回统计数据的深拷贝
func (e *Engine) StatsSnapshot() *models.SystemStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	clone := *e.stats
	clone.TradedSymbols = make(map[string]int, len(e.stats.TradedSymbols))
	for k, v := range e.stats.TradedSymbols {
		clone.TradedSymbols[k] = v
	}
	return &clone
}

// TradeRecords 返回交易记录的深拷贝
func (e *Engine) TradeRecords() []*models.TradeRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.TradeRecord, 0, len(e.records))
	for _, r := range e.records {
		clone := *r
		out = append(out, &clone)
	}
	return out
}

func copyStatus(s *models.TradingStatus) *models.TradingStatus {
	clone := *s
	if s.BuyOrder != nil {
		o := *s.BuyOrder
		clone.BuyOrder = &o
	}
	if s.SellOrder != nil {
		o := *s.SellOrder
		clone.SellOrder = &o
	}
	return &clone
}

// persist 落盘当前快照，失败只记日志（caller holds mu）
func (e *Engine) persist() {
	snapshot := &models.Snapshot{
		Config:       e.cfg,
		Status:       e.status,
		TradeRecords: e.records,
		Stats:        e.stats,
	}
	if err := e.repo.SaveSnapshot(snapshot); err != nil {
		logger.S().Errorf("保存快照失败: %v", err)
	}
}

// resetToIdle 回到全新的空闲状态
func (e *Engine) resetToIdle() {
	e.status = &models.TradingStatus{
		State:          models.StateIdle,
		LastUpdateTime: e.now().UnixMilli(),
	}
}

// newTradeID 生成形如 trade_<base62毫秒时间戳> 的交易ID
func (e *Engine) newTradeID() string {
	return "trade_" + string(base62.FormatInt(e.now().UnixMilli()))
}

// currentRecord 返回当前进行中的交易记录
func (e *Engine) currentRecord() *models.TradeRecord {
	for _, r := range e.records {
		if r.ID == e.status.CurrentTradeID {
			return r
		}
	}
	return nil
}

// journalOrder 记订单流水，失败只记日志
func (e *Engine) journalOrder(snap *models.OrderSnapshot, side models.OrderSide) {
	if e.journal == nil || snap == nil {
		return
	}
	if err := e.journal.RecordOrder(snap, side, e.status.CurrentTradeID); err != nil {
		logger.S().Warnf("订单流水记录失败: %v", err)
	}
}

// journalTrade 记交易流水，失败只记日志
func (e *Engine) journalTrade(record *models.TradeRecord) {
	if e.journal == nil || record == nil {
		return
	}
	if err := e.journal.RecordTrade(record); err != nil {
		logger.S().Warnf("交易流水记录失败: %v", err)
	}
}

// sleep 等待指定毫秒数，停止信号可打断
func (e *Engine) sleep(ms int64) {
	if ms <= 0 {
		return
	}
	select {
	case <-e.stopChannel:
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
}

// recomputeStats 重算累计收益率和年化收益率（caller holds mu）
func (e *Engine) recomputeStats() {
	completed := 0
	var firstStart int64
	for _, r := range e.records {
		if r.Status != models.TradeCompleted {
			continue
		}
		completed++
		if firstStart == 0 || r.StartTime < firstStart {
			firstStart = r.StartTime
		}
	}
	if completed == 0 || e.cfg.InvestmentAmount <= 0 {
		e.stats.TotalProfitRate = 0
		e.stats.AnnualizedReturn = 0
		return
	}

	e.stats.TotalProfitRate = e.stats.TotalProfit / (float64(completed) * e.cfg.InvestmentAmount) * 100

	elapsed := e.now().UnixMilli() - firstStart
	days := (elapsed + 86400000 - 1) / 86400000
	if days < 1 {
		days = 1
	}
	e.stats.AnnualizedReturn = e.stats.TotalProfitRate / float64(days) * 365
}
