package models

// Config 定义了机器人的所有配置参数，支持热更新（合并式，不整体替换）
type Config struct {
	IsTestnet     bool     `json:"is_testnet"`      // 是否使用币安测试网
	IsAutoTrading bool     `json:"is_auto_trading"` // 自动交易主开关
	DBPath        string   `json:"db_path"`         // BadgerDB 快照路径
	JournalPath   string   `json:"journal_path"`    // SQLite 审计流水路径
	Symbols       []string `json:"symbols"`         // 监控的交易对，如 "ETH/USDT"

	InvestmentAmount   float64 `json:"investment_amount"`   // 单次投入金额 (USDT)
	AmplitudeThreshold float64 `json:"amplitude_threshold"` // 振幅阈值 (%)
	TrendThreshold     float64 `json:"trend_threshold"`     // 趋势过滤阈值 (%)

	LoopIntervalMs  int64 `json:"loop_interval_ms"`  // 主循环周期
	DailyTradeLimit int   `json:"daily_trade_limit"` // 每日完成交易次数上限，0为不限
	TradeIntervalMs int64 `json:"trade_interval_ms"` // 两次交易之间的最小间隔，0为不限

	OrderTimeout   OrderTimeoutConfig   `json:"order_timeout"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	DailyReset     DailyResetConfig     `json:"daily_reset"`
	StopLoss       StopLossConfig       `json:"stop_loss"`
	Trading        TradingParamsConfig  `json:"trading"`
	MultiTimeframe MultiTimeframeConfig `json:"multi_timeframe"`
	AI             AIConfig             `json:"ai"`
	Log            LogConfig            `json:"log"`
}

// OrderTimeoutConfig 定义了订单超时（毫秒）。查找顺序：
// 交易对专属 > 买/卖单专属 > 默认。
type OrderTimeoutConfig struct {
	DefaultMs  int64            `json:"default_ms"`
	BuyMs      int64            `json:"buy_ms,omitempty"`
	SellMs     int64            `json:"sell_ms,omitempty"`
	BySymbolMs map[string]int64 `json:"by_symbol_ms,omitempty"`
}

// ForSide 返回给定方向和交易对生效的超时时间（毫秒）
func (c *OrderTimeoutConfig) ForSide(side OrderSide, symbol string) int64 {
	if symbol != "" && c.BySymbolMs != nil {
		if ms, ok := c.BySymbolMs[symbol]; ok && ms > 0 {
			return ms
		}
	}
	if side == SideBuy && c.BuyMs > 0 {
		return c.BuyMs
	}
	if side == SideSell && c.SellMs > 0 {
		return c.SellMs
	}
	return c.DefaultMs
}

// CircuitBreakerConfig 定义了熔断机制参数
type CircuitBreakerConfig struct {
	Enabled                  bool    `json:"enabled"`
	ConsecutiveFailures      int     `json:"consecutive_failures"`       // 连续失败次数阈值
	DailyLossLimit           float64 `json:"daily_loss_limit"`           // 单日亏损限额 (USDT)
	TotalLossLimit           float64 `json:"total_loss_limit"`           // 总亏损限额 (USDT)
	CooldownMs               int64   `json:"cooldown_ms"`                // 熔断后冷却时间
	PriceVolatilityThreshold float64 `json:"price_volatility_threshold"` // 价格波动阈值 (%)
}

// DailyResetConfig 定义了日切处理参数
type DailyResetConfig struct {
	ProcessingTime           string  `json:"processing_time"` // 日切处理时间 "HH:mm"，该时刻起不再开新仓
	WarningTime              string  `json:"warning_time"`    // 日切预警时间 "HH:mm"
	ForceLiquidationDiscount float64 `json:"force_liquidation_discount"`
	LiquidationWaitMs        int64   `json:"liquidation_wait_ms"` // 强平单提交后的等待时间
}

// StopLossConfig 定义了硬止损参数
type StopLossConfig struct {
	Enabled           bool    `json:"enabled"`
	Threshold         float64 `json:"threshold"`          // 止损阈值 (%, 负数)
	ExecutionDiscount float64 `json:"execution_discount"` // 执行价格折扣
	WaitMs            int64   `json:"wait_ms"`            // 止损单提交后的等待时间
}

// TradingParamsConfig 定义了交易过程中的可调参数
type TradingParamsConfig struct {
	PriceDeviationThreshold float64 `json:"price_deviation_threshold"` // 卖单价格偏离阈值 (%)
	PartialFillThreshold    float64 `json:"partial_fill_threshold"`    // 卖单部分成交视为完成的比例 (0-1)
	BalanceSafetyBuffer     float64 `json:"balance_safety_buffer"`     // 余额安全缓冲 (0-1)
	MarketOrderDiscount     float64 `json:"market_order_discount"`     // 市价单价格折扣
	PriceRangeRatio         float64 `json:"price_range_ratio"`         // 买卖价距离区间边界的比例 (0-0.5)
}

// MultiTimeframeConfig 定义了多时间框架分析参数。
// Weights 的各项之和应为1.0；LookbackPeriods 给出每个框架的K线数量。
type MultiTimeframeConfig struct {
	Enabled         bool               `json:"enabled"`
	StrictMode      bool               `json:"strict_mode"` // true: 全部框架通过才有效
	Weights         map[string]float64 `json:"weights"`
	ScoreThreshold  float64            `json:"score_threshold"` // 宽松模式下的加权分数阈值
	LookbackPeriods map[string]int     `json:"lookback_periods"`
}

// AIConfig 定义了AI顾问参数。顾问失败时始终放行，绝不阻塞交易流程。
type AIConfig struct {
	Enabled             bool      `json:"enabled"`
	APIURL              string    `json:"api_url"`
	Model               string    `json:"model"`
	MinConfidence       float64   `json:"min_confidence"`
	MaxRiskLevel        RiskLevel `json:"max_risk_level"`
	UseForBuyDecisions  bool      `json:"use_for_buy_decisions"`
	UseForSellDecisions bool      `json:"use_for_sell_decisions"`
	CacheDurationMs     int64     `json:"cache_duration_ms"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
