package models

// TradingState 表示状态机的当前状态
type TradingState string

const (
	StateIdle            TradingState = "IDLE"
	StateBuyOrderPlaced  TradingState = "BUY_ORDER_PLACED"
	StateBought          TradingState = "BOUGHT"
	StateSellOrderPlaced TradingState = "SELL_ORDER_PLACED"
	StateDone            TradingState = "DONE"
)

// Kline 定义了一根K线
type Kline struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// AmplitudeAnalysis 是单时间框架的振幅分析结果（每轮扫描临时计算，不持久化）
type AmplitudeAnalysis struct {
	Symbol          string  `json:"symbol"`
	High            float64 `json:"high"`      // 窗口内最高价
	Low             float64 `json:"low"`       // 窗口内最低价
	Amplitude       float64 `json:"amplitude"` // 振幅百分比 (high-low)/low*100
	Trend           float64 `json:"trend"`     // 首尾收盘价变化百分比
	IsTrendFiltered bool    `json:"is_trend_filtered"`
	BuyPrice        float64 `json:"buy_price"`  // 建议买入价 low + ratio*range
	SellPrice       float64 `json:"sell_price"` // 建议卖出价 high - ratio*range
}

// TimeframeScore 记录单个时间框架在多框架分析中的通过情况
type TimeframeScore struct {
	Timeframe string            `json:"timeframe"`
	Analysis  AmplitudeAnalysis `json:"analysis"`
	Passed    bool              `json:"passed"`
	Weight    float64           `json:"weight"`
}

// MultiTimeframeAnalysis 是多时间框架加权分析结果
type MultiTimeframeAnalysis struct {
	Symbol     string           `json:"symbol"`
	Scores     []TimeframeScore `json:"scores"`
	TotalScore float64          `json:"total_score"` // 各框架通过贡献 100*weight
	IsValid    bool             `json:"is_valid"`
	// 买卖价与保护区间取自短周期框架
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Amplitude float64 `json:"amplitude"`
	BuyPrice  float64 `json:"buy_price"`
	SellPrice float64 `json:"sell_price"`
}

// OrderSide 表示订单方向
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderState 表示本地记录的订单状态
type OrderState string

const (
	OrderOpen     OrderState = "open"
	OrderClosed   OrderState = "closed"
	OrderCanceled OrderState = "canceled"
)

// OrderInfo 是状态机持有的订单信息
type OrderInfo struct {
	OrderID    string     `json:"order_id"`
	Symbol     string     `json:"symbol"`
	Side       OrderSide  `json:"side"`
	Price      float64    `json:"price"`
	Amount     float64    `json:"amount"`
	Status     OrderState `json:"status"`
	CreatedAt  int64      `json:"created_at"` // 毫秒时间戳
	FilledAt   int64      `json:"filled_at,omitempty"`
	CanceledAt int64      `json:"canceled_at,omitempty"`
}

// OrderExecState 是交易所订单对象归一化后的成交状态。
// 所有交易所返回的订单都通过唯一的适配函数转换成该类型，
// 下游用穷举 switch 消费，不再各自解读原始字段。
type OrderExecState string

const (
	ExecOpen            OrderExecState = "open"
	ExecFilled          OrderExecState = "filled"
	ExecPartiallyFilled OrderExecState = "partially_filled"
	ExecCanceled        OrderExecState = "canceled"
)

// OrderSnapshot 是归一化后的交易所订单快照
type OrderSnapshot struct {
	OrderID     string         `json:"order_id"`
	Symbol      string         `json:"symbol"`
	State       OrderExecState `json:"state"`
	Amount      float64        `json:"amount"`  // 原始委托数量
	Filled      float64        `json:"filled"`  // 已成交数量
	Average     float64        `json:"average"` // 成交均价，无成交时为0
	Price       float64        `json:"price"`
	CreatedAt   int64          `json:"created_at"`     // 下单时间（毫秒）
	LastTradeAt int64          `json:"last_trade_at"`  // 最近一次成交时间，无成交为0
}

// FillRatio 返回已成交比例（0-1）
func (s *OrderSnapshot) FillRatio() float64 {
	if s.Amount <= 0 {
		return 0
	}
	return s.Filled / s.Amount
}

// TradeStatus 表示一笔交易记录的状态
type TradeStatus string

const (
	TradeInProgress TradeStatus = "in_progress"
	TradeCompleted  TradeStatus = "completed"
	TradeFailed     TradeStatus = "failed"
)

// TradeRecord 记录一次完整的买卖尝试
type TradeRecord struct {
	ID            string      `json:"id"`
	Symbol        string      `json:"symbol"`
	BuyOrderID    string      `json:"buy_order_id"`
	SellOrderID   string      `json:"sell_order_id,omitempty"`
	BuyPrice      float64     `json:"buy_price"`
	SellPrice     float64     `json:"sell_price,omitempty"`
	Amount        float64     `json:"amount"`
	Profit        float64     `json:"profit,omitempty"`
	ProfitRate    float64     `json:"profit_rate,omitempty"`
	StartTime     int64       `json:"start_time"`
	EndTime       int64       `json:"end_time,omitempty"`
	Status        TradeStatus `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
}

// TradingStatus 是状态机唯一的运行实例。
// 不变量：state ∈ {BUY_ORDER_PLACED, BOUGHT, SELL_ORDER_PLACED} 时
// Symbol 与 BuyOrder 必须非空；SellOrder 仅在 SELL_ORDER_PLACED 时存在。
type TradingStatus struct {
	State          TradingState `json:"state"`
	Symbol         string       `json:"symbol,omitempty"`
	CurrentTradeID string       `json:"current_trade_id,omitempty"`
	BuyOrder       *OrderInfo   `json:"buy_order,omitempty"`
	SellOrder      *OrderInfo   `json:"sell_order,omitempty"`
	High           float64      `json:"high,omitempty"` // 保护机制使用的区间上界
	Low            float64      `json:"low,omitempty"`  // 保护机制使用的区间下界
	LastUpdateTime int64        `json:"last_update_time"`
}

// SystemStats 是系统级聚合统计
type SystemStats struct {
	TotalTrades      int            `json:"total_trades"`
	SuccessfulTrades int            `json:"successful_trades"`
	FailedTrades     int            `json:"failed_trades"`
	TotalProfit      float64        `json:"total_profit"`
	TotalProfitRate  float64        `json:"total_profit_rate"`
	AnnualizedReturn float64        `json:"annualized_return"`
	CurrentDate      string         `json:"current_date"`   // YYYY-MM-DD
	TradedSymbols    map[string]int `json:"traded_symbols"` // 每个交易对今日交易次数
}

// CircuitBreakerState 是熔断器的内部状态
type CircuitBreakerState struct {
	IsTripped           bool    `json:"is_tripped"`
	TrippedAt           int64   `json:"tripped_at,omitempty"`
	Reason              string  `json:"reason,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	DailyLoss           float64 `json:"daily_loss"`
}

// Balance 表示单个资产的余额
type Balance struct {
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
	Total  float64 `json:"total"`
}

// SymbolLimits 保存交易对的下单约束（精度与最小名义价值）
type SymbolLimits struct {
	MinAmount   float64 `json:"min_amount"`
	MaxAmount   float64 `json:"max_amount"`
	MinNotional float64 `json:"min_notional"`
	AmountStep  string  `json:"amount_step"` // LOT_SIZE stepSize
	PriceStep   string  `json:"price_step"`  // PRICE_FILTER tickSize
}

// Recommendation 是AI顾问给出的交易建议
type Recommendation string

const (
	RecommendBuy   Recommendation = "BUY"
	RecommendSell  Recommendation = "SELL"
	RecommendHold  Recommendation = "HOLD"
	RecommendAvoid Recommendation = "AVOID"
)

// RiskLevel 是AI顾问评估的风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Rank 返回风险等级的序数，用于与配置的上限比较
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	}
	return 0
}

// AIAnalysis 是AI顾问的一次评估结果
type AIAnalysis struct {
	Symbol         string         `json:"symbol"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"` // 0-100
	Reasoning      string         `json:"reasoning,omitempty"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	AnalyzedAt     int64          `json:"analyzed_at"`
	ExpiresAt      int64          `json:"expires_at"`
}

// Snapshot 是持久化的完整快照
type Snapshot struct {
	Config       *Config        `json:"config"`
	Status       *TradingStatus `json:"status"`
	TradeRecords []*TradeRecord `json:"trade_records"`
	Stats        *SystemStats   `json:"stats"`
	LastSaved    int64          `json:"last_saved"`
}
