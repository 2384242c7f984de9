package exchange

import (
	"binance-range-bot-go/internal/models"
	"context"
	"errors"
)

// ErrOrderNotFound 表示订单在交易所不存在（可能已成交后被归档，或从未创建成功）。
// 调用方据此走余额推断等降级路径，而不是直接报错。
var ErrOrderNotFound = errors.New("exchange: order not found")

// ErrNoKlineData 表示交易所未返回任何K线数据
var ErrNoKlineData = errors.New("exchange: no kline data")

// Gateway 定义了机器人与交易所交互的全部接口。
// 交易对统一使用 "ETH/USDT" 形式，由实现负责转换为交易所内部格式。
// 所有订单查询结果都归一化为 models.OrderSnapshot。
type Gateway interface {
	// GetKlines 获取指定交易对的K线数据，按时间升序返回
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Kline, error)

	// GetPrice 获取指定交易对的最新成交价
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetBalances 获取现货账户全部非零余额，key为资产名（如 "USDT"）
	GetBalances(ctx context.Context) (map[string]models.Balance, error)

	// CreateLimitBuy 挂限价买单，返回归一化订单快照
	CreateLimitBuy(ctx context.Context, symbol string, price, amount float64) (*models.OrderSnapshot, error)

	// CreateLimitSell 挂限价卖单
	CreateLimitSell(ctx context.Context, symbol string, price, amount float64) (*models.OrderSnapshot, error)

	// CreateMarketBuy 市价买入指定数量的基础资产
	CreateMarketBuy(ctx context.Context, symbol string, amount float64) (*models.OrderSnapshot, error)

	// CreateMarketSell 市价卖出指定数量的基础资产
	CreateMarketSell(ctx context.Context, symbol string, amount float64) (*models.OrderSnapshot, error)

	// GetOrder 查询订单。订单不存在时返回 ErrOrderNotFound
	GetOrder(ctx context.Context, symbol, orderID string) (*models.OrderSnapshot, error)

	// CancelOrder 撤销订单。订单不存在时返回 ErrOrderNotFound
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetSymbolLimits 获取交易对的下单精度与最小名义价值限制
	GetSymbolLimits(ctx context.Context, symbol string) (*models.SymbolLimits, error)
}
