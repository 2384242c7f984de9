package order

import (
	"binance-range-bot-go/internal/exchange"
	"binance-range-bot-go/internal/logger"
	"binance-range-bot-go/internal/models"
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrAmountOutOfRange 表示下单数量超出交易对允许的范围
var ErrAmountOutOfRange = errors.New("order: amount out of range")

// ErrBelowMinNotional 表示订单名义价值低于交易所要求的最小值
var ErrBelowMinNotional = errors.New("order: below min notional")

// Manager 封装订单全生命周期：精度对齐、约束校验、下单、查询、撤销。
// 所有价格和数量在提交前都按交易所的步长截断，绝不四舍五入放大。
type Manager struct {
	gateway exchange.Gateway
}

// NewManager 创建订单管理器
func NewManager(gateway exchange.Gateway) *Manager {
	return &Manager{gateway: gateway}
}

// snapToStep 将数值向下对齐到指定步长。步长为空或非法时原样返回。
func snapToStep(value float64, step string) float64 {
	if step == "" {
		return value
	}
	stepDec, err := decimal.NewFromString(step)
	if err != nil || stepDec.IsZero() {
		return value
	}
	v := decimal.NewFromFloat(value)
	snapped := v.Div(stepDec).Floor().Mul(stepDec)
	f, _ := snapped.Float64()
	return f
}

// prepare 对价格和数量做精度对齐并校验交易所约束
func (m *Manager) prepare(ctx context.Context, symbol string, price, amount float64) (float64, float64, error) {
	limits, err := m.gateway.GetSymbolLimits(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}

	snappedAmount := snapToStep(amount, limits.AmountStep)
	snappedPrice := price
	if price > 0 {
		snappedPrice = snapToStep(price, limits.PriceStep)
	}

	if limits.MinAmount > 0 && snappedAmount < limits.MinAmount {
		return 0, 0, fmt.Errorf("%w: %s 数量 %.8f < 最小 %.8f",
			ErrAmountOutOfRange, symbol, snappedAmount, limits.MinAmount)
	}
	if limits.MaxAmount > 0 && snappedAmount > limits.MaxAmount {
		return 0, 0, fmt.Errorf("%w: %s 数量 %.8f > 最大 %.8f",
			ErrAmountOutOfRange, symbol, snappedAmount, limits.MaxAmount)
	}
	if limits.MinNotional > 0 && snappedPrice > 0 && snappedPrice*snappedAmount < limits.MinNotional {
		return 0, 0, fmt.Errorf("%w: %s 名义价值 %.4f < 最小 %.4f",
			ErrBelowMinNotional, symbol, snappedPrice*snappedAmount, limits.MinNotional)
	}
	return snappedPrice, snappedAmount, nil
}

// CreateBuy 挂限价买单
func (m *Manager) CreateBuy(ctx context.Context, symbol string, price, amount float64) (*models.OrderSnapshot, error) {
	snappedPrice, snappedAmount, err := m.prepare(ctx, symbol, price, amount)
	if err != nil {
		return nil, err
	}
	logger.S().Infof("挂限价买单: %s 价格=%.8f 数量=%.8f", symbol, snappedPrice, snappedAmount)
	return m.gateway.CreateLimitBuy(ctx, symbol, snappedPrice, snappedAmount)
}

// CreateSell 挂限价卖单
func (m *Manager) CreateSell(ctx context.Context, symbol string, price, amount float64) (*models.OrderSnapshot, error) {
	snappedPrice, snappedAmount, err := m.prepare(ctx, symbol, price, amount)
	if err != nil {
		return nil, err
	}
	logger.S().Infof("挂限价卖单: %s 价格=%.8f 数量=%.8f", symbol, snappedPrice, snappedAmount)
	return m.gateway.CreateLimitSell(ctx, symbol, snappedPrice, snappedAmount)
}

// CreateMarketSell 市价卖出，仅对数量做精度对齐
func (m *Manager) CreateMarketSell(ctx context.Context, symbol string, amount float64) (*models.OrderSnapshot, error) {
	_, snappedAmount, err := m.prepare(ctx, symbol, 0, amount)
	if err != nil {
		return nil, err
	}
	logger.S().Infof("市价卖出: %s 数量=%.8f", symbol, snappedAmount)
	return m.gateway.CreateMarketSell(ctx, symbol, snappedAmount)
}

// GetOrderStatus 查询订单的归一化快照
func (m *Manager) GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.OrderSnapshot, error) {
	return m.gateway.GetOrder(ctx, symbol, orderID)
}

// Cancel 撤销订单。订单已不存在时返回 exchange.ErrOrderNotFound，
// 调用方据此决定是否走降级路径。
func (m *Manager) Cancel(ctx context.Context, symbol, orderID string) error {
	return m.gateway.CancelOrder(ctx, symbol, orderID)
}

// GetCurrentPrice 获取最新成交价
func (m *Manager) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return m.gateway.GetPrice(ctx, symbol)
}

// ActualPrice 返回订单的真实成交均价，无成交时退回到给定的委托价
func ActualPrice(snap *models.OrderSnapshot, fallback float64) float64 {
	if snap != nil && snap.Average > 0 {
		return snap.Average
	}
	if snap != nil && snap.Price > 0 {
		return snap.Price
	}
	return fallback
}
