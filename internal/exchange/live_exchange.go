package exchange

import (
	"binance-range-bot-go/internal/logger"
	"binance-range-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
)

// 币安在撤销/查询不存在的订单时返回的错误码
const (
	codeUnknownOrder   = -2011
	codeOrderNotExist  = -2013
	limitsCacheTTL     = time.Hour
	clientOrderIDScope = "rb" // 客户端订单ID前缀，便于在交易所后台识别
)

// LiveExchange 是基于币安现货REST接口的 Gateway 实现
type LiveExchange struct {
	client *binance.Client

	mu          sync.Mutex
	limitsCache map[string]*cachedLimits
}

type cachedLimits struct {
	limits    *models.SymbolLimits
	fetchedAt time.Time
}

// NewLiveExchange 创建一个连接币安现货的交易所实例
func NewLiveExchange(apiKey, secretKey string, isTestnet bool) *LiveExchange {
	binance.UseTestnet = isTestnet
	return &LiveExchange{
		client:      binance.NewClient(apiKey, secretKey),
		limitsCache: make(map[string]*cachedLimits),
	}
}

// toMarketSymbol 将 "ETH/USDT" 转换为币安的 "ETHUSDT"
func toMarketSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func newClientOrderID() string {
	return clientOrderIDScope + "-" + uuid.NewString()
}

// isNotFoundErr 判断错误是否为"订单不存在"
func isNotFoundErr(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeUnknownOrder || apiErr.Code == codeOrderNotExist
	}
	return false
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func (e *LiveExchange) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Kline, error) {
	raw, err := e.client.NewKlinesService().
		Symbol(toMarketSymbol(symbol)).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取K线失败 %s %s: %w", symbol, timeframe, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNoKlineData, symbol, timeframe)
	}

	klines := make([]models.Kline, 0, len(raw))
	for _, k := range raw {
		klines = append(klines, models.Kline{
			Timestamp: k.OpenTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return klines, nil
}

func (e *LiveExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := e.client.NewListPricesService().Symbol(toMarketSymbol(symbol)).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取价格失败 %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("获取价格失败 %s: 交易所未返回数据", symbol)
	}
	return parseFloat(prices[0].Price), nil
}

func (e *LiveExchange) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取账户余额失败: %w", err)
	}

	balances := make(map[string]models.Balance)
	for _, b := range account.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		balances[b.Asset] = models.Balance{
			Free:   free,
			Locked: locked,
			Total:  free + locked,
		}
	}
	return balances, nil
}

func (e *LiveExchange) createOrder(ctx context.Context, symbol string, side binance.SideType, orderType binance.OrderType, price, amount float64) (*models.OrderSnapshot, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(toMarketSymbol(symbol)).
		Side(side).
		Type(orderType).
		Quantity(strconv.FormatFloat(amount, 'f', -1, 64)).
		NewClientOrderID(newClientOrderID())

	if orderType == binance.OrderTypeLimit {
		svc = svc.TimeInForce(binance.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(price, 'f', -1, 64))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下单失败 %s %s: %w", symbol, side, err)
	}

	logger.S().Infof("订单已提交: %s %s %s 数量=%.8f 价格=%.8f 订单ID=%d",
		symbol, side, orderType, amount, price, resp.OrderID)

	// 立即查询一次，拿到统一的订单快照。查询失败时用下单响应构造。
	snap, err := e.GetOrder(ctx, symbol, strconv.FormatInt(resp.OrderID, 10))
	if err != nil {
		logger.S().Warnf("下单后查询订单失败，使用下单响应构造快照: %v", err)
		return snapshotFromCreate(symbol, resp), nil
	}
	return snap, nil
}

func (e *LiveExchange) CreateLimitBuy(ctx context.Context, symbol string, price, amount float64) (*models.OrderSnapshot, error) {
	return e.createOrder(ctx, symbol, binance.SideTypeBuy, binance.OrderTypeLimit, price, amount)
}

func (e *LiveExchange) CreateLimitSell(ctx context.Context, symbol string, price, amount float64) (*models.OrderSnapshot, error) {
	return e.createOrder(ctx, symbol, binance.SideTypeSell, binance.OrderTypeLimit, price, amount)
}

func (e *LiveExchange) CreateMarketBuy(ctx context.Context, symbol string, amount float64) (*models.OrderSnapshot, error) {
	return e.createOrder(ctx, symbol, binance.SideTypeBuy, binance.OrderTypeMarket, 0, amount)
}

func (e *LiveExchange) CreateMarketSell(ctx context.Context, symbol string, amount float64) (*models.OrderSnapshot, error) {
	return e.createOrder(ctx, symbol, binance.SideTypeSell, binance.OrderTypeMarket, 0, amount)
}

func (e *LiveExchange) GetOrder(ctx context.Context, symbol, orderID string) (*models.OrderSnapshot, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("无效的订单ID %q: %w", orderID, err)
	}
	order, err := e.client.NewGetOrderService().
		Symbol(toMarketSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, fmt.Errorf("%w: %s %s", ErrOrderNotFound, symbol, orderID)
		}
		return nil, fmt.Errorf("查询订单失败 %s %s: %w", symbol, orderID, err)
	}
	return normalizeOrder(symbol, order), nil
}

func (e *LiveExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("无效的订单ID %q: %w", orderID, err)
	}
	_, err = e.client.NewCancelOrderService().
		Symbol(toMarketSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		if isNotFoundErr(err) {
			return fmt.Errorf("%w: %s %s", ErrOrderNotFound, symbol, orderID)
		}
		return fmt.Errorf("撤销订单失败 %s %s: %w", symbol, orderID, err)
	}
	logger.S().Infof("订单已撤销: %s %s", symbol, orderID)
	return nil
}

func (e *LiveExchange) GetSymbolLimits(ctx context.Context, symbol string) (*models.SymbolLimits, error) {
	e.mu.Lock()
	if cached, ok := e.limitsCache[symbol]; ok && time.Since(cached.fetchedAt) < limitsCacheTTL {
		e.mu.Unlock()
		return cached.limits, nil
	}
	e.mu.Unlock()

	market := toMarketSymbol(symbol)
	info, err := e.client.NewExchangeInfoService().Symbols(market).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取交易规则失败 %s: %w", symbol, err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != market {
			continue
		}
		limits := parseSymbolFilters(s.Filters)
		e.mu.Lock()
		e.limitsCache[symbol] = &cachedLimits{limits: limits, fetchedAt: time.Now()}
		e.mu.Unlock()
		return limits, nil
	}
	return nil, fmt.Errorf("获取交易规则失败 %s: 交易所未返回该交易对", symbol)
}

// parseSymbolFilters 从原始filter数组提取精度与名义价值限制。
// 直接解析原始map，兼容 MIN_NOTIONAL 与 NOTIONAL 两种filter名。
func parseSymbolFilters(filters []map[string]interface{}) *models.SymbolLimits {
	limits := &models.SymbolLimits{}
	str := func(m map[string]interface{}, key string) string {
		if v, ok := m[key].(string); ok {
			return v
		}
		return ""
	}
	for _, f := range filters {
		switch str(f, "filterType") {
		case "LOT_SIZE":
			limits.MinAmount = parseFloat(str(f, "minQty"))
			limits.MaxAmount = parseFloat(str(f, "maxQty"))
			limits.AmountStep = str(f, "stepSize")
		case "PRICE_FILTER":
			limits.PriceStep = str(f, "tickSize")
		case "MIN_NOTIONAL", "NOTIONAL":
			limits.MinNotional = parseFloat(str(f, "minNotional"))
		}
	}
	return limits
}

// normalizeOrder 是订单归一化的唯一入口。
// 交易所返回的订单只在这里被解读一次，下游统一消费 OrderSnapshot。
func normalizeOrder(symbol string, o *binance.Order) *models.OrderSnapshot {
	amount := parseFloat(o.OrigQuantity)
	filled := parseFloat(o.ExecutedQuantity)
	quote := parseFloat(o.CummulativeQuoteQuantity)

	var average float64
	if filled > 0 {
		average = quote / filled
	}

	var state models.OrderExecState
	switch o.Status {
	case binance.OrderStatusTypeFilled:
		state = models.ExecFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected,
		binance.OrderStatusTypeExpired, binance.OrderStatusTypePendingCancel:
		state = models.ExecCanceled
	case binance.OrderStatusTypePartiallyFilled:
		state = models.ExecPartiallyFilled
	default:
		state = models.ExecOpen
	}

	var lastTradeAt int64
	if filled > 0 {
		lastTradeAt = o.UpdateTime
	}

	return &models.OrderSnapshot{
		OrderID:     strconv.FormatInt(o.OrderID, 10),
		Symbol:      symbol,
		State:       state,
		Amount:      amount,
		Filled:      filled,
		Average:     average,
		Price:       parseFloat(o.Price),
		CreatedAt:   o.Time,
		LastTradeAt: lastTradeAt,
	}
}

// snapshotFromCreate 用下单响应构造快照，仅作为下单后查询失败时的兜底
func snapshotFromCreate(symbol string, resp *binance.CreateOrderResponse) *models.OrderSnapshot {
	amount := parseFloat(resp.OrigQuantity)
	filled := parseFloat(resp.ExecutedQuantity)
	quote := parseFloat(resp.CummulativeQuoteQuantity)

	var average float64
	if filled > 0 {
		average = quote / filled
	}

	state := models.ExecOpen
	switch resp.Status {
	case binance.OrderStatusTypeFilled:
		state = models.ExecFilled
	case binance.OrderStatusTypePartiallyFilled:
		state = models.ExecPartiallyFilled
	}

	return &models.OrderSnapshot{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Symbol:    symbol,
		State:     state,
		Amount:    amount,
		Filled:    filled,
		Average:   average,
		Price:     parseFloat(resp.Price),
		CreatedAt: resp.TransactTime,
	}
}
