package feed

import (
	"binance-range-bot-go/internal/logger"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	mainnetStreamURL = "wss://stream.binance.com:9443"
	testnetStreamURL = "wss://stream.testnet.binance.vision"

	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait
	reconnectDelay = 5 * time.Second
)

// PriceFeed 通过币安组合aggTrade流维护各交易对的最新成交价。
// 交易主循环仍然走REST轮询，本模块只服务于控制台的实时价格查询
// 和波动监控这类低要求读取。
type PriceFeed struct {
	baseURL string
	symbols []string
	// 交易所内部符号到配置符号的映射，如 "ETHUSDT" -> "ETH/USDT"
	symbolMap map[string]string

	mu     sync.RWMutex
	prices map[string]float64

	stopChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewPriceFeed 创建价格流。symbols 使用 "ETH/USDT" 形式。
func NewPriceFeed(symbols []string, isTestnet bool) *PriceFeed {
	baseURL := mainnetStreamURL
	if isTestnet {
		baseURL = testnetStreamURL
	}

	symbolMap := make(map[string]string, len(symbols))
	for _, s := range symbols {
		symbolMap[strings.ToUpper(strings.ReplaceAll(s, "/", ""))] = s
	}

	return &PriceFeed{
		baseURL:     baseURL,
		symbols:     symbols,
		symbolMap:   symbolMap,
		prices:      make(map[string]float64),
		stopChannel: make(chan struct{}),
	}
}

// Start 启动价格流守护goroutine
func (f *PriceFeed) Start() {
	f.wg.Add(1)
	go f.loop()
}

// Stop 停止价格流并等待goroutine退出
func (f *PriceFeed) Stop() {
	f.stopOnce.Do(func() { close(f.stopChannel) })
	f.wg.Wait()
}

// LastPrice 返回指定交易对的最新成交价，尚未收到数据时第二个返回值为false
func (f *PriceFeed) LastPrice(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[symbol]
	return price, ok
}

// streamURL 构造组合流地址，如 /stream?streams=ethusdt@aggTrade/btcusdt@aggTrade
func (f *PriceFeed) streamURL() string {
	streams := make([]string, 0, len(f.symbols))
	for market := range f.symbolMap {
		streams = append(streams, strings.ToLower(market)+"@aggTrade")
	}
	return fmt.Sprintf("%s/stream?streams=%s", f.baseURL, strings.Join(streams, "/"))
}

// loop 是一个守护进程，负责维持WebSocket的连接和重连
func (f *PriceFeed) loop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopChannel:
			logger.S().Info("价格流已停止")
			return
		default:
			conn, _, err := websocket.DefaultDialer.Dial(f.streamURL(), nil)
			if err != nil {
				logger.S().Warnf("价格流连接失败: %v，%s后重试", err, reconnectDelay)
				if !f.sleep(reconnectDelay) {
					return
				}
				continue
			}

			logger.S().Info("价格流连接成功")
			if err := f.handleMessages(conn); err != nil {
				logger.S().Warnf("价格流处理时发生错误: %v", err)
			}
			conn.Close()

			select {
			case <-f.stopChannel:
				return
			default:
				logger.S().Info("价格流连接已断开，准备重连")
				if !f.sleep(reconnectDelay) {
					return
				}
			}
		}
	}
}

// sleep 等待指定时间，期间收到停止信号时返回false
func (f *PriceFeed) sleep(d time.Duration) bool {
	select {
	case <-f.stopChannel:
		return false
	case <-time.After(d):
		return true
	}
}

// handleMessages 为一个已建立的连接处理消息，并实现心跳机制
func (f *PriceFeed) handleMessages(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-f.stopChannel:
				return
			}
		}
	}()

	for {
		select {
		case <-f.stopChannel:
			// 优雅关闭
			return conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				// 任何读取错误都意味着连接已损坏，交给外层循环重连
				return fmt.Errorf("读取消息失败: %w", err)
			}

			var envelope struct {
				Data struct {
					Symbol string      `json:"s"`
					Price  json.Number `json:"p"`
				} `json:"data"`
			}
			if err := json.Unmarshal(message, &envelope); err != nil {
				logger.S().Debugf("解析价格消息失败: %v", err)
				continue
			}

			symbol, ok := f.symbolMap[envelope.Data.Symbol]
			if !ok {
				continue
			}
			price, err := envelope.Data.Price.Float64()
			if err != nil {
				continue
			}

			f.mu.Lock()
			f.prices[symbol] = price
			f.mu.Unlock()
		}
	}
}
