package main

import (
	"binance-range-bot-go/internal/advisor"
	"binance-range-bot-go/internal/breaker"
	"binance-range-bot-go/internal/config"
	"binance-range-bot-go/internal/engine"
	"binance-range-bot-go/internal/exchange"
	"binance-range-bot-go/internal/feed"
	"binance-range-bot-go/internal/journal"
	"binance-range-bot-go/internal/logger"
	"binance-range-bot-go/internal/models"
	"binance-range-bot-go/internal/persistence"
	"binance-range-bot-go/internal/reporter"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 在加载 .env 和配置文件之前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.Log)
	defer logger.Sync()

	// --- 从环境变量加载API密钥 ---
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
	}
	if cfg.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}

	// --- 初始化持久化 ---
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("初始化状态仓库失败: %v", err)
	}
	defer repo.Close()

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.S().Fatalf("初始化审计流水失败: %v", err)
	}
	defer jnl.Close()

	// --- 初始化交易所和各组件 ---
	gateway := exchange.NewLiveExchange(apiKey, secretKey, cfg.IsTestnet)
	brk := breaker.New(cfg.CircuitBreaker, nil)
	adv := advisor.New(cfg.AI, os.Getenv("DEEPSEEK_API_KEY"), nil)

	priceFeed := feed.NewPriceFeed(cfg.Symbols, cfg.IsTestnet)
	priceFeed.Start()
	stopMonitor := make(chan struct{})
	go monitorPrices(priceFeed, cfg.Symbols, stopMonitor)

	bot := engine.New(cfg, gateway, repo, brk, adv, jnl, nil)
	if err := bot.Restore(); err != nil {
		logger.S().Fatalf("恢复状态失败: %v", err)
	}
	bot.Start()

	// --- 等待中断信号以实现优雅退出 ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.S().Info("收到退出信号，正在停止...")
	close(stopMonitor)
	bot.Stop()
	priceFeed.Stop()

	// --- 打印最终报告 ---
	reporter.WriteReport(os.Stdout, bot.StatusSnapshot(), bot.StatsSnapshot(), bot.TradeRecords())
	logger.S().Info("机器人已成功停止，状态已保存。")
}

// monitorPrices 定期打印各交易对的最新行情，方便在控制台观察运行状况
func monitorPrices(pf *feed.PriceFeed, symbols []string, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				if price, ok := pf.LastPrice(symbol); ok {
					logger.S().Infof("行情 %s: %.6f", symbol, price)
				}
			}
		}
	}
}
