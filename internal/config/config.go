package config

import (
	"binance-range-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"os"
)

// Default 返回系统的默认配置
func Default() *models.Config {
	return &models.Config{
		IsTestnet:     false,
		IsAutoTrading: true,
		DBPath:        "data/bot-state",
		JournalPath:   "data/journal.db",
		Symbols:       []string{"ETH/USDT", "BTC/USDT", "BNB/USDT", "SOL/USDT", "XRP/USDT"},

		InvestmentAmount:   100,
		AmplitudeThreshold: 2.0,
		TrendThreshold:     10.0,

		LoopIntervalMs:  30 * 1000,
		DailyTradeLimit: 3,
		TradeIntervalMs: 60 * 60 * 1000,

		OrderTimeout: models.OrderTimeoutConfig{
			DefaultMs: 120 * 60 * 1000,
			BuyMs:     60 * 60 * 1000,
			SellMs:    120 * 60 * 1000,
		},
		CircuitBreaker: models.CircuitBreakerConfig{
			Enabled:                  true,
			ConsecutiveFailures:      5,
			DailyLossLimit:           20,
			TotalLossLimit:           100,
			CooldownMs:               12 * 60 * 60 * 1000,
			PriceVolatilityThreshold: 10,
		},
		DailyReset: models.DailyResetConfig{
			ProcessingTime:           "23:30",
			WarningTime:              "23:00",
			ForceLiquidationDiscount: 0.999,
			LiquidationWaitMs:        3000,
		},
		StopLoss: models.StopLossConfig{
			Enabled:           true,
			Threshold:         -2,
			ExecutionDiscount: 0.998,
			WaitMs:            3000,
		},
		Trading: models.TradingParamsConfig{
			PriceDeviationThreshold: 2,
			PartialFillThreshold:    0.98,
			BalanceSafetyBuffer:     0.05,
			MarketOrderDiscount:     0.999,
			PriceRangeRatio:         0.1,
		},
		MultiTimeframe: models.MultiTimeframeConfig{
			Enabled:    false,
			StrictMode: false,
			Weights: map[string]float64{
				"15m": 0.4,
				"1h":  0.35,
				"4h":  0.25,
			},
			ScoreThreshold: 60,
			LookbackPeriods: map[string]int{
				"15m": 48,
				"1h":  24,
				"4h":  12,
			},
		},
		AI: models.AIConfig{
			Enabled:             false,
			APIURL:              "https://api.deepseek.com",
			Model:               "deepseek-chat",
			MinConfidence:       60,
			MaxRiskLevel:        models.RiskMedium,
			UseForBuyDecisions:  true,
			UseForSellDecisions: true,
			CacheDurationMs:     10 * 60 * 1000,
		},
		Log: models.LogConfig{
			Level:  "info",
			Output: "console",
		},
	}
}

// Load 从指定路径加载JSON配置文件并解析到Config结构体中。
// 文件不存在时返回默认配置；缺失的区段用默认值补齐。
func Load(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	defer file.Close()

	// 先填默认值，再用文件内容覆盖，保证缺失区段不为零值
	cfg := Default()
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// Merge 将一份JSON补丁合并到现有配置上，返回新的配置对象。
// 原配置不会被修改，合并失败时完整保留旧配置（不会部分生效）。
func Merge(base *models.Config, patch json.RawMessage) (*models.Config, error) {
	data, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	merged := &models.Config{}
	if err := json.Unmarshal(data, merged); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, merged); err != nil {
		return nil, fmt.Errorf("合并配置失败: %w", err)
	}
	return merged, nil
}
