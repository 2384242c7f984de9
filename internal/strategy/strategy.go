package strategy

import (
	"binance-range-bot-go/internal/logger"
	"binance-range-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"sort"
)

// shortTimeframe 是买卖价与保护区间取值的基准时间框架
const shortTimeframe = "15m"

var errNoTimeframes = errors.New("多框架分析未配置任何时间框架")

// KlineFetcher 是策略层对交易所的最小依赖
type KlineFetcher interface {
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Kline, error)
}

// Protection 表示持仓期间价格与入场区间的关系
type Protection int

const (
	ProtectionNone  Protection = iota
	ProtectionUpper            // 价格突破区间上界
	ProtectionLower            // 价格跌破区间下界
)

// AnalyzeAmplitude 对一组K线做振幅分析。
// 振幅 = (最高-最低)/最低 * 100；趋势 = 首尾收盘价变化百分比。
func AnalyzeAmplitude(symbol string, klines []models.Kline, cfg *models.Config) *models.AmplitudeAnalysis {
	if len(klines) == 0 {
		return nil
	}

	high := klines[0].High
	low := klines[0].Low
	for _, k := range klines[1:] {
		if k.High > high {
			high = k.High
		}
		if k.Low < low {
			low = k.Low
		}
	}

	var amplitude float64
	if low > 0 {
		amplitude = (high - low) / low * 100
	}

	var trend float64
	if first := klines[0].Close; first > 0 {
		trend = (klines[len(klines)-1].Close - first) / first * 100
	}

	filtered := trend > cfg.TrendThreshold || trend < -cfg.TrendThreshold

	// 买卖价向区间内侧收缩，避免挂在极值上永远不成交
	ratio := cfg.Trading.PriceRangeRatio
	priceRange := high - low

	return &models.AmplitudeAnalysis{
		Symbol:          symbol,
		High:            high,
		Low:             low,
		Amplitude:       amplitude,
		Trend:           trend,
		IsTrendFiltered: filtered,
		BuyPrice:        low + priceRange*ratio,
		SellPrice:       high - priceRange*ratio,
	}
}

// AnalyzeSymbol 获取单个交易对短周期K线并做振幅分析
func AnalyzeSymbol(ctx context.Context, fetcher KlineFetcher, symbol string, cfg *models.Config) (*models.AmplitudeAnalysis, error) {
	klines, err := fetcher.GetKlines(ctx, symbol, shortTimeframe, lookbackFor(cfg, shortTimeframe))
	if err != nil {
		return nil, err
	}
	analysis := AnalyzeAmplitude(symbol, klines, cfg)
	if analysis == nil {
		return nil, fmt.Errorf("%s %s 无K线数据", symbol, shortTimeframe)
	}
	return analysis, nil
}

// lookbackFor 返回指定时间框架的回看K线数量
func lookbackFor(cfg *models.Config, timeframe string) int {
	if n, ok := cfg.MultiTimeframe.LookbackPeriods[timeframe]; ok && n > 0 {
		return n
	}
	return 48
}

// FindBestSymbol 扫描所有交易对，返回振幅最大且未被趋势过滤的候选。
// 没有合格候选时返回 (nil, nil)；单个交易对的数据错误只跳过该交易对。
func FindBestSymbol(ctx context.Context, fetcher KlineFetcher, cfg *models.Config) (*models.AmplitudeAnalysis, error) {
	var best *models.AmplitudeAnalysis

	for _, symbol := range cfg.Symbols {
		klines, err := fetcher.GetKlines(ctx, symbol, shortTimeframe, lookbackFor(cfg, shortTimeframe))
		if err != nil {
			logger.S().Warnf("获取 %s K线失败，本轮跳过: %v", symbol, err)
			continue
		}

		analysis := AnalyzeAmplitude(symbol, klines, cfg)
		if analysis == nil {
			continue
		}
		if analysis.IsTrendFiltered {
			logger.S().Debugf("%s 被趋势过滤: 趋势=%.2f%%", symbol, analysis.Trend)
			continue
		}
		if analysis.Amplitude < cfg.AmplitudeThreshold {
			continue
		}

		if best == nil || analysis.Amplitude > best.Amplitude {
			best = analysis
		}
	}
	return best, nil
}

// AnalyzeMultiTimeframe 对单个交易对做多时间框架加权分析。
// 任一框架取不到数据时返回错误，调用方应跳过该交易对。
func AnalyzeMultiTimeframe(ctx context.Context, fetcher KlineFetcher, symbol string, cfg *models.Config) (*models.MultiTimeframeAnalysis, error) {
	mtf := cfg.MultiTimeframe

	timeframes := make([]string, 0, len(mtf.Weights))
	for tf := range mtf.Weights {
		timeframes = append(timeframes, tf)
	}
	sort.Strings(timeframes)

	result := &models.MultiTimeframeAnalysis{Symbol: symbol}
	allPassed := true
	var short *models.AmplitudeAnalysis

	for _, tf := range timeframes {
		weight := mtf.Weights[tf]
		if weight <= 0 {
			continue
		}

		klines, err := fetcher.GetKlines(ctx, symbol, tf, lookbackFor(cfg, tf))
		if err != nil {
			return nil, err
		}

		analysis := AnalyzeAmplitude(symbol, klines, cfg)
		if analysis == nil {
			return nil, fmt.Errorf("%s %s 无K线数据", symbol, tf)
		}
		passed := !analysis.IsTrendFiltered && analysis.Amplitude >= cfg.AmplitudeThreshold
		if passed {
			result.TotalScore += 100 * weight
		} else {
			allPassed = false
		}

		result.Scores = append(result.Scores, models.TimeframeScore{
			Timeframe: tf,
			Analysis:  *analysis,
			Passed:    passed,
			Weight:    weight,
		})

		if tf == shortTimeframe {
			short = analysis
		}
	}

	if short == nil {
		// 配置里没有短周期框架时取第一个框架的分析结果
		if len(result.Scores) == 0 {
			return nil, errNoTimeframes
		}
		short = &result.Scores[0].Analysis
	}

	result.High = short.High
	result.Low = short.Low
	result.Amplitude = short.Amplitude
	result.BuyPrice = short.BuyPrice
	result.SellPrice = short.SellPrice

	if mtf.StrictMode {
		result.IsValid = allPassed
	} else {
		result.IsValid = result.TotalScore >= mtf.ScoreThreshold
	}
	return result, nil
}

// FindBestSymbolMultiTimeframe 扫描所有交易对并返回加权分数最高的有效候选。
// 分数相同时偏向短周期振幅更大的交易对。
func FindBestSymbolMultiTimeframe(ctx context.Context, fetcher KlineFetcher, cfg *models.Config) (*models.MultiTimeframeAnalysis, error) {
	var best *models.MultiTimeframeAnalysis

	for _, symbol := range cfg.Symbols {
		analysis, err := AnalyzeMultiTimeframe(ctx, fetcher, symbol, cfg)
		if err != nil {
			logger.S().Warnf("多框架分析 %s 失败，本轮跳过: %v", symbol, err)
			continue
		}
		if !analysis.IsValid {
			continue
		}

		if best == nil ||
			analysis.TotalScore > best.TotalScore ||
			(analysis.TotalScore == best.TotalScore && analysis.Amplitude > best.Amplitude) {
			best = analysis
		}
	}
	return best, nil
}

// CalculateBuyAmount 根据投入金额和买入价计算下单数量
func CalculateBuyAmount(investment, buyPrice float64) float64 {
	if buyPrice <= 0 {
		return 0
	}
	return investment / buyPrice
}

// CalculateProfit 计算一笔交易的利润和利润率（百分比）
func CalculateProfit(buyPrice, sellPrice, amount float64) (profit, profitRate float64) {
	profit = (sellPrice - buyPrice) * amount
	if buyPrice > 0 {
		profitRate = (sellPrice - buyPrice) / buyPrice * 100
	}
	return profit, profitRate
}

// CheckProtection 判断当前价格是否突破入场时记录的区间
func CheckProtection(currentPrice, high, low float64) Protection {
	if currentPrice > high {
		return ProtectionUpper
	}
	if currentPrice < low {
		return ProtectionLower
	}
	return ProtectionNone
}

// CheckPriceDeviation 判断卖单价格是否已明显高于现价（百分比阈值）。
// 偏离过大说明挂单短期内不可能成交，应撤单重新定价。
func CheckPriceDeviation(sellPrice, currentPrice, threshold float64) bool {
	if currentPrice <= 0 {
		return false
	}
	deviation := (sellPrice - currentPrice) / currentPrice * 100
	return deviation > threshold
}

// CheckOrderTimeout 判断订单是否超时。
// 有成交的订单以最近成交时间为基准，给持续成交中的订单更多时间。
func CheckOrderTimeout(snap *models.OrderSnapshot, nowMs, timeoutMs int64) bool {
	if timeoutMs <= 0 {
		return false
	}
	activeSince := snap.CreatedAt
	if snap.Filled > 0 && snap.LastTradeAt > 0 {
		activeSince = snap.LastTradeAt
	}
	return nowMs-activeSince > timeoutMs
}
