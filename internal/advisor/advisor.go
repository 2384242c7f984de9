package advisor

import (
	"binance-range-bot-go/internal/logger"
	"binance-range-bot-go/internal/models"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const requestTimeout = 30 * time.Second

// Advisor 调用兼容DeepSeek的聊天接口，对候选交易做二次评估。
// 顾问是纯咨询角色：接口失败、超时或返回无法解析时一律放行，
// 绝不因为AI不可用而阻塞交易流程。
type Advisor struct {
	cfg    models.AIConfig
	client *resty.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*models.AIAnalysis
}

// New 创建AI顾问。now 为 nil 时使用系统时钟。
func New(cfg models.AIConfig, apiKey string, now func() time.Time) *Advisor {
	if now == nil {
		now = time.Now
	}
	client := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(apiKey)

	return &Advisor{
		cfg:    cfg,
		client: client,
		now:    now,
		cache:  make(map[string]*models.AIAnalysis),
	}
}

// UpdateConfig 应用新的顾问配置（热更新），缓存一并清空
func (a *Advisor) UpdateConfig(cfg models.AIConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.client.SetBaseURL(cfg.APIURL)
	a.cache = make(map[string]*models.AIAnalysis)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// aiPayload 是要求模型输出的JSON结构
type aiPayload struct {
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	RiskLevel      string  `json:"risk_level"`
}

func buildPrompt(symbol string, analysis *models.AmplitudeAnalysis, currentPrice float64) string {
	return fmt.Sprintf(`你是一个专业的加密货币现货区间交易分析师。请基于以下市场数据评估交易机会。

交易对: %s
当前价格: %.8f
区间最高: %.8f
区间最低: %.8f
振幅: %.2f%%
趋势: %.2f%%
计划买入价: %.8f
计划卖出价: %.8f

只输出一个JSON对象，不要输出其它内容，格式:
{"recommendation": "BUY|SELL|HOLD|AVOID", "confidence": 0-100, "reasoning": "简要理由", "risk_level": "LOW|MEDIUM|HIGH"}`,
		symbol, currentPrice, analysis.High, analysis.Low,
		analysis.Amplitude, analysis.Trend, analysis.BuyPrice, analysis.SellPrice)
}

// stripFences 去掉模型偶尔包在JSON外面的markdown代码块
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Analyze 请求一次AI评估，命中缓存时直接返回缓存结果
func (a *Advisor) Analyze(ctx context.Context, symbol string, analysis *models.AmplitudeAnalysis, currentPrice float64) (*models.AIAnalysis, error) {
	nowMs := a.now().UnixMilli()

	a.mu.Lock()
	if cached, ok := a.cache[symbol]; ok && cached.ExpiresAt > nowMs {
		a.mu.Unlock()
		logger.S().Debugf("AI分析命中缓存: %s %s", symbol, cached.Recommendation)
		return cached, nil
	}
	model := a.cfg.Model
	cacheMs := a.cfg.CacheDurationMs
	a.mu.Unlock()

	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: buildPrompt(symbol, analysis, currentPrice)},
		},
		Temperature: 0.2,
	}

	var result chatResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("AI请求失败: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("AI请求失败: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("AI响应为空")
	}

	var payload aiPayload
	content := stripFences(result.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("解析AI响应失败: %w", err)
	}

	out := &models.AIAnalysis{
		Symbol:         symbol,
		Recommendation: models.Recommendation(strings.ToUpper(payload.Recommendation)),
		Confidence:     payload.Confidence,
		Reasoning:      payload.Reasoning,
		RiskLevel:      models.RiskLevel(strings.ToUpper(payload.RiskLevel)),
		AnalyzedAt:     nowMs,
		ExpiresAt:      nowMs + cacheMs,
	}

	a.mu.Lock()
	a.cache[symbol] = out
	a.mu.Unlock()

	logger.S().Infof("AI分析 %s: %s 置信度=%.0f 风险=%s %s",
		symbol, out.Recommendation, out.Confidence, out.RiskLevel, out.Reasoning)
	return out, nil
}

// ShouldAllowBuy 判断是否放行买入。
// 仅当AI明确推荐买入、置信度达标且风险不超上限时放行；
// 顾问未启用或调用失败时放行。
func (a *Advisor) ShouldAllowBuy(ctx context.Context, symbol string, analysis *models.AmplitudeAnalysis, currentPrice float64) bool {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	if !cfg.Enabled || !cfg.UseForBuyDecisions {
		return true
	}

	result, err := a.Analyze(ctx, symbol, analysis, currentPrice)
	if err != nil {
		logger.S().Warnf("AI买入评估失败，放行: %v", err)
		return true
	}

	if result.Recommendation != models.RecommendBuy {
		logger.S().Infof("AI不建议买入 %s: %s", symbol, result.Recommendation)
		return false
	}
	if result.Confidence < cfg.MinConfidence {
		logger.S().Infof("AI置信度不足 %s: %.0f < %.0f", symbol, result.Confidence, cfg.MinConfidence)
		return false
	}
	if result.RiskLevel.Rank() > cfg.MaxRiskLevel.Rank() {
		logger.S().Infof("AI风险超限 %s: %s > %s", symbol, result.RiskLevel, cfg.MaxRiskLevel)
		return false
	}
	return true
}

// ShouldAllowSell 判断是否放行卖出。
// 仅当AI高置信度建议继续持有时拦截；其余情况（包括调用失败）放行。
func (a *Advisor) ShouldAllowSell(ctx context.Context, symbol string, analysis *models.AmplitudeAnalysis, currentPrice float64) bool {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	if !cfg.Enabled || !cfg.UseForSellDecisions {
		return true
	}

	result, err := a.Analyze(ctx, symbol, analysis, currentPrice)
	if err != nil {
		logger.S().Warnf("AI卖出评估失败，放行: %v", err)
		return true
	}

	holdish := result.Recommendation == models.RecommendHold || result.Recommendation == models.RecommendBuy
	if holdish && result.Confidence >= cfg.MinConfidence {
		logger.S().Infof("AI建议继续持有 %s: %s 置信度=%.0f", symbol, result.Recommendation, result.Confidence)
		return false
	}
	return true
}
