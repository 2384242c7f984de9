package reporter

import (
	"binance-range-bot-go/internal/models"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// maxHistoryRows 报告中最多展示的历史交易条数
const maxHistoryRows = 20

// WriteReport 把运行统计和交易历史以表格形式写入输出流
func WriteReport(w io.Writer, status *models.TradingStatus, stats *models.SystemStats, records []*models.TradeRecord) {
	writeStatsTable(w, status, stats, records)
	writeHistoryTable(w, records)
}

func writeStatsTable(w io.Writer, status *models.TradingStatus, stats *models.SystemStats, records []*models.TradeRecord) {
	winning, losing := 0, 0
	for _, r := range records {
		if r.Status != models.TradeCompleted {
			continue
		}
		if r.Profit > 0 {
			winning++
		} else {
			losing++
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("运行统计 (%s)", stats.CurrentDate)
	t.AppendRows([]table.Row{
		{"当前状态", string(status.State)},
		{"当前交易对", orDash(status.Symbol)},
		{"总交易次数", stats.TotalTrades},
		{"成功 / 失败", fmt.Sprintf("%d / %d", stats.SuccessfulTrades, stats.FailedTrades)},
		{"盈利 / 亏损笔数", fmt.Sprintf("%d / %d", winning, losing)},
		{"总利润", fmt.Sprintf("%.4f USDT", stats.TotalProfit)},
		{"累计收益率", fmt.Sprintf("%.2f%%", stats.TotalProfitRate)},
		{"年化收益率", fmt.Sprintf("%.2f%%", stats.AnnualizedReturn)},
	})
	t.SetStyle(table.StyleLight)
	t.Render()
}

func writeHistoryTable(w io.Writer, records []*models.TradeRecord) {
	if len(records) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("交易历史 (最近%d条)", maxHistoryRows)
	t.AppendHeader(table.Row{"时间", "交易对", "状态", "买价", "卖价", "数量", "利润", "利润率"})

	start := 0
	if len(records) > maxHistoryRows {
		start = len(records) - maxHistoryRows
	}
	// 最新的交易放最上面
	for i := len(records) - 1; i >= start; i-- {
		r := records[i]
		t.AppendRow(table.Row{
			time.UnixMilli(r.StartTime).Format("01-02 15:04"),
			r.Symbol,
			string(r.Status),
			fmt.Sprintf("%.6f", r.BuyPrice),
			sellPriceCell(r),
			fmt.Sprintf("%.6f", r.Amount),
			profitCell(r),
			profitRateCell(r),
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sellPriceCell(r *models.TradeRecord) string {
	if r.SellPrice == 0 {
		return "-"
	}
	return fmt.Sprintf("%.6f", r.SellPrice)
}

func profitCell(r *models.TradeRecord) string {
	if r.Status != models.TradeCompleted {
		return "-"
	}
	return fmt.Sprintf("%.4f", r.Profit)
}

func profitRateCell(r *models.TradeRecord) string {
	if r.Status != models.TradeCompleted {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", r.ProfitRate)
}
