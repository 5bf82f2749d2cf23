// Package reporter renders bot, execution and replay results as console tables and Excel workbooks.
package reporter

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"strategy-bot-go/internal/engine"
	"strategy-bot-go/internal/exchange"
	"strategy-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ReplayMetrics are the performance figures of one replay run.
type ReplayMetrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	SharpeRatio      float64 // annualised from end-of-day equity
	TotalFees        float64
	MaxExposure      float64
	EndingCash       float64
	Executions       int
	OrdersFilled     int
	StartTime        time.Time
	EndTime          time.Time
}

// CalculateReplayMetrics derives the replay figures from the simulated exchange and the
// executions the bots produced against it.
func CalculateReplayMetrics(sim *exchange.SimExchange, executions []*models.Execution) *ReplayMetrics {
	m := &ReplayMetrics{
		InitialBalance: sim.InitialBalance,
		FinalBalance:   sim.Equity(),
		TotalFees:      sim.Fees(),
		MaxExposure:    sim.MaxExposure() * 100,
	}
	account, _ := sim.GetAccount(context.Background())
	if account != nil {
		m.EndingCash = account.Cash
	}

	trades := sim.Trades()
	m.TotalTrades = len(trades)
	var totalProfit, totalLoss float64
	for _, trade := range trades {
		if trade.Profit > 0 {
			m.WinningTrades++
			totalProfit += trade.Profit
		} else {
			m.LosingTrades++
			totalLoss += trade.Profit
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		if avgLoss > 0 {
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialBalance * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(sim.Curve()) * 100
	m.SharpeRatio = calculateSharpe(sim.DailyEquity())

	for _, exec := range executions {
		m.Executions++
		m.OrdersFilled += len(exec.FilledOrders())
		if m.StartTime.IsZero() || exec.StartedAt.Before(m.StartTime) {
			m.StartTime = exec.StartedAt
		}
		if exec.StartedAt.After(m.EndTime) {
			m.EndTime = exec.StartedAt
		}
	}
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0
	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - equity) / peak; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}

// calculateSharpe annualises the mean daily return over its standard deviation, with a zero
// risk-free rate. Markets here trade every day, hence 365.
func calculateSharpe(daily []float64) float64 {
	if len(daily) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(daily)-1)
	for i := 1; i < len(daily); i++ {
		if daily[i-1] > 0 {
			returns = append(returns, daily[i]/daily[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(365)
}

// RenderReplay writes the replay summary table.
func RenderReplay(w io.Writer, m *ReplayMetrics, dataPath, quoteAsset string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("REPLAY RESULTS")
	t.SetStyle(table.StyleRounded)

	money := func(v float64) string { return fmt.Sprintf("%.2f %s", v, quoteAsset) }
	t.AppendRows([]table.Row{
		{"Data", dataPath},
		{"Period", fmt.Sprintf("%s to %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
		{"Executions", m.Executions},
		{"Orders filled", m.OrdersFilled},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Initial balance", money(m.InitialBalance)},
		{"Final balance", money(m.FinalBalance)},
		{"Ending cash", money(m.EndingCash)},
		{"Total profit", money(m.TotalProfit)},
		{"Return", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"Fees paid", money(m.TotalFees)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Round trips", m.TotalTrades},
		{"Winning", m.WinningTrades},
		{"Losing", m.LosingTrades},
		{"Win rate", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"Avg win/loss", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"Max drawdown", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"Max exposure", fmt.Sprintf("%.2f%%", m.MaxExposure)},
		{"Sharpe ratio", fmt.Sprintf("%.2f", m.SharpeRatio)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 16, Align: text.AlignLeft},
		{Number: 2, WidthMin: 24, Align: text.AlignRight},
	})
	t.Render()
}

// RenderBots writes one row per bot.
func RenderBots(w io.Writer, bots []*models.BotSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("BOTS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Type", "Status", "Symbols", "Runs", "Trades today", "Realized PnL", "Next run"})
	for _, b := range bots {
		next := "-"
		if b.NextRun != nil {
			next = b.NextRun.Format("2006-01-02 15:04 MST")
		}
		t.AppendRow(table.Row{b.BotID, b.BotType, b.Status, fmt.Sprint(b.Symbols), b.ExecutionCount, b.DailyTrades, fmt.Sprintf("%.2f", b.RealizedPnL), next})
	}
	t.Render()
}

// RenderExecutions writes the execution history, newest last.
func RenderExecutions(w io.Writer, botID string, executions []*models.Execution) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("EXECUTIONS " + botID)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Started", "Trigger", "Status", "Orders", "Filled", "PnL", "Message"})
	for _, e := range executions {
		msg := e.ErrorMessage
		if msg == "" && len(e.Warnings) > 0 {
			msg = e.Warnings[0]
		}
		t.AppendRow(table.Row{
			e.StartedAt.Format("2006-01-02 15:04:05"),
			e.TriggerReason,
			e.Status,
			len(e.Orders),
			len(e.FilledOrders()),
			fmt.Sprintf("%.2f", e.RealizedPnL),
			msg,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 7, WidthMax: 60}})
	t.Render()
}

// RenderPerformance writes a bot's aggregate performance.
func RenderPerformance(w io.Writer, p *engine.Performance) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("PERFORMANCE " + p.BotID)
	t.SetStyle(table.StyleRounded)

	statuses := make([]string, 0, len(p.ByStatus))
	for s := range p.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		t.AppendRow(table.Row{s, p.ByStatus[models.ExecutionStatus(s)]})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Success rate", fmt.Sprintf("%.1f%%", p.SuccessRate*100)},
		{"Orders filled", p.OrdersFilled},
		{"Orders rejected", p.OrdersRejected},
		{"Bought", fmt.Sprintf("%.2f", p.BuyVolume)},
		{"Sold", fmt.Sprintf("%.2f", p.SellVolume)},
		{"Realized PnL", fmt.Sprintf("%.2f", p.RealizedPnL)},
		{"Unrealized PnL", fmt.Sprintf("%.2f", p.UnrealizedPnL)},
		{"Open positions", p.OpenPositions},
		{"Portfolio value", fmt.Sprintf("%.2f", p.PortfolioValue)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 16, Align: text.AlignLeft},
		{Number: 2, WidthMin: 14, Align: text.AlignRight},
	})
	t.Render()
}
