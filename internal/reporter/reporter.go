package reporter

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"gridvault-bot/internal/exchange"
	"gridvault-bot/internal/models"
)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	DataPath         string
	Pair             string
	StartTime        time.Time
	EndTime          time.Time
	InitialEquity    float64 // 以资产 B 计价
	FinalEquity      float64
	TotalProfit      float64
	ProfitPercentage float64
	BuyHoldEquity    float64 // 不交易时的期末权益
	TotalTrades      int
	BuyTrades        int
	SellTrades       int
	FailedTrades     int
	TotalFees        float64
	MaxDrawdown      float64 // 百分比
	EndingA          float64
	EndingB          float64
	EndingPrice      float64
}

// Calculate derives the metrics from the simulated exchange. stats is optional; when given,
// the failure count comes from the persisted trade history.
func Calculate(pe *exchange.PaperExchange, stats *models.TradeStats) Metrics {
	m := Metrics{Pair: exchange.Symbol(pe.AssetA, pe.AssetB)}

	for _, t := range pe.Trades() {
		m.TotalTrades++
		if t.Side == models.Buy {
			m.BuyTrades++
		} else {
			m.SellTrades++
		}
	}
	if stats != nil {
		m.FailedTrades = stats.FailedTrades
	}

	a, b := pe.Balances()
	m.EndingA = a.InexactFloat64()
	m.EndingB = b.InexactFloat64()
	m.EndingPrice = pe.CurrentPrice
	m.TotalFees = pe.TotalFees.InexactFloat64()
	m.InitialEquity = pe.InitialEquity()
	m.FinalEquity = pe.Equity()
	m.TotalProfit = m.FinalEquity - m.InitialEquity
	if m.InitialEquity != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialEquity * 100
	}
	m.BuyHoldEquity = pe.InitialB.InexactFloat64() + pe.InitialA.InexactFloat64()*pe.CurrentPrice
	m.MaxDrawdown = pe.MaxDrawdown() * 100
	return m
}

// Render 把指标渲染成表格
func (m Metrics) Render() string {
	t := table.NewWriter()
	t.SetTitle("Backtest report")
	t.SetStyle(table.StyleLight)
	t.Style().Title.Align = text.AlignCenter
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})

	if m.DataPath != "" {
		t.AppendRow(table.Row{"Data file", m.DataPath})
	}
	t.AppendRow(table.Row{"Pair", m.Pair})
	if !m.StartTime.IsZero() {
		t.AppendRow(table.Row{"Period", fmt.Sprintf("%s to %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"Initial equity", fmt.Sprintf("%.4f", m.InitialEquity)})
	t.AppendRow(table.Row{"Final equity", fmt.Sprintf("%.4f", m.FinalEquity)})
	t.AppendRow(table.Row{"Profit", fmt.Sprintf("%.4f (%.2f%%)", m.TotalProfit, m.ProfitPercentage)})
	t.AppendRow(table.Row{"Buy & hold equity", fmt.Sprintf("%.4f", m.BuyHoldEquity)})
	t.AppendRow(table.Row{"Max drawdown", fmt.Sprintf("%.2f%%", m.MaxDrawdown)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Trades", m.TotalTrades})
	t.AppendRow(table.Row{"Buys / sells", fmt.Sprintf("%d / %d", m.BuyTrades, m.SellTrades)})
	t.AppendRow(table.Row{"Failed trades", m.FailedTrades})
	t.AppendRow(table.Row{"Fees paid", fmt.Sprintf("%.6f", m.TotalFees)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Ending balance A", fmt.Sprintf("%.8f", m.EndingA)})
	t.AppendRow(table.Row{"Ending balance B", fmt.Sprintf("%.8f", m.EndingB)})
	t.AppendRow(table.Row{"Ending price", fmt.Sprintf("%.8f", m.EndingPrice)})
	return t.Render()
}

// GenerateReport 计算并输出回测报告
func GenerateReport(w io.Writer, pe *exchange.PaperExchange, stats *models.TradeStats, dataPath string, start, end time.Time) Metrics {
	m := Calculate(pe, stats)
	m.DataPath = dataPath
	m.StartTime = start
	m.EndTime = end
	fmt.Fprintln(w, m.Render())
	return m
}
