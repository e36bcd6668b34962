package reporter

import (
	"io"
	"sort"

	"spot-grid-bot-go/internal/bot"
	"spot-grid-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Stats 存储从成交账本计算出的交易统计
type Stats struct {
	Pair             string
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	TotalProfit      decimal.Decimal
	WinRate          decimal.Decimal // 百分比
	AvgProfitPercent decimal.Decimal
	AvgProfitLoss    decimal.Decimal // 平均盈利 / 平均亏损
	MaxDrawdown      decimal.Decimal // 累计利润曲线上的最大回撤(计价货币)
	FeeExclusive     int             // 未扣手续费的成交数
}

// Summarize computes the stats of trades. Trades may come in any order.
func Summarize(pair string, trades []models.GridTrade) Stats {
	s := Stats{Pair: pair}
	if len(trades) == 0 {
		return s
	}
	sorted := append([]models.GridTrade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ExecutedAt.Before(sorted[j].ExecutedAt) })

	var wins, losses, percent decimal.Decimal
	curve := make([]decimal.Decimal, 0, len(sorted)+1)
	curve = append(curve, decimal.Zero)
	for _, t := range sorted {
		s.TotalTrades++
		if t.Profit.IsPositive() {
			s.WinningTrades++
			wins = wins.Add(t.Profit)
		} else {
			s.LosingTrades++
			losses = losses.Add(t.Profit)
		}
		if t.FeeExclusive {
			s.FeeExclusive++
		}
		percent = percent.Add(t.ProfitPercent)
		s.TotalProfit = s.TotalProfit.Add(t.Profit)
		curve = append(curve, s.TotalProfit)
	}

	n := decimal.NewFromInt(int64(s.TotalTrades))
	s.WinRate = decimal.NewFromInt(int64(s.WinningTrades)).Mul(hundred).Div(n)
	s.AvgProfitPercent = percent.Div(n)
	if s.WinningTrades > 0 && s.LosingTrades > 0 && !losses.IsZero() {
		avgWin := wins.Div(decimal.NewFromInt(int64(s.WinningTrades)))
		avgLoss := losses.Div(decimal.NewFromInt(int64(s.LosingTrades))).Abs()
		s.AvgProfitLoss = avgWin.Div(avgLoss)
	}
	s.MaxDrawdown = maxDrawdown(curve)
	return s
}

func maxDrawdown(curve []decimal.Decimal) decimal.Decimal {
	if len(curve) < 2 {
		return decimal.Zero
	}
	peak := curve[0]
	worst := decimal.Zero
	for _, v := range curve {
		if v.GreaterThan(peak) {
			peak = v
		}
		if dd := peak.Sub(v); dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst
}

// LogStats 打印交易统计
func LogStats(logger *zap.Logger, s Stats) {
	logger.Info("trading stats",
		zap.String("pair", s.Pair),
		zap.Int("trades", s.TotalTrades),
		zap.Int("wins", s.WinningTrades),
		zap.Int("losses", s.LosingTrades),
		zap.String("total_profit", s.TotalProfit.StringFixed(4)),
		zap.String("win_rate", s.WinRate.StringFixed(2)+"%"),
		zap.String("avg_profit_percent", s.AvgProfitPercent.StringFixed(4)),
		zap.String("max_drawdown", s.MaxDrawdown.StringFixed(4)),
		zap.Int("fee_exclusive", s.FeeExclusive))
}

// RenderStatusTable writes the scheduler status as a table.
func RenderStatusTable(w io.Writer, env models.TradingMode, statuses []bot.PairStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Grid bots (" + string(env) + ")")
	t.AppendHeader(table.Row{"Pair", "Running", "Price", "Range", "Steps", "Trades", "Profit", "Passes", "Skipped", "Last pass", "Last error"})
	for _, s := range statuses {
		running := "no"
		if s.Running {
			running = "yes"
		}
		rng := "-"
		if s.Steps > 0 {
			rng = s.Lower.String() + " - " + s.Upper.String()
		}
		last := "-"
		if !s.LastPassAt.IsZero() {
			last = s.LastPassAt.Format("15:04:05")
		}
		t.AppendRow(table.Row{
			s.Pair, running, s.LastPrice.String(), rng, s.Steps, s.TradeCount,
			s.CumulativeProfit.StringFixed(4), s.Passes, s.Skipped, last, s.LastError,
		})
	}
	t.Render()
}

// RenderStatsTable writes per-pair trading stats as a table.
func RenderStatsTable(w io.Writer, stats []Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Pair", "Trades", "Wins", "Losses", "Win rate %", "Avg profit %", "Total profit", "Max drawdown"})
	total := decimal.Zero
	for _, s := range stats {
		total = total.Add(s.TotalProfit)
		t.AppendRow(table.Row{
			s.Pair, s.TotalTrades, s.WinningTrades, s.LosingTrades,
			s.WinRate.StringFixed(2), s.AvgProfitPercent.StringFixed(4), s.TotalProfit.StringFixed(4), s.MaxDrawdown.StringFixed(4),
		})
	}
	t.AppendFooter(table.Row{"Total", "", "", "", "", "", total.StringFixed(4), ""})
	t.Render()
}
