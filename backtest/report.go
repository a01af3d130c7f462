package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"simtrade/market"
)

// Report is the outcome of one run. All derived figures are computed once
// at the end so two identical runs serialize identically.
type Report struct {
	RunID     string           `json:"run_id"`
	Symbol    string           `json:"symbol"`
	Timeframe market.Timeframe `json:"timeframe"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`

	InitialBalance float64 `json:"initial_balance"`
	FinalBalance   float64 `json:"final_balance"`
	NetProfit      float64 `json:"net_profit"`

	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"`
	ProfitFactor float64 `json:"profit_factor"`

	MaxDrawdownPct float64        `json:"max_drawdown_pct"`
	ExitBreakdown  map[string]int `json:"exit_breakdown"`

	Trades []ClosedTrade `json:"trades"`
}

func (e *Engine) buildReport(series *market.Series) *Report {
	r := &Report{
		RunID:          e.runID,
		Symbol:         series.Symbol,
		Timeframe:      series.Timeframe,
		Start:          series.At(0).Time,
		End:            series.At(series.Len() - 1).Time,
		InitialBalance: e.account.InitialBalance,
		FinalBalance:   e.account.Balance,
		NetProfit:      e.account.Balance - e.account.InitialBalance,
		MaxDrawdownPct: e.maxDrawdownPct,
		ExitBreakdown:  make(map[string]int),
		Trades:         e.trades,
	}

	for _, t := range e.trades {
		r.TotalTrades++
		r.ExitBreakdown[string(t.Reason)]++
		if t.PnL > 0 {
			r.Wins++
			r.GrossProfit += t.PnL
		} else {
			r.Losses++
			r.GrossLoss += -t.PnL
		}
	}
	if r.TotalTrades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.TotalTrades)
	}
	if r.GrossLoss > 0 {
		r.ProfitFactor = r.GrossProfit / r.GrossLoss
	}
	return r
}

// Summary renders the headline figures as a single line for logs.
func (r *Report) Summary() string {
	return fmt.Sprintf("run %s: %d trades, win rate %.1f%%, pf %.2f, net %.2f (%.2f -> %.2f), max dd %.2f%%",
		r.RunID, r.TotalTrades, r.WinRate*100, r.ProfitFactor,
		r.NetProfit, r.InitialBalance, r.FinalBalance, r.MaxDrawdownPct)
}

// WriteTradesCSV exports the trade list. Column order and number formatting
// are fixed, so identical runs produce byte-identical files.
func (r *Report) WriteTradesCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "direction", "entry_time", "entry_price", "exit_time", "exit_price", "volume", "pnl_points", "pnl", "reason", "partial", "tier", "dd_multiplier", "session_multiplier"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write trades header: %w", err)
	}
	for _, t := range r.Trades {
		row := []string{
			t.ID,
			directionName(t.Direction),
			t.EntryTime.UTC().Format(time.RFC3339),
			fmt.Sprintf("%.5f", t.EntryPrice),
			t.ExitTime.UTC().Format(time.RFC3339),
			fmt.Sprintf("%.5f", t.ExitPrice),
			fmt.Sprintf("%.2f", t.Volume),
			fmt.Sprintf("%.5f", t.PnLPoints),
			fmt.Sprintf("%.2f", t.PnL),
			string(t.Reason),
			fmt.Sprintf("%t", t.Partial),
			fmt.Sprintf("%d", t.TierIndex),
			fmt.Sprintf("%.2f", t.DrawdownMultiplier),
			fmt.Sprintf("%.2f", t.SessionMultiplier),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write trade %s: %w", t.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
