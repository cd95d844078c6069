package backtest

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/quantpulse/quantpulse/pkg/store"
)

// applyTradeStats folds the trade log into the result. Win rate and
// profit factor consider closing trades only; opens carry no PnL.
func applyTradeStats(res *Result, trades []store.BacktestTradeRow) {
	res.TotalTrades = len(trades)

	var grossWin, grossLoss float64
	for _, tr := range trades {
		if tr.RealizedPnL == nil {
			continue
		}
		pnl := *tr.RealizedPnL
		switch {
		case pnl > 0:
			res.Winners++
			grossWin += pnl
		case pnl < 0:
			res.Losers++
			grossLoss += -pnl
		}
	}
	if closed := res.Winners + res.Losers; closed > 0 {
		res.WinRate = float64(res.Winners) / float64(closed)
	}
	if grossLoss > 0 {
		res.ProfitFactor = grossWin / grossLoss
	}
}

// riskRatios computes annualized Sharpe and Sortino (risk-free rate 0)
// from daily returns of the equity curve. Runs shorter than two days
// yield zero for both.
func riskRatios(curve []store.EquityPointRow) (sharpe, sortino float64) {
	returns := dailyReturns(curve)
	if len(returns) == 0 {
		return 0, 0
	}

	m := mean(returns)
	if sd := stdDev(returns); sd > 0 {
		sharpe = m / sd * math.Sqrt(252)
	}

	downside := make([]float64, 0, len(returns))
	for _, ret := range returns {
		if ret < 0 {
			downside = append(downside, ret)
		}
	}
	if len(downside) > 0 {
		if dsd := stdDev(downside); dsd > 0 {
			sortino = m / dsd * math.Sqrt(252)
		}
	}
	return sharpe, sortino
}

// dailyReturns reduces the curve to one closing equity per UTC day and
// differences consecutive days.
func dailyReturns(curve []store.EquityPointRow) []float64 {
	if len(curve) < 2 {
		return nil
	}
	closes := make(map[string]float64, len(curve))
	days := make([]string, 0, len(curve))
	for _, p := range curve {
		day := time.Unix(int64(p.Timestamp), 0).UTC().Format("2006-01-02")
		if _, seen := closes[day]; !seen {
			days = append(days, day)
		}
		closes[day] = p.Equity
	}
	if len(days) < 2 {
		return nil
	}
	sort.Strings(days)

	returns := make([]float64, 0, len(days)-1)
	for i := 1; i < len(days); i++ {
		prev := closes[days[i-1]]
		if prev == 0 {
			continue
		}
		returns = append(returns, (closes[days[i]]-prev)/prev)
	}
	return returns
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	sumSquares := 0.0
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)))
}

// WriteSummary renders the run summary.
func (r *Result) WriteSummary(w io.Writer) {
	banner := strings.Repeat("=", 60)
	fmt.Fprintln(w, "\n"+banner)
	fmt.Fprintln(w, "BACKTEST SUMMARY")
	fmt.Fprintln(w, banner)

	fmt.Fprintf(w, "\nSession: %s (%s)\n", r.SessionID, r.Status)
	fmt.Fprintf(w, "Duration: %s, %d candles\n", r.Duration.Round(time.Millisecond), r.CandlesProcessed)

	fmt.Fprintf(w, "\nInitial Balance: %.2f\n", r.InitialBalance)
	fmt.Fprintf(w, "Final Balance:   %.2f\n", r.FinalBalance)
	ret := 0.0
	if r.InitialBalance > 0 {
		ret = r.FinalPnL / r.InitialBalance * 100
	}
	fmt.Fprintf(w, "Total PnL:       %.2f (%.2f%%)\n", r.FinalPnL, ret)

	fmt.Fprintf(w, "\nPerformance Metrics:\n")
	fmt.Fprintf(w, "  Sharpe Ratio:      %.2f\n", r.SharpeRatio)
	fmt.Fprintf(w, "  Sortino Ratio:     %.2f\n", r.SortinoRatio)
	fmt.Fprintf(w, "  Max Drawdown:      %.2f%%\n", r.MaxDrawdownPct)

	fmt.Fprintf(w, "\nTrade Statistics:\n")
	fmt.Fprintf(w, "  Total Trades:      %d\n", r.TotalTrades)
	fmt.Fprintf(w, "  Winners:           %d (%.1f%%)\n", r.Winners, r.WinRate*100)
	fmt.Fprintf(w, "  Losers:            %d\n", r.Losers)
	fmt.Fprintf(w, "  Profit Factor:     %.2f\n", r.ProfitFactor)
	fmt.Fprintf(w, "  Signals:           %d\n", r.SignalsGenerated)
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "\nError: %s\n", r.ErrorMessage)
	}

	fmt.Fprintln(w, banner)
}

// PrintSummary writes the summary to stdout.
func (r *Result) PrintSummary() {
	r.WriteSummary(os.Stdout)
}
