package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantpulse/quantpulse/pkg/events"
	"github.com/quantpulse/quantpulse/pkg/marketdata"
	"github.com/quantpulse/quantpulse/pkg/metrics"
	"github.com/quantpulse/quantpulse/pkg/store"
	"github.com/quantpulse/quantpulse/pkg/strategy"
)

var (
	// ErrSessionNotFound flags a run request for a session id the store
	// does not hold.
	ErrSessionNotFound = errors.New("backtest session not found")

	// ErrSessionRunning flags a second run request for an active session.
	ErrSessionRunning = errors.New("backtest session already running")

	errNoCandles = errors.New("no candles in session range")
)

// Store is the slice of the persistence surface a backtest run touches.
type Store interface {
	store.BacktestStore

	GetAggregatedOHLCV(ctx context.Context, sessionID, symbol, interval string) ([]marketdata.Candle, error)
	GetOHLCVResample(ctx context.Context, symbol, interval string, start, end float64) ([]marketdata.Candle, error)
	GetIndicators(ctx context.Context, q store.IndicatorQuery) ([]store.IndicatorRow, error)
}

// Runner executes backtest sessions: it loads the session row, replays
// candles in ascending order through exit rules and the configured entry
// evaluator, tracks equity and drawdown, throttles progress events, and
// persists the terminal artifacts.
type Runner struct {
	cfg Config
	st  Store
	bus *events.Bus
	met *metrics.Metrics
	log zerolog.Logger

	mu   sync.Mutex
	runs map[string]*runHandle
}

type runHandle struct {
	cancel context.CancelFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMetrics attaches run counters.
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.met = m }
}

// NewRunner validates the config and builds a runner. The bus may be nil
// for silent runs.
func NewRunner(st Store, bus *events.Bus, cfg Config, opts ...RunnerOption) (*Runner, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:  cfg,
		st:   st,
		bus:  bus,
		log:  log.With().Str("component", "backtest").Logger(),
		runs: make(map[string]*runHandle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes one session to a terminal state. On execution failures the
// returned Result is still terminal (status failed) alongside the error;
// only lookup and concurrency errors return a nil Result.
func (r *Runner) Run(ctx context.Context, sessionID string) (*Result, error) {
	row, err := r.st.GetBacktestSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	r.mu.Lock()
	if _, active := r.runs[sessionID]; active {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionRunning, sessionID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.runs[sessionID] = &runHandle{cancel: cancel}
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.runs, sessionID)
		r.mu.Unlock()
	}()

	if r.met != nil {
		r.met.BacktestsActive.Inc()
		defer r.met.BacktestsActive.Dec()
	}
	return r.execute(runCtx, row)
}

// Stop cancels an active run; the loop exits at the next candle and the
// session finishes as stopped. It reports whether a run was active.
func (r *Runner) Stop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[sessionID]
	if !ok {
		return false
	}
	h.cancel()
	return true
}

func (r *Runner) execute(ctx context.Context, row *store.BacktestSessionRow) (res *Result, err error) {
	runLog := r.log.With().Str("session", row.SessionID).Str("symbol", row.Symbol).Logger()
	res = &Result{
		SessionID:      row.SessionID,
		Status:         StatusRunning,
		InitialBalance: row.InitialBalance,
		StartedAt:      time.Now(),
	}
	defer func() {
		if rec := recover(); rec != nil {
			res, err = r.fail(runLog, res, row, fmt.Errorf("backtest panicked: %v", rec))
		}
	}()

	row.Status = StatusRunning
	row.ProgressPct = 0
	if uerr := r.st.UpdateBacktestSession(ctx, row); uerr != nil {
		return r.fail(runLog, res, row, fmt.Errorf("mark session running: %w", uerr))
	}
	runLog.Info().
		Time("start", row.StartDate).
		Time("end", row.EndDate).
		Float64("initial_balance", row.InitialBalance).
		Str("mode", r.cfg.EvaluationMode).
		Msg("backtest started")

	candles, lerr := r.loadCandles(ctx, row)
	if lerr != nil {
		return r.fail(runLog, res, row, lerr)
	}

	om := NewOrderManager(row.SessionID, r.cfg, r.bus)
	if serr := om.Start(); serr != nil {
		return r.fail(runLog, res, row, serr)
	}
	defer om.Stop()

	var inst *strategy.Instance
	var indRows []store.IndicatorRow
	if r.cfg.EvaluationMode == EvalStrategy {
		inst = strategy.NewInstance(*r.cfg.Strategy)
		inst.Enable()
		indRows, lerr = r.loadIndicators(ctx, row)
		if lerr != nil {
			return r.fail(runLog, res, row, lerr)
		}
		runLog.Info().Int("indicator_rows", len(indRows)).Msg("replaying stored indicator series")
	}

	initial := row.InitialBalance
	equity := initial
	peak := initial
	maxDD := 0.0
	volMean := 0.0
	prevClose := 0.0
	indIdx := 0
	stopped := false
	total := len(candles)
	curve := make([]store.EquityPointRow, 0, total)
	limiter := rate.NewLimiter(rate.Every(time.Duration(r.cfg.BroadcastInterval*float64(time.Second))), 1)

	for i, c := range candles {
		select {
		case <-ctx.Done():
			stopped = true
		default:
		}
		if stopped {
			break
		}

		om.MarkPrice(row.Symbol, c.Close)
		volMean += (c.Volume - volMean) / float64(i+1)

		transition := false
		for _, pos := range om.Positions() {
			sig, hit := r.exitSignal(pos, c, row.StrategyID)
			if !hit {
				continue
			}
			if _, herr := om.HandleSignal(sig); herr == nil {
				transition = true
			}
		}
		if inst != nil && transition && om.OpenPositionCount() == 0 {
			inst.OnPositionClosed()
		}

		if inst != nil {
			if r.driveStrategy(inst, om, indRows, &indIdx, c, equity, prevClose, volMean) {
				transition = true
			}
		} else if om.OpenPositionCount() == 0 && prevClose > 0 && volMean > 0 {
			changePct := (c.Close - prevClose) / prevClose * 100
			volRatio := c.Volume / volMean
			if changePct > 0.1 && volRatio > 1.5 {
				units := equity * (r.cfg.PositionPct / 100) / c.Close
				sig := events.Signal{
					StrategyName: row.StrategyID,
					Symbol:       row.Symbol,
					SignalType:   events.SignalS1,
					Side:         events.SideBuy,
					Quantity:     units,
					Price:        c.Close,
					Reason:       fmt.Sprintf("breakout: change %.2f%%, volume ratio %.2f", changePct, volRatio),
					Timestamp:    c.Timestamp,
				}
				if _, herr := om.HandleSignal(sig); herr == nil {
					transition = true
				}
			}
		}

		equity = initial + om.RealizedPnL() + om.UnrealizedPnL()
		if equity > peak {
			peak = equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (peak - equity) / peak * 100
		}
		if dd > maxDD {
			maxDD = dd
		}
		curve = append(curve, store.EquityPointRow{
			SessionID:   row.SessionID,
			Timestamp:   c.Timestamp,
			Equity:      equity,
			DrawdownPct: dd,
		})

		res.CandlesProcessed = i + 1
		progress := float64(i+1) / float64(total) * 100
		if transition || limiter.Allow() {
			r.broadcastProgress(row.SessionID, progress, c.Timestamp, equity, dd, i+1, total)
			row.ProgressPct = progress
			row.CurrentTimestamp = c.Timestamp
			if uerr := r.st.UpdateBacktestSession(ctx, row); uerr != nil {
				runLog.Warn().Err(uerr).Msg("progress update failed")
			}
		}
		if r.met != nil {
			r.met.BacktestCandles.Inc()
		}
		prevClose = c.Close
	}

	if !stopped {
		last := candles[total-1]
		for _, pos := range om.Positions() {
			if _, cerr := om.ClosePosition(pos.Symbol, last.Close, "End of backtest", last.Timestamp); cerr != nil {
				runLog.Warn().Err(cerr).Str("symbol", pos.Symbol).Msg("final close failed")
			}
		}
		equity = initial + om.RealizedPnL() + om.UnrealizedPnL()
		if peak > 0 {
			dd := (peak - equity) / peak * 100
			if dd > maxDD {
				maxDD = dd
			}
			if n := len(curve); n > 0 {
				curve[n-1].Equity = equity
				curve[n-1].DrawdownPct = dd
			}
		}
	}

	res.Status = StatusCompleted
	if stopped {
		res.Status = StatusStopped
	}
	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	res.FinalBalance = equity
	res.FinalPnL = equity - initial
	res.MaxDrawdownPct = maxDD
	res.SignalsGenerated = om.SignalCount()
	applyTradeStats(res, om.TradeRows())
	res.SharpeRatio, res.SortinoRatio = riskRatios(curve)

	r.persistArtifacts(runLog, res, row, om.TradeRows(), curve)
	r.publish(events.TopicBacktestCompleted, events.BacktestCompleted{
		SessionID:      res.SessionID,
		Status:         res.Status,
		TotalTrades:    res.TotalTrades,
		WinRate:        res.WinRate,
		FinalPnL:       res.FinalPnL,
		FinalBalance:   res.FinalBalance,
		MaxDrawdownPct: res.MaxDrawdownPct,
		DurationSec:    res.Duration.Seconds(),
	})
	runLog.Info().
		Str("status", res.Status).
		Int("trades", res.TotalTrades).
		Float64("final_pnl", res.FinalPnL).
		Float64("max_drawdown_pct", res.MaxDrawdownPct).
		Dur("duration", res.Duration).
		Msg("backtest finished")

	if stopped {
		return res, ctx.Err()
	}
	return res, nil
}

// driveStrategy feeds the state machine the indicator rows due at this
// candle plus the derived per-candle metrics, and submits any signals the
// transitions emit. S1 quantities arrive as percent of equity and are
// translated to units at the candle close.
func (r *Runner) driveStrategy(inst *strategy.Instance, om *OrderManager, rows []store.IndicatorRow, idx *int, c marketdata.Candle, equity, prevClose, volMean float64) bool {
	transition := false
	submit := func(sig *events.Signal) {
		if sig == nil {
			return
		}
		if sig.SignalType == events.SignalS1 {
			sig.Quantity = equity * (sig.Quantity / 100) / c.Close
		}
		sig.Price = c.Close
		sig.Timestamp = c.Timestamp
		if _, err := om.HandleSignal(*sig); err != nil {
			// A close that found the position already flat (an exit rule
			// fired first) still completes the machine's close.
			if om.OpenPositionCount() == 0 {
				inst.OnPositionClosed()
			}
			return
		}
		transition = true
		if om.OpenPositionCount() == 0 {
			inst.OnPositionClosed()
		}
	}

	for *idx < len(rows) && rows[*idx].Timestamp <= c.Timestamp {
		row := rows[*idx]
		*idx++
		submit(inst.Update(row.IndicatorID, row.Value))
	}
	if prevClose > 0 {
		submit(inst.Update("price_change_pct", (c.Close-prevClose)/prevClose*100))
	}
	if volMean > 0 {
		submit(inst.Update("volume_ratio", c.Volume/volMean))
	}
	return transition
}

// exitSignal synthesizes a close signal when the position's PnL percent
// against its average price breaches the stop-loss or take-profit bound.
func (r *Runner) exitSignal(pos Position, c marketdata.Candle, strategyName string) (events.Signal, bool) {
	if pos.AveragePrice <= 0 {
		return events.Signal{}, false
	}
	pnlPct := (c.Close - pos.AveragePrice) / pos.AveragePrice * 100
	if pos.Quantity < 0 {
		pnlPct = -pnlPct
	}

	var reason string
	switch {
	case r.cfg.StopLossPercent > 0 && pnlPct <= -r.cfg.StopLossPercent:
		reason = fmt.Sprintf("Stop loss triggered at %.2f%%", pnlPct)
	case r.cfg.TakeProfitPercent > 0 && pnlPct >= r.cfg.TakeProfitPercent:
		reason = fmt.Sprintf("Take profit triggered at %.2f%%", pnlPct)
	default:
		return events.Signal{}, false
	}

	side := events.SideSell
	if pos.Quantity < 0 {
		side = events.SideCover
	}
	return events.Signal{
		StrategyName: strategyName,
		Symbol:       pos.Symbol,
		SignalType:   events.SignalZE1,
		Side:         side,
		Quantity:     0, // whole position
		Price:        c.Close,
		Reason:       reason,
		Timestamp:    c.Timestamp,
	}, true
}

// loadCandles prefers the session's pre-aggregated bars and falls back to
// resampling ticks, then clips to the session range.
func (r *Runner) loadCandles(ctx context.Context, row *store.BacktestSessionRow) ([]marketdata.Candle, error) {
	startTS := float64(row.StartDate.Unix())
	endTS := float64(row.EndDate.Unix())

	candles, err := r.st.GetAggregatedOHLCV(ctx, row.SessionID, row.Symbol, r.cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("load aggregated candles: %w", err)
	}
	if len(candles) == 0 {
		candles, err = r.st.GetOHLCVResample(ctx, row.Symbol, r.cfg.Timeframe, startTS, endTS)
		if err != nil {
			return nil, fmt.Errorf("resample candles: %w", err)
		}
	}

	inRange := candles[:0]
	for _, c := range candles {
		if c.Timestamp >= startTS && c.Timestamp <= endTS {
			inRange = append(inRange, c)
		}
	}
	if len(inRange) == 0 {
		return nil, errNoCandles
	}
	if !sort.SliceIsSorted(inRange, func(i, j int) bool { return inRange[i].Timestamp < inRange[j].Timestamp }) {
		sort.Slice(inRange, func(i, j int) bool { return inRange[i].Timestamp < inRange[j].Timestamp })
	}
	return inRange, nil
}

// loadIndicators returns the session's persisted indicator rows in the
// run range, ascending, for strategy-mode replay.
func (r *Runner) loadIndicators(ctx context.Context, row *store.BacktestSessionRow) ([]store.IndicatorRow, error) {
	startTS := float64(row.StartDate.Unix())
	endTS := float64(row.EndDate.Unix())
	rows, err := r.st.GetIndicators(ctx, store.IndicatorQuery{
		Symbol: row.Symbol,
		Start:  &startTS,
		End:    &endTS,
	})
	if err != nil {
		return nil, fmt.Errorf("load indicator series: %w", err)
	}
	own := rows[:0]
	for _, ir := range rows {
		if ir.SessionID == row.SessionID {
			own = append(own, ir)
		}
	}
	return own, nil
}

func (r *Runner) fail(runLog zerolog.Logger, res *Result, row *store.BacktestSessionRow, cause error) (*Result, error) {
	res.Status = StatusFailed
	res.ErrorMessage = cause.Error()
	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)

	row.Status = StatusFailed
	row.ErrorMessage = cause.Error()
	now := time.Now()
	row.CompletedAt = &now
	r.persistRow(runLog, row)

	r.publish(events.TopicBacktestFailed, events.BacktestFailed{
		SessionID: row.SessionID,
		Error:     cause.Error(),
	})
	runLog.Error().Err(cause).Msg("backtest failed")
	return res, cause
}

// persistArtifacts writes the trade log, the downsampled equity curve,
// and the terminal session row. Failures are logged; the in-memory result
// is already terminal.
func (r *Runner) persistArtifacts(runLog zerolog.Logger, res *Result, row *store.BacktestSessionRow, trades []store.BacktestTradeRow, curve []store.EquityPointRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(trades) > 0 {
		if err := r.st.InsertBacktestTrades(ctx, trades); err != nil {
			runLog.Error().Err(err).Msg("persist trades failed")
		}
	}
	if len(curve) > 0 {
		if err := r.st.InsertEquityCurve(ctx, downsampleEquity(curve, 10)); err != nil {
			runLog.Error().Err(err).Msg("persist equity curve failed")
		}
	}

	row.Status = res.Status
	row.TotalTrades = res.TotalTrades
	pnl := res.FinalPnL
	row.FinalPnL = &pnl
	wr := res.WinRate
	row.WinRate = &wr
	if res.Status == StatusCompleted {
		row.ProgressPct = 100
	}
	now := time.Now()
	row.CompletedAt = &now
	r.persistRow(runLog, row)
}

func (r *Runner) persistRow(runLog zerolog.Logger, row *store.BacktestSessionRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.st.UpdateBacktestSession(ctx, row); err != nil {
		runLog.Error().Err(err).Msg("session update failed")
	}
}

func (r *Runner) broadcastProgress(sessionID string, progress, ts, equity, dd float64, done, total int) {
	r.publish(events.TopicBacktestProgress, events.BacktestProgress{
		SessionID:    sessionID,
		ProgressPct:  progress,
		Timestamp:    ts,
		Equity:       equity,
		DrawdownPct:  dd,
		CandlesDone:  done,
		TotalCandles: total,
	})
}

func (r *Runner) publish(topic events.Topic, payload interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(topic, payload); err != nil {
		r.log.Warn().Err(err).Str("topic", string(topic)).Msg("event dropped")
	}
}

// downsampleEquity keeps every nth point plus the last.
func downsampleEquity(points []store.EquityPointRow, stride int) []store.EquityPointRow {
	if stride <= 1 || len(points) <= 2 {
		return points
	}
	out := make([]store.EquityPointRow, 0, len(points)/stride+2)
	for i, p := range points {
		if i%stride == 0 {
			out = append(out, p)
		}
	}
	if last := points[len(points)-1]; len(out) == 0 || out[len(out)-1].Timestamp != last.Timestamp {
		out = append(out, last)
	}
	return out
}
