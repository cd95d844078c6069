package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpulse/quantpulse/pkg/backtest"
	"github.com/quantpulse/quantpulse/pkg/store"
)

var (
	btConfigPath string
	btSessionID  string
	btSymbol     string
	btStrategyID string
	btStart      string
	btEnd        string
	btBalance    float64
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run a backtest session against the store",
	Long: `backtest replays stored candles through the order manager and either the
inline breakout rule or a strategy state machine. An existing session id can
be resumed by --session; otherwise --symbol, --start, and --end describe a
new session.`,
	RunE: runBacktest,
}

func init() {
	backtestCmd.Flags().StringVar(&btConfigPath, "backtest-config", "", "Backtest YAML (defaults to inline mode)")
	backtestCmd.Flags().StringVar(&btSessionID, "session", "", "Existing session id (new uuid when empty)")
	backtestCmd.Flags().StringVar(&btSymbol, "symbol", "", "Symbol for a new session")
	backtestCmd.Flags().StringVar(&btStrategyID, "strategy-id", "", "Strategy label stored on a new session")
	backtestCmd.Flags().StringVar(&btStart, "start", "", "Range start (YYYY-MM-DD or RFC3339)")
	backtestCmd.Flags().StringVar(&btEnd, "end", "", "Range end (YYYY-MM-DD or RFC3339)")
	backtestCmd.Flags().Float64Var(&btBalance, "balance", 10000, "Initial balance for a new session")
	rootCmd.AddCommand(backtestCmd)
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer base.Close()

	btCfg := backtest.DefaultConfig()
	if btConfigPath != "" {
		btCfg, err = backtest.LoadConfig(btConfigPath)
		if err != nil {
			return err
		}
	}

	sessionID := btSessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	row, err := base.GetBacktestSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("look up session: %w", err)
	}
	if row == nil {
		if err := createSession(ctx, base, sessionID, btCfg); err != nil {
			return err
		}
	}

	runner, err := backtest.NewRunner(base, nil, btCfg)
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx, sessionID)
	if res != nil {
		res.PrintSummary()
	}
	if errors.Is(err, context.Canceled) {
		log.Warn().Str("session", sessionID).Msg("backtest stopped by signal")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Str("session", sessionID).Str("status", res.Status).Msg("backtest finished")
	return nil
}

// createSession inserts a pending session row from the command flags.
func createSession(ctx context.Context, st store.BacktestStore, sessionID string, btCfg backtest.Config) error {
	if btSymbol == "" || btStart == "" || btEnd == "" {
		return fmt.Errorf("session %s not found; --symbol, --start, and --end are required to create one", sessionID)
	}
	start, err := parseDate(btStart)
	if err != nil {
		return fmt.Errorf("parse --start: %w", err)
	}
	end, err := parseDate(btEnd)
	if err != nil {
		return fmt.Errorf("parse --end: %w", err)
	}
	if !end.After(start) {
		return fmt.Errorf("--end must be after --start")
	}
	strategyID := btStrategyID
	if strategyID == "" {
		strategyID = "inline"
		if btCfg.EvaluationMode == backtest.EvalStrategy && btCfg.Strategy != nil {
			strategyID = btCfg.Strategy.StrategyName
		}
	}
	row := &store.BacktestSessionRow{
		SessionID:      sessionID,
		StrategyID:     strategyID,
		Symbol:         btSymbol,
		StartDate:      start,
		EndDate:        end,
		InitialBalance: btBalance,
		Status:         backtest.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := st.InsertBacktestSession(ctx, row); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	log.Info().Str("session", sessionID).Str("symbol", btSymbol).
		Time("start", start).Time("end", end).Msg("backtest session created")
	return nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD or RFC3339, got %q", s)
	}
	return t.UTC(), nil
}
