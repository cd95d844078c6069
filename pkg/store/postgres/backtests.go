package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quantpulse/quantpulse/pkg/store"
)

// InsertBacktestSession records a new run in its initial state.
func (s *Store) InsertBacktestSession(ctx context.Context, row *store.BacktestSessionRow) error {
	const query = `
		INSERT INTO backtest_sessions (
			session_id, strategy_id, symbol, start_date, end_date,
			acceleration_factor, initial_balance, status, progress_pct,
			current_ts, total_trades, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	return s.exec(ctx, 0, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			row.SessionID, row.StrategyID, row.Symbol,
			row.StartDate.UTC(), row.EndDate.UTC(),
			row.AccelerationFactor, row.InitialBalance, row.Status, row.ProgressPct,
			row.CurrentTimestamp, row.TotalTrades, row.ErrorMessage, row.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert backtest session %s: %w", row.SessionID, err)
		}
		return nil
	})
}

// UpdateBacktestSession rewrites the mutable fields of a run.
func (s *Store) UpdateBacktestSession(ctx context.Context, row *store.BacktestSessionRow) error {
	const query = `
		UPDATE backtest_sessions
		SET status = $2, progress_pct = $3, current_ts = $4,
		    final_pnl = $5, total_trades = $6, win_rate = $7,
		    error_message = $8, completed_at = $9
		WHERE session_id = $1`

	return s.exec(ctx, 0, func(ctx context.Context) error {
		var completedAt interface{}
		if row.CompletedAt != nil {
			completedAt = row.CompletedAt.UTC()
		}
		res, err := s.db.ExecContext(ctx, query,
			row.SessionID, row.Status, row.ProgressPct, row.CurrentTimestamp,
			row.FinalPnL, row.TotalTrades, row.WinRate,
			row.ErrorMessage, completedAt)
		if err != nil {
			return fmt.Errorf("update backtest session %s: %w", row.SessionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("backtest session %s not found", row.SessionID)
		}
		return nil
	})
}

// GetBacktestSession returns (nil, nil) on a miss.
func (s *Store) GetBacktestSession(ctx context.Context, sessionID string) (*store.BacktestSessionRow, error) {
	const query = `
		SELECT session_id, strategy_id, symbol, start_date, end_date,
		       acceleration_factor, initial_balance, status, progress_pct,
		       current_ts, final_pnl, total_trades, win_rate,
		       error_message, created_at, completed_at
		FROM backtest_sessions
		WHERE session_id = $1`

	var row store.BacktestSessionRow
	err := s.read(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &row, query, sessionID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading backtest session %s: %w", sessionID, err)
	}
	return &row, nil
}

// InsertBacktestTrades writes the trade log of a run in one transaction.
func (s *Store) InsertBacktestTrades(ctx context.Context, rows []store.BacktestTradeRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.exec(ctx, len(rows), func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin trade insert: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO backtest_trades (
				session_id, order_id, symbol, side, quantity, price, ts,
				realized_pnl, reason
			) VALUES ($1, $2, $3, $4, $5, $6, to_timestamp($7) AT TIME ZONE 'UTC', $8, $9)`)
		if err != nil {
			return fmt.Errorf("prepare trade insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx,
				r.SessionID, r.OrderID, r.Symbol, r.Side, r.Quantity, r.Price,
				r.Timestamp, r.RealizedPnL, r.Reason); err != nil {
				return fmt.Errorf("insert trade %s: %w", r.OrderID, err)
			}
		}
		return tx.Commit()
	})
}

// InsertEquityCurve writes the downsampled equity points of a run.
func (s *Store) InsertEquityCurve(ctx context.Context, rows []store.EquityPointRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.exec(ctx, len(rows), func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin equity insert: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO backtest_equity_curve (session_id, ts, equity, drawdown_pct)
			VALUES ($1, to_timestamp($2) AT TIME ZONE 'UTC', $3, $4)`)
		if err != nil {
			return fmt.Errorf("prepare equity insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.SessionID, r.Timestamp, r.Equity, r.DrawdownPct); err != nil {
				return fmt.Errorf("insert equity point: %w", err)
			}
		}
		return tx.Commit()
	})
}

// SaveStrategy inserts or replaces a strategy document by id.
func (s *Store) SaveStrategy(ctx context.Context, row *store.StrategyRow) error {
	const query = `
		INSERT INTO strategies (id, name, config, enabled, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, config = EXCLUDED.config,
		    enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at`

	return s.exec(ctx, 0, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			row.ID, row.Name, row.Config, row.Enabled,
			row.CreatedAt.UTC(), row.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("save strategy %s: %w", row.ID, err)
		}
		return nil
	})
}

// GetStrategy returns (nil, nil) on a miss.
func (s *Store) GetStrategy(ctx context.Context, id string) (*store.StrategyRow, error) {
	const query = `
		SELECT id, name, config, enabled, created_at, updated_at
		FROM strategies
		WHERE id = $1`

	var row store.StrategyRow
	err := s.read(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &row, query, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading strategy %s: %w", id, err)
	}
	return &row, nil
}

// ListStrategies returns all stored strategies ordered by name.
func (s *Store) ListStrategies(ctx context.Context) ([]*store.StrategyRow, error) {
	const query = `
		SELECT id, name, config, enabled, created_at, updated_at
		FROM strategies
		ORDER BY name ASC`

	var out []*store.StrategyRow
	err := s.read(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryxContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r store.StrategyRow
			if err := rows.StructScan(&r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing strategies: %w", err)
	}
	return out, nil
}
