package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/quantpulse/quantpulse/pkg/marketdata"
	"github.com/quantpulse/quantpulse/pkg/store"
)

// Timestamps live in the database as naive UTC; queries convert at the
// boundary with to_timestamp/EXTRACT so Go only ever sees epoch seconds.

type candleRow struct {
	TS     float64 `db:"ts"`
	Open   float64 `db:"open"`
	High   float64 `db:"high"`
	Low    float64 `db:"low"`
	Close  float64 `db:"close"`
	Volume float64 `db:"volume"`
}

func (r candleRow) candle() marketdata.Candle {
	return marketdata.Candle{
		Timestamp: r.TS,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}
}

// GetTickPrices returns the ticks of one session and symbol, ascending.
func (s *Store) GetTickPrices(ctx context.Context, sessionID, symbol string) ([]marketdata.Point, error) {
	const query = `
		SELECT EXTRACT(EPOCH FROM ts)::float8 AS ts, price, volume
		FROM tick_prices
		WHERE session_id = $1 AND symbol = $2
		ORDER BY ts ASC`

	var out []marketdata.Point
	err := s.read(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryxContext(ctx, query, sessionID, symbol)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				TS     float64 `db:"ts"`
				Price  float64 `db:"price"`
				Volume float64 `db:"volume"`
			}
			if err := rows.StructScan(&r); err != nil {
				return err
			}
			out = append(out, marketdata.Point{
				Timestamp: r.TS,
				Symbol:    symbol,
				Price:     r.Price,
				Volume:    r.Volume,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("loading ticks for %s/%s: %w", sessionID, symbol, err)
	}
	return out, nil
}

// InsertTickPrices appends raw ticks in one transaction.
func (s *Store) InsertTickPrices(ctx context.Context, rows []store.TickRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	err := s.exec(ctx, len(rows), func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tick insert: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tick_prices (session_id, symbol, ts, price, volume)
			VALUES ($1, $2, to_timestamp($3) AT TIME ZONE 'UTC', $4, $5)`)
		if err != nil {
			return fmt.Errorf("prepare tick insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.SessionID, r.Symbol, r.Timestamp, r.Price, r.Volume); err != nil {
				return fmt.Errorf("insert tick: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// GetAggregatedOHLCV reads pre-aggregated bars, falling back to on-the-fly
// aggregation from ticks when the table has nothing for the key. The
// fallback keeps fresh deployments working before any aggregation job has
// filled the table.
func (s *Store) GetAggregatedOHLCV(ctx context.Context, sessionID, symbol, interval string) ([]marketdata.Candle, error) {
	step, err := barSeconds(interval)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT EXTRACT(EPOCH FROM ts)::float8 AS ts, open, high, low, close, volume
		FROM aggregated_ohlcv
		WHERE session_id = $1 AND symbol = $2 AND timeframe = $3
		ORDER BY ts ASC`

	var out []marketdata.Candle
	err = s.read(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryxContext(ctx, query, sessionID, symbol, strings.ToLower(interval))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r candleRow
			if err := rows.StructScan(&r); err != nil {
				return err
			}
			out = append(out, r.candle())
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s bars for %s/%s: %w", interval, sessionID, symbol, err)
	}
	if len(out) > 0 {
		return out, nil
	}

	const fallback = `
		SELECT slot AS ts,
		       (array_agg(price ORDER BY ts ASC))[1]  AS open,
		       max(price)                             AS high,
		       min(price)                             AS low,
		       (array_agg(price ORDER BY ts DESC))[1] AS close,
		       sum(volume)                            AS volume
		FROM (
			SELECT floor(EXTRACT(EPOCH FROM ts) / $3) * $3 AS slot, ts, price, volume
			FROM tick_prices
			WHERE session_id = $1 AND symbol = $2
		) ticks
		GROUP BY slot
		ORDER BY slot ASC`

	err = s.read(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryxContext(ctx, fallback, sessionID, symbol, step)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r candleRow
			if err := rows.StructScan(&r); err != nil {
				return err
			}
			out = append(out, r.candle())
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("aggregating %s bars for %s/%s: %w", interval, sessionID, symbol, err)
	}
	return out, nil
}

// GetOHLCVResample aggregates ticks across sessions into bars over the
// closed range [start, end] epoch seconds.
func (s *Store) GetOHLCVResample(ctx context.Context, symbol, interval string, start, end float64) ([]marketdata.Candle, error) {
	step, err := barSeconds(interval)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT slot AS ts,
		       (array_agg(price ORDER BY ts ASC))[1]  AS open,
		       max(price)                             AS high,
		       min(price)                             AS low,
		       (array_agg(price ORDER BY ts DESC))[1] AS close,
		       sum(volume)                            AS volume
		FROM (
			SELECT floor(EXTRACT(EPOCH FROM ts) / $4) * $4 AS slot, ts, price, volume
			FROM tick_prices
			WHERE symbol = $1
			  AND ts >= to_timestamp($2) AT TIME ZONE 'UTC'
			  AND ts <= to_timestamp($3) AT TIME ZONE 'UTC'
		) ticks
		GROUP BY slot
		ORDER BY slot ASC`

	var out []marketdata.Candle
	err = s.read(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryxContext(ctx, query, symbol, start, end, step)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r candleRow
			if err := rows.StructScan(&r); err != nil {
				return err
			}
			out = append(out, r.candle())
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("resampling %s/%s: %w", symbol, interval, err)
	}
	return out, nil
}

// GetLatestIndicators returns the newest observation per indicator id.
func (s *Store) GetLatestIndicators(ctx context.Context, symbol string, indicatorIDs ...string) (map[string]store.LatestValue, error) {
	query := `
		SELECT DISTINCT ON (indicator_id)
		       indicator_id, EXTRACT(EPOCH FROM ts)::float8 AS ts, value
		FROM indicators
		WHERE symbol = $1`
	args := []interface{}{symbol}
	if len(indicatorIDs) > 0 {
		args = append(args, pq.Array(indicatorIDs))
		query += " AND indicator_id = ANY($2)"
	}
	query += " ORDER BY indicator_id, ts DESC"

	out := make(map[string]store.LatestValue)
	err := s.read(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				IndicatorID string  `db:"indicator_id"`
				TS          float64 `db:"ts"`
				Value       float64 `db:"value"`
			}
			if err := rows.StructScan(&r); err != nil {
				return err
			}
			out[r.IndicatorID] = store.LatestValue{Value: r.Value, Timestamp: r.TS}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("loading latest indicators for %s: %w", symbol, err)
	}
	return out, nil
}

// GetIndicators returns observations matching the query, ascending.
func (s *Store) GetIndicators(ctx context.Context, q store.IndicatorQuery) ([]store.IndicatorRow, error) {
	query := `
		SELECT session_id, symbol, indicator_id,
		       EXTRACT(EPOCH FROM ts)::float8 AS ts, value, confidence
		FROM indicators
		WHERE symbol = $1`
	args := []interface{}{q.Symbol}
	if len(q.IndicatorIDs) > 0 {
		args = append(args, pq.Array(q.IndicatorIDs))
		query += fmt.Sprintf(" AND indicator_id = ANY($%d)", len(args))
	}
	if q.Start != nil {
		args = append(args, *q.Start)
		query += fmt.Sprintf(" AND ts >= to_timestamp($%d) AT TIME ZONE 'UTC'", len(args))
	}
	if q.End != nil {
		args = append(args, *q.End)
		query += fmt.Sprintf(" AND ts <= to_timestamp($%d) AT TIME ZONE 'UTC'", len(args))
	}
	query += " ORDER BY ts ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []store.IndicatorRow
	err := s.read(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r store.IndicatorRow
			if err := rows.StructScan(&r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("loading indicators for %s: %w", q.Symbol, err)
	}
	return out, nil
}

// InsertIndicatorsBatch writes a batch atomically and returns the count.
func (s *Store) InsertIndicatorsBatch(ctx context.Context, rows []store.IndicatorRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	err := s.exec(ctx, len(rows), func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin indicator insert: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO indicators (session_id, symbol, indicator_id, ts, value, confidence)
			VALUES ($1, $2, $3, to_timestamp($4) AT TIME ZONE 'UTC', $5, $6)`)
		if err != nil {
			return fmt.Errorf("prepare indicator insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx,
				r.SessionID, r.Symbol, r.IndicatorID, r.Timestamp, r.Value, r.Confidence); err != nil {
				return fmt.Errorf("insert indicator %s: %w", r.IndicatorID, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ExecuteQuery runs a parameterized read and returns generic rows.
func (s *Store) ExecuteQuery(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := s.read(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m := map[string]interface{}{}
			if err := rows.MapScan(m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Execute runs a parameterized statement without result rows.
func (s *Store) Execute(ctx context.Context, query string, args ...interface{}) error {
	return s.exec(ctx, 0, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func barSeconds(interval string) (float64, error) {
	d, err := marketdata.ParseTimeframe(interval)
	if err != nil {
		return 0, err
	}
	return d.Seconds(), nil
}
