// Package postgres implements the store interfaces over PostgreSQL via
// sqlx and lib/pq. Reads run behind a circuit breaker with per-statement
// timeouts; writes classify driver errors so retry layers only act on
// genuinely transient failures.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantpulse/quantpulse/pkg/store"
)

const (
	defaultStmtTimeout  = 10 * time.Second
	defaultMaxOpenConns = 16
	defaultMaxIdleConns = 4
	defaultConnLifetime = 30 * time.Minute
)

// Config carries the connection settings. Zero values fall back to the
// package defaults.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
	StmtTimeout  time.Duration
}

// Store is the PostgreSQL persistence adapter. It implements the full
// store.Store surface.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Open prepares the connection pool without touching the network; the
// first use (or Initialize) establishes connections.
func Open(cfg Config) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.ConnLifetime <= 0 {
		cfg.ConnLifetime = defaultConnLifetime
	}
	if cfg.StmtTimeout <= 0 {
		cfg.StmtTimeout = defaultStmtTimeout
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	s := &Store{
		db:      db,
		timeout: cfg.StmtTimeout,
		log:     log.With().Str("component", "postgres_store").Logger(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "store-reads",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up is not a database failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("read breaker state change")
		},
	})
	return s, nil
}

// Initialize pings the server and applies the idempotent schema.
func (s *Store) Initialize(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(pctx); err != nil {
		return store.Transient(err)
	}
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return classify(err)
	}
	s.log.Info().Msg("schema initialized")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// read runs fn behind the breaker with a statement timeout. An open
// breaker surfaces as a transient error so retry layers back off
// instead of hammering a struggling database.
func (s *Store) read(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return nil, fn(qctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return store.Transient(err)
	}
	return classify(err)
}

// exec runs a write with a statement timeout scaled for batch size.
func (s *Store) exec(ctx context.Context, batch int, fn func(ctx context.Context) error) error {
	timeout := s.timeout * time.Duration(batch/100+1)
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return classify(fn(qctx))
}

// classify maps driver errors onto the store error taxonomy. Constraint
// and syntax violations are fatal; connection problems, rollbacks,
// resource exhaustion, and admin shutdowns are transient. Unknown
// errors pass through unclassified so retry layers leave them alone.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23", "42":
			return store.Fatal(err)
		case "08", "40", "53", "57":
			return store.Transient(err)
		default:
			return store.Fatal(err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return store.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.Transient(err)
	}
	return err
}
