package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/quantpulse/pkg/config"
	"github.com/quantpulse/quantpulse/pkg/metrics"
	"github.com/quantpulse/quantpulse/pkg/store"
	"github.com/quantpulse/quantpulse/pkg/store/cache"
	"github.com/quantpulse/quantpulse/pkg/store/memory"
	"github.com/quantpulse/quantpulse/pkg/store/postgres"
)

// openStore builds the backing store selected by the config. Postgres
// stores get their schema initialized before use.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Info().Msg("using in-memory store")
		return memory.New(), nil
	case "postgres":
		st, err := postgres.Open(postgres.Config{
			DSN:          cfg.Store.DSN,
			MaxOpenConns: cfg.Store.MaxOpenConns,
			MaxIdleConns: cfg.Store.MaxIdleConns,
			StmtTimeout:  cfg.Store.StmtTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := st.Initialize(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("initialize postgres schema: %w", err)
		}
		log.Info().Int("max_open_conns", cfg.Store.MaxOpenConns).Msg("postgres store ready")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// timeseriesFor returns the time-series view handed to the engines. With
// Redis configured the latest-value reads are served from cache; writes
// still land in the base store.
func timeseriesFor(base store.Store, cfg *config.Config) store.TimeSeriesStore {
	if cfg.Redis.Addr == "" {
		return base
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.Info().Str("addr", cfg.Redis.Addr).Msg("redis latest-value cache enabled")
	return cache.NewLatest(base, rdb)
}

// wireRetryMetric surfaces store retry attempts on the metrics registry.
func wireRetryMetric(met *metrics.Metrics) {
	store.RetryHook = func() { met.StoreRetries.Inc() }
}
