// Package cache layers a Redis latest-value cache over a time-series
// store. Strategy evaluation reads the newest indicator values far more
// often than anything else; serving those from Redis keeps the hot path
// off the database. The cache is best effort: Redis failures log and
// fall back to the inner store, never failing the call.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/quantpulse/pkg/store"
)

const keyPrefix = "qp:latest:"

const defaultTTL = 6 * time.Hour

// setIfNewer writes a latest-value entry only when its timestamp is not
// older than the cached one, so historical backfills through the write
// path cannot regress the cache.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, decoded = pcall(cjson.decode, cur)
  if ok and decoded and tonumber(decoded['timestamp']) and tonumber(decoded['timestamp']) > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])
return 1
`)

// Latest wraps a TimeSeriesStore with a Redis latest-indicator cache.
// All operations other than GetLatestIndicators and InsertIndicatorsBatch
// delegate to the inner store unchanged. A nil client disables caching.
type Latest struct {
	store.TimeSeriesStore

	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// Option configures the cache.
type Option func(*Latest)

// WithTTL overrides the cache entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(l *Latest) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// NewLatest wraps inner with the cache. The cache owns the client and
// closes it with the store.
func NewLatest(inner store.TimeSeriesStore, rdb *redis.Client, opts ...Option) *Latest {
	l := &Latest{
		TimeSeriesStore: inner,
		rdb:             rdb,
		ttl:             defaultTTL,
		log:             log.With().Str("component", "latest_cache").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GetLatestIndicators serves from Redis when every requested id is
// cached; otherwise it reads through to the inner store and backfills.
func (l *Latest) GetLatestIndicators(ctx context.Context, symbol string, indicatorIDs ...string) (map[string]store.LatestValue, error) {
	if l.rdb == nil || len(indicatorIDs) == 0 {
		return l.readThrough(ctx, symbol, indicatorIDs...)
	}

	keys := make([]string, len(indicatorIDs))
	for i, id := range indicatorIDs {
		keys[i] = latestKey(symbol, id)
	}
	vals, err := l.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		l.log.Warn().Err(err).Msg("cache read failed, using store")
		return l.TimeSeriesStore.GetLatestIndicators(ctx, symbol, indicatorIDs...)
	}

	out := make(map[string]store.LatestValue, len(indicatorIDs))
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			return l.readThrough(ctx, symbol, indicatorIDs...)
		}
		var lv store.LatestValue
		if err := json.Unmarshal([]byte(str), &lv); err != nil {
			return l.readThrough(ctx, symbol, indicatorIDs...)
		}
		out[indicatorIDs[i]] = lv
	}
	return out, nil
}

// readThrough loads from the inner store and backfills the cache.
func (l *Latest) readThrough(ctx context.Context, symbol string, indicatorIDs ...string) (map[string]store.LatestValue, error) {
	out, err := l.TimeSeriesStore.GetLatestIndicators(ctx, symbol, indicatorIDs...)
	if err != nil {
		return nil, err
	}
	if l.rdb != nil {
		for id, lv := range out {
			l.writeLatest(ctx, symbol, id, lv)
		}
	}
	return out, nil
}

// InsertIndicatorsBatch writes through: the store insert must succeed
// before the cache sees the newest value per (symbol, indicator).
func (l *Latest) InsertIndicatorsBatch(ctx context.Context, rows []store.IndicatorRow) (int, error) {
	n, err := l.TimeSeriesStore.InsertIndicatorsBatch(ctx, rows)
	if err != nil || l.rdb == nil {
		return n, err
	}

	type cacheKey struct{ symbol, id string }
	newest := make(map[cacheKey]store.LatestValue)
	for _, r := range rows {
		k := cacheKey{r.Symbol, r.IndicatorID}
		if cur, ok := newest[k]; !ok || r.Timestamp >= cur.Timestamp {
			newest[k] = store.LatestValue{Value: r.Value, Timestamp: r.Timestamp}
		}
	}
	for k, lv := range newest {
		l.writeLatest(ctx, k.symbol, k.id, lv)
	}
	return n, nil
}

func (l *Latest) writeLatest(ctx context.Context, symbol, id string, lv store.LatestValue) {
	payload, err := json.Marshal(lv)
	if err != nil {
		return
	}
	key := latestKey(symbol, id)
	ttlSecs := int(l.ttl / time.Second)
	if err := setIfNewer.Run(ctx, l.rdb, []string{key}, payload, lv.Timestamp, ttlSecs).Err(); err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Close releases the inner store and the Redis client.
func (l *Latest) Close() error {
	err := l.TimeSeriesStore.Close()
	if l.rdb != nil {
		if cerr := l.rdb.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func latestKey(symbol, id string) string {
	return keyPrefix + symbol + ":" + id
}
