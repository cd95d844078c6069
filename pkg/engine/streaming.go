// Package engine hosts the two indicator engines: the streaming Engine that
// computes live values off the event bus, and the Offline calculator that
// recomputes series over historical ticks. Both assemble windows from
// per-symbol history and delegate the math to the pure algorithm library.
package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/quantpulse/pkg/events"
	"github.com/quantpulse/quantpulse/pkg/indicators"
	"github.com/quantpulse/quantpulse/pkg/marketdata"
	"github.com/quantpulse/quantpulse/pkg/metrics"
	"github.com/quantpulse/quantpulse/pkg/variants"
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// ErrIndicatorNotFound is returned when a session holds no indicator with
// the given id.
var ErrIndicatorNotFound = errors.New("indicator not found")

const (
	// defaultSafetyFactor oversizes history retention relative to the widest
	// bound lookback, so boundary windows never starve right after eviction.
	defaultSafetyFactor = 2.0

	// idleWait bounds how long the tick loop sleeps with an empty schedule.
	idleWait = time.Second
)

type sessionKey struct {
	sessionID string
	symbol    string
}

// boundIndicator is one live indicator instance bound to a (session, symbol)
// pair. Parameters are frozen at bind time; later variant edits only affect
// new binds.
type boundIndicator struct {
	id            string
	sessionID     string
	symbol        string
	variantID     string
	indicatorType string
	algo          indicators.Algorithm
	params        indicators.Params
	paramsKey     string
	reqs          []indicators.WindowReq
	lookback      float64
	refresh       float64
	timeDriven    bool
	timer         *timerEntry
	createdAt     time.Time

	lastValue *float64
	lastTS    float64
}

// IndicatorInfo is the read-only view of a bound indicator.
type IndicatorInfo struct {
	ID              string
	SessionID       string
	Symbol          string
	VariantID       string
	IndicatorType   string
	Params          indicators.Params
	TimeDriven      bool
	RefreshInterval float64
	LastValue       *float64
	LastTimestamp   float64
	CreatedAt       time.Time
}

// Engine is the streaming indicator engine. It consumes market data from the
// bus, keeps bounded per-symbol history, and recomputes bound indicators
// either on every price update (event-driven) or on a schedule
// (time-driven), publishing each non-nil value as an indicator update.
type Engine struct {
	repo     *variants.Repository
	registry *indicators.Registry
	bus      *events.Bus
	met      *metrics.Metrics
	log      zerolog.Logger

	safetyFactor float64
	now          func() float64

	mu       sync.Mutex
	variants map[string]*variants.Variant
	sessions map[sessionKey]map[string]*boundIndicator
	byEvent  map[string]map[string]*boundIndicator
	history  map[string]*symbolHistory
	timers   timerQueue

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
	subs    []*events.Subscription
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches engine instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.met = m }
}

// WithSafetyFactor overrides the history retention multiplier. Values at or
// below 1 are ignored.
func WithSafetyFactor(f float64) Option {
	return func(e *Engine) {
		if f > 1 {
			e.safetyFactor = f
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates a streaming engine over a variant repository, an algorithm
// registry, and the event bus. A nil registry falls back to the built-in
// library.
func New(repo *variants.Repository, registry *indicators.Registry, bus *events.Bus, opts ...Option) *Engine {
	if registry == nil {
		registry = indicators.Default()
	}
	e := &Engine{
		repo:         repo,
		registry:     registry,
		bus:          bus,
		log:          log.With().Str("component", "streaming_engine").Logger(),
		safetyFactor: defaultSafetyFactor,
		now:          func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
		variants:     make(map[string]*variants.Variant),
		sessions:     make(map[sessionKey]map[string]*boundIndicator),
		byEvent:      make(map[string]map[string]*boundIndicator),
		history:      make(map[string]*symbolHistory),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start loads the variant cache, subscribes to market data and variant
// lifecycle topics, and launches the tick loop. The engine stops when ctx is
// cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.reloadVariants(ctx); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}

	if e.bus != nil {
		// Market data at high priority so indicator values are fresh before
		// lower-priority consumers see the same tick.
		subs := []struct {
			topic    events.Topic
			handler  events.Handler
			priority events.Priority
		}{
			{events.TopicPriceUpdate, e.onPriceEvent, events.PriorityHigh},
			{events.TopicBookUpdate, e.onBookEvent, events.PriorityHigh},
			{events.TopicVariantCreated, e.onVariantEvent, events.PriorityNormal},
			{events.TopicVariantUpdated, e.onVariantEvent, events.PriorityNormal},
			{events.TopicVariantDeleted, e.onVariantEvent, events.PriorityNormal},
		}
		for _, s := range subs {
			sub, err := e.bus.Subscribe(s.topic, s.handler, s.priority)
			if err != nil {
				e.teardown()
				return fmt.Errorf("subscribe %s: %w", s.topic, err)
			}
			e.mu.Lock()
			e.subs = append(e.subs, sub)
			e.mu.Unlock()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.mu.Lock()
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go e.loop(runCtx, done)
	e.log.Info().Int("variants", e.variantCount()).Msg("streaming engine started")
	return nil
}

// Stop unsubscribes from the bus, cancels the tick loop, and waits for it to
// exit. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	e.teardown()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	e.log.Info().Msg("streaming engine stopped")
}

func (e *Engine) teardown() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, sub := range subs {
		e.bus.Unsubscribe(sub)
	}
}

func (e *Engine) variantCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.variants)
}

// reloadVariants replaces the cache with every live variant in the store.
func (e *Engine) reloadVariants(ctx context.Context) error {
	list, err := e.repo.List(ctx, variants.Filter{})
	if err != nil {
		return fmt.Errorf("load variant cache: %w", err)
	}
	e.mu.Lock()
	e.variants = make(map[string]*variants.Variant, len(list))
	for _, v := range list {
		e.variants[v.ID] = v
	}
	e.mu.Unlock()
	e.log.Debug().Int("variants", len(list)).Msg("variant cache loaded")
	return nil
}

// AddIndicatorToSession binds a variant, with optional parameter overrides,
// to a (session, symbol) pair and returns the indicator id. Binding the same
// variant with parameters that normalize identically is idempotent: the
// existing id comes back.
func (e *Engine) AddIndicatorToSession(ctx context.Context, sessionID, symbol, variantID string, overrides map[string]interface{}) (string, error) {
	symbol = strings.TrimSpace(symbol)
	if sessionID == "" || symbol == "" {
		return "", errors.New("session id and symbol are required")
	}

	v, err := e.cachedVariant(ctx, variantID)
	if err != nil {
		return "", err
	}
	algo, ok := e.registry.Get(v.BaseIndicatorType)
	if !ok {
		return "", fmt.Errorf("%w: %q", indicators.ErrUnknownAlgorithm, v.BaseIndicatorType)
	}
	base, err := v.Params()
	if err != nil {
		return "", fmt.Errorf("variant %s parameters: %w", v.ID, err)
	}
	params, err := variants.ValidateParams(algo, base.Merge(indicators.Params(overrides)))
	if err != nil {
		return "", err
	}
	key, err := params.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("canonicalize parameters: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sk := sessionKey{sessionID: sessionID, symbol: symbol}
	bucket := e.sessions[sk]
	if bucket == nil {
		bucket = make(map[string]*boundIndicator)
		e.sessions[sk] = bucket
	}
	for _, ind := range bucket {
		if ind.variantID == v.ID && ind.paramsKey == key {
			return ind.id, nil
		}
	}

	id := instanceID(v.ID, key, len(overrides) > 0)
	if _, taken := bucket[id]; taken {
		id = v.ID + "-" + paramsHash(key)
	}

	reqs := algo.WindowSpecs(params)
	ind := &boundIndicator{
		id:            id,
		sessionID:     sessionID,
		symbol:        symbol,
		variantID:     v.ID,
		indicatorType: algo.IndicatorType(),
		algo:          algo,
		params:        params,
		paramsKey:     key,
		reqs:          reqs,
		lookback:      maxLookback(reqs),
		refresh:       algo.RefreshInterval(params),
		timeDriven:    algo.IsTimeDriven(),
		createdAt:     time.Now().UTC(),
	}
	bucket[id] = ind

	if ind.timeDriven {
		entry := &timerEntry{ind: ind, nextDue: e.now() + ind.refresh}
		ind.timer = entry
		heap.Push(&e.timers, entry)
		e.wakeLoop()
	} else {
		m := e.byEvent[symbol]
		if m == nil {
			m = make(map[string]*boundIndicator)
			e.byEvent[symbol] = m
		}
		m[id] = ind
	}
	e.growHorizonLocked(symbol, ind.lookback)
	e.updateSessionGaugeLocked()

	e.log.Info().
		Str("session_id", sessionID).
		Str("symbol", symbol).
		Str("indicator_id", id).
		Str("indicator_type", ind.indicatorType).
		Bool("time_driven", ind.timeDriven).
		Float64("refresh_interval", ind.refresh).
		Msg("indicator bound")
	return id, nil
}

// cachedVariant serves from the cache, falling back to the repository for
// variants created before the cache was loaded or whose event was missed.
func (e *Engine) cachedVariant(ctx context.Context, variantID string) (*variants.Variant, error) {
	e.mu.Lock()
	v := e.variants[variantID]
	e.mu.Unlock()
	if v != nil {
		return v, nil
	}
	fresh, err := e.repo.Get(ctx, variantID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.variants[fresh.ID] = fresh
	e.mu.Unlock()
	return fresh, nil
}

// RemoveIndicatorFromSession unbinds one indicator.
func (e *Engine) RemoveIndicatorFromSession(sessionID, symbol, indicatorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sk := sessionKey{sessionID: sessionID, symbol: symbol}
	ind, ok := e.sessions[sk][indicatorID]
	if !ok {
		return fmt.Errorf("%w: %s in session %s", ErrIndicatorNotFound, indicatorID, sessionID)
	}
	e.unbindLocked(sk, ind)
	return nil
}

// ListSessionIndicators returns a snapshot of the indicators bound to a
// (session, symbol) pair, oldest first.
func (e *Engine) ListSessionIndicators(sessionID, symbol string) []IndicatorInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	bucket := e.sessions[sessionKey{sessionID: sessionID, symbol: symbol}]
	out := make([]IndicatorInfo, 0, len(bucket))
	for _, ind := range bucket {
		out = append(out, infoOf(ind))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CleanupDuplicates removes redundant bindings that share a (variant,
// parameters) key within the (session, symbol) pair, keeping the newest.
// Returns the number removed.
func (e *Engine) CleanupDuplicates(sessionID, symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	sk := sessionKey{sessionID: sessionID, symbol: symbol}
	newest := make(map[string]*boundIndicator)
	for _, ind := range e.sessions[sk] {
		dk := ind.variantID + "\x00" + ind.paramsKey
		cur := newest[dk]
		if cur == nil || ind.createdAt.After(cur.createdAt) {
			newest[dk] = ind
		}
	}

	removed := 0
	for _, ind := range e.sessions[sk] {
		if newest[ind.variantID+"\x00"+ind.paramsKey] != ind {
			e.unbindLocked(sk, ind)
			removed++
		}
	}
	if removed > 0 {
		e.log.Info().
			Str("session_id", sessionID).
			Str("symbol", symbol).
			Int("removed", removed).
			Msg("duplicate indicators cleaned up")
	}
	return removed
}

func (e *Engine) unbindLocked(sk sessionKey, ind *boundIndicator) {
	delete(e.sessions[sk], ind.id)
	if len(e.sessions[sk]) == 0 {
		delete(e.sessions, sk)
	}
	if ind.timer != nil {
		if ind.timer.index >= 0 {
			heap.Remove(&e.timers, ind.timer.index)
		}
		ind.timer = nil
	} else if m := e.byEvent[ind.symbol]; m != nil {
		delete(m, ind.id)
		if len(m) == 0 {
			delete(e.byEvent, ind.symbol)
		}
	}
	e.recomputeHorizonLocked(ind.symbol)
	e.updateSessionGaugeLocked()
}

func infoOf(ind *boundIndicator) IndicatorInfo {
	info := IndicatorInfo{
		ID:              ind.id,
		SessionID:       ind.sessionID,
		Symbol:          ind.symbol,
		VariantID:       ind.variantID,
		IndicatorType:   ind.indicatorType,
		Params:          ind.params.Merge(nil),
		TimeDriven:      ind.timeDriven,
		RefreshInterval: ind.refresh,
		LastTimestamp:   ind.lastTS,
		CreatedAt:       ind.createdAt,
	}
	if ind.lastValue != nil {
		v := *ind.lastValue
		info.LastValue = &v
	}
	return info
}

// instanceID derives a stable indicator id. A plain bind reuses the variant
// id so strategy conditions can reference it directly; overridden binds get
// a parameter-hash suffix so differently tuned instances coexist.
func instanceID(variantID, paramsKey string, overridden bool) string {
	if !overridden {
		return variantID
	}
	return variantID + "-" + paramsHash(paramsKey)
}

func paramsHash(key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	return fmt.Sprintf("%08x", h.Sum32())
}

func (e *Engine) historyLocked(symbol string) *symbolHistory {
	h := e.history[symbol]
	if h == nil {
		h = &symbolHistory{}
		e.history[symbol] = h
	}
	return h
}

func (e *Engine) growHorizonLocked(symbol string, lookback float64) {
	h := e.historyLocked(symbol)
	if want := lookback * e.safetyFactor; want > h.horizon {
		h.horizon = want
	}
}

// recomputeHorizonLocked shrinks a symbol's retention back to what the
// remaining bindings need.
func (e *Engine) recomputeHorizonLocked(symbol string) {
	var widest float64
	for sk, bucket := range e.sessions {
		if sk.symbol != symbol {
			continue
		}
		for _, ind := range bucket {
			if ind.lookback > widest {
				widest = ind.lookback
			}
		}
	}
	if h := e.history[symbol]; h != nil {
		h.horizon = widest * e.safetyFactor
	}
}

func (e *Engine) updateSessionGaugeLocked() {
	if e.met != nil {
		e.met.ActiveSessions.Set(float64(len(e.sessions)))
	}
}

func (e *Engine) onPriceEvent(_ events.Topic, payload interface{}) {
	if u, ok := payload.(events.PriceUpdate); ok {
		e.HandlePriceUpdate(u)
	}
}

func (e *Engine) onBookEvent(_ events.Topic, payload interface{}) {
	if u, ok := payload.(events.BookUpdate); ok {
		e.HandleBookUpdate(u)
	}
}

// HandlePriceUpdate appends the tick to the symbol's history and recomputes
// every event-driven indicator bound to the symbol.
func (e *Engine) HandlePriceUpdate(u events.PriceUpdate) {
	ts := marketdata.NormalizeTimestamp(u.Timestamp)

	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.historyLocked(u.Symbol)
	h.appendTick(ts, u.Price, u.Volume)
	if e.met != nil {
		e.met.EngineTicks.Inc()
	}
	for _, ind := range e.byEvent[u.Symbol] {
		e.computeLocked(ind, h, ts)
	}
}

// HandleBookUpdate appends the snapshot to the symbol's orderbook history.
// Book updates feed windows only; computation happens on price updates and
// timer ticks.
func (e *Engine) HandleBookUpdate(u events.BookUpdate) {
	ts := marketdata.NormalizeTimestamp(u.Timestamp)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.historyLocked(u.Symbol).appendBook(windows.BookPoint{
		TS:      ts,
		BestBid: u.BestBid,
		BestAsk: u.BestAsk,
		BidQty:  u.BidQty,
		AskQty:  u.AskQty,
	})
}

func (e *Engine) onVariantEvent(topic events.Topic, payload interface{}) {
	ev, ok := payload.(events.VariantEvent)
	if !ok {
		return
	}
	if topic == events.TopicVariantDeleted {
		e.mu.Lock()
		delete(e.variants, ev.VariantID)
		e.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := e.repo.Get(ctx, ev.VariantID)
	if err != nil {
		e.log.Warn().Err(err).Str("variant_id", ev.VariantID).Msg("variant cache refresh failed")
		return
	}
	e.mu.Lock()
	e.variants[v.ID] = v
	e.mu.Unlock()
}

// computeLocked runs one indicator at the evaluation timestamp, records the
// latest value, and publishes non-nil results. Nil means warm-up and is
// never published.
func (e *Engine) computeLocked(ind *boundIndicator, h *symbolHistory, ts float64) {
	started := time.Now()
	value, err := calculate(ind.algo, assembleWindows(h, ts, ind.reqs), ind.params)
	if err != nil {
		if e.met != nil {
			e.met.ObserveCompute(ind.indicatorType, "error", time.Since(started))
		}
		e.log.Error().
			Err(err).
			Str("indicator_id", ind.id).
			Str("symbol", ind.symbol).
			Float64("ts", ts).
			Msg("indicator computation failed")
		return
	}

	result := "nil"
	if value != nil {
		result = "ok"
		ind.lastValue = value
		ind.lastTS = ts
		e.publish(ind, *value, ts)
	}
	if e.met != nil {
		e.met.ObserveCompute(ind.indicatorType, result, time.Since(started))
	}
}

// calculate converts a panicking algorithm into an error instead of taking
// the engine down with it.
func calculate(algo indicators.Algorithm, ws []windows.DataWindow, params indicators.Params) (v *float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("algorithm panic: %v", r)
		}
	}()
	return algo.CalculateFromWindows(ws, params), nil
}

func (e *Engine) publish(ind *boundIndicator, value, ts float64) {
	if e.bus == nil {
		return
	}
	err := e.bus.Publish(events.TopicIndicatorUpdated, events.IndicatorUpdate{
		IndicatorID: ind.id,
		Symbol:      ind.symbol,
		Value:       value,
		Timestamp:   ts,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("indicator_id", ind.id).Msg("indicator update dropped")
	}
}

// loop drives time-driven indicators. It sleeps until the earliest due time,
// wakes early when the schedule changes, and polls at idleWait when nothing
// is scheduled.
func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := idleWait
		e.mu.Lock()
		if e.timers.Len() > 0 {
			now := e.now()
			next := e.timers[0].nextDue
			if next <= now {
				e.runDueLocked(now)
				e.mu.Unlock()
				continue
			}
			wait = time.Duration((next - now) * float64(time.Second))
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-time.After(wait):
		}
	}
}

// runDueLocked computes every entry due at or before now. Reschedules land
// strictly in the future: a stalled loop does not replay missed ticks, the
// next due time collapses forward past now.
func (e *Engine) runDueLocked(now float64) {
	for e.timers.Len() > 0 && e.timers[0].nextDue <= now {
		entry := e.timers[0]
		e.computeLocked(entry.ind, e.historyLocked(entry.ind.symbol), now)
		entry.nextDue += entry.ind.refresh
		if entry.nextDue <= now {
			entry.nextDue = now + entry.ind.refresh
		}
		heap.Fix(&e.timers, 0)
	}
}

func (e *Engine) wakeLoop() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
