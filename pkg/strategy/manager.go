package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/quantpulse/pkg/events"
	"github.com/quantpulse/quantpulse/pkg/store"
)

// Status is the read-only snapshot of one managed strategy.
type Status struct {
	StrategyName string  `json:"strategy_name"`
	Symbol       string  `json:"symbol"`
	State        State   `json:"-"`
	StateName    string  `json:"state"`
	PositionPct  float64 `json:"position_size_pct"`
}

// Manager hosts strategy instances and wires them to the event bus: it
// routes indicator updates into each symbol's strategies, stamps and
// publishes the signals their transitions emit, and completes closes on
// position closed events.
type Manager struct {
	bus *events.Bus
	log zerolog.Logger

	mu         sync.RWMutex
	strategies map[string]*Instance
	bySymbol   map[string][]*Instance
	lastPrice  map[string]float64
	lastTS     map[string]float64
	subs       []*events.Subscription
	started    bool
}

// NewManager creates an empty manager. The bus may be nil for embedded use
// (backtests drive instances directly).
func NewManager(bus *events.Bus) *Manager {
	return &Manager{
		bus:        bus,
		log:        log.With().Str("component", "strategy_manager").Logger(),
		strategies: make(map[string]*Instance),
		bySymbol:   make(map[string][]*Instance),
		lastPrice:  make(map[string]float64),
		lastTS:     make(map[string]float64),
	}
}

// Add validates and registers one strategy, enabling it when the config
// says so. Duplicate names are rejected.
func (m *Manager) Add(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.strategies[cfg.StrategyName]; exists {
		return fmt.Errorf("strategy %q already exists", cfg.StrategyName)
	}
	inst := NewInstance(cfg)
	m.strategies[cfg.StrategyName] = inst
	m.bySymbol[cfg.Symbol] = append(m.bySymbol[cfg.Symbol], inst)
	if cfg.Enabled {
		inst.Enable()
	}
	m.log.Info().
		Str("strategy", cfg.StrategyName).
		Str("symbol", cfg.Symbol).
		Bool("enabled", cfg.Enabled).
		Msg("strategy registered")
	return nil
}

// Load registers every config in order, stopping at the first failure.
func (m *Manager) Load(configs []Config) error {
	for _, cfg := range configs {
		if err := m.Add(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a registered strategy instance.
func (m *Manager) Get(name string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.strategies[name]
	return inst, ok
}

// Enable moves a named strategy from Idle to Monitoring.
func (m *Manager) Enable(name string) error {
	inst, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("strategy %q not found", name)
	}
	inst.Enable()
	return nil
}

// Disable drops a named strategy to Idle from any state.
func (m *Manager) Disable(name string) error {
	inst, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("strategy %q not found", name)
	}
	inst.Disable()
	return nil
}

// Statuses snapshots every managed strategy, ordered by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.strategies))
	for name := range m.strategies {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	out := make([]Status, 0, len(names))
	for _, name := range names {
		inst, ok := m.Get(name)
		if !ok {
			continue
		}
		cfg := inst.Config()
		state := inst.State()
		out = append(out, Status{
			StrategyName: cfg.StrategyName,
			Symbol:       cfg.Symbol,
			State:        state,
			StateName:    state.String(),
			PositionPct:  inst.PositionSize(nil),
		})
	}
	return out
}

// Start subscribes the manager to indicator updates, position closes, and
// price updates (for signal price stamping).
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("strategy manager already started")
	}
	m.started = true
	m.mu.Unlock()

	if m.bus == nil {
		return nil
	}
	subs := []struct {
		topic    events.Topic
		handler  events.Handler
		priority events.Priority
	}{
		{events.TopicPriceUpdate, m.onPriceUpdate, events.PriorityNormal},
		{events.TopicIndicatorUpdated, m.onIndicatorUpdate, events.PriorityNormal},
		{events.TopicPositionClosed, m.onPositionClosed, events.PriorityNormal},
	}
	for _, s := range subs {
		sub, err := m.bus.Subscribe(s.topic, s.handler, s.priority)
		if err != nil {
			m.Stop()
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
		m.mu.Lock()
		m.subs = append(m.subs, sub)
		m.mu.Unlock()
	}
	m.log.Info().Int("strategies", m.count()).Msg("strategy manager started")
	return nil
}

// Stop unsubscribes from the bus. Strategy states are left as they are.
func (m *Manager) Stop() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.started = false
	m.mu.Unlock()
	for _, sub := range subs {
		m.bus.Unsubscribe(sub)
	}
}

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.strategies)
}

func (m *Manager) onPriceUpdate(_ events.Topic, payload interface{}) {
	u, ok := payload.(events.PriceUpdate)
	if !ok {
		return
	}
	m.mu.Lock()
	m.lastPrice[u.Symbol] = u.Price
	m.lastTS[u.Symbol] = u.Timestamp
	m.mu.Unlock()
}

func (m *Manager) onIndicatorUpdate(_ events.Topic, payload interface{}) {
	u, ok := payload.(events.IndicatorUpdate)
	if !ok {
		return
	}
	m.mu.RLock()
	instances := append([]*Instance(nil), m.bySymbol[u.Symbol]...)
	price := m.lastPrice[u.Symbol]
	m.mu.RUnlock()

	for _, inst := range instances {
		sig := inst.Update(u.IndicatorID, u.Value)
		if sig == nil {
			continue
		}
		sig.Price = price
		sig.Timestamp = u.Timestamp
		m.emit(sig)
	}
}

// onPositionClosed returns every closing strategy on the symbol to
// Monitoring. Position events carry no strategy attribution, so the close
// completes for all of them; states other than Closing ignore it.
func (m *Manager) onPositionClosed(_ events.Topic, payload interface{}) {
	ev, ok := payload.(events.PositionEvent)
	if !ok {
		return
	}
	m.mu.RLock()
	instances := append([]*Instance(nil), m.bySymbol[ev.Symbol]...)
	m.mu.RUnlock()
	for _, inst := range instances {
		inst.OnPositionClosed()
	}
}

func (m *Manager) emit(sig *events.Signal) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(events.TopicSignalGenerated, *sig); err != nil {
		m.log.Warn().
			Err(err).
			Str("strategy", sig.StrategyName).
			Str("signal_type", sig.SignalType).
			Msg("signal dropped")
		return
	}
	m.log.Info().
		Str("strategy", sig.StrategyName).
		Str("symbol", sig.Symbol).
		Str("signal_type", sig.SignalType).
		Str("side", sig.Side).
		Float64("price", sig.Price).
		Float64("quantity", sig.Quantity).
		Msg("signal generated")
}

// SaveTo persists every managed strategy's config, keyed by strategy name.
func (m *Manager) SaveTo(ctx context.Context, st store.StrategyStore) error {
	for _, status := range m.Statuses() {
		inst, ok := m.Get(status.StrategyName)
		if !ok {
			continue
		}
		cfg := inst.Config()
		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("serialize strategy %s: %w", cfg.StrategyName, err)
		}
		row := &store.StrategyRow{
			ID:      cfg.StrategyName,
			Name:    cfg.StrategyName,
			Config:  string(raw),
			Enabled: status.State != StateIdle,
		}
		if err := st.SaveStrategy(ctx, row); err != nil {
			return fmt.Errorf("save strategy %s: %w", cfg.StrategyName, err)
		}
	}
	return nil
}

// LoadFrom registers every strategy persisted in the store, returning how
// many were loaded. Rows whose config no longer validates are skipped with
// a warning rather than failing the batch.
func (m *Manager) LoadFrom(ctx context.Context, st store.StrategyStore) (int, error) {
	rows, err := st.ListStrategies(ctx)
	if err != nil {
		return 0, fmt.Errorf("list strategies: %w", err)
	}
	loaded := 0
	for _, row := range rows {
		var cfg Config
		if err := json.Unmarshal([]byte(row.Config), &cfg); err != nil {
			m.log.Warn().Err(err).Str("strategy", row.ID).Msg("stored strategy config unreadable, skipping")
			continue
		}
		cfg.Enabled = row.Enabled
		if err := m.Add(cfg); err != nil {
			m.log.Warn().Err(err).Str("strategy", row.ID).Msg("stored strategy rejected, skipping")
			continue
		}
		loaded++
	}
	return loaded, nil
}
