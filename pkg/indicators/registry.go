package indicators

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registry indexes algorithms by indicator type and answers metadata
// queries for the repository and the engines.
type Registry struct {
	mu         sync.RWMutex
	algorithms map[string]Algorithm
	log        zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		algorithms: make(map[string]Algorithm),
		log:        log.With().Str("component", "registry").Logger(),
	}
}

// builtins lists every algorithm AutoDiscover registers.
func builtins() []Algorithm {
	return []Algorithm{
		// Price family
		NewTWPA(),
		NewTWPARatio(),

		// Pump detection
		NewPumpMagnitude(),
		NewPriceVelocity(),
		NewVolumeSurge(),
		NewVelocityCascade(),

		// Dump detection
		NewMomentumReversal(),
		NewDumpExhaustion(),
		NewSupportProximity(),
		NewVelocityStabilization(),

		// Liquidity / orderbook
		NewLiquidityDrain(),
		NewBidAskImbalance(),

		// Event-driven technicals
		NewSMA(),
		NewRSI(),
	}
}

// AutoDiscover registers the built-in library. Calling it twice re-registers
// the same types and ends with the same bindings (idempotent).
func (r *Registry) AutoDiscover() {
	for _, algo := range builtins() {
		r.Register(algo)
	}
	r.log.Debug().Int("count", r.Count()).Msg("algorithm auto-discovery complete")
}

// Register binds an algorithm to its indicator type. A duplicate type logs
// a warning and overwrites the previous binding.
func (r *Registry) Register(algo Algorithm) {
	key := normalizeType(algo.IndicatorType())

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.algorithms[key]; ok && existing != algo {
		r.log.Warn().Str("indicator_type", key).Msg("duplicate algorithm registration, overwriting")
	}
	r.algorithms[key] = algo
}

// Get returns the algorithm bound to the indicator type, case-insensitive.
func (r *Registry) Get(indicatorType string) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	algo, ok := r.algorithms[normalizeType(indicatorType)]
	return algo, ok
}

// Types returns all registered indicator types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.algorithms))
	for key := range r.algorithms {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered algorithms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.algorithms)
}

// ListByCategory returns the algorithms in a category, sorted by type.
func (r *Registry) ListByCategory(category string) []Algorithm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Algorithm
	for _, algo := range r.algorithms {
		if algo.Category() == category {
			out = append(out, algo)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IndicatorType() < out[j].IndicatorType()
	})
	return out
}

// Categories returns the distinct categories present, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, algo := range r.algorithms {
		seen[algo.Category()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// RefreshIntervalFor computes the refresh cadence for an indicator type and
// parameter set; ok is false for an unknown type.
func (r *Registry) RefreshIntervalFor(indicatorType string, params Params) (float64, bool) {
	algo, ok := r.Get(indicatorType)
	if !ok {
		return 0, false
	}
	return algo.RefreshInterval(params), true
}

func normalizeType(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry with the built-in library
// discovered.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		defaultRegistry.AutoDiscover()
	})
	return defaultRegistry
}
