// Package feed bridges external market data transports onto the internal
// event bus. The NATS bridge and the WebSocket client both speak the same
// JSON tick format and normalize it into market.price_update events;
// capture of raw ticks into the store is optional.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpulse/quantpulse/pkg/events"
	"github.com/quantpulse/quantpulse/pkg/marketdata"
	"github.com/quantpulse/quantpulse/pkg/metrics"
	"github.com/quantpulse/quantpulse/pkg/store"
)

// tickMsg is the wire format both transports carry. Timestamp may be
// seconds or milliseconds; zero means "now" at delivery.
type tickMsg struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp float64 `json:"timestamp"`
}

func parseTick(data []byte) (tickMsg, error) {
	var t tickMsg
	if err := json.Unmarshal(data, &t); err != nil {
		return tickMsg{}, fmt.Errorf("parse tick: %w", err)
	}
	if t.Symbol == "" {
		return tickMsg{}, fmt.Errorf("tick without symbol")
	}
	if t.Price <= 0 {
		return tickMsg{}, fmt.Errorf("tick for %s with non-positive price %v", t.Symbol, t.Price)
	}
	return t, nil
}

// Option configures a feed adapter.
type Option func(*ingress)

// WithTickCapture persists every delivered tick under the given session.
func WithTickCapture(w store.TickWriter, sessionID string) Option {
	return func(in *ingress) {
		in.writer = w
		in.captureSession = sessionID
	}
}

// WithMetrics attaches feed counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(in *ingress) { in.met = m }
}

// ingress is the shared delivery path: normalize, publish, count, capture.
type ingress struct {
	bus *events.Bus
	log zerolog.Logger
	met *metrics.Metrics

	writer         store.TickWriter
	captureSession string
	batcher        *tickBatcher

	now func() float64
}

func newIngress(bus *events.Bus, log zerolog.Logger, opts ...Option) *ingress {
	in := &ingress{
		bus: bus,
		log: log,
		now: func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// start brings up the capture batcher when a writer is configured.
func (in *ingress) start() {
	if in.writer != nil && in.batcher == nil {
		in.batcher = newTickBatcher(in.writer, in.captureSession, in.log)
	}
}

// stop flushes and stops the capture batcher.
func (in *ingress) stop() {
	if in.batcher != nil {
		in.batcher.stop()
		in.batcher = nil
	}
}

func (in *ingress) deliver(t tickMsg) {
	ts := marketdata.NormalizeTimestamp(t.Timestamp)
	if ts <= 0 {
		ts = in.now()
	}

	if err := in.bus.Publish(events.TopicPriceUpdate, events.PriceUpdate{
		Symbol:    t.Symbol,
		Price:     t.Price,
		Volume:    t.Volume,
		Timestamp: ts,
	}); err != nil {
		in.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("price update dropped")
		return
	}
	if in.met != nil {
		in.met.FeedTicks.Inc()
	}
	if in.batcher != nil {
		in.batcher.enqueue(store.TickRow{
			SessionID: in.captureSession,
			Symbol:    t.Symbol,
			Timestamp: ts,
			Price:     t.Price,
			Volume:    t.Volume,
		})
	}
}
