package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/quantpulse/pkg/events"
)

// NATSConfig declares the upstream subjects the bridge speaks.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"` // tick subscription, default md.ticks.>

	// PublishIndicators republishes indicator.updated bus events to
	// IndicatorSubject + symbol.
	PublishIndicators bool   `yaml:"publish_indicators"`
	IndicatorSubject  string `yaml:"indicator_subject"` // prefix, default ind.updated.
}

func (c *NATSConfig) normalize() {
	if c.Subject == "" {
		c.Subject = "md.ticks.>"
	}
	if c.IndicatorSubject == "" {
		c.IndicatorSubject = "ind.updated."
	}
}

// NATSBridge subscribes external JSON ticks and feeds them onto the bus,
// optionally mirroring indicator updates back out.
type NATSBridge struct {
	cfg NATSConfig
	in  *ingress

	nc     *nats.Conn
	sub    *nats.Subscription
	busSub *events.Subscription
}

// NewNATSBridge builds the bridge; Start connects.
func NewNATSBridge(cfg NATSConfig, bus *events.Bus, opts ...Option) *NATSBridge {
	cfg.normalize()
	return &NATSBridge{
		cfg: cfg,
		in:  newIngress(bus, log.With().Str("component", "feed").Str("transport", "nats").Logger(), opts...),
	}
}

// Start connects, subscribes the tick subject, and, when configured,
// the bus side of the indicator mirror.
func (b *NATSBridge) Start() error {
	if b.nc != nil {
		return fmt.Errorf("nats bridge already started")
	}

	nc, err := nats.Connect(b.cfg.URL,
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, derr error) {
			b.in.log.Warn().Err(derr).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if b.in.met != nil {
				b.in.met.FeedReconnects.Inc()
			}
			b.in.log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS %s: %w", b.cfg.URL, err)
	}
	b.nc = nc
	b.in.start()

	sub, err := nc.Subscribe(b.cfg.Subject, b.onTick)
	if err != nil {
		nc.Close()
		b.nc = nil
		return fmt.Errorf("subscribe %s: %w", b.cfg.Subject, err)
	}
	b.sub = sub

	if b.cfg.PublishIndicators {
		busSub, serr := b.in.bus.Subscribe(events.TopicIndicatorUpdated, b.onIndicator, events.PriorityLow)
		if serr != nil {
			return fmt.Errorf("subscribe indicator mirror: %w", serr)
		}
		b.busSub = busSub
	}

	b.in.log.Info().Str("url", b.cfg.URL).Str("subject", b.cfg.Subject).Msg("nats feed started")
	return nil
}

// Stop unsubscribes both directions and drains the connection.
func (b *NATSBridge) Stop() {
	if b.busSub != nil {
		b.in.bus.Unsubscribe(b.busSub)
		b.busSub = nil
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.in.log.Warn().Err(err).Msg("nats drain failed")
		}
		b.nc = nil
	}
	b.in.stop()
	b.in.log.Info().Msg("nats feed stopped")
}

func (b *NATSBridge) onTick(msg *nats.Msg) {
	t, err := parseTick(msg.Data)
	if err != nil {
		b.in.log.Debug().Err(err).Str("subject", msg.Subject).Msg("tick skipped")
		return
	}
	b.in.deliver(t)
}

func (b *NATSBridge) onIndicator(_ events.Topic, payload interface{}) {
	nc := b.nc
	if nc == nil {
		// Stop may race a handler still in flight on the bus.
		return
	}
	upd, ok := payload.(events.IndicatorUpdate)
	if !ok {
		return
	}
	data, err := json.Marshal(upd)
	if err != nil {
		return
	}
	if err := nc.Publish(b.cfg.IndicatorSubject+upd.Symbol, data); err != nil {
		b.in.log.Warn().Err(err).Str("indicator", upd.IndicatorID).Msg("indicator republish failed")
	}
}
