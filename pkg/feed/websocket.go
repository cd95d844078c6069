package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/quantpulse/pkg/events"
)

const (
	wsDefaultPingInterval = 30 * time.Second
	wsDefaultReadTimeout  = 90 * time.Second
	wsDefaultMaxBackoff   = 30 * time.Second
	wsWriteTimeout        = 10 * time.Second
)

// WSConfig declares the upstream endpoint and the symbols to subscribe.
type WSConfig struct {
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`

	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

func (c *WSConfig) normalize() {
	if c.PingInterval <= 0 {
		c.PingInterval = wsDefaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = wsDefaultReadTimeout
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = wsDefaultMaxBackoff
	}
}

// wsSubscribeMsg is the subscription request sent after each (re)connect.
type wsSubscribeMsg struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// WSClient maintains one WebSocket connection to a tick stream, with a
// ping loop, a read deadline so silent servers are detected, and
// reconnection under exponential backoff.
type WSClient struct {
	cfg WSConfig
	in  *ingress

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewWSClient builds the client; Run connects.
func NewWSClient(cfg WSConfig, bus *events.Bus, opts ...Option) *WSClient {
	cfg.normalize()
	return &WSClient{
		cfg: cfg,
		in:  newIngress(bus, log.With().Str("component", "feed").Str("transport", "websocket").Logger(), opts...),
	}
}

// Run connects and keeps the connection alive until ctx is cancelled.
// Backoff doubles from one second up to MaxBackoff between attempts.
func (c *WSClient) Run(ctx context.Context) error {
	c.in.start()
	defer c.in.stop()

	backoff := time.Second
	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.in.met != nil {
			c.in.met.FeedReconnects.Inc()
		}
		c.in.log.Warn().Err(err).Dur("backoff", backoff).Msg("websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// Close tears down the current connection; a concurrent Run sees a read
// error and exits through its ctx check.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *WSClient) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	if len(c.cfg.Symbols) > 0 {
		if err := c.writeJSON(wsSubscribeMsg{Op: "subscribe", Symbols: c.cfg.Symbols}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	c.in.log.Info().Str("url", c.cfg.URL).Strs("symbols", c.cfg.Symbols).Msg("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		t, perr := parseTick(msg)
		if perr != nil {
			c.in.log.Debug().Err(perr).Msg("tick skipped")
			continue
		}
		c.in.deliver(t)
	}
}

func (c *WSClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				c.in.log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *WSClient) writeJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *WSClient) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(msgType, data)
}
