package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpulse/quantpulse/pkg/engine"
	"github.com/quantpulse/quantpulse/pkg/events"
	"github.com/quantpulse/quantpulse/pkg/feed"
	"github.com/quantpulse/quantpulse/pkg/indicators"
	"github.com/quantpulse/quantpulse/pkg/metrics"
	"github.com/quantpulse/quantpulse/pkg/strategy"
	"github.com/quantpulse/quantpulse/pkg/variants"
)

const shutdownGrace = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the live indicator engine and strategy runtime",
	RunE:  runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	wireRetryMetric(met)

	base, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer base.Close()

	busOpts := []events.Option{events.WithStats(met), events.WithLogger(log.Logger)}
	if cfg.Engine.BusQueueSize > 0 {
		busOpts = append(busOpts, events.WithQueueSize(cfg.Engine.BusQueueSize))
	}
	bus := events.NewBus(busOpts...)

	registry := indicators.Default()
	repo := variants.NewRepository(base, registry, bus)

	eng := engine.New(repo, registry, bus,
		engine.WithMetrics(met),
		engine.WithSafetyFactor(cfg.Engine.GetRingSafetyFactor()),
	)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start streaming engine: %w", err)
	}

	sm := strategy.NewManager(bus)
	if cfg.Engine.StrategiesFile != "" {
		configs, err := strategy.LoadConfigs(cfg.Engine.StrategiesFile)
		if err != nil {
			eng.Stop()
			return fmt.Errorf("load strategies: %w", err)
		}
		if err := sm.Load(configs); err != nil {
			eng.Stop()
			return fmt.Errorf("load strategies: %w", err)
		}
		log.Info().Int("count", len(configs)).Str("file", cfg.Engine.StrategiesFile).Msg("strategies loaded from file")
	} else {
		n, err := sm.LoadFrom(ctx, base)
		if err != nil {
			eng.Stop()
			return fmt.Errorf("load strategies from store: %w", err)
		}
		log.Info().Int("count", n).Msg("strategies loaded from store")
	}
	if err := sm.Start(); err != nil {
		eng.Stop()
		return fmt.Errorf("start strategy manager: %w", err)
	}

	feedOpts := []feed.Option{feed.WithMetrics(met)}
	if cfg.Feed.Capture.Enabled {
		feedOpts = append(feedOpts, feed.WithTickCapture(base, cfg.Feed.Capture.Session))
		log.Info().Str("session", cfg.Feed.Capture.Session).Msg("tick capture enabled")
	}

	var bridge *feed.NATSBridge
	if cfg.Feed.NATS.URL != "" {
		bridge = feed.NewNATSBridge(feed.NATSConfig{
			URL:               cfg.Feed.NATS.URL,
			Subject:           cfg.Feed.NATS.Subject,
			PublishIndicators: cfg.Feed.NATS.PublishIndicators,
			IndicatorSubject:  cfg.Feed.NATS.IndicatorSubject,
		}, bus, feedOpts...)
		if err := bridge.Start(); err != nil {
			sm.Stop()
			eng.Stop()
			return fmt.Errorf("start nats feed: %w", err)
		}
	}

	var ws *feed.WSClient
	if cfg.Feed.WebSocket.URL != "" {
		ws = feed.NewWSClient(feed.WSConfig{
			URL:     cfg.Feed.WebSocket.URL,
			Symbols: cfg.Feed.WebSocket.Symbols,
		}, bus, feedOpts...)
		go func() {
			if err := ws.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("websocket feed stopped")
			}
		}()
	}
	if bridge == nil && ws == nil {
		log.Warn().Msg("no feed configured; engine will idle until ticks arrive on the bus")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	srv := &http.Server{Addr: cfg.Metrics.GetAddr(), Handler: mux}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()

	log.Info().Msg("quantpulse running, Ctrl+C to stop")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("metrics endpoint shutdown")
	}
	// Feeds first so nothing new enters the bus while it drains.
	if ws != nil {
		ws.Close()
	}
	if bridge != nil {
		bridge.Stop()
	}
	sm.Stop()
	eng.Stop()
	if err := bus.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("bus shutdown")
	}
	log.Info().Msg("shutdown complete")
	return nil
}
