// Command quantpulse runs the real-time indicator engine, the strategy
// runtime, and the backtester from one binary.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpulse/quantpulse/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "quantpulse",
	Short: "Market data indicator engine, strategy runtime, and backtester",
	Long: `quantpulse computes configurable indicators over live market data,
drives condition-based trading strategies off them, and replays the same
pipeline deterministically over stored history.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Missing .env files are fine; the environment may be set directly.
		_ = godotenv.Load()
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the engine configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the engine config and applies its log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyLogLevel(cfg.LogLevel)
	return cfg, nil
}

func applyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, keeping info")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
