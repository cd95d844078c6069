package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpulse/quantpulse/pkg/engine"
	"github.com/quantpulse/quantpulse/pkg/indicators"
	"github.com/quantpulse/quantpulse/pkg/marketdata"
	"github.com/quantpulse/quantpulse/pkg/variants"
)

var (
	seriesVariant   string
	seriesSymbol    string
	seriesSession   string
	seriesStart     string
	seriesEnd       string
	seriesPersistAs string
)

var seriesCmd = &cobra.Command{
	Use:   "series",
	Short: "Compute an indicator series for one variant over stored ticks",
	RunE:  runSeries,
}

func init() {
	seriesCmd.Flags().StringVar(&seriesVariant, "variant", "", "Variant id (required)")
	seriesCmd.Flags().StringVar(&seriesSymbol, "symbol", "", "Symbol (required)")
	seriesCmd.Flags().StringVar(&seriesSession, "session", "", "Tick session id (defaults to the configured engine session)")
	seriesCmd.Flags().StringVar(&seriesStart, "start", "", "Range start (epoch seconds, YYYY-MM-DD, or RFC3339; empty = open)")
	seriesCmd.Flags().StringVar(&seriesEnd, "end", "", "Range end (same formats; empty = open)")
	seriesCmd.Flags().StringVar(&seriesPersistAs, "persist-as", "", "Store the computed values under this indicator id")
	cobra.CheckErr(seriesCmd.MarkFlagRequired("variant"))
	cobra.CheckErr(seriesCmd.MarkFlagRequired("symbol"))
	rootCmd.AddCommand(seriesCmd)
}

func runSeries(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if seriesSession == "" {
		seriesSession = cfg.Engine.GetSession()
	}
	start, err := parseTimePoint(seriesStart)
	if err != nil {
		return fmt.Errorf("parse --start: %w", err)
	}
	end, err := parseTimePoint(seriesEnd)
	if err != nil {
		return fmt.Errorf("parse --end: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer base.Close()

	registry := indicators.Default()
	repo := variants.NewRepository(base, registry, nil)
	off := engine.NewOffline(timeseriesFor(base, cfg), repo, registry)

	s, err := off.CalculateVariantSeries(ctx, seriesSession, seriesVariant, seriesSymbol, start, end, nil)
	if err != nil && s == nil {
		return err
	}
	if s.Cancelled {
		log.Warn().Int("computed", len(s.Values)).Msg("cancelled, printing partial series")
	}
	printSeries(s)

	if seriesPersistAs != "" {
		n, perr := off.PersistSeries(ctx, seriesSession, seriesPersistAs, s)
		if perr != nil {
			return fmt.Errorf("persist series: %w", perr)
		}
		log.Info().Int("rows", n).Str("indicator_id", seriesPersistAs).Msg("series persisted")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printSeries(s *engine.Series) {
	fmt.Printf("Symbol:    %s\n", s.Symbol)
	fmt.Printf("Indicator: %s\n", s.IndicatorType)
	fmt.Printf("Timeframe: %s\n", s.Timeframe)
	fmt.Printf("Refresh:   %.2fs\n", s.RefreshInterval)
	fmt.Printf("Params:    %v\n\n", s.Params)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TS\tTIME\tVALUE")
	computed := 0
	for _, v := range s.Values {
		val := "-"
		if v.Value != nil {
			val = strconv.FormatFloat(*v.Value, 'f', 6, 64)
			computed++
		}
		sec := int64(v.Timestamp)
		nsec := int64((v.Timestamp - float64(sec)) * 1e9)
		fmt.Fprintf(w, "%.3f\t%s\t%s\n", v.Timestamp, time.Unix(sec, nsec).UTC().Format(time.RFC3339), val)
	}
	w.Flush()
	fmt.Printf("\n%d slots, %d computed\n", len(s.Values), computed)
}

// parseTimePoint accepts epoch seconds (milliseconds normalized), a plain
// date, or RFC3339. Empty leaves the bound open.
func parseTimePoint(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return marketdata.NormalizeTimestamp(f), nil
	}
	t, err := parseDate(s)
	if err != nil {
		return 0, err
	}
	return float64(t.Unix()), nil
}
