package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pario-ai/usagesim/pkg/catalog"
	"github.com/pario-ai/usagesim/pkg/config"
	"github.com/pario-ai/usagesim/pkg/dispatch"
	"github.com/pario-ai/usagesim/pkg/logging"
	"github.com/pario-ai/usagesim/pkg/metrics"
	"github.com/pario-ai/usagesim/pkg/models"
	"github.com/pario-ai/usagesim/pkg/ratetable"
	"github.com/pario-ai/usagesim/pkg/synth"
	"github.com/pario-ai/usagesim/pkg/tracker"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	profile    string
	logLevel   string
}

func (g *globalFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to config file (defaults when empty)")
	cmd.PersistentFlags().StringVar(&g.profile, "profile", "", "simulation profile: baseline or high_usage")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log.level")
}

// load reads the config file, or the defaults when none is given, with the
// selected profile applied.
func (g *globalFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.LoadProfile(g.configPath, g.profile)
	} else {
		cfg, err = config.ForProfile(g.profile)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, nil
}

// simFlags override simulation settings for the commands that synthesize.
type simFlags struct {
	customers []string
	days      int
	seed      uint64
	limit     int
	end       string
}

func (f *simFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.customers, "customer", nil, "explicit customer id (repeatable); skips the customer file")
	cmd.Flags().IntVar(&f.days, "days", 0, "override simulation.days")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "override simulation.seed (0 picks a fresh seed)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "override sources.customer_limit")
	cmd.Flags().StringVar(&f.end, "end", "", "RFC 3339 end of the event window (defaults to now); with --seed reproduces a run")
}

func (f *simFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("days") {
		cfg.Simulation.Days = f.days
	}
	if cmd.Flags().Changed("seed") {
		cfg.Simulation.Seed = f.seed
	}
	if cmd.Flags().Changed("limit") {
		cfg.Sources.CustomerLimit = f.limit
	}
}

// options returns the synthesizer options the flags imply.
func (f *simFlags) options() ([]synth.Option, error) {
	if f.end == "" {
		return nil, nil
	}
	end, err := time.Parse(time.RFC3339, f.end)
	if err != nil {
		return nil, fmt.Errorf("invalid --end: %w", err)
	}
	return []synth.Option{synth.WithClock(func() time.Time { return end })}, nil
}

// ingestURLFlag registers --url, which overrides ingest.url.
func ingestURLFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "url", "", "override ingest.url")
}

func applyIngestURL(cmd *cobra.Command, cfg *config.Config, url string) {
	if cmd.Flags().Changed("url") {
		cfg.Ingest.URL = url
	}
}

// sources bundles everything loaded before synthesis starts.
type sources struct {
	card      *catalog.RateCard
	customers []string
	rates     *ratetable.Table
}

// loadSources reads the rate card and customer table and builds the rate
// table. Explicit customer ids replace the customer file.
func loadSources(cfg *config.Config, explicit []string) (*sources, error) {
	card, err := catalog.LoadRateCard(cfg.Sources.RateCard)
	if err != nil {
		return nil, err
	}

	customers := explicit
	if len(customers) == 0 {
		customers, err = catalog.LoadCustomers(cfg.Sources.Customers, cfg.Sources.CustomerLimit)
		if err != nil {
			return nil, err
		}
	}

	rates, err := ratetable.New(ratetable.Merge(cfg.Pricing.Rates, card.Rates), cfg.Pricing.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("build rate table: %w", err)
	}
	return &sources{card: card, customers: customers, rates: rates}, nil
}

// rateTable builds the rate table from config, merging rate-card prices when
// the rate card is readable.
func rateTable(cfg *config.Config, log zerolog.Logger) (*ratetable.Table, error) {
	entries := cfg.Pricing.Rates
	if card, err := catalog.LoadRateCard(cfg.Sources.RateCard); err == nil {
		entries = ratetable.Merge(entries, card.Rates)
	} else {
		log.Debug().Err(err).Msg("rate card not loaded, using configured rates")
	}
	return ratetable.New(entries, cfg.Pricing.DefaultModel)
}

func newSynthesizer(cfg *config.Config, src *sources, sim *simFlags) (*synth.Synthesizer, error) {
	opts, err := sim.options()
	if err != nil {
		return nil, err
	}
	s, err := synth.New(cfg.Simulation, src.card.Catalog, src.rates, opts...)
	if err != nil {
		return nil, fmt.Errorf("init synthesizer: %w", err)
	}
	return s, nil
}

// recordBatches returns a dispatch hook that stores each batch outcome.
func recordBatches(tr tracker.Tracker, runID string, log zerolog.Logger) dispatch.BatchHook {
	return func(ctx context.Context, res dispatch.BatchResult, events []models.UsageEvent) {
		rec := models.BatchRecord{
			RunID:    runID,
			Index:    res.Index,
			Start:    res.Start,
			End:      res.End,
			Status:   string(res.Status),
			Attempts: res.Attempts,
			SentAt:   time.Now().UTC(),
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		if err := tr.RecordBatch(ctx, rec, events); err != nil {
			log.Error().Err(err).Int("batch", res.Index).Msg("record batch")
		}
	}
}

// serveMetrics starts the metrics endpoint when addr is set. The returned
// function shuts it down.
func serveMetrics(addr string, c *metrics.Collector, log zerolog.Logger) func() {
	if addr == "" {
		return func() {}
	}
	srv := metrics.NewServer(addr, c.Registry())
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.NewLogger(cfg.Log)
}

// runFailure reports a dispatch that did not deliver everything.
func runFailure(report *dispatch.Report) error {
	if report.Interrupted {
		return fmt.Errorf("run interrupted after %d batches (%d failed)", report.Attempted(), report.Failed())
	}
	if n := report.Failed(); n > 0 {
		return fmt.Errorf("%d of %d batches failed", n, report.Attempted())
	}
	return nil
}
