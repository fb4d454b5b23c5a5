package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/usagesim/pkg/dispatch"
	"github.com/pario-ai/usagesim/pkg/ingest"
	"github.com/pario-ai/usagesim/pkg/journal"
	"github.com/pario-ai/usagesim/pkg/metrics"
	"github.com/pario-ai/usagesim/pkg/models"
	"github.com/pario-ai/usagesim/pkg/tracker"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		sim         simFlags
		dryRun      bool
		verbose     bool
		metricsAddr string
		ingestURL   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Synthesize usage events and deliver them to the ingestion endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			sim.apply(cmd, cfg)
			applyIngestURL(cmd, cfg, ingestURL)
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Listen = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if !dryRun {
				if err := cfg.RequireAPIKey(); err != nil {
					return err
				}
			}

			log := newLogger(cfg)

			src, err := loadSources(cfg, sim.customers)
			if err != nil {
				return err
			}
			s, err := newSynthesizer(cfg, src, &sim)
			if err != nil {
				return err
			}
			start, end := s.Window()
			log.Info().
				Str("profile", cfg.Profile).
				Uint64("seed", s.Seed()).
				Int("customers", len(src.customers)).
				Time("window_start", start).
				Time("window_end", end).
				Msg("synthesizer ready")

			jw, err := journal.Create(cfg.Output.EventsPath)
			if err != nil {
				return err
			}
			defer func() { _ = jw.Close() }()

			collector := metrics.NewCollector()
			stopMetrics := serveMetrics(cfg.Metrics.Listen, collector, log)
			defer stopMetrics()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events := journal.Tee(collector.Count(s.Events(src.customers)), jw, func(err error) {
				log.Error().Err(err).Str("path", jw.Path()).Msg("journal write failed")
			})

			if dryRun {
				n := 0
				for range events {
					if ctx.Err() != nil {
						break
					}
					n++
				}
				if err := jw.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %d events written to %s (seed %d)\n", n, jw.Path(), s.Seed())
				return ctx.Err()
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init tracker: %w", err)
			}
			defer func() { _ = tr.Close() }()

			runID, err := tr.StartRun(ctx, models.RunInfo{
				Profile:   cfg.Profile,
				Seed:      s.Seed(),
				Days:      cfg.Simulation.Days,
				Customers: len(src.customers),
				Endpoint:  cfg.Ingest.URL,
				StartedAt: time.Now().UTC(),
				WindowEnd: end,
			})
			if err != nil {
				return err
			}
			log = log.With().Str("run_id", runID).Logger()

			client, err := ingest.New(cfg.Ingest)
			if err != nil {
				return err
			}
			d := dispatch.New(client, cfg.Ingest,
				dispatch.WithLogger(log),
				dispatch.WithMetrics(collector),
				dispatch.WithBatchHook(recordBatches(tr, runID, log)),
			)

			report, derr := d.Dispatch(ctx, events)
			if derr != nil && !errors.Is(derr, context.Canceled) {
				return derr
			}

			if err := jw.Close(); err != nil {
				log.Error().Err(err).Msg("close journal")
			}
			if err := tr.FinishRun(context.WithoutCancel(ctx), runID, report.Events, report.Interrupted); err != nil {
				log.Error().Err(err).Msg("finish run")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s (seed %d, end %s), events journaled to %s\n", runID, s.Seed(), end.Format(time.RFC3339), jw.Path())
			if err := report.WriteSummary(out, verbose); err != nil {
				return err
			}
			return runFailure(report)
		},
	}

	sim.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "synthesize and journal without sending")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every dropped transaction id")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	ingestURLFlag(cmd, &ingestURL)
	return cmd
}
