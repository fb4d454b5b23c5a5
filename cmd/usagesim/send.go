package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"slices"
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

// profileReplay marks runs that resent a journal.
const profileReplay = "replay"

func newSendCmd(g *globalFlags) *cobra.Command {
	var (
		verbose     bool
		metricsAddr string
		ingestURL   string
	)

	cmd := &cobra.Command{
		Use:   "send [journal]",
		Short: "Replay a journal file through the dispatcher",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			applyIngestURL(cmd, cfg, ingestURL)
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Listen = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.RequireAPIKey(); err != nil {
				return err
			}

			path := cfg.Output.EventsPath
			if len(args) == 1 {
				path = args[0]
			}
			events, err := journal.Read(path)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := ev.Validate(nil); err != nil {
					return fmt.Errorf("journal %s: %w", path, err)
				}
			}

			log := newLogger(cfg)
			collector := metrics.NewCollector()
			stopMetrics := serveMetrics(cfg.Metrics.Listen, collector, log)
			defer stopMetrics()

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init tracker: %w", err)
			}
			defer func() { _ = tr.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runID, err := tr.StartRun(ctx, models.RunInfo{
				Profile:   profileReplay,
				Customers: countCustomers(events),
				Endpoint:  cfg.Ingest.URL,
				StartedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			log = log.With().Str("run_id", runID).Str("journal", path).Logger()

			client, err := ingest.New(cfg.Ingest)
			if err != nil {
				return err
			}
			d := dispatch.New(client, cfg.Ingest,
				dispatch.WithLogger(log),
				dispatch.WithMetrics(collector),
				dispatch.WithBatchHook(recordBatches(tr, runID, log)),
			)

			report, derr := d.Dispatch(ctx, slices.Values(events))
			if derr != nil && !errors.Is(derr, context.Canceled) {
				return derr
			}
			if err := tr.FinishRun(context.WithoutCancel(ctx), runID, report.Events, report.Interrupted); err != nil {
				log.Error().Err(err).Msg("finish run")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s, replayed %s\n", runID, path)
			if err := report.WriteSummary(out, verbose); err != nil {
				return err
			}
			return runFailure(report)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every dropped transaction id")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while sending")
	ingestURLFlag(cmd, &ingestURL)
	return cmd
}

func countCustomers(events []models.UsageEvent) int {
	seen := make(map[string]struct{})
	for _, ev := range events {
		seen[ev.CustomerID] = struct{}{}
	}
	return len(seen)
}
