package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/usagesim/pkg/sink"
)

func newSinkCmd(g *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a local ingestion endpoint with optional fault injection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Sink.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := newLogger(cfg)

			s := sink.New(cfg.Sink, sink.WithLogger(log))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := s.ListenAndServe(ctx); err != nil {
				return err
			}

			st := s.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "Requests %d, batches %d, events %d, duplicates %d, rejected %d, rate limited %d, errors %d, stalled %d\n",
				st.Requests, st.Batches, st.Events, st.Duplicates, st.Rejected, st.RateLimited, st.Errors, st.Stalled)
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override sink.listen")
	return cmd
}
