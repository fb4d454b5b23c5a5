package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/usagesim/pkg/catalog"
	"github.com/pario-ai/usagesim/pkg/journal"
)

func newValidateCmd(g *globalFlags) *cobra.Command {
	var maxErrors int

	cmd := &cobra.Command{
		Use:   "validate [journal]",
		Short: "Check a journal file's events against the billable metric shapes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			path := cfg.Output.EventsPath
			if len(args) == 1 {
				path = args[0]
			}
			events, err := journal.Read(path)
			if err != nil {
				return err
			}

			var tiers []string
			if card, err := catalog.LoadRateCard(cfg.Sources.RateCard); err == nil {
				tiers = card.Catalog.GPUTiers
			} else {
				log.Debug().Err(err).Msg("rate card not loaded, gpu tiers unchecked")
			}

			out := cmd.OutOrStdout()
			var invalid []error
			ids := make(map[string]int, len(events))
			for _, ev := range events {
				ids[ev.TransactionID]++
				if err := ev.Validate(tiers); err != nil {
					invalid = append(invalid, err)
				}
			}
			shared := 0
			for _, n := range ids {
				if n > 1 {
					shared++
				}
			}

			fmt.Fprintf(out, "%s: %d events, %d invalid\n", path, len(events), len(invalid))
			if shared > 0 {
				fmt.Fprintf(out, "%d transaction ids are shared by more than one event\n", shared)
			}
			if len(invalid) == 0 {
				return nil
			}
			for i, err := range invalid {
				if maxErrors > 0 && i == maxErrors {
					fmt.Fprintf(out, "  ... %d more\n", len(invalid)-maxErrors)
					break
				}
				fmt.Fprintf(out, "  %v\n", err)
			}
			return fmt.Errorf("%d invalid events, first: %w", len(invalid), invalid[0])
		},
	}

	cmd.Flags().IntVar(&maxErrors, "max-errors", 20, "maximum invalid events to list (0 lists all)")
	return cmd
}
