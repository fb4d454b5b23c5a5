package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/usagesim/pkg/journal"
	"github.com/pario-ai/usagesim/pkg/models"
)

func newGenerateCmd(g *globalFlags) *cobra.Command {
	var (
		sim    simFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Synthesize usage events into a journal file without sending",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			sim.apply(cmd, cfg)
			if output != "" {
				cfg.Output.EventsPath = output
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			src, err := loadSources(cfg, sim.customers)
			if err != nil {
				return err
			}
			s, err := newSynthesizer(cfg, src, &sim)
			if err != nil {
				return err
			}

			events := s.Generate(src.customers)
			var invalid []error
			for _, ev := range events {
				if err := ev.Validate(s.Tiers()); err != nil {
					invalid = append(invalid, err)
				}
			}
			if len(invalid) > 0 {
				return fmt.Errorf("generated %d invalid events: %w", len(invalid), errors.Join(invalid...))
			}

			if err := writeJournal(cfg.Output.EventsPath, events); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			start, end := s.Window()
			fmt.Fprintf(out, "Wrote %d events to %s\n", len(events), cfg.Output.EventsPath)
			fmt.Fprintf(out, "Seed %d, window %s to %s\n\n", s.Seed(), start.Format("2006-01-02T15:04:05Z"), end.Format("2006-01-02T15:04:05Z"))
			return writeEventCounts(out, events)
		},
	}

	sim.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "journal path (overrides output.events_path)")
	return cmd
}

func writeJournal(path string, events []models.UsageEvent) error {
	jw, err := journal.Create(path)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := jw.Write(ev); err != nil {
			_ = jw.Close()
			return err
		}
	}
	return jw.Close()
}

func writeEventCounts(out io.Writer, events []models.UsageEvent) error {
	type key struct {
		typ     models.EventType
		subject string
	}
	counts := make(map[key]int)
	var order []key
	for _, ev := range events {
		k := key{ev.EventType, ev.Subject()}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tMODEL/TIER\tEVENTS")
	for _, k := range order {
		fmt.Fprintf(w, "%s\t%s\t%d\n", k.typ, k.subject, counts[k])
	}
	return w.Flush()
}
