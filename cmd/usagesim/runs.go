package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/usagesim/pkg/models"
	"github.com/pario-ai/usagesim/pkg/tracker"
)

const timeLayout = "2006-01-02T15:04:05"

func openTracker(g *globalFlags) (*tracker.SQLiteTracker, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	tr, err := tracker.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init tracker: %w", err)
	}
	return tr, nil
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := openTracker(g)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			runs, err := tr.ListRuns(context.Background(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tPROFILE\tSTARTED\tSEED\tEVENTS\tSENT\tFAILED\tSTATE")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.ID, r.Profile, r.StartedAt.Format(timeLayout), r.Seed,
					r.Events, r.BatchesSent, r.BatchesFailed, runState(r))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list (0 for all)")
	cmd.AddCommand(newRunsShowCmd(g), newRunsUsageCmd(g))
	return cmd
}

func newRunsShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's batches, dropped transaction ids and delivered usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := openTracker(g)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			ctx := context.Background()
			run, err := tr.GetRun(ctx, args[0])
			if errors.Is(err, tracker.ErrRunNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			batches, err := tr.RunBatches(ctx, run.ID)
			if err != nil {
				return err
			}
			dropped, err := tr.DroppedTransactions(ctx, run.ID)
			if err != nil {
				return err
			}
			totals, err := tr.Summary(ctx, run.ID, "")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Run:\t%s (%s)\n", run.ID, runState(*run))
			fmt.Fprintf(w, "Profile:\t%s\n", run.Profile)
			fmt.Fprintf(w, "Seed:\t%d\n", run.Seed)
			if run.WindowEnd != nil {
				fmt.Fprintf(w, "Window end:\t%s\n", run.WindowEnd.UTC().Format(time.RFC3339))
			}
			fmt.Fprintf(w, "Days:\t%d\n", run.Days)
			fmt.Fprintf(w, "Customers:\t%d\n", run.Customers)
			fmt.Fprintf(w, "Endpoint:\t%s\n", run.Endpoint)
			fmt.Fprintf(w, "Events:\t%d\n", run.Events)
			if err := w.Flush(); err != nil {
				return err
			}

			if len(batches) > 0 {
				fmt.Fprintln(out)
				w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "BATCH\tEVENTS\tSTATUS\tATTEMPTS\tERROR")
				for _, b := range batches {
					fmt.Fprintf(w, "#%d\t%d-%d\t%s\t%d\t%s\n", b.Index, b.Start, b.End-1, b.Status, b.Attempts, b.Error)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if len(dropped) > 0 {
				fmt.Fprintf(out, "\nDropped events (%d):\n", len(dropped))
				for _, d := range dropped {
					fmt.Fprintf(out, "  #%d %s\n", d.BatchIndex, d.TransactionID)
				}
			}

			if len(totals) > 0 {
				fmt.Fprintln(out)
				return writeTotals(out, totals)
			}
			return nil
		},
	}
}

func newRunsUsageCmd(g *globalFlags) *cobra.Command {
	var runID, customerID string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show delivered usage totals across runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := openTracker(g)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			totals, err := tr.Summary(context.Background(), runID, customerID)
			if err != nil {
				return err
			}
			if len(totals) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No delivered usage recorded.")
				return nil
			}
			return writeTotals(cmd.OutOrStdout(), totals)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "restrict to one run")
	cmd.Flags().StringVar(&customerID, "customer", "", "restrict to one customer")
	return cmd
}

func writeTotals(out io.Writer, totals []models.UsageTotal) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CUSTOMER\tTYPE\tMODEL/TIER\tDIRECTION\tEVENTS\tQUANTITY\tCOST USD")
	var cost float64
	for _, t := range totals {
		dir := string(t.Direction)
		if dir == "" {
			dir = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.4f\n",
			t.CustomerID, t.EventType, t.Subject, dir, t.Events, t.Quantity, t.CostUSD)
		cost += t.CostUSD
	}
	fmt.Fprintf(w, "\t\t\t\t\t\t%.4f\n", cost)
	return w.Flush()
}

func runState(r models.Run) string {
	switch {
	case r.Interrupted:
		return "interrupted"
	case r.FinishedAt == nil:
		return "running"
	}
	return "finished"
}
