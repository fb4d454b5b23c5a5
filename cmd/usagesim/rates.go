package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/usagesim/pkg/models"
)

func newRatesCmd(g *globalFlags) *cobra.Command {
	var (
		model     string
		direction string
		tier      string
		quantity  int64
	)

	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Show the rate table or price a model or GPU tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			rates, err := rateTable(cfg, newLogger(cfg))
			if err != nil {
				return fmt.Errorf("build rate table: %w", err)
			}
			out := cmd.OutOrStdout()

			switch {
			case tier != "":
				price, cost := rates.GPUCost(tier, quantity)
				fmt.Fprintf(out, "%s: $%.4f/hour", tier, price)
				if quantity > 0 {
					fmt.Fprintf(out, ", %d seconds = $%.6f", quantity, cost)
				}
				fmt.Fprintln(out)
				return nil
			case model != "":
				dir := models.Direction(direction)
				if dir != models.DirectionInput && dir != models.DirectionOutput {
					return fmt.Errorf("unknown direction %q (use input or output)", direction)
				}
				entry, matched := rates.MatchModel(model)
				if !matched {
					entry += " (default)"
				}
				price, cost := rates.TokenCost(model, dir, quantity)
				fmt.Fprintf(out, "%s %s via %s: $%.4f/1K tokens", model, dir, entry, price)
				if quantity > 0 {
					fmt.Fprintf(out, ", %d tokens = $%.6f", quantity, cost)
				}
				fmt.Fprintln(out)
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tINPUT/1K\tOUTPUT/1K\tPER HOUR")
			for _, e := range rates.Entries() {
				id := e.ID
				if id == rates.DefaultModel() {
					id += " *"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, price(e.InputPricePer1K), price(e.OutputPricePer1K), price(e.PricePerHour))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(out, "\n* default for unmatched models")
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "model name to price")
	cmd.Flags().StringVar(&direction, "direction", string(models.DirectionInput), "token direction: input or output")
	cmd.Flags().StringVar(&tier, "tier", "", "GPU tier to price")
	cmd.Flags().Int64Var(&quantity, "quantity", 0, "tokens or seconds to cost")
	return cmd
}

func price(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("$%.4f", *p)
}
