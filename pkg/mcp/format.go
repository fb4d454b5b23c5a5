package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/usagesim/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

// formatRuns formats runs as a text table.
func formatRuns(runs []models.Run) string {
	if len(runs) == 0 {
		return "No runs found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-11s %-20s %8s %6s %6s %s\n",
		"Run ID", "Profile", "Started", "Events", "Sent", "Failed", "State")
	b.WriteString(strings.Repeat("-", 86) + "\n")
	for _, r := range runs {
		fmt.Fprintf(&b, "%-20s %-11s %-20s %8d %6d %6d %s\n",
			r.ID, r.Profile, r.StartedAt.Format(timeLayout),
			r.Events, r.BatchesSent, r.BatchesFailed, runState(r))
	}
	return b.String()
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

// formatRunDetail formats one run with its batches and dropped transactions.
func formatRunDetail(run *models.Run, batches []models.BatchRecord, dropped []models.DroppedEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s)\n", run.ID, runState(*run))
	fmt.Fprintf(&b, "  Profile:   %s\n", run.Profile)
	fmt.Fprintf(&b, "  Seed:      %d\n", run.Seed)
	fmt.Fprintf(&b, "  Days:      %d\n", run.Days)
	fmt.Fprintf(&b, "  Customers: %d\n", run.Customers)
	fmt.Fprintf(&b, "  Endpoint:  %s\n", run.Endpoint)
	fmt.Fprintf(&b, "  Events:    %d\n\n", run.Events)

	if len(batches) == 0 {
		b.WriteString("No batches recorded.\n")
	} else {
		fmt.Fprintf(&b, "%6s %-13s %-7s %8s  %s\n", "Batch", "Events", "Status", "Attempts", "Error")
		b.WriteString(strings.Repeat("-", 60) + "\n")
		for _, br := range batches {
			fmt.Fprintf(&b, "%6d %-13s %-7s %8d  %s\n",
				br.Index, fmt.Sprintf("%d-%d", br.Start, br.End-1), br.Status, br.Attempts, br.Error)
		}
	}

	if len(dropped) > 0 {
		fmt.Fprintf(&b, "\nDropped events (%d):\n", len(dropped))
		for _, d := range dropped {
			fmt.Fprintf(&b, "  batch %d  %s\n", d.BatchIndex, d.TransactionID)
		}
	}
	return b.String()
}

// formatTotals formats delivered usage totals as a text table.
func formatTotals(totals []models.UsageTotal) string {
	if len(totals) == 0 {
		return "No delivered usage found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-7s %-22s %-7s %8s %14s %12s\n",
		"Customer", "Type", "Model/Tier", "Dir", "Events", "Quantity", "Cost USD")
	b.WriteString(strings.Repeat("-", 96) + "\n")
	var cost float64
	for _, t := range totals {
		fmt.Fprintf(&b, "%-20s %-7s %-22s %-7s %8d %14d %12.4f\n",
			t.CustomerID, t.EventType, t.Subject, t.Direction, t.Events, t.Quantity, t.CostUSD)
		cost += t.CostUSD
	}
	fmt.Fprintf(&b, "\nTotal cost: $%.4f\n", cost)
	return b.String()
}

// formatRates formats the rate table.
func formatRates(entries []models.RateEntry) string {
	if len(entries) == 0 {
		return "No rates configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %12s %12s %12s\n", "ID", "Input/1K", "Output/1K", "Per Hour")
	b.WriteString(strings.Repeat("-", 63) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-24s %12s %12s %12s\n",
			e.ID, price(e.InputPricePer1K), price(e.OutputPricePer1K), price(e.PricePerHour))
	}
	return b.String()
}

func price(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("$%.4f", *p)
}
