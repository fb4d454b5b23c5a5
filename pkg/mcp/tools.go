package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pario-ai/usagesim/pkg/models"
	"github.com/pario-ai/usagesim/pkg/tracker"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"usagesim_runs":       handleRuns,
	"usagesim_run_detail": handleRunDetail,
	"usagesim_usage":      handleUsage,
	"usagesim_price":      handlePrice,
}

var allTools = []ToolDefinition{
	{
		Name:        "usagesim_runs",
		Description: "List recent simulation runs with event and batch counts",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{"type": "integer", "description": "Maximum number of runs (default 20)"},
			},
		},
	},
	{
		Name:        "usagesim_run_detail",
		Description: "Show the batches of a run and the transaction ids of events that were never delivered",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"run_id": map[string]any{"type": "string", "description": "Run ID"},
			},
			"required": []string{"run_id"},
		},
	},
	{
		Name:        "usagesim_usage",
		Description: "Delivered usage totals per customer, model or GPU tier, and direction",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"run_id":      map[string]any{"type": "string", "description": "Restrict to one run"},
				"customer_id": map[string]any{"type": "string", "description": "Restrict to one customer"},
			},
		},
	},
	{
		Name:        "usagesim_price",
		Description: "Price a token count for a model, or seconds of a GPU tier, against the rate table",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"model":     map[string]any{"type": "string", "description": "Model name, matched by prefix"},
				"direction": map[string]any{"type": "string", "description": "input or output (default input)"},
				"tier":      map[string]any{"type": "string", "description": "GPU tier, e.g. gpu_type_1"},
				"quantity":  map[string]any{"type": "integer", "description": "Tokens for a model or seconds for a tier"},
			},
		},
	},
}

func handleRuns(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult {
	var p struct {
		Limit int `json:"limit"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &p)
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}

	runs, err := s.tracker.ListRuns(ctx, p.Limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs: %v", err))
	}
	return textResult(formatRuns(runs))
}

func handleRunDetail(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult {
	var p struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil || p.RunID == "" {
		return errorResult("run_id is required")
	}

	run, err := s.tracker.GetRun(ctx, p.RunID)
	if errors.Is(err, tracker.ErrRunNotFound) {
		return errorResult(fmt.Sprintf("run %s not found", p.RunID))
	}
	if err != nil {
		return errorResult(fmt.Sprintf("get run: %v", err))
	}
	batches, err := s.tracker.RunBatches(ctx, p.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("run batches: %v", err))
	}
	dropped, err := s.tracker.DroppedTransactions(ctx, p.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("dropped events: %v", err))
	}
	return textResult(formatRunDetail(run, batches, dropped))
}

func handleUsage(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult {
	var p struct {
		RunID      string `json:"run_id"`
		CustomerID string `json:"customer_id"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &p)
	}

	totals, err := s.tracker.Summary(ctx, p.RunID, p.CustomerID)
	if err != nil {
		return errorResult(fmt.Sprintf("usage summary: %v", err))
	}
	return textResult(formatTotals(totals))
}

func handlePrice(_ context.Context, s *Server, args json.RawMessage) ToolCallResult {
	if s.rates == nil {
		return errorResult("no rate table loaded")
	}
	var p struct {
		Model     string           `json:"model"`
		Direction models.Direction `json:"direction"`
		Tier      string           `json:"tier"`
		Quantity  int64            `json:"quantity"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &p); err != nil {
			return errorResult("invalid arguments")
		}
	}
	if p.Quantity < 0 {
		return errorResult("quantity must not be negative")
	}

	switch {
	case p.Tier != "":
		price, cost := s.rates.GPUCost(p.Tier, p.Quantity)
		return textResult(fmt.Sprintf("%s: $%.4f/hour, %d seconds = $%.6f\n", p.Tier, price, p.Quantity, cost))
	case p.Model != "":
		if p.Direction == "" {
			p.Direction = models.DirectionInput
		}
		if p.Direction != models.DirectionInput && p.Direction != models.DirectionOutput {
			return errorResult(fmt.Sprintf("unknown direction %q", p.Direction))
		}
		entry, matched := s.rates.MatchModel(p.Model)
		price, cost := s.rates.TokenCost(p.Model, p.Direction, p.Quantity)
		via := entry
		if !matched {
			via = entry + " (default)"
		}
		return textResult(fmt.Sprintf("%s %s via %s: $%.4f/1K tokens, %d tokens = $%.6f\n",
			p.Model, p.Direction, via, price, p.Quantity, cost))
	}
	return textResult(formatRates(s.rates.Entries()))
}
