package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/usagesim/pkg/models"
	"github.com/pario-ai/usagesim/pkg/ratetable"
	"github.com/pario-ai/usagesim/pkg/tracker"
)

// fakeTracker implements tracker.Tracker for testing.
type fakeTracker struct {
	runs    []models.Run
	batches []models.BatchRecord
	dropped []models.DroppedEvent
	totals  []models.UsageTotal

	gotRunID, gotCustomer string
}

func (f *fakeTracker) StartRun(_ context.Context, _ models.RunInfo) (string, error) { return "", nil }
func (f *fakeTracker) RecordBatch(_ context.Context, _ models.BatchRecord, _ []models.UsageEvent) error {
	return nil
}
func (f *fakeTracker) FinishRun(_ context.Context, _ string, _ int, _ bool) error { return nil }
func (f *fakeTracker) ListRuns(_ context.Context, limit int) ([]models.Run, error) {
	if limit > 0 && len(f.runs) > limit {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}
func (f *fakeTracker) GetRun(_ context.Context, id string) (*models.Run, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, tracker.ErrRunNotFound
}
func (f *fakeTracker) RunBatches(_ context.Context, _ string) ([]models.BatchRecord, error) {
	return f.batches, nil
}
func (f *fakeTracker) DroppedTransactions(_ context.Context, _ string) ([]models.DroppedEvent, error) {
	return f.dropped, nil
}
func (f *fakeTracker) Summary(_ context.Context, runID, customerID string) ([]models.UsageTotal, error) {
	f.gotRunID, f.gotCustomer = runID, customerID
	return f.totals, nil
}
func (f *fakeTracker) Close() error { return nil }

func newTestServer(t *testing.T, tr tracker.Tracker) *Server {
	t.Helper()
	rates, err := ratetable.New([]models.RateEntry{
		{ID: "gpt4-o", InputPricePer1K: models.Price(0.03), OutputPricePer1K: models.Price(0.06)},
		{ID: "claude-3.5-sonnet", InputPricePer1K: models.Price(0.02), OutputPricePer1K: models.Price(0.04)},
		{ID: "gpu_type_1", PricePerHour: models.Price(0.80)},
	}, "claude-3.5-sonnet")
	if err != nil {
		t.Fatal(err)
	}
	return New(tr, rates, zerolog.Nop(), "test")
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := newTestServer(t, &fakeTracker{})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	_ = json.Unmarshal(data, &result)

	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != "usagesim" || result.ServerInfo.Version != "test" {
		t.Errorf("server info = %+v", result.ServerInfo)
	}

	raw, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(raw), `"capabilities":{"tools":{}}`) {
		t.Errorf("capabilities not advertised: %s", raw)
	}
}

func TestInvalidVersion(t *testing.T) {
	srv := newTestServer(t, &fakeTracker{})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "1.0",
		ID:      json.RawMessage(`3`),
		Method:  "ping",
	})

	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp)
	}
	if string(resp.ID) != "3" {
		t.Errorf("id = %s, want 3", resp.ID)
	}
}

func TestToolsList(t *testing.T) {
	srv := newTestServer(t, &fakeTracker{})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	_ = json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("tool %s has no handler", tool.Name)
		}
	}
}

func TestToolCallRuns(t *testing.T) {
	finished := time.Date(2026, 2, 21, 9, 5, 0, 0, time.UTC)
	tr := &fakeTracker{runs: []models.Run{
		{ID: "run_20260221_a3f9c2", Profile: "high_usage", Events: 250, BatchesSent: 2, BatchesFailed: 1,
			StartedAt: time.Date(2026, 2, 21, 9, 0, 0, 0, time.UTC), FinishedAt: &finished},
		{ID: "run_20260220_000001", Profile: "baseline", Interrupted: true},
	}}
	srv := newTestServer(t, tr)

	text := callTool(t, srv, "usagesim_runs", `{}`).Content[0].Text
	for _, want := range []string{"run_20260221_a3f9c2", "high_usage", "250", "finished", "interrupted"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got:\n%s", want, text)
		}
	}

	text = callTool(t, srv, "usagesim_runs", `{"limit":1}`).Content[0].Text
	if strings.Contains(text, "run_20260220_000001") {
		t.Errorf("limit ignored:\n%s", text)
	}
}

func TestToolCallRunDetail(t *testing.T) {
	tr := &fakeTracker{
		runs: []models.Run{{ID: "run_1", Profile: "baseline", Seed: 42, Events: 250}},
		batches: []models.BatchRecord{
			{Index: 1, Start: 0, End: 100, Status: "sent", Attempts: 1},
			{Index: 2, Start: 100, End: 200, Status: "failed", Attempts: 3, Error: "request timed out"},
		},
		dropped: []models.DroppedEvent{{BatchIndex: 2, TransactionID: "tx-100"}},
	}
	srv := newTestServer(t, tr)

	text := callTool(t, srv, "usagesim_run_detail", `{"run_id":"run_1"}`).Content[0].Text
	for _, want := range []string{"Seed:      42", "100-199", "request timed out", "Dropped events (1)", "tx-100"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got:\n%s", want, text)
		}
	}
}

func TestToolCallRunDetailErrors(t *testing.T) {
	srv := newTestServer(t, &fakeTracker{})

	if res := callTool(t, srv, "usagesim_run_detail", `{}`); !res.IsError {
		t.Error("expected isError=true for missing run_id")
	}
	res := callTool(t, srv, "usagesim_run_detail", `{"run_id":"run_missing"}`)
	if !res.IsError || !strings.Contains(res.Content[0].Text, "not found") {
		t.Errorf("expected not found error, got %+v", res)
	}
}

func TestToolCallUsage(t *testing.T) {
	tr := &fakeTracker{totals: []models.UsageTotal{
		{CustomerID: "c1", EventType: models.EventTokens, Subject: "gpt4-o", Direction: models.DirectionInput, Events: 2, Quantity: 1500, CostUSD: 0.045},
		{CustomerID: "c1", EventType: models.EventGPU, Subject: "gpu_type_1", Events: 1, Quantity: 3600, CostUSD: 0.8},
	}}
	srv := newTestServer(t, tr)

	text := callTool(t, srv, "usagesim_usage", `{"run_id":"run_1","customer_id":"c1"}`).Content[0].Text
	if tr.gotRunID != "run_1" || tr.gotCustomer != "c1" {
		t.Errorf("filters not passed: %q %q", tr.gotRunID, tr.gotCustomer)
	}
	for _, want := range []string{"gpt4-o", "1500", "gpu_type_1", "Total cost: $0.8450"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got:\n%s", want, text)
		}
	}

	empty := newTestServer(t, &fakeTracker{})
	if text := callTool(t, empty, "usagesim_usage", ``).Content[0].Text; !strings.Contains(text, "No delivered usage") {
		t.Errorf("unexpected empty output: %s", text)
	}
}

func TestToolCallPrice(t *testing.T) {
	srv := newTestServer(t, &fakeTracker{})

	tests := []struct {
		name string
		args string
		want string
	}{
		{"model output", `{"model":"gpt4-o-2024","direction":"output","quantity":2000}`, "$0.120000"},
		{"model default direction", `{"model":"gpt4-o","quantity":1000}`, "$0.030000"},
		{"default fallback", `{"model":"mystery","quantity":1000}`, "claude-3.5-sonnet (default)"},
		{"gpu tier", `{"tier":"gpu_type_1","quantity":1800}`, "$0.400000"},
		{"rate table", `{}`, "gpu_type_1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := callTool(t, srv, "usagesim_price", tt.args)
			if res.IsError || !strings.Contains(res.Content[0].Text, tt.want) {
				t.Errorf("expected %q, got %+v", tt.want, res)
			}
		})
	}

	if res := callTool(t, srv, "usagesim_price", `{"model":"gpt4-o","direction":"sideways"}`); !res.IsError {
		t.Error("expected error for unknown direction")
	}

	noRates := New(&fakeTracker{}, nil, zerolog.Nop(), "test")
	if res := callTool(t, noRates, "usagesim_price", `{}`); !res.IsError {
		t.Error("expected error without a rate table")
	}
}

func TestUnknownTool(t *testing.T) {
	srv := newTestServer(t, &fakeTracker{})
	res := callTool(t, srv, "usagesim_nope", `{}`)
	if !res.IsError || !strings.Contains(res.Content[0].Text, "unknown tool") {
		t.Errorf("expected unknown tool error, got %+v", res)
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := newTestServer(t, &fakeTracker{})

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(t, &fakeTracker{})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestParseError(t *testing.T) {
	srv := newTestServer(t, &fakeTracker{})

	var out bytes.Buffer
	if err := srv.Run(context.Background(), strings.NewReader("{not json\n"), &out); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp)
	}
}
