package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// EventType tags the billable metric an event feeds.
type EventType string

const (
	EventTokens EventType = "tokens"
	EventGPU    EventType = "gpu"
)

// Direction distinguishes prompt (input) from completion (output) tokens.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// GPUTierPrefix is the prefix every GPU tier identifier carries.
const GPUTierPrefix = "gpu_type_"

// ErrInvalidEvent is wrapped by every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// TokenUsage is the property payload of a tokens event.
type TokenUsage struct {
	Direction  Direction `json:"type"`
	ModelName  string    `json:"model_name"`
	Count      int64     `json:"count_tokens"`
	PricePer1K float64   `json:"price_per_1k_tokens,omitempty"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
}

// GPUUsage is the property payload of a gpu event.
type GPUUsage struct {
	Tier         string  `json:"type"`
	Seconds      int64   `json:"count_seconds"`
	PricePerHour float64 `json:"price_per_hour,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// UsageEvent is a single raw usage event as accepted by the ingestion endpoint.
// Exactly one of Tokens or GPU is set, matching EventType.
type UsageEvent struct {
	TransactionID string
	CustomerID    string
	EventType     EventType
	Timestamp     time.Time
	Tokens        *TokenUsage
	GPU           *GPUUsage
}

type wireEvent struct {
	TransactionID string          `json:"transaction_id"`
	CustomerID    string          `json:"customer_id"`
	EventType     EventType       `json:"event_type"`
	Timestamp     string          `json:"timestamp"`
	Properties    json.RawMessage `json:"properties"`
}

// MarshalJSON renders the event in the ingestion wire shape.
func (e UsageEvent) MarshalJSON() ([]byte, error) {
	var props any
	switch e.EventType {
	case EventTokens:
		props = e.Tokens
	case EventGPU:
		props = e.GPU
	default:
		return nil, fmt.Errorf("marshal event %s: unknown event type %q", e.TransactionID, e.EventType)
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		TransactionID: e.TransactionID,
		CustomerID:    e.CustomerID,
		EventType:     e.EventType,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339),
		Properties:    raw,
	})
}

// UnmarshalJSON parses the ingestion wire shape.
func (e *UsageEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", w.Timestamp, err)
	}
	ev := UsageEvent{
		TransactionID: w.TransactionID,
		CustomerID:    w.CustomerID,
		EventType:     w.EventType,
		Timestamp:     ts.UTC(),
	}
	switch w.EventType {
	case EventTokens:
		ev.Tokens = &TokenUsage{}
		if err := json.Unmarshal(w.Properties, ev.Tokens); err != nil {
			return fmt.Errorf("parse token properties: %w", err)
		}
	case EventGPU:
		ev.GPU = &GPUUsage{}
		if err := json.Unmarshal(w.Properties, ev.GPU); err != nil {
			return fmt.Errorf("parse gpu properties: %w", err)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, w.EventType)
	}
	*e = ev
	return nil
}

// Validate checks the event against the billable metric shape. When tiers is
// non-empty a gpu event's tier must be one of them.
func (e UsageEvent) Validate(tiers []string) error {
	if e.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction_id", ErrInvalidEvent)
	}
	if e.CustomerID == "" {
		return fmt.Errorf("%w: %s: missing customer_id", ErrInvalidEvent, e.TransactionID)
	}
	switch e.EventType {
	case EventTokens:
		t := e.Tokens
		if t == nil {
			return fmt.Errorf("%w: %s: missing token properties", ErrInvalidEvent, e.TransactionID)
		}
		if t.Direction != DirectionInput && t.Direction != DirectionOutput {
			return fmt.Errorf("%w: %s: token type must be input or output, got %q", ErrInvalidEvent, e.TransactionID, t.Direction)
		}
		if t.ModelName == "" {
			return fmt.Errorf("%w: %s: missing model_name", ErrInvalidEvent, e.TransactionID)
		}
		if t.Count < 0 {
			return fmt.Errorf("%w: %s: negative count_tokens %d", ErrInvalidEvent, e.TransactionID, t.Count)
		}
	case EventGPU:
		g := e.GPU
		if g == nil {
			return fmt.Errorf("%w: %s: missing gpu properties", ErrInvalidEvent, e.TransactionID)
		}
		if !strings.HasPrefix(g.Tier, GPUTierPrefix) {
			return fmt.Errorf("%w: %s: gpu type %q lacks %s prefix", ErrInvalidEvent, e.TransactionID, g.Tier, GPUTierPrefix)
		}
		if len(tiers) > 0 && !slices.Contains(tiers, g.Tier) {
			return fmt.Errorf("%w: %s: gpu type %q not configured", ErrInvalidEvent, e.TransactionID, g.Tier)
		}
		if g.Seconds <= 0 {
			return fmt.Errorf("%w: %s: count_seconds must be positive, got %d", ErrInvalidEvent, e.TransactionID, g.Seconds)
		}
	default:
		return fmt.Errorf("%w: %s: unknown event type %q", ErrInvalidEvent, e.TransactionID, e.EventType)
	}
	return nil
}

// Subject returns the model name or GPU tier the event meters.
func (e UsageEvent) Subject() string {
	switch {
	case e.Tokens != nil:
		return e.Tokens.ModelName
	case e.GPU != nil:
		return e.GPU.Tier
	}
	return ""
}

// Quantity returns the metered amount: tokens or GPU seconds.
func (e UsageEvent) Quantity() int64 {
	switch {
	case e.Tokens != nil:
		return e.Tokens.Count
	case e.GPU != nil:
		return e.GPU.Seconds
	}
	return 0
}
