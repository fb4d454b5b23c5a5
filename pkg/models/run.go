package models

import "time"

// RunInfo describes a simulation run when it starts.
type RunInfo struct {
	Profile   string    `json:"profile"`
	Seed      uint64    `json:"seed"`
	Days      int       `json:"days"`
	Customers int       `json:"customers"`
	Endpoint  string    `json:"endpoint"`
	StartedAt time.Time `json:"started_at"`
	// WindowEnd anchors the synthesized window; zero for journal replays.
	WindowEnd time.Time `json:"window_end"`
}

// Run is a recorded simulation run.
type Run struct {
	ID            string     `json:"id"`
	Profile       string     `json:"profile"`
	Seed          uint64     `json:"seed"`
	Days          int        `json:"days"`
	Customers     int        `json:"customers"`
	Endpoint      string     `json:"endpoint"`
	Events        int        `json:"events"`
	BatchesSent   int        `json:"batches_sent"`
	BatchesFailed int        `json:"batches_failed"`
	Interrupted   bool       `json:"interrupted"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	WindowEnd     *time.Time `json:"window_end,omitempty"`
}

// BatchRecord is the stored outcome of one batch of a run.
type BatchRecord struct {
	RunID    string    `json:"run_id"`
	Index    int       `json:"index"`
	Start    int       `json:"start"`
	End      int       `json:"end"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// DroppedEvent identifies an event whose batch was never delivered.
type DroppedEvent struct {
	BatchIndex    int    `json:"batch_index"`
	TransactionID string `json:"transaction_id"`
}

// UsageTotal aggregates delivered quantities for one customer and subject.
// Subject is a model name for tokens and a tier for gpu; Direction is empty
// for gpu.
type UsageTotal struct {
	CustomerID string    `json:"customer_id"`
	EventType  EventType `json:"event_type"`
	Subject    string    `json:"subject"`
	Direction  Direction `json:"direction,omitempty"`
	Events     int       `json:"events"`
	Quantity   int64     `json:"quantity"`
	CostUSD    float64   `json:"cost_usd"`
}
