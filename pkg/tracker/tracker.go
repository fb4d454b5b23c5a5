package tracker

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/usagesim/pkg/models"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Tracker records simulation runs and what each run delivered.
type Tracker interface {
	// StartRun stores a new run and returns its id.
	StartRun(ctx context.Context, info models.RunInfo) (string, error)
	// RecordBatch stores a batch outcome. Events of a sent batch are added to
	// the run's delivered totals; events of a failed batch are kept as dropped.
	RecordBatch(ctx context.Context, rec models.BatchRecord, events []models.UsageEvent) error
	// FinishRun closes a run, deriving its batch counters from the stored batches.
	FinishRun(ctx context.Context, runID string, events int, interrupted bool) error
	// ListRuns returns the most recent runs first; limit <= 0 returns all.
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	// GetRun returns one run.
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	// RunBatches returns a run's batches in order.
	RunBatches(ctx context.Context, runID string) ([]models.BatchRecord, error)
	// DroppedTransactions returns the ids of a run's undelivered events.
	DroppedTransactions(ctx context.Context, runID string) ([]models.DroppedEvent, error)
	// Summary returns delivered totals for a run, or across all runs when
	// runID is empty, optionally filtered by customer.
	Summary(ctx context.Context, runID, customerID string) ([]models.UsageTotal, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	profile TEXT NOT NULL,
	seed INTEGER NOT NULL,
	days INTEGER NOT NULL,
	customers INTEGER NOT NULL,
	endpoint TEXT NOT NULL,
	events INTEGER NOT NULL DEFAULT 0,
	batches_sent INTEGER NOT NULL DEFAULT 0,
	batches_failed INTEGER NOT NULL DEFAULT 0,
	interrupted INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	window_end DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

const createBatchesTable = `
CREATE TABLE IF NOT EXISTS batches (
	run_id TEXT NOT NULL,
	batch_index INTEGER NOT NULL,
	start_pos INTEGER NOT NULL,
	end_pos INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	sent_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, batch_index)
);
`

const createDroppedTable = `
CREATE TABLE IF NOT EXISTS dropped_events (
	run_id TEXT NOT NULL,
	batch_index INTEGER NOT NULL,
	transaction_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dropped_run ON dropped_events(run_id, batch_index);
`

const createTotalsTable = `
CREATE TABLE IF NOT EXISTS usage_totals (
	run_id TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	subject TEXT NOT NULL,
	direction TEXT NOT NULL DEFAULT '',
	events INTEGER NOT NULL DEFAULT 0,
	quantity INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, customer_id, event_type, subject, direction)
);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createBatchesTable, createDroppedTable, createTotalsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate tracker db: %w", err)
		}
	}

	// Databases created before window_end was recorded.
	if !hasColumn(db, "runs", "window_end") {
		if _, err := db.Exec(`ALTER TABLE runs ADD COLUMN window_end DATETIME`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add window_end column: %w", err)
		}
	}

	return &SQLiteTracker{db: db}, nil
}

func hasColumn(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// generateRunID creates a run ID like run_20260221_a3f9c2 from the start
// date and the leading random bytes of a UUIDv4.
func generateRunID(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("run_%s_%s", now.UTC().Format("20060102"), hex.EncodeToString(u[:3]))
}

// StartRun stores a new run.
func (t *SQLiteTracker) StartRun(ctx context.Context, info models.RunInfo) (string, error) {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	id := generateRunID(info.StartedAt)
	var windowEnd sql.NullTime
	if !info.WindowEnd.IsZero() {
		windowEnd = sql.NullTime{Time: info.WindowEnd.UTC(), Valid: true}
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO runs (id, profile, seed, days, customers, endpoint, started_at, window_end)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, info.Profile, int64(info.Seed), info.Days, info.Customers, info.Endpoint, info.StartedAt.UTC(), windowEnd,
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

type totalKey struct {
	customer  string
	eventType models.EventType
	subject   string
	direction models.Direction
}

type totalValue struct {
	events   int
	quantity int64
	cost     float64
}

// RecordBatch stores a batch outcome in one transaction.
func (t *SQLiteTracker) RecordBatch(ctx context.Context, rec models.BatchRecord, events []models.UsageEvent) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (run_id, batch_index, start_pos, end_pos, status, attempts, error, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Index, rec.Start, rec.End, rec.Status, rec.Attempts, rec.Error, rec.SentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record batch: %w", err)
	}

	switch rec.Status {
	case "failed":
		for _, ev := range events {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dropped_events (run_id, batch_index, transaction_id) VALUES (?, ?, ?)`,
				rec.RunID, rec.Index, ev.TransactionID,
			); err != nil {
				return fmt.Errorf("record dropped event: %w", err)
			}
		}
	case "sent":
		totals := make(map[totalKey]*totalValue)
		var order []totalKey
		for _, ev := range events {
			k := totalKey{customer: ev.CustomerID, eventType: ev.EventType, subject: ev.Subject()}
			var cost float64
			if ev.Tokens != nil {
				k.direction = ev.Tokens.Direction
				cost = ev.Tokens.CostUSD
			} else if ev.GPU != nil {
				cost = ev.GPU.CostUSD
			}
			v, ok := totals[k]
			if !ok {
				v = &totalValue{}
				totals[k] = v
				order = append(order, k)
			}
			v.events++
			v.quantity += ev.Quantity()
			v.cost += cost
		}
		for _, k := range order {
			v := totals[k]
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO usage_totals (run_id, customer_id, event_type, subject, direction, events, quantity, cost_usd)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(run_id, customer_id, event_type, subject, direction) DO UPDATE SET
				   events = events + excluded.events,
				   quantity = quantity + excluded.quantity,
				   cost_usd = cost_usd + excluded.cost_usd`,
				rec.RunID, k.customer, k.eventType, k.subject, k.direction, v.events, v.quantity, v.cost,
			); err != nil {
				return fmt.Errorf("update usage totals: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record batch: %w", err)
	}
	return nil
}

// FinishRun closes a run.
func (t *SQLiteTracker) FinishRun(ctx context.Context, runID string, events int, interrupted bool) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE runs SET
		   events = ?,
		   interrupted = ?,
		   finished_at = ?,
		   batches_sent = (SELECT COUNT(*) FROM batches WHERE run_id = runs.id AND status = 'sent'),
		   batches_failed = (SELECT COUNT(*) FROM batches WHERE run_id = runs.id AND status = 'failed')
		 WHERE id = ?`,
		events, interrupted, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

const runColumns = `id, profile, seed, days, customers, endpoint, events, batches_sent, batches_failed, interrupted, started_at, finished_at, window_end`

func scanRun(s interface{ Scan(...any) error }) (models.Run, error) {
	var r models.Run
	var seed int64
	var finished, windowEnd sql.NullTime
	err := s.Scan(&r.ID, &r.Profile, &seed, &r.Days, &r.Customers, &r.Endpoint,
		&r.Events, &r.BatchesSent, &r.BatchesFailed, &r.Interrupted, &r.StartedAt, &finished, &windowEnd)
	if err != nil {
		return r, err
	}
	r.Seed = uint64(seed)
	if finished.Valid {
		ft := finished.Time
		r.FinishedAt = &ft
	}
	if windowEnd.Valid {
		we := windowEnd.Time
		r.WindowEnd = &we
	}
	return r, nil
}

// ListRuns returns runs, most recent first.
func (t *SQLiteTracker) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run.
func (t *SQLiteTracker) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	r, err := scanRun(t.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// RunBatches returns a run's batches in index order.
func (t *SQLiteTracker) RunBatches(ctx context.Context, runID string) ([]models.BatchRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT run_id, batch_index, start_pos, end_pos, status, attempts, error, sent_at
		 FROM batches WHERE run_id = ? ORDER BY batch_index ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("run batches: %w", err)
	}
	defer rows.Close()

	var batches []models.BatchRecord
	for rows.Next() {
		var b models.BatchRecord
		if err := rows.Scan(&b.RunID, &b.Index, &b.Start, &b.End, &b.Status, &b.Attempts, &b.Error, &b.SentAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// DroppedTransactions returns undelivered transaction ids in batch order.
func (t *SQLiteTracker) DroppedTransactions(ctx context.Context, runID string) ([]models.DroppedEvent, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT batch_index, transaction_id FROM dropped_events
		 WHERE run_id = ? ORDER BY batch_index ASC, rowid ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("dropped transactions: %w", err)
	}
	defer rows.Close()

	var dropped []models.DroppedEvent
	for rows.Next() {
		var d models.DroppedEvent
		if err := rows.Scan(&d.BatchIndex, &d.TransactionID); err != nil {
			return nil, fmt.Errorf("scan dropped event: %w", err)
		}
		dropped = append(dropped, d)
	}
	return dropped, rows.Err()
}

// Summary returns delivered totals grouped by customer, event type, subject
// and direction.
func (t *SQLiteTracker) Summary(ctx context.Context, runID, customerID string) ([]models.UsageTotal, error) {
	query := `SELECT customer_id, event_type, subject, direction, SUM(events), SUM(quantity), SUM(cost_usd)
		 FROM usage_totals WHERE 1 = 1`
	var args []any
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	if customerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, customerID)
	}
	query += ` GROUP BY customer_id, event_type, subject, direction ORDER BY customer_id, event_type, subject, direction`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var totals []models.UsageTotal
	for rows.Next() {
		var u models.UsageTotal
		if err := rows.Scan(&u.CustomerID, &u.EventType, &u.Subject, &u.Direction, &u.Events, &u.Quantity, &u.CostUSD); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		totals = append(totals, u)
	}
	return totals, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
