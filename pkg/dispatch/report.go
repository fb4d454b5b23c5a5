package dispatch

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	StatusPending BatchStatus = "pending"
	StatusSent    BatchStatus = "sent"
	StatusFailed  BatchStatus = "failed"
)

// BatchResult is the outcome of one batch. Index is 1-based; Start and End
// are the half-open positions of its events in the dispatched sequence.
type BatchResult struct {
	Index    int
	Start    int
	End      int
	Status   BatchStatus
	Attempts int
	Err      error
	// TransactionIDs lists the events of a failed batch.
	TransactionIDs []string
}

// Size returns the number of events in the batch.
func (b BatchResult) Size() int {
	return b.End - b.Start
}

// Report summarises a dispatch run.
type Report struct {
	Batches     []BatchResult
	Events      int
	Interrupted bool
}

// Attempted returns the number of batches dispatch handled.
func (r *Report) Attempted() int {
	return len(r.Batches)
}

// Sent returns the number of delivered batches.
func (r *Report) Sent() int {
	return r.count(StatusSent)
}

// Failed returns the number of undelivered batches.
func (r *Report) Failed() int {
	return r.count(StatusFailed)
}

// SentEvents returns the number of delivered events.
func (r *Report) SentEvents() int {
	n := 0
	for _, b := range r.Batches {
		if b.Status == StatusSent {
			n += b.Size()
		}
	}
	return n
}

// FailedBatches returns the failed batches in order.
func (r *Report) FailedBatches() []BatchResult {
	var out []BatchResult
	for _, b := range r.Batches {
		if b.Status == StatusFailed {
			out = append(out, b)
		}
	}
	return out
}

// DroppedTransactionIDs returns the ids of every event in a failed batch.
func (r *Report) DroppedTransactionIDs() []string {
	var out []string
	for _, b := range r.FailedBatches() {
		out = append(out, b.TransactionIDs...)
	}
	return out
}

func (r *Report) count(s BatchStatus) int {
	n := 0
	for _, b := range r.Batches {
		if b.Status == s {
			n++
		}
	}
	return n
}

// WriteSummary renders the end-of-run summary. With verbose set every dropped
// transaction id is listed.
func (r *Report) WriteSummary(w io.Writer, verbose bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Events:\t%d\n", r.Events)
	fmt.Fprintf(tw, "Batches attempted:\t%d\n", r.Attempted())
	fmt.Fprintf(tw, "Batches sent:\t%d\n", r.Sent())
	fmt.Fprintf(tw, "Batches failed:\t%d\n", r.Failed())
	if r.Interrupted {
		fmt.Fprintln(tw, "Status:\tinterrupted")
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	failed := r.FailedBatches()
	if len(failed) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("\nFailed batches:\n")
	tw = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tEVENTS\tATTEMPTS\tERROR")
	for _, f := range failed {
		msg := "-"
		if f.Err != nil {
			msg = f.Err.Error()
		}
		fmt.Fprintf(tw, "#%d\t%d-%d\t%d\t%s\n", f.Index, f.Start, f.End-1, f.Attempts, msg)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	dropped := r.DroppedTransactionIDs()
	fmt.Fprintf(&b, "\nDropped events: %d\n", len(dropped))
	if verbose {
		for _, id := range dropped {
			b.WriteString("  " + id + "\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
