// Package journal writes the events of a run to a JSON array file as they are
// produced, and reads such files back for replay.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"

	"github.com/pario-ai/usagesim/pkg/models"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("journal closed")

// Writer streams events into an indented JSON array.
type Writer struct {
	f      *os.File
	buf    *bufio.Writer
	count  int
	closed bool
	err    error
}

// Create truncates or creates the file at path and opens the array.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}
	w := &Writer{f: f, buf: bufio.NewWriter(f)}
	if _, err := w.buf.WriteString("["); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write journal: %w", err)
	}
	return w, nil
}

// Write appends one event.
func (w *Writer) Write(ev models.UsageEvent) error {
	if w.closed {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}
	data, err := json.MarshalIndent(ev, "  ", "  ")
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.TransactionID, err)
	}
	sep := ",\n  "
	if w.count == 0 {
		sep = "\n  "
	}
	if _, err := w.buf.WriteString(sep); err != nil {
		w.err = fmt.Errorf("write journal: %w", err)
		return w.err
	}
	if _, err := w.buf.Write(data); err != nil {
		w.err = fmt.Errorf("write journal: %w", err)
		return w.err
	}
	w.count++
	return nil
}

// Count returns the number of events written.
func (w *Writer) Count() int {
	return w.count
}

// Path returns the journal's file name.
func (w *Writer) Path() string {
	return w.f.Name()
}

// Close terminates the array and closes the file. The file is valid JSON
// however many events were written.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	tail := "\n]\n"
	if w.count == 0 {
		tail = "]\n"
	}
	_, werr := w.buf.WriteString(tail)
	ferr := w.buf.Flush()
	cerr := w.f.Close()
	if err := errors.Join(werr, ferr, cerr); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

// Tee journals every event of seq before yielding it. Write errors are
// reported to onErr once, after which events pass through unjournaled.
func Tee(seq iter.Seq[models.UsageEvent], w *Writer, onErr func(error)) iter.Seq[models.UsageEvent] {
	return func(yield func(models.UsageEvent) bool) {
		failed := false
		for ev := range seq {
			if !failed {
				if err := w.Write(ev); err != nil {
					failed = true
					if onErr != nil {
						onErr(err)
					}
				}
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Read loads every event from a journal file.
func Read(path string) ([]models.UsageEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	var events []models.UsageEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse journal %s: %w", path, err)
	}
	return events, nil
}
