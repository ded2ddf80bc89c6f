// Package audit persists the immutable state-transition trail. Sinks
// are best-effort from the orchestrator's point of view: writes run
// under a short bounded timeout, and failures are logged, never
// propagated as pipeline failures.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsentry/opsentry/pkg/contracts"
)

// Sink receives one entry per state transition.
type Sink interface {
	Append(ctx context.Context, actionRecordID string, entry contracts.TransitionEntry) error
}

// Line is the JSON shape one sink write produces.
type Line struct {
	ID        string                    `json:"id"`
	RecordID  string                    `json:"record_id"`
	Entry     contracts.TransitionEntry `json:"entry"`
	WrittenAt time.Time                 `json:"written_at"`
}

// WriterSink writes JSON lines to an io.Writer, stdout by default.
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink creates a sink writing to os.Stdout.
func NewWriterSink() *WriterSink {
	return NewWriterSinkWith(os.Stdout)
}

// NewWriterSinkWith creates a sink writing to the given writer. Allows
// injection for testing and custom destinations.
func NewWriterSinkWith(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

func (s *WriterSink) Append(_ context.Context, recordID string, entry contracts.TransitionEntry) error {
	line := Line{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		Entry:     entry,
		WrittenAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(line)
	if err != nil {
		return err
	}
	// Prefix for easy filtering alongside operational logs.
	_, err = s.writer.Write(append([]byte("AUDIT: "), append(raw, '\n')...))
	return err
}

// BestEffort wraps a sink with a bounded write timeout and swallows
// failures after logging them. This is the form the orchestrator holds:
// the audit path must never block the critical path beyond the bound.
type BestEffort struct {
	sink    Sink
	timeout time.Duration
}

// NewBestEffort wraps sink. timeout <= 0 defaults to 500ms.
func NewBestEffort(sink Sink, timeout time.Duration) *BestEffort {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &BestEffort{sink: sink, timeout: timeout}
}

// Append writes under the bound. It always returns nil.
func (b *BestEffort) Append(ctx context.Context, recordID string, entry contracts.TransitionEntry) error {
	if b.sink == nil {
		return nil
	}
	// Detach from the action's context: a cancelled action still gets
	// its terminal transition audited.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	if err := b.sink.Append(writeCtx, recordID, entry); err != nil {
		log.Printf("audit append failed for record %s (%s -> %s): %v", recordID, entry.From, entry.To, err)
	}
	return nil
}
