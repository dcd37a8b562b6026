package sse

import (
	"fmt"
	"io"
	"sync"
)

// EventWriter encodes outer SSE events for the client connection. It is safe
// for concurrent use and flushes after every event when the underlying
// writer supports it.
type EventWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher interface{ Flush() }
}

// NewEventWriter wraps w for SSE output.
func NewEventWriter(w io.Writer) *EventWriter {
	ew := &EventWriter{w: w}
	if f, ok := w.(interface{ Flush() }); ok {
		ew.flusher = f
	}
	return ew
}

// WriteEvent writes a named event with a single data line.
func (ew *EventWriter) WriteEvent(name, data string) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if _, err := fmt.Fprintf(ew.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", name, err)
	}
	ew.flush()
	return nil
}

// WriteData writes an unnamed data event.
func (ew *EventWriter) WriteData(data string) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if _, err := fmt.Fprintf(ew.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write data event: %w", err)
	}
	ew.flush()
	return nil
}

func (ew *EventWriter) flush() {
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
}
