// Package sse implements the line-oriented server-sent-events framing used
// on both sides of the relay: splitting an upstream response body into
// frames, and encoding outer events for the client connection.
package sse

import (
	"io"
	"strings"
)

// DefaultEvent is the event name assumed when a frame carries none.
const DefaultEvent = "message"

// terminator is the sentinel data payload that ends a stream.
const terminator = "[DONE]"

// Frame is one protocol unit: an event name and the joined data lines.
type Frame struct {
	Event string
	Data  string
}

// ParseFrame parses one raw frame (the text between two blank lines).
// It returns false for frames that must be discarded: no data lines, or
// data equal to the stream terminator. The first event name wins; data
// lines are trimmed and joined with newlines.
func ParseFrame(raw string) (Frame, bool) {
	frame := Frame{Event: DefaultEvent}
	var dataLines []string
	sawEvent := false
	for _, line := range strings.Split(raw, "\n") {
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			if !sawEvent {
				frame.Event = strings.TrimSpace(name)
				sawEvent = true
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimSpace(data))
		}
	}
	if len(dataLines) == 0 {
		return Frame{}, false
	}
	frame.Data = strings.Join(dataLines, "\n")
	if strings.TrimSpace(frame.Data) == "" || frame.Data == terminator {
		return Frame{}, false
	}
	return frame, true
}

// FrameScanner splits a byte stream into frames. Frames are delimited by a
// blank line; carriage returns are stripped before splitting. Any trailing
// content at end of stream is parsed as a final frame.
type FrameScanner struct {
	r       io.Reader
	pending string
	frame   Frame
	eof     bool
	err     error
	chunk   []byte
}

// NewFrameScanner returns a scanner over r.
func NewFrameScanner(r io.Reader) *FrameScanner {
	return &FrameScanner{r: r, chunk: make([]byte, 4096)}
}

// Next advances to the next non-discarded frame. It returns false at end of
// stream or on read error; check Err afterward.
func (s *FrameScanner) Next() bool {
	for {
		if idx := strings.Index(s.pending, "\n\n"); idx >= 0 {
			raw := s.pending[:idx]
			s.pending = s.pending[idx+2:]
			if frame, ok := ParseFrame(raw); ok {
				s.frame = frame
				return true
			}
			continue
		}
		if s.eof {
			if strings.TrimSpace(s.pending) != "" {
				raw := s.pending
				s.pending = ""
				if frame, ok := ParseFrame(raw); ok {
					s.frame = frame
					return true
				}
			}
			return false
		}
		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.pending += strings.ReplaceAll(string(s.chunk[:n]), "\r", "")
		}
		if err != nil {
			s.eof = true
			if err != io.EOF {
				s.err = err
			}
		}
	}
}

// Frame returns the frame produced by the last successful Next call.
func (s *FrameScanner) Frame() Frame {
	return s.frame
}

// Err reports the first non-EOF read error encountered.
func (s *FrameScanner) Err() error {
	return s.err
}
