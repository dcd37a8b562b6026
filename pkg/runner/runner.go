// Package runner implements the turn-runner program: the short-lived
// process, materialized inside an execution context, that drives one
// streaming turn against the completion service and prints normalized
// NDJSON events on stdout.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sandrelay/sandrelay/pkg/config"
	"github.com/sandrelay/sandrelay/pkg/reconcile"
	"github.com/sandrelay/sandrelay/pkg/sse"
	"github.com/sandrelay/sandrelay/pkg/upstream"
)

// Process exit codes. The orchestrator and callers key off these.
const (
	ExitOK           = 0
	ExitNoCredential = 2
	ExitUpstream     = 3
	ExitStreamError  = 4
)

// RequestFile is the payload filename inside the context root.
const RequestFile = "request.json"

// Request is the turn payload written by the orchestrator.
type Request struct {
	Message            string `json:"message"`
	PreviousResponseID string `json:"previousResponseId,omitempty"`
	Model              string `json:"model,omitempty"`
}

// Options configures one runner invocation.
type Options struct {
	// Root is the directory holding the request file.
	Root string
	// APIKey is the upstream credential; empty fails with ExitNoCredential.
	APIKey string
	// BaseURL overrides the upstream base; empty uses the default.
	BaseURL string
	// DefaultModel and DefaultEffort fill unset request fields.
	DefaultModel  string
	DefaultEffort string
	// Stdout receives the NDJSON event lines.
	Stdout io.Writer
}

// Run executes one turn and returns the process exit code.
func Run(ctx context.Context, opts Options) int {
	out := newEmitter(opts.Stdout)

	if opts.APIKey == "" {
		out.emit("error", map[string]any{"error": "OPENAI_API_KEY/CODEX_API_KEY missing in execution context"})
		return ExitNoCredential
	}

	req, err := readRequest(opts.Root)
	if err != nil {
		out.emit("error", map[string]any{"error": err.Error()})
		return ExitStreamError
	}

	base := opts.BaseURL
	if base == "" {
		base = config.DefaultBaseURL
	}
	model := req.Model
	if model == "" {
		model = opts.DefaultModel
	}

	client := upstream.NewClient(base, opts.APIKey)
	body, err := client.Stream(ctx, upstream.TurnInput{
		Model:              model,
		Message:            req.Message,
		PreviousResponseID: req.PreviousResponseID,
		ReasoningEffort:    opts.DefaultEffort,
	})
	if err != nil {
		out.emit("error", map[string]any{"error": err.Error()})
		return ExitUpstream
	}
	defer body.Close()

	return consume(body, req.PreviousResponseID, out)
}

// consume drives the splitter, decoder and reconciler over the upstream
// body and prints the closing stats and final lines.
func consume(body io.Reader, previousID string, out *emitter) int {
	responseID := previousID
	eventCounts := map[string]int{}
	unknownCounts := map[string]int{}
	var usage json.RawMessage

	answer := reconcile.NewChannel(func(d reconcile.Delta) {
		out.emit("delta", map[string]any{"text": d.Text, "full": d.Full})
	})
	reasoning := reconcile.NewChannel(func(d reconcile.Delta) {
		out.emit("reasoning_delta", map[string]any{"text": d.Text, "full": d.Full})
	})

	scanner := sse.NewFrameScanner(body)
	for scanner.Next() {
		ev, ok := upstream.Decode(scanner.Frame())
		if !ok {
			continue
		}
		eventCounts[ev.Type]++

		switch ev.Kind {
		case upstream.KindCreated:
			if ev.ResponseID != "" {
				responseID = ev.ResponseID
			}
			out.emit("response_created", map[string]any{"responseId": nullable(responseID)})

		case upstream.KindTextDelta:
			answer.OnDelta(ev.Text)

		case upstream.KindTextDone:
			answer.OnDone(ev.Text)

		case upstream.KindReasoningDelta:
			reasoning.OnDelta(ev.Text)

		case upstream.KindReasoningDone:
			reasoning.OnDone(ev.Text)

		case upstream.KindCompleted:
			if ev.ResponseID != "" {
				responseID = ev.ResponseID
			}
			if ev.Usage != nil {
				usage = ev.Usage
			}
			out.emit("completed", map[string]any{"responseId": nullable(responseID), "usage": rawOrNull(usage)})

		case upstream.KindError:
			out.emit("error", map[string]any{"error": ev.ErrMessage})
			return ExitStreamError

		default:
			unknownCounts[ev.Type]++
		}
	}
	if err := scanner.Err(); err != nil {
		out.emit("error", map[string]any{"error": fmt.Sprintf("failed to read upstream stream: %v", err)})
		return ExitStreamError
	}

	out.emit("stream_stats", map[string]any{
		"eventCounts":          eventCounts,
		"unknownEventCounts":   unknownCounts,
		"assistantChars":       len(answer.Text()),
		"reasoningChars":       len(reasoning.Text()),
		"assistantDivergences": answer.Divergences(),
		"reasoningDivergences": reasoning.Divergences(),
	})
	out.emit("final", map[string]any{
		"responseId":    nullable(responseID),
		"text":          answer.Text(),
		"reasoningText": reasoning.Text(),
	})
	return ExitOK
}

func readRequest(root string) (Request, error) {
	path := filepath.Join(root, RequestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, fmt.Errorf("failed to read turn request %q: %w", path, err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("failed to parse turn request %q: %w", path, err)
	}
	if req.Message == "" {
		return Request{}, errors.New("turn request has an empty message")
	}
	return req, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNull(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return raw
}

// emitter writes one JSON object per line, mirroring how the orchestrator
// reframes stdout lines as outer SSE data events.
type emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEmitter(w io.Writer) *emitter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &emitter{enc: enc}
}

func (e *emitter) emit(eventType string, fields map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	line := map[string]any{"type": eventType}
	for k, v := range fields {
		line[k] = v
	}
	// Stdout write failures are unrecoverable for a pipe-connected runner;
	// nothing useful can be reported past a broken pipe.
	_ = e.enc.Encode(line)
}
