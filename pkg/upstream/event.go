// Package upstream decodes the completion service's streaming events and
// issues the streaming request itself.
package upstream

import (
	"encoding/json"
	"strings"

	"github.com/sandrelay/sandrelay/pkg/sse"
)

// Kind is the closed set of decoded event variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreated
	KindTextDelta
	KindTextDone
	KindReasoningDelta
	KindReasoningDone
	KindCompleted
	KindError
)

// Event is one decoded upstream event.
type Event struct {
	Kind       Kind
	Type       string // raw type string, for counters and source tagging
	Text       string // delta or full text for the text/reasoning kinds
	ResponseID string
	Usage      json.RawMessage
	ErrMessage string
}

// maxExtractDepth bounds recursion over malformed nested payloads.
const maxExtractDepth = 5

// textCandidates is the ordered list of field names probed for text.
var textCandidates = []string{
	"delta", "text", "summary_text", "output_text", "reasoning_text",
	"summary", "content", "reasoning", "message", "outputText", "value", "part",
}

// Decode turns a protocol frame into a typed event. It returns false when
// the frame must be dropped (payload is not a JSON object). The type is the
// payload's own type field when present, else the frame's event name.
func Decode(frame sse.Frame) (Event, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil || payload == nil {
		return Event{}, false
	}

	evType, _ := payload["type"].(string)
	if evType == "" {
		evType = frame.Event
	}
	if evType == "" {
		evType = sse.DefaultEvent
	}

	ev := Event{Kind: KindUnknown, Type: evType}

	switch {
	case strings.HasSuffix(evType, ".created"):
		ev.Kind = KindCreated
		ev.ResponseID = pickID(payload)

	case strings.HasSuffix(evType, "output_text.delta"):
		ev.Kind = KindTextDelta
		ev.Text = firstText(payload["delta"], nested(payload, "output_text", "delta"), payload)

	case strings.HasSuffix(evType, "output_text.done"):
		ev.Kind = KindTextDone
		ev.Text = firstText(payload["text"], payload["output_text"], payload)

	case evType == "response.reasoning_summary_text.delta" || evType == "response.reasoning_text.delta":
		ev.Kind = KindReasoningDelta
		ev.Text = firstText(payload["delta"], nested(payload, "reasoning", "delta"), payload)

	case evType == "response.reasoning_summary_text.done" || evType == "response.reasoning_text.done":
		ev.Kind = KindReasoningDone
		ev.Text = firstText(payload["text"], payload["reasoning_text"], payload)

	case strings.HasSuffix(evType, ".completed"):
		ev.Kind = KindCompleted
		ev.ResponseID = pickID(payload)
		ev.Usage = pickUsage(payload)

	case evType == "error":
		ev.Kind = KindError
		ev.ErrMessage = errorMessage(payload)

	case strings.Contains(evType, "reasoning"):
		// Substring fallback: unrecognized reasoning events that still carry
		// text are treated as reasoning deltas.
		if text := ExtractText(payload); text != "" {
			ev.Kind = KindReasoningDelta
			ev.Text = text
		}

	case strings.Contains(evType, "output_text") && strings.Contains(evType, "delta"):
		if text := ExtractText(payload); text != "" {
			ev.Kind = KindTextDelta
			ev.Text = text
		}
	}

	// A matched text kind with no extractable text carries no information.
	switch ev.Kind {
	case KindTextDelta, KindTextDone, KindReasoningDelta, KindReasoningDone:
		if ev.Text == "" {
			ev.Kind = KindUnknown
		}
	}

	return ev, true
}

// ExtractText recursively probes the candidate field names for the first
// non-empty string, descending into nested objects and arrays up to a fixed
// depth bound.
func ExtractText(value any) string {
	return extractText(value, 0)
}

func extractText(value any, depth int) string {
	if s, ok := value.(string); ok {
		return s
	}
	obj, ok := value.(map[string]any)
	if !ok || depth > maxExtractDepth {
		return ""
	}
	for _, key := range textCandidates {
		if s, ok := obj[key].(string); ok && s != "" {
			return s
		}
	}
	for _, key := range textCandidates {
		child := obj[key]
		if child == nil {
			continue
		}
		if _, isString := child.(string); isString {
			continue
		}
		if s := extractText(child, depth+1); s != "" {
			return s
		}
	}
	if parts, ok := obj["content"].([]any); ok {
		for _, part := range parts {
			if s := extractText(part, depth+1); s != "" {
				return s
			}
		}
	}
	if resp, ok := obj["response"].(map[string]any); ok {
		if s := extractText(resp, depth+1); s != "" {
			return s
		}
	}
	return ""
}

func firstText(values ...any) string {
	for _, v := range values {
		if s := ExtractText(v); s != "" {
			return s
		}
	}
	return ""
}

func nested(obj map[string]any, keys ...string) any {
	var current any = obj
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}

func pickID(payload map[string]any) string {
	if resp, ok := payload["response"].(map[string]any); ok {
		if id, ok := resp["id"].(string); ok && id != "" {
			return id
		}
	}
	if id, ok := payload["id"].(string); ok {
		return id
	}
	return ""
}

func pickUsage(payload map[string]any) json.RawMessage {
	usage := nested(payload, "response", "usage")
	if usage == nil {
		usage = payload["usage"]
	}
	if usage == nil {
		return nil
	}
	raw, err := json.Marshal(usage)
	if err != nil {
		return nil
	}
	return raw
}

func errorMessage(payload map[string]any) string {
	if msg, ok := nested(payload, "error", "message").(string); ok && msg != "" {
		return msg
	}
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return msg
	}
	return "stream error"
}
