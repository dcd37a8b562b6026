package upstream

import (
	"reflect"
	"testing"

	"github.com/sandrelay/sandrelay/pkg/sse"
)

func decode(t *testing.T, event, data string) Event {
	t.Helper()
	ev, ok := Decode(sse.Frame{Event: event, Data: data})
	if !ok {
		t.Fatalf("Decode(%q) dropped frame", data)
	}
	return ev
}

func TestDecodeDispatch(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Event
	}{
		{
			name: "created adopts nested response id",
			data: `{"type":"response.created","response":{"id":"resp_1"}}`,
			want: Event{Kind: KindCreated, Type: "response.created", ResponseID: "resp_1"},
		},
		{
			name: "created falls back to top-level id",
			data: `{"type":"response.created","id":"resp_2"}`,
			want: Event{Kind: KindCreated, Type: "response.created", ResponseID: "resp_2"},
		},
		{
			name: "output text delta",
			data: `{"type":"response.output_text.delta","delta":"Hel"}`,
			want: Event{Kind: KindTextDelta, Type: "response.output_text.delta", Text: "Hel"},
		},
		{
			name: "output text delta nested object",
			data: `{"type":"response.output_text.delta","delta":{"text":"lo"}}`,
			want: Event{Kind: KindTextDelta, Type: "response.output_text.delta", Text: "lo"},
		},
		{
			name: "output text done",
			data: `{"type":"response.output_text.done","text":"Hello"}`,
			want: Event{Kind: KindTextDone, Type: "response.output_text.done", Text: "Hello"},
		},
		{
			name: "reasoning summary delta",
			data: `{"type":"response.reasoning_summary_text.delta","delta":"thinking"}`,
			want: Event{Kind: KindReasoningDelta, Type: "response.reasoning_summary_text.delta", Text: "thinking"},
		},
		{
			name: "reasoning text done",
			data: `{"type":"response.reasoning_text.done","text":"done thinking"}`,
			want: Event{Kind: KindReasoningDone, Type: "response.reasoning_text.done", Text: "done thinking"},
		},
		{
			name: "error event",
			data: `{"type":"error","error":{"message":"rate limited"}}`,
			want: Event{Kind: KindError, Type: "error", ErrMessage: "rate limited"},
		},
		{
			name: "error event without message",
			data: `{"type":"error"}`,
			want: Event{Kind: KindError, Type: "error", ErrMessage: "stream error"},
		},
		{
			name: "reasoning substring fallback",
			data: `{"type":"response.reasoning_part.added","part":"more thoughts"}`,
			want: Event{Kind: KindReasoningDelta, Type: "response.reasoning_part.added", Text: "more thoughts"},
		},
		{
			name: "output_text delta substring fallback",
			data: `{"type":"custom.output_text.delta.v2","value":"x"}`,
			want: Event{Kind: KindTextDelta, Type: "custom.output_text.delta.v2", Text: "x"},
		},
		{
			name: "unknown type",
			data: `{"type":"response.output_item.added","item":{}}`,
			want: Event{Kind: KindUnknown, Type: "response.output_item.added"},
		},
		{
			name: "delta with no extractable text degrades to unknown",
			data: `{"type":"response.output_text.delta"}`,
			want: Event{Kind: KindUnknown, Type: "response.output_text.delta"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decode(t, "", tt.data)
			got.Usage = nil
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeCompleted(t *testing.T) {
	ev := decode(t, "", `{"type":"response.completed","response":{"id":"resp_9","usage":{"total_tokens":7}}}`)
	if ev.Kind != KindCompleted {
		t.Fatalf("Kind = %v, want KindCompleted", ev.Kind)
	}
	if ev.ResponseID != "resp_9" {
		t.Errorf("ResponseID = %q, want resp_9", ev.ResponseID)
	}
	if string(ev.Usage) != `{"total_tokens":7}` {
		t.Errorf("Usage = %s", ev.Usage)
	}
}

func TestDecodeTypeFallsBackToFrameEvent(t *testing.T) {
	ev := decode(t, "response.output_text.delta", `{"delta":"hi"}`)
	if ev.Kind != KindTextDelta || ev.Text != "hi" {
		t.Errorf("Decode() = %+v, want text delta hi", ev)
	}

	ev = decode(t, "", `{"delta":"hi"}`)
	if ev.Type != sse.DefaultEvent {
		t.Errorf("Type = %q, want %q", ev.Type, sse.DefaultEvent)
	}
}

func TestDecodeDropsMalformedJSON(t *testing.T) {
	if _, ok := Decode(sse.Frame{Data: "not json"}); ok {
		t.Fatal("Decode() accepted malformed JSON")
	}
	if _, ok := Decode(sse.Frame{Data: `"just a string"`}); ok {
		t.Fatal("Decode() accepted non-object JSON")
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"plain string", "hello", "hello"},
		{"first candidate wins", map[string]any{"text": "b", "delta": "a"}, "a"},
		{"nested object", map[string]any{"delta": map[string]any{"text": "deep"}}, "deep"},
		{"content array", map[string]any{"content": []any{map[string]any{"text": "part"}}}, "part"},
		{"response descent", map[string]any{"response": map[string]any{"output_text": "from response"}}, "from response"},
		{"nil", nil, ""},
		{"number", 42.0, ""},
		{"empty strings skipped", map[string]any{"delta": "", "text": "fallback"}, "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText(tt.value); got != tt.want {
				t.Errorf("ExtractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractTextDepthBound(t *testing.T) {
	// Build nesting deeper than the bound; the buried string is unreachable.
	deep := map[string]any{"delta": "found"}
	for i := 0; i < maxExtractDepth+2; i++ {
		deep = map[string]any{"delta": deep}
	}
	if got := ExtractText(deep); got != "" {
		t.Errorf("ExtractText() = %q, want empty beyond depth bound", got)
	}
}
