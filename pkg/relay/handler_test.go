package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sandrelay/sandrelay/pkg/config"
	"github.com/sandrelay/sandrelay/pkg/runtime"
	"github.com/sandrelay/sandrelay/pkg/session"
)

type fakeProcess struct {
	stdout io.Reader
	stderr io.Reader
	code   int
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }
func (p *fakeProcess) Wait(context.Context) (int, error) {
	return p.code, nil
}

type fakeContext struct {
	files    map[string][]byte
	starts   []runtime.ProcessSpec
	proc     *fakeProcess
	startErr error
}

func (f *fakeContext) ID() string { return "fake-ctx" }
func (f *fakeContext) WriteFile(_ context.Context, path string, data []byte, _ os.FileMode) error {
	if f.files == nil {
		f.files = map[string][]byte{}
	}
	f.files[path] = data
	return nil
}
func (f *fakeContext) Start(_ context.Context, spec runtime.ProcessSpec) (runtime.Process, error) {
	f.starts = append(f.starts, spec)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.proc, nil
}
func (f *fakeContext) Release(context.Context) error { return nil }

type fakeRuntime struct {
	next *fakeContext
}

func (f *fakeRuntime) CreateContext(context.Context) (runtime.Context, []runtime.Step, error) {
	ec := f.next
	if ec == nil {
		ec = &fakeContext{proc: &fakeProcess{stdout: strings.NewReader(""), stderr: strings.NewReader("")}}
	}
	steps := []runtime.Step{
		{Name: "create-context", Ms: 1, OK: true},
		{Name: "prepare-dirs", Ms: 1, OK: true},
	}
	return ec, steps, nil
}

func testConfig() *config.Config {
	return &config.Config{
		SessionTTL:      30 * time.Minute,
		TurnTimeout:     time.Minute,
		ContextRoot:     "/sandrelay",
		DefaultModel:    "gpt-5",
		ReasoningEffort: "medium",
	}
}

func newTestHandler(rt *fakeRuntime) *Handler {
	cfg := testConfig()
	orch := NewOrchestrator(cfg, WithRunnerSource(func() ([]byte, error) {
		return []byte("runner-binary"), nil
	}))
	h := NewHandler(cfg, session.NewManager(rt, cfg.SessionTTL), orch)
	h.credential = func() string { return "test-credential" }
	h.baseURL = func() string { return "" }
	return h
}

func doRelay(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/relay", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Relay(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	return rec
}

func TestSendStreamFullSequence(t *testing.T) {
	stdout := `{"type":"response_created","responseId":"resp_1"}
{"type":"delta","text":"Four","full":"Four"}
{"type":"final","responseId":"resp_1","text":"Four","reasoningText":""}`
	ec := &fakeContext{proc: &fakeProcess{
		stdout: strings.NewReader(stdout),
		stderr: strings.NewReader("warning: something\n"),
	}}
	h := newTestHandler(&fakeRuntime{next: ec})

	rec := doRelay(t, h, `{"message":"2+2?"}`)

	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("missing X-Accel-Buffering header")
	}

	out := rec.Body.String()
	order := []string{
		"event: meta",
		"event: start\ndata: ok",
		`data: {"type":"response_created"`,
		`data: {"type":"delta"`,
		`data: {"type":"final"`,
		"event: stderr",
		"event: end",
	}
	pos := 0
	for _, want := range order {
		idx := strings.Index(out[pos:], want)
		if idx < 0 {
			t.Fatalf("stream missing %q after offset %d:\n%s", want, pos, out)
		}
		pos += idx
	}

	// Meta carries the resolved session id and creation flag.
	metaLine := extractEventData(t, out, "meta")
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaLine), &meta); err != nil {
		t.Fatalf("meta is not JSON: %v", err)
	}
	if meta["created"] != true {
		t.Errorf("meta.created = %v, want true", meta["created"])
	}
	if id, _ := meta["sessionId"].(string); !strings.HasPrefix(id, "sess_") {
		t.Errorf("meta.sessionId = %v", meta["sessionId"])
	}

	// Stderr is forwarded once, as one JSON string.
	stderrLine := extractEventData(t, out, "stderr")
	var stderrText string
	if err := json.Unmarshal([]byte(stderrLine), &stderrText); err != nil {
		t.Fatalf("stderr data is not a JSON string: %v", err)
	}
	if !strings.Contains(stderrText, "warning: something") {
		t.Errorf("stderr = %q", stderrText)
	}
}

func extractEventData(t *testing.T, stream, event string) string {
	t.Helper()
	marker := "event: " + event + "\ndata: "
	idx := strings.Index(stream, marker)
	if idx < 0 {
		t.Fatalf("stream has no %s event:\n%s", event, stream)
	}
	rest := stream[idx+len(marker):]
	if end := strings.Index(rest, "\n"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

func TestSendStreamStagesPayloadAndRunner(t *testing.T) {
	ec := &fakeContext{proc: &fakeProcess{stdout: strings.NewReader(""), stderr: strings.NewReader("")}}
	h := newTestHandler(&fakeRuntime{next: ec})

	// The caller supplies a continuation id, but the session is created in
	// this same request, so it must be dropped.
	doRelay(t, h, `{"message":"hi","previousResponseId":"resp_old","model":"gpt-5-mini"}`)

	payload, ok := ec.files["/sandrelay/request.json"]
	if !ok {
		t.Fatalf("request.json not staged; files = %v", ec.files)
	}
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("staged payload is not JSON: %v", err)
	}
	if req["message"] != "hi" || req["model"] != "gpt-5-mini" {
		t.Errorf("staged payload = %v", req)
	}
	if _, present := req["previousResponseId"]; present {
		t.Errorf("previousResponseId staged for a fresh session: %v", req)
	}

	if string(ec.files["/sandrelay/bin/turn-runner"]) != "runner-binary" {
		t.Error("runner program not staged")
	}

	if len(ec.starts) != 1 {
		t.Fatalf("started %d processes, want 1", len(ec.starts))
	}
	spec := ec.starts[0]
	if spec.Path != "/sandrelay/bin/turn-runner" {
		t.Errorf("spec.Path = %q", spec.Path)
	}
	wantArgs := []string{"turn-runner", "--root", "sandrelay"}
	if len(spec.Args) != len(wantArgs) {
		t.Fatalf("spec.Args = %v, want %v", spec.Args, wantArgs)
	}
	for i := range wantArgs {
		if spec.Args[i] != wantArgs[i] {
			t.Fatalf("spec.Args = %v, want %v", spec.Args, wantArgs)
		}
	}

	var hasCred bool
	for _, kv := range spec.Env {
		if kv == "OPENAI_API_KEY=test-credential" {
			hasCred = true
		}
		if strings.HasPrefix(kv, "OPENAI_BASE_URL=") {
			t.Errorf("base URL injected without an override: %v", spec.Env)
		}
	}
	if !hasCred {
		t.Errorf("credential missing from env: %v", spec.Env)
	}
}

func TestSendStreamTrailingPartialLineFlushed(t *testing.T) {
	ec := &fakeContext{proc: &fakeProcess{
		stdout: strings.NewReader(`{"type":"delta","text":"a","full":"a"}` + "\n" + `{"type":"final","text":"a"`),
		stderr: strings.NewReader(""),
	}}
	h := newTestHandler(&fakeRuntime{next: ec})

	out := doRelay(t, h, `{"message":"hi"}`).Body.String()
	if !strings.Contains(out, `data: {"type":"final","text":"a"`) {
		t.Errorf("trailing partial line not flushed:\n%s", out)
	}
}

func TestSendStreamSpawnFailure(t *testing.T) {
	ec := &fakeContext{startErr: errors.New("exec format error")}
	h := newTestHandler(&fakeRuntime{next: ec})

	rec := doRelay(t, h, `{"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (stream already open)", rec.Code)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "event: meta") {
		t.Error("meta missing before failure")
	}
	if !strings.Contains(out, "event: error") || !strings.Contains(out, "exec format error") {
		t.Errorf("error event missing:\n%s", out)
	}
	if strings.Contains(out, "event: end") {
		t.Error("end event emitted after orchestration failure")
	}
}

func TestSendStreamMessageRequired(t *testing.T) {
	h := newTestHandler(&fakeRuntime{})
	rec := doRelay(t, h, `{"action":"send-stream"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":false`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSendStreamMissingCredential(t *testing.T) {
	h := newTestHandler(&fakeRuntime{})
	h.credential = func() string { return "" }
	rec := doRelay(t, h, `{"message":"hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMalformedBodyRejectedAsEmptyRequest(t *testing.T) {
	h := newTestHandler(&fakeRuntime{})
	rec := doRelay(t, h, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (empty message)", rec.Code)
	}
}

func TestStartAction(t *testing.T) {
	h := newTestHandler(&fakeRuntime{})
	rec := doRelay(t, h, `{"action":"start"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if resp["ok"] != true || resp["created"] != true {
		t.Errorf("response = %v", resp)
	}
	timeline, _ := resp["timeline"].([]any)
	if len(timeline) != 2 {
		t.Errorf("timeline = %v, want 2 steps", resp["timeline"])
	}
}

func TestStopAction(t *testing.T) {
	h := newTestHandler(&fakeRuntime{})

	rec := doRelay(t, h, `{"action":"stop"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("stop without id: status = %d, want 400", rec.Code)
	}

	rec = doRelay(t, h, `{"action":"stop","sessionId":"sess_unknown"}`)
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp["stopped"] != false {
		t.Errorf("stop unknown: status = %d body = %v", rec.Code, resp)
	}

	started := doRelay(t, h, `{"action":"start"}`)
	var startResp map[string]any
	json.Unmarshal(started.Body.Bytes(), &startResp)
	id := startResp["sessionId"].(string)

	rec = doRelay(t, h, `{"action":"stop","sessionId":"`+id+`"}`)
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["stopped"] != true {
		t.Errorf("stop live session: body = %v", resp)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(&fakeRuntime{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	if err := h.Health(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}
