// Package relay orchestrates one streaming turn: it stages the turn payload
// and runner program inside the session's execution context, launches the
// runner, and reframes its output as the outer SSE stream.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/sandrelay/sandrelay/pkg/config"
	"github.com/sandrelay/sandrelay/pkg/log"
	"github.com/sandrelay/sandrelay/pkg/runner"
	"github.com/sandrelay/sandrelay/pkg/runtime"
	"github.com/sandrelay/sandrelay/pkg/session"
	"github.com/sandrelay/sandrelay/pkg/sse"
)

// runnerBinary is the context-internal path component of the staged runner.
const runnerBinary = "bin/turn-runner"

// maxLineSize bounds a single runner output line.
const maxLineSize = 1 << 20

// Turn is one streaming turn request, already validated by the handler.
type Turn struct {
	Session *session.Session
	// Created reports whether the session was provisioned in this request.
	// A fresh context cannot continue a prior conversation, so the caller's
	// continuation id is discarded when set.
	Created            bool
	Message            string
	PreviousResponseID string
	Model              string
	Credential         string
	BaseURL            string
}

// Orchestrator drives turns against execution contexts.
type Orchestrator struct {
	cfg *config.Config
	// runnerSource yields the runner program bytes staged into the context.
	// Defaults to this process's own executable, which carries the runner as
	// a subcommand.
	runnerSource func() ([]byte, error)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRunnerSource replaces how the runner program bytes are obtained.
// Intended for tests and cross-platform staging.
func WithRunnerSource(src func() ([]byte, error)) Option {
	return func(o *Orchestrator) { o.runnerSource = src }
}

// NewOrchestrator builds an orchestrator over the given configuration.
func NewOrchestrator(cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{cfg: cfg, runnerSource: selfExecutable}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func selfExecutable() ([]byte, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}
	data, err := os.ReadFile(self)
	if err != nil {
		return nil, fmt.Errorf("failed to read own executable: %w", err)
	}
	return data, nil
}

// StreamTurn runs one turn end to end, writing the outer SSE events to w.
// The stream always completes normally: orchestration failures surface as a
// terminal error event, never as a broken response.
func (o *Orchestrator) StreamTurn(ctx context.Context, w *sse.EventWriter, turn Turn) {
	meta, _ := json.Marshal(map[string]any{
		"ok":        true,
		"sessionId": turn.Session.ID,
		"created":   turn.Created,
	})
	w.WriteEvent("meta", string(meta))

	// The timeout bounds the whole turn, including the runner subprocess.
	turnCtx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	proc, err := o.launch(turnCtx, turn)
	if err != nil {
		log.Error("turn launch failed", "session", turn.Session.ID, "error", err)
		writeError(w, err)
		return
	}

	w.WriteEvent("start", "ok")

	var stderr []byte
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stderr, _ = io.ReadAll(proc.Stderr())
	}()

	forwardLines(w, proc.Stdout())
	wg.Wait()

	code, waitErr := proc.Wait(turnCtx)
	if len(stderr) > 0 {
		quoted, _ := json.Marshal(string(stderr))
		w.WriteEvent("stderr", string(quoted))
	}
	if waitErr != nil {
		log.Error("turn wait failed", "session", turn.Session.ID, "error", waitErr)
		writeError(w, waitErr)
		return
	}

	end, _ := json.Marshal(map[string]any{"exitCode": code})
	w.WriteEvent("end", string(end))
	log.Info("turn finished", "session", turn.Session.ID, "exitCode", code)
}

// launch stages the payload and runner into the context and starts the
// runner process.
func (o *Orchestrator) launch(ctx context.Context, turn Turn) (runtime.Process, error) {
	prev := turn.PreviousResponseID
	if turn.Created {
		prev = ""
	}
	payload, err := json.Marshal(runner.Request{
		Message:            turn.Message,
		PreviousResponseID: prev,
		Model:              turn.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize turn payload: %w", err)
	}

	ec := turn.Session.Context
	root := o.cfg.ContextRoot
	if err := ec.WriteFile(ctx, path.Join(root, runner.RequestFile), payload, 0o644); err != nil {
		return nil, fmt.Errorf("failed to stage turn payload: %w", err)
	}

	program, err := o.runnerSource()
	if err != nil {
		return nil, err
	}
	if err := ec.WriteFile(ctx, path.Join(root, runnerBinary), program, 0o755); err != nil {
		return nil, fmt.Errorf("failed to stage runner: %w", err)
	}

	// The credential travels through the process environment only; it is
	// never written into the context's filesystem.
	env := []string{
		config.CredentialEnvVars[0] + "=" + turn.Credential,
		"SANDRELAY_MODEL=" + o.cfg.DefaultModel,
		"SANDRELAY_REASONING_EFFORT=" + o.cfg.ReasoningEffort,
	}
	if turn.BaseURL != "" {
		env = append(env, config.BaseURLEnvVar+"="+turn.BaseURL)
	}

	// The root is passed relative so it resolves against the process working
	// directory in both backends: the temp dir locally, / in a container.
	proc, err := ec.Start(ctx, runtime.ProcessSpec{
		Path: path.Join(root, runnerBinary),
		Args: []string{"turn-runner", "--root", strings.TrimPrefix(root, "/")},
		Env:  env,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}
	return proc, nil
}

// forwardLines relays each complete runner stdout line as an unnamed data
// event. Trailing unterminated output is flushed as a final line.
func forwardLines(w *sse.EventWriter, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		w.WriteData(line)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("runner output truncated", "error", err)
	}
}

func writeError(w *sse.EventWriter, err error) {
	msg, _ := json.Marshal(map[string]any{"error": err.Error()})
	w.WriteEvent("error", string(msg))
}
