// Package runtime defines the execution-context contract: a disposable,
// isolated compute environment that can hold files, run a short-lived
// program, and be torn down.
package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Mode selects the execution-context backend.
type Mode string

const (
	// ModeDocker runs contexts as disposable containers.
	ModeDocker Mode = "docker"
	// ModeLocal runs contexts as temp directories with local subprocesses.
	ModeLocal Mode = "local"
)

// ParseMode validates a mode string. Empty input selects docker.
func ParseMode(s string) (Mode, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "", "docker":
		return ModeDocker, nil
	case "local":
		return ModeLocal, nil
	default:
		return "", fmt.Errorf("invalid runtime mode %q; must be one of: docker, local", s)
	}
}

func (m Mode) String() string {
	return string(m)
}

// Step records the timing of one provisioning step for the caller-visible
// timeline.
type Step struct {
	Name     string `json:"name"`
	Ms       int64  `json:"ms"`
	OK       bool   `json:"ok"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// ProcessSpec describes a program launch inside a context. Paths are
// context-internal. Env carries the full environment for the process;
// secrets travel only through it, never through files.
type ProcessSpec struct {
	Path string
	Args []string
	Env  []string
}

// Process is a detached program running inside a context. Stdout and Stderr
// are line-buffered pipes that reach EOF when the process exits.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
}

// Context is one live execution context.
type Context interface {
	// ID identifies the underlying compute handle (container id, directory).
	ID() string
	// WriteFile places data at a context-internal path.
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	// Start launches a detached process inside the context.
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
	// Release tears the context down. It is idempotent.
	Release(ctx context.Context) error
}

// Runtime provisions execution contexts. CreateContext performs any one-time
// preparation (working directories) and reports per-step timings.
type Runtime interface {
	CreateContext(ctx context.Context) (Context, []Step, error)
}
