// Package local implements execution contexts as temporary directories with
// plain OS subprocesses. It backs the "local" runtime mode used for
// development and tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sandrelay/sandrelay/pkg/runtime"
)

// Runtime provisions temp-dir execution contexts.
type Runtime struct {
	// Root is the context-internal prefix that file and process paths use,
	// e.g. /sandrelay. It is remapped under the context's temp directory.
	Root string
}

// New returns a local runtime mapping the given context root.
func New(root string) *Runtime {
	return &Runtime{Root: root}
}

// CreateContext allocates a temp directory and prepares the working dirs.
func (r *Runtime) CreateContext(_ context.Context) (runtime.Context, []runtime.Step, error) {
	var steps []runtime.Step

	t0 := time.Now()
	dir, err := os.MkdirTemp("", "sandrelay-ctx-*")
	steps = append(steps, runtime.Step{Name: "create-context", Ms: time.Since(t0).Milliseconds(), OK: err == nil})
	if err != nil {
		return nil, steps, fmt.Errorf("failed to create context dir: %w", err)
	}

	ec := &execContext{dir: dir, root: r.Root}

	t1 := time.Now()
	prepErr := os.MkdirAll(ec.hostPath(filepath.Join(r.Root, "workspace")), 0o755)
	steps = append(steps, runtime.Step{Name: "prepare-dirs", Ms: time.Since(t1).Milliseconds(), OK: prepErr == nil})
	if prepErr != nil {
		os.RemoveAll(dir)
		return nil, steps, fmt.Errorf("failed to prepare context dirs: %w", prepErr)
	}

	return ec, steps, nil
}

type execContext struct {
	dir      string
	root     string
	released sync.Once
}

func (c *execContext) ID() string {
	return c.dir
}

// hostPath maps a context-internal absolute path into the temp directory.
func (c *execContext) hostPath(path string) string {
	rel := strings.TrimPrefix(path, "/")
	return filepath.Join(c.dir, filepath.FromSlash(rel))
}

func (c *execContext) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	target := c.hostPath(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir for %q: %w", path, err)
	}
	if err := os.WriteFile(target, data, mode); err != nil {
		return fmt.Errorf("failed to write %q: %w", path, err)
	}
	return nil
}

func (c *execContext) Start(ctx context.Context, spec runtime.ProcessSpec) (runtime.Process, error) {
	cmd := exec.CommandContext(ctx, c.hostPath(spec.Path), spec.Args...)
	cmd.Dir = c.dir
	cmd.Env = append(baseEnv(), spec.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	return &localProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (c *execContext) Release(_ context.Context) error {
	var err error
	c.released.Do(func() {
		err = os.RemoveAll(c.dir)
	})
	return err
}

// baseEnv keeps the subprocess environment minimal: path resolution and a
// home directory, nothing inherited beyond that.
func baseEnv() []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	return env
}

type localProcess struct {
	cmd      *exec.Cmd
	stdout   io.Reader
	stderr   io.Reader
	waitOnce sync.Once
	waitErr  error
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

// Wait must be called after the output pipes are drained.
func (p *localProcess) Wait(_ context.Context) (int, error) {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	if p.waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, p.waitErr
}
