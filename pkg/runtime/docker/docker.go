// Package docker implements execution contexts as disposable containers.
// Each context is one long-lived container; turns run inside it via exec.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandrelay/sandrelay/pkg/log"
	"github.com/sandrelay/sandrelay/pkg/runtime"
)

// sessionLabel marks containers owned by the relay so stray ones can be
// found and removed out of band.
const sessionLabel = "sandrelay.session"

// Config configures the docker runtime.
type Config struct {
	// Image is the container image contexts run on.
	Image string
	// Root is the fixed context-internal directory, e.g. /sandrelay.
	Root string
}

// Runtime provisions container-backed execution contexts.
type Runtime struct {
	cli   *client.Client
	image string
	root  string
}

// New connects to the local docker daemon.
func New(cfg Config) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runtime{cli: cli, image: cfg.Image, root: cfg.Root}, nil
}

// CreateContext pulls the image (best effort), starts a container and
// prepares the working directories inside it.
func (r *Runtime) CreateContext(ctx context.Context) (runtime.Context, []runtime.Step, error) {
	var steps []runtime.Step

	// Pull failures are tolerated: the image may already be local.
	if reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	} else {
		log.Warn("image pull failed, assuming local image", "image", r.image, "error", err)
	}

	t0 := time.Now()
	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:  r.image,
		Cmd:    []string{"sleep", "infinity"},
		Labels: map[string]string{sessionLabel: "1"},
	}, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		steps = append(steps, runtime.Step{Name: "create-context", Ms: time.Since(t0).Milliseconds(), OK: false})
		return nil, steps, fmt.Errorf("failed to create container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		steps = append(steps, runtime.Step{Name: "create-context", Ms: time.Since(t0).Milliseconds(), OK: false})
		r.removeContainer(resp.ID)
		return nil, steps, fmt.Errorf("failed to start container: %w", err)
	}
	steps = append(steps, runtime.Step{Name: "create-context", Ms: time.Since(t0).Milliseconds(), OK: true})

	ec := &execContext{cli: r.cli, containerID: resp.ID}

	t1 := time.Now()
	exitCode, prepErr := ec.runSync(ctx, []string{"mkdir", "-p", r.root, path.Join(r.root, "workspace"), path.Join(r.root, "bin")})
	steps = append(steps, runtime.Step{Name: "prepare-dirs", Ms: time.Since(t1).Milliseconds(), OK: prepErr == nil && exitCode == 0, ExitCode: &exitCode})
	if prepErr != nil || exitCode != 0 {
		r.removeContainer(resp.ID)
		if prepErr == nil {
			prepErr = fmt.Errorf("mkdir exited with code %d", exitCode)
		}
		return nil, steps, fmt.Errorf("failed to prepare context dirs: %w", prepErr)
	}

	return ec, steps, nil
}

func (r *Runtime) removeContainer(id string) {
	rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
		log.Warn("failed to remove container", "container", id, "error", err)
	}
}

type execContext struct {
	cli         *client.Client
	containerID string
}

func (c *execContext) ID() string {
	return c.containerID
}

// WriteFile copies data into the container via a single-entry tar stream.
func (c *execContext) WriteFile(ctx context.Context, filePath string, data []byte, mode os.FileMode) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: strings.TrimPrefix(filePath, "/"),
		Mode: int64(mode.Perm()),
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %q: %w", filePath, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body for %q: %w", filePath, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar for %q: %w", filePath, err)
	}

	if err := c.cli.CopyToContainer(ctx, c.containerID, "/", &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy %q into container: %w", filePath, err)
	}
	return nil
}

// Start launches a detached exec inside the container and demultiplexes its
// output into separate stdout/stderr pipes.
func (c *execContext) Start(ctx context.Context, spec runtime.ProcessSpec) (runtime.Process, error) {
	execResp, err := c.cli.ContainerExecCreate(ctx, c.containerID, container.ExecOptions{
		Cmd:          append([]string{spec.Path}, spec.Args...),
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		attach.Close()
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
	}()

	return &dockerProcess{cli: c.cli, execID: execResp.ID, stdout: stdoutR, stderr: stderrR}, nil
}

// runSync runs a command to completion, discarding output.
func (c *execContext) runSync(ctx context.Context, cmd []string) (int, error) {
	proc, err := c.Start(ctx, runtime.ProcessSpec{Path: cmd[0], Args: cmd[1:]})
	if err != nil {
		return -1, err
	}
	go io.Copy(io.Discard, proc.Stderr())
	io.Copy(io.Discard, proc.Stdout())
	return proc.Wait(ctx)
}

func (c *execContext) Release(ctx context.Context) error {
	if err := c.cli.ContainerRemove(ctx, c.containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", c.containerID, err)
	}
	return nil
}

type dockerProcess struct {
	cli    *client.Client
	execID string
	stdout io.Reader
	stderr io.Reader
}

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

// Wait polls the exec until it stops running.
func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return -1, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}
