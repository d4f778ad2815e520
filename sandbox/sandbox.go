// Package sandbox executes agent-generated code in ephemeral Docker
// containers, falling back to a host subprocess when no container runtime
// is reachable. Program text is delivered on the container's stdin rather
// than a host mount, so it works inside nested-container environments.
package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/client"

	"github.com/agenthatchery/cradle"
)

const (
	// MaxOutputBytes caps each captured stream. Overflow is truncated in
	// place and marked.
	MaxOutputBytes = 50_000

	truncationMarker = "\n... [TRUNCATED]"

	defaultTimeout = 60 * time.Second

	pythonImage = "python:3.12-slim"
	shellImage  = "ubuntu:22.04"

	methodContainerStdin = "container-stdin"
	methodContainerShell = "container-shell"
	methodSubprocess     = "subprocess-fallback"
)

// defaultEnvAllowlist names the host environment variables forwarded into
// every sandbox. Nothing else crosses the boundary.
var defaultEnvAllowlist = []string{
	"GITHUB_PAT",
	"AGENTPLAYBOOKS_KEY",
	"AGENTPLAYBOOKS_GUID",
	"GEMINI_API_KEY",
	"GOOGLE_CSE_KEY",
	"GOOGLE_CSE_ID",
}

// Driver runs code through Docker when available, subprocess otherwise.
type Driver struct {
	cli          *client.Client
	envAllowlist []string
	logger       *slog.Logger

	// Docker availability is probed at most once.
	probeOnce sync.Once
	available bool
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithEnvAllowlist replaces the default forwarded-variable allowlist.
func WithEnvAllowlist(names []string) Option {
	return func(d *Driver) { d.envAllowlist = names }
}

// New creates a sandbox driver. Docker client construction failing is not
// an error here; the probe decides at first use.
func New(opts ...Option) *Driver {
	d := &Driver{
		envAllowlist: defaultEnvAllowlist,
		logger:       slog.New(discardHandler{}),
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		d.cli = cli
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// dockerAvailable pings the daemon once and memoizes the answer.
func (d *Driver) dockerAvailable(ctx context.Context) bool {
	d.probeOnce.Do(func() {
		if d.cli == nil {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := d.cli.Ping(probeCtx); err != nil {
			d.logger.Warn("docker unreachable, using subprocess fallback", "error", err)
			return
		}
		d.available = true
	})
	return d.available
}

// RunCode executes Python source. Requested packages are installed by a
// small bootstrap before the program runs, still via stdin.
func (d *Driver) RunCode(ctx context.Context, req cradle.CodeRequest) (cradle.SandboxResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	if !d.dockerAvailable(ctx) {
		return d.runSubprocess(ctx, "python3", req.Code, timeout)
	}

	cmd := []string{"python3", "-"}
	if len(req.Packages) > 0 {
		cmd = []string{"bash", "-c",
			"pip install --quiet " + strings.Join(req.Packages, " ") + " && exec python3 -"}
	}
	return d.runContainer(ctx, containerRun{
		image:   pythonImage,
		cmd:     cmd,
		stdin:   req.Code,
		timeout: timeout,
		network: req.Network,
		method:  methodContainerStdin,
	})
}

// RunShell executes a shell script.
func (d *Driver) RunShell(ctx context.Context, req cradle.ShellRequest) (cradle.SandboxResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	if !d.dockerAvailable(ctx) {
		return d.runSubprocess(ctx, "bash", req.Script, timeout)
	}

	image := req.Image
	if image == "" {
		image = shellImage
	}
	return d.runContainer(ctx, containerRun{
		image:   image,
		cmd:     []string{"bash", "-s"},
		stdin:   req.Script,
		timeout: timeout,
		network: req.Network,
		method:  methodContainerShell,
	})
}

// forwardedEnv builds the allowlisted environment for the sandbox.
func (d *Driver) forwardedEnv(lookup func(string) (string, bool)) []string {
	var env []string
	for _, name := range d.envAllowlist {
		if v, ok := lookup(name); ok && v != "" {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// limitedBuffer captures up to MaxOutputBytes and records overflow.
type limitedBuffer struct {
	buf       strings.Builder
	truncated bool
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	remaining := MaxOutputBytes - w.buf.Len()
	if remaining <= 0 {
		w.truncated = true
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
		w.truncated = true
	}
	w.buf.Write(p)
	return n, nil
}

// String returns the captured output, with the truncation marker appended
// when the stream overflowed.
func (w *limitedBuffer) String() string {
	if w.truncated {
		return w.buf.String() + truncationMarker
	}
	return w.buf.String()
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var _ cradle.Sandbox = (*Driver)(nil)
