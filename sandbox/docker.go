package sandbox

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/agenthatchery/cradle"
)

// containerRun carries one container execution.
type containerRun struct {
	image   string
	cmd     []string
	stdin   string
	timeout time.Duration
	network bool
	method  string
}

// runContainer launches a locked-down ephemeral container, feeds the
// program on stdin, and collects bounded output. On timeout the container
// is killed and a synthetic failure is returned.
func (d *Driver) runContainer(ctx context.Context, run containerRun) (cradle.SandboxResult, error) {
	t0 := time.Now()
	d.logger.Info("sandbox run",
		"image", run.image, "timeout", run.timeout, "network", run.network, "method", run.method)

	runCtx, cancel := context.WithTimeout(ctx, run.timeout)
	defer cancel()

	networkMode := container.NetworkMode("none")
	if run.network {
		networkMode = container.NetworkMode("bridge")
	}

	created, err := d.cli.ContainerCreate(runCtx,
		&container.Config{
			Image:        run.image,
			Cmd:          run.cmd,
			WorkingDir:   "/workspace",
			Env:          d.forwardedEnv(os.LookupEnv),
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			NetworkMode: networkMode,
			CapDrop:     []string{"ALL"},
			Resources: container.Resources{
				Memory:    256 * 1024 * 1024,
				NanoCPUs:  1_000_000_000,
				PidsLimit: ptr(int64(100)),
			},
		}, nil, nil, "")
	if err != nil {
		return d.failure(t0, run.method, "container create: "+err.Error()), nil
	}
	// Removal must survive the timed-out context.
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = d.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true})
	}()

	attach, err := d.cli.ContainerAttach(runCtx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return d.failure(t0, run.method, "container attach: "+err.Error()), nil
	}
	defer attach.Close()

	if err := d.cli.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return d.failure(t0, run.method, "container start: "+err.Error()), nil
	}

	go func() {
		_, _ = attach.Conn.Write([]byte(run.stdin))
		_ = attach.CloseWrite()
	}()

	var stdout, stderr limitedBuffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	waitCh, errCh := d.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case <-runCtx.Done():
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer killCancel()
		_ = d.cli.ContainerKill(killCtx, created.ID, "KILL")
		duration := time.Since(t0).Milliseconds()
		return cradle.SandboxResult{
			Success:    false,
			Stderr:     fmt.Sprintf("TIMEOUT: Container killed after %s", run.timeout),
			ExitCode:   -1,
			DurationMS: duration,
			Method:     run.method,
		}, nil
	case err := <-errCh:
		return d.failure(t0, run.method, "container wait: "+err.Error()), nil
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	}

	select {
	case <-copyDone:
	case <-runCtx.Done():
	}

	result := cradle.SandboxResult{
		Success:    exitCode == 0,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode,
		DurationMS: time.Since(t0).Milliseconds(),
		Truncated:  stdout.truncated || stderr.truncated,
		Method:     run.method,
	}
	d.logger.Info("sandbox done",
		"exit", result.ExitCode,
		"duration_ms", result.DurationMS,
		"stdout_b", len(result.Stdout),
		"stderr_b", len(result.Stderr))
	return result, nil
}

func (d *Driver) failure(t0 time.Time, method, stderr string) cradle.SandboxResult {
	return cradle.SandboxResult{
		Success:    false,
		Stderr:     stderr,
		ExitCode:   -1,
		DurationMS: time.Since(t0).Milliseconds(),
		Method:     method,
	}
}

func ptr[T any](v T) *T { return &v }
