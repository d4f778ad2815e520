package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/agenthatchery/cradle"
)

// runSubprocess is the degraded path when no container runtime is
// reachable: the program runs as a host child process in a throwaway
// temp directory, with the same output caps and timeout semantics.
func (d *Driver) runSubprocess(ctx context.Context, interpreter, program string, timeout time.Duration) (cradle.SandboxResult, error) {
	t0 := time.Now()

	bin, err := exec.LookPath(interpreter)
	if err != nil {
		return d.failure(t0, methodSubprocess, interpreter+" not found on host"), nil
	}

	tmpDir, err := os.MkdirTemp("", "cradle-sandbox-")
	if err != nil {
		return d.failure(t0, methodSubprocess, "create temp dir: "+err.Error()), nil
	}
	defer os.RemoveAll(tmpDir)

	ext := ".py"
	if interpreter == "bash" {
		ext = ".sh"
	}
	scriptPath := filepath.Join(tmpDir, "program"+ext)
	if err := os.WriteFile(scriptPath, []byte(program), 0o600); err != nil {
		return d.failure(t0, methodSubprocess, "write script: "+err.Error()), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, scriptPath)
	cmd.Dir = tmpDir
	cmd.Env = append([]string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + tmpDir,
		"LANG=en_US.UTF-8",
	}, d.forwardedEnv(os.LookupEnv)...)

	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.logger.Info("sandbox run",
		"interpreter", interpreter, "timeout", timeout, "method", methodSubprocess)

	waitErr := cmd.Run()
	duration := time.Since(t0).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		return cradle.SandboxResult{
			Success:    false,
			Stderr:     fmt.Sprintf("TIMEOUT: Process killed after %s", timeout),
			ExitCode:   -1,
			DurationMS: duration,
			Method:     methodSubprocess,
		}, nil
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return d.failure(t0, methodSubprocess, "subprocess: "+waitErr.Error()), nil
		}
	}

	return cradle.SandboxResult{
		Success:    exitCode == 0,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode,
		DurationMS: duration,
		Truncated:  stdout.truncated || stderr.truncated,
		Method:     methodSubprocess,
	}, nil
}
