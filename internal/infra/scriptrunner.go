package infra

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/smprather/kicker/internal/domain"
)

// maxCapturedOutput is the per-stream cap on captured stdout/stderr. Output
// beyond this is discarded and the record is marked truncated rather than
// letting a runaway script grow the log files without bound.
const maxCapturedOutput = 1 << 20 // 1 MiB

// killGrace is how long a timed-out or cancelled script is given to exit
// after SIGTERM before the runner escalates to SIGKILL.
const killGrace = 2 * time.Second

// ProcessScriptRunner implements domain.ScriptRunner by executing scripts
// in their own process group, so a timeout or cancellation can be
// delivered to every descendant the script spawned, not just its own pid.
type ProcessScriptRunner struct {
	scriptsRoot string
	homeDir     string
}

// NewProcessScriptRunner creates a script runner that resolves bare script
// names (no path separator) against scriptsRoot, and runs every script
// with its working directory fixed to homeDir rather than whatever cwd
// the daemon process inherited (under systemd --user that is typically
// "/", not the invoking user's home).
func NewProcessScriptRunner(scriptsRoot, homeDir string) *ProcessScriptRunner {
	return &ProcessScriptRunner{scriptsRoot: scriptsRoot, homeDir: homeDir}
}

// Run executes the named script with the given timeout.
func (r *ProcessScriptRunner) Run(ctx context.Context, name string, args []string, timeout time.Duration) (domain.ScriptResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ScriptResult{}, err
	}
	resolved := r.resolve(name)

	started := time.Now()

	path, lookErr := exec.LookPath(resolved)
	if lookErr != nil {
		return domain.ScriptResult{
			ExitCode:   127,
			Stderr:     []byte(fmt.Sprintf("script not found or not executable: %s", resolved)),
			StartedAt:  started,
			FinishedAt: started,
		}, nil
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = r.homeDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr capBuffer
	stdout.limit = maxCapturedOutput
	stderr.limit = maxCapturedOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return domain.ScriptResult{}, fmt.Errorf("start script %s: %w", resolved, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	var waitErr error

	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		waitErr = r.terminate(cmd, done)
	case <-ctx.Done():
		waitErr = r.terminate(cmd, done)
	}

	finished := time.Now()
	exitCode := 0
	if timedOut {
		exitCode = 124
		stderr.WriteString(fmt.Sprintf("Command timed out after %s.", timeout))
	} else if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	for _, c := range []*capBuffer{&stdout, &stderr} {
		if c.truncated {
			c.buf.WriteString("\n[output truncated at 1 MiB]\n")
		}
	}

	return domain.ScriptResult{
		ExitCode:        exitCode,
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StartedAt:       started,
		FinishedAt:      finished,
		TimedOut:        timedOut,
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
	}, nil
}

// terminate signals the process group with SIGTERM, waits up to killGrace
// for a clean exit, and escalates to SIGKILL if it has not exited by then.
func (r *ProcessScriptRunner) terminate(cmd *exec.Cmd, done chan error) error {
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case err := <-done:
		return err
	case <-time.After(killGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return <-done
	}
}

// resolve expands a bare script name (no path separator) against the
// scripts root; anything containing a separator is used as-is.
func (r *ProcessScriptRunner) resolve(name string) string {
	if strings.ContainsRune(name, '/') {
		return name
	}
	return filepath.Join(r.scriptsRoot, name)
}

// capBuffer is a bytes.Buffer that stops accepting data past limit and
// records that truncation occurred, instead of growing without bound.
type capBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *capBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capBuffer) WriteString(s string) {
	c.Write([]byte(s))
}

func (c *capBuffer) Bytes() []byte {
	return c.buf.Bytes()
}

// Ensure ProcessScriptRunner implements domain.ScriptRunner.
var _ domain.ScriptRunner = (*ProcessScriptRunner)(nil)
