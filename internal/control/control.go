// Package control implements the daemon-lifecycle side of the CLI: status
// and stop, operating on the lease metadata a running daemon maintains
// rather than on the daemon process directly.
package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/smprather/kicker/internal/domain"
)

// StatusResult is what the "status" command reports.
type StatusResult struct {
	Running  bool
	Local    bool
	Meta     *domain.LeaderMetadata
	Message  string
}

// Status reads the lease metadata and reports whether a daemon owning it
// appears to be alive on this host.
func Status(ctx context.Context, lease domain.LeaseStore, liveness domain.ProcessLiveness) (StatusResult, error) {
	meta, err := lease.Read(ctx)
	if err != nil {
		return StatusResult{}, fmt.Errorf("read lease metadata: %w", err)
	}
	if meta == nil {
		return StatusResult{Message: "no daemon is running"}, nil
	}

	hostname, _ := os.Hostname()
	local := meta.Hostname == hostname
	if !local {
		return StatusResult{Local: false, Meta: meta, Message: fmt.Sprintf("lease held on another host (%s, pid %d)", meta.Hostname, meta.PID)}, nil
	}

	alive := liveness.IsRunning(meta.PID)
	if !alive {
		return StatusResult{Local: true, Meta: meta, Message: fmt.Sprintf("lease metadata names pid %d, which is not running (stale)", meta.PID)}, nil
	}

	return StatusResult{Running: true, Local: true, Meta: meta, Message: fmt.Sprintf("running as pid %d, lease expires %s", meta.PID, time.Unix(meta.LeaseExpiresAtUnix, 0).UTC().Format(time.RFC3339))}, nil
}

// StopOptions configures Stop's wait and escalation behavior.
type StopOptions struct {
	Force       bool
	WaitFor     time.Duration
	PollEvery   time.Duration
}

// DefaultStopOptions waits up to 5 seconds after SIGTERM, polling every
// 100 ms, and does not escalate to SIGKILL.
var DefaultStopOptions = StopOptions{
	Force:     false,
	WaitFor:   5 * time.Second,
	PollEvery: 100 * time.Millisecond,
}

// StopResult reports what Stop did.
type StopResult struct {
	Stopped bool
	Message string
}

var errNotLocal = errors.New("lease is held on a different host")

// Stop sends SIGTERM to the daemon naming the current lease, waits up to
// opts.WaitFor for it to exit, and - if opts.Force is set and it has not -
// escalates to SIGKILL.
func Stop(ctx context.Context, lease domain.LeaseStore, liveness domain.ProcessLiveness, opts StopOptions) (StopResult, error) {
	meta, err := lease.Read(ctx)
	if err != nil {
		return StopResult{}, fmt.Errorf("read lease metadata: %w", err)
	}
	if meta == nil {
		return StopResult{Message: "no daemon is running"}, nil
	}

	hostname, _ := os.Hostname()
	if meta.Hostname != hostname {
		return StopResult{}, fmt.Errorf("%w: held by %s", errNotLocal, meta.Hostname)
	}

	if !liveness.IsRunning(meta.PID) {
		// Release only removes a lease this process holds, so the dead
		// holder's lease is taken over first and then released.
		msg := "daemon was already stopped; cleared stale lease"
		if err := lease.TryAcquire(ctx, 0, 0); err != nil {
			msg = fmt.Sprintf("daemon was already stopped; could not clear stale lease: %v", err)
		} else {
			_ = lease.Release(ctx)
		}
		return StopResult{Stopped: true, Message: msg}, nil
	}

	if err := liveness.Signal(meta.PID, int(syscall.SIGTERM)); err != nil {
		return StopResult{}, fmt.Errorf("send SIGTERM to pid %d: %w", meta.PID, err)
	}

	deadline := time.Now().Add(opts.WaitFor)
	for time.Now().Before(deadline) {
		if !liveness.IsRunning(meta.PID) {
			return StopResult{Stopped: true, Message: fmt.Sprintf("stopped pid %d", meta.PID)}, nil
		}
		time.Sleep(opts.PollEvery)
	}

	if !opts.Force {
		return StopResult{Message: fmt.Sprintf("pid %d did not exit within %s; rerun with --force to SIGKILL", meta.PID, opts.WaitFor)}, nil
	}

	if err := liveness.Signal(meta.PID, int(syscall.SIGKILL)); err != nil {
		return StopResult{}, fmt.Errorf("send SIGKILL to pid %d: %w", meta.PID, err)
	}

	killDeadline := time.Now().Add(minDuration(opts.WaitFor, time.Second))
	for time.Now().Before(killDeadline) {
		if !liveness.IsRunning(meta.PID) {
			return StopResult{Stopped: true, Message: fmt.Sprintf("killed pid %d", meta.PID)}, nil
		}
		time.Sleep(opts.PollEvery)
	}

	return StopResult{Message: fmt.Sprintf("pid %d did not exit even after SIGKILL", meta.PID)}, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
