package infra

import (
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/smprather/kicker/internal/domain"
)

// ProcessLivenessImpl implements domain.ProcessLiveness using gopsutil for
// the cases that benefit from its cross-platform process table access, and
// raw signal(0) for the common liveness probe.
type ProcessLivenessImpl struct{}

// NewProcessLiveness creates a new liveness checker.
func NewProcessLiveness() domain.ProcessLiveness {
	return &ProcessLivenessImpl{}
}

// IsRunning checks if a PID exists and is running.
func (pl *ProcessLivenessImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	if ok, err := process.PidExists(int32(pid)); err == nil && !ok {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// CurrentPID returns the calling process's PID.
func (pl *ProcessLivenessImpl) CurrentPID() int {
	return os.Getpid()
}

// Signal sends sig to pid. A pid that no longer exists is not an error.
func (pl *ProcessLivenessImpl) Signal(pid int, sig int) error {
	err := syscall.Kill(pid, syscall.Signal(sig))
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// Ensure ProcessLivenessImpl implements domain.ProcessLiveness.
var _ domain.ProcessLiveness = (*ProcessLivenessImpl)(nil)
