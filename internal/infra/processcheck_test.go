package infra

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessLivenessImpl_CurrentPIDMatchesOSGetpid(t *testing.T) {
	pl := NewProcessLiveness()
	assert.Equal(t, os.Getpid(), pl.CurrentPID())
}

func TestProcessLivenessImpl_IsRunningTrueForSelf(t *testing.T) {
	pl := NewProcessLiveness()
	assert.True(t, pl.IsRunning(os.Getpid()))
}

func TestProcessLivenessImpl_IsRunningFalseForUnusedPID(t *testing.T) {
	pl := NewProcessLiveness()
	// PID 1 belongs to init/systemd in any real environment, but an
	// implausibly large PID is never assigned on a default-configured
	// kernel (pid_max is 4194304).
	assert.False(t, pl.IsRunning(999999999))
}

func TestProcessLivenessImpl_IsRunningFalseForNonPositivePID(t *testing.T) {
	pl := NewProcessLiveness()
	assert.False(t, pl.IsRunning(0))
	assert.False(t, pl.IsRunning(-1))
}
