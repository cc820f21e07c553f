package infra

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestProcessScriptRunner_CapturesExitCodeAndOutput(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ok.sh", "echo hello; exit 3")

	runner := NewProcessScriptRunner(dir, dir)
	result, err := runner.Run(context.Background(), "ok.sh", nil, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, string(result.Stdout), "hello")
	assert.False(t, result.TimedOut)
}

func TestProcessScriptRunner_TimesOutWithExitCode124(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "slow.sh", "sleep 5")

	runner := NewProcessScriptRunner(dir, dir)
	result, err := runner.Run(context.Background(), "slow.sh", nil, 50*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 124, result.ExitCode)
	assert.True(t, result.TimedOut)
	assert.Contains(t, string(result.Stderr), "timed out")
}

func TestProcessScriptRunner_MissingScriptYieldsExitCode127(t *testing.T) {
	dir := t.TempDir()

	runner := NewProcessScriptRunner(dir, dir)
	result, err := runner.Run(context.Background(), "does-not-exist.sh", nil, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 127, result.ExitCode)
}

func TestProcessScriptRunner_ResolvesBareNameAgainstScriptsRoot(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bare.sh", "exit 0")

	runner := NewProcessScriptRunner(dir, dir)
	result, err := runner.Run(context.Background(), "bare.sh", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
}

func TestProcessScriptRunner_RunsWithCwdSetToHomeDir(t *testing.T) {
	scriptsDir := t.TempDir()
	homeDir := t.TempDir()
	writeScript(t, scriptsDir, "pwd.sh", "pwd")

	runner := NewProcessScriptRunner(scriptsDir, homeDir)
	result, err := runner.Run(context.Background(), "pwd.sh", nil, time.Second)
	require.NoError(t, err)

	assert.Equal(t, homeDir, strings.TrimSpace(string(result.Stdout)))
}
