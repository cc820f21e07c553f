// Package infra implements infrastructure concerns: the leader lease,
// rule storage, script execution, log writing, history, and the
// systemd unit manager.
package infra

import (
	"os"
	"path/filepath"
	"strings"
)

// PathSet resolves the XDG-style directories and files kicker reads from
// and writes to. It is constructed once at startup and threaded through
// the components that need a path, rather than having each component
// recompute $HOME on its own.
type PathSet struct {
	homeDir string
}

// NewPathSet builds a PathSet rooted at the current user's home directory.
func NewPathSet() *PathSet {
	home, _ := os.UserHomeDir()
	return &PathSet{homeDir: home}
}

// NewPathSetWithHome builds a PathSet rooted at an explicit home directory,
// for tests that need an isolated filesystem tree.
func NewPathSetWithHome(home string) *PathSet {
	return &PathSet{homeDir: home}
}

// HomeDir returns the configured home directory.
func (p *PathSet) HomeDir() string {
	return p.homeDir
}

// ExpandHome expands a leading ~ to the configured home directory.
func (p *PathSet) ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(p.homeDir, path[2:])
	}
	if path == "~" {
		return p.homeDir
	}
	return path
}

// ConfigDir is ~/.config/kicker.
func (p *PathSet) ConfigDir() string {
	return filepath.Join(p.homeDir, ".config", "kicker")
}

// StateDir is ~/.local/state/kicker.
func (p *PathSet) StateDir() string {
	return filepath.Join(p.homeDir, ".local", "state", "kicker")
}

// ScriptsDir is where bare (non-path) check/action script names resolve.
func (p *PathSet) ScriptsDir() string {
	return filepath.Join(p.ConfigDir(), "scripts")
}

// ConfigFile is the rule store's backing file.
func (p *PathSet) ConfigFile() string {
	return filepath.Join(p.ConfigDir(), "config.yaml")
}

// RuntimeStateFile persists per-rule scheduler state across restarts.
func (p *PathSet) RuntimeStateFile() string {
	return filepath.Join(p.StateDir(), "runtime_state.json")
}

// ChecksLogFile is the check-phase log stream.
func (p *PathSet) ChecksLogFile() string {
	return filepath.Join(p.StateDir(), "kicker_checks.log")
}

// ActionsLogFile is the action-phase log stream.
func (p *PathSet) ActionsLogFile() string {
	return filepath.Join(p.StateDir(), "kicker_actions.log")
}

// LeaseDir is the atomically-created directory that embodies lease
// ownership. Directory creation, unlike file locking, is dependable on
// every NFS client kicker is expected to run against.
func (p *PathSet) LeaseDir() string {
	return filepath.Join(p.StateDir(), "leader.lock")
}

// LeaseMetaFile is the metadata file written inside LeaseDir.
func (p *PathSet) LeaseMetaFile() string {
	return filepath.Join(p.LeaseDir(), "leader.json")
}

// HistoryDBFile is the execution-history SQLite database.
func (p *PathSet) HistoryDBFile() string {
	return filepath.Join(p.StateDir(), "history.db")
}

// EnsureStateDir creates the state directory tree if it does not exist.
func (p *PathSet) EnsureStateDir() error {
	return os.MkdirAll(p.StateDir(), 0o700)
}

// EnsureConfigDir creates the config directory tree if it does not exist.
func (p *PathSet) EnsureConfigDir() error {
	return os.MkdirAll(p.ScriptsDir(), 0o700)
}
