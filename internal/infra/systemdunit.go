package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/smprather/kicker/internal/domain"
)

// systemd --user unit template. Restart=on-failure mirrors the lease's own
// crash recovery: systemd restarts the process, and the stale-lease
// reclamation path in FileLeaseStore lets the new instance take over.
const userUnitTemplate = `[Unit]
Description=kicker per-user automation daemon
After=default.target

[Service]
Type=simple
WorkingDirectory=%h
ExecStart={{.ExecutablePath}} run
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

const unitName = "kicker.service"

type unitConfig struct {
	ExecutablePath string
}

// SystemdUnitManager implements domain.UnitManager for a systemd --user
// unit, installed under ~/.config/systemd/user.
type SystemdUnitManager struct {
	unitDir  string
	unitPath string
}

// NewSystemdUnitManager creates a unit manager rooted at the current
// user's systemd --user unit directory.
func NewSystemdUnitManager() domain.UnitManager {
	home, _ := os.UserHomeDir()
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	return &SystemdUnitManager{
		unitDir:  unitDir,
		unitPath: filepath.Join(unitDir, unitName),
	}
}

// NewSystemdUnitManagerWithDir creates a unit manager rooted at an explicit
// directory, for tests that should never touch a real systemd --user tree.
func NewSystemdUnitManagerWithDir(unitDir string) domain.UnitManager {
	return &SystemdUnitManager{
		unitDir:  unitDir,
		unitPath: filepath.Join(unitDir, unitName),
	}
}

func (m *SystemdUnitManager) generateUnitContent(execPath string) ([]byte, error) {
	tmpl, err := template.New("unit").Parse(userUnitTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, unitConfig{ExecutablePath: execPath}); err != nil {
		return nil, fmt.Errorf("failed to execute unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the unit file, reloads the user manager, and enables it.
func (m *SystemdUnitManager) Install(execPath string) error {
	if err := os.MkdirAll(m.unitDir, 0o755); err != nil {
		return err
	}

	content, err := m.generateUnitContent(execPath)
	if err != nil {
		return err
	}

	if err := os.WriteFile(m.unitPath, content, 0o644); err != nil {
		return err
	}

	if err := m.daemonReload(); err != nil {
		return err
	}
	return m.enable()
}

// Uninstall disables the unit and removes its file.
func (m *SystemdUnitManager) Uninstall() error {
	_ = m.disable()
	if err := os.Remove(m.unitPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return m.daemonReload()
}

// IsInstalled reports whether the unit file exists.
func (m *SystemdUnitManager) IsInstalled() bool {
	_, err := os.Stat(m.unitPath)
	return err == nil
}

// NeedsUpdate reports whether the installed unit's content differs from
// what would be generated for execPath.
func (m *SystemdUnitManager) NeedsUpdate(execPath string) bool {
	if !m.IsInstalled() {
		return false
	}

	current, err := os.ReadFile(m.unitPath)
	if err != nil {
		return true
	}

	expected, err := m.generateUnitContent(execPath)
	if err != nil {
		return true
	}

	return !bytes.Equal(current, expected)
}

// Update rewrites the unit file and reloads/restarts it.
func (m *SystemdUnitManager) Update(execPath string) error {
	content, err := m.generateUnitContent(execPath)
	if err != nil {
		return err
	}

	if err := os.WriteFile(m.unitPath, content, 0o644); err != nil {
		return err
	}

	if err := m.daemonReload(); err != nil {
		return err
	}
	return exec.Command("systemctl", "--user", "restart", unitName).Run()
}

// UnitPath returns the unit file path.
func (m *SystemdUnitManager) UnitPath() string {
	return m.unitPath
}

func (m *SystemdUnitManager) daemonReload() error {
	return exec.Command("systemctl", "--user", "daemon-reload").Run()
}

func (m *SystemdUnitManager) enable() error {
	return exec.Command("systemctl", "--user", "enable", "--now", unitName).Run()
}

func (m *SystemdUnitManager) disable() error {
	return exec.Command("systemctl", "--user", "disable", "--now", unitName).Run()
}

// Ensure SystemdUnitManager implements domain.UnitManager.
var _ domain.UnitManager = (*SystemdUnitManager)(nil)
