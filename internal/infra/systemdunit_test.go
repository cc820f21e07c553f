package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemdUnitManager_IsInstalledReflectsUnitFilePresence(t *testing.T) {
	dir := t.TempDir()
	mgr := NewSystemdUnitManagerWithDir(dir).(*SystemdUnitManager)

	assert.False(t, mgr.IsInstalled())

	content, err := mgr.generateUnitContent("/usr/local/bin/kickerd")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mgr.UnitPath(), content, 0o644))

	assert.True(t, mgr.IsInstalled())
}

func TestSystemdUnitManager_NeedsUpdateDetectsChangedExecPath(t *testing.T) {
	dir := t.TempDir()
	mgr := NewSystemdUnitManagerWithDir(dir).(*SystemdUnitManager)

	content, err := mgr.generateUnitContent("/usr/local/bin/kickerd")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mgr.UnitPath(), content, 0o644))

	assert.False(t, mgr.NeedsUpdate("/usr/local/bin/kickerd"))
	assert.True(t, mgr.NeedsUpdate("/opt/kicker/kickerd"))
}

func TestSystemdUnitManager_NeedsUpdateFalseWhenNotInstalled(t *testing.T) {
	dir := t.TempDir()
	mgr := NewSystemdUnitManagerWithDir(dir).(*SystemdUnitManager)

	assert.False(t, mgr.NeedsUpdate("/usr/local/bin/kickerd"))
}

func TestSystemdUnitManager_GeneratedUnitReferencesExecutableAndRunSubcommand(t *testing.T) {
	dir := t.TempDir()
	mgr := NewSystemdUnitManagerWithDir(dir).(*SystemdUnitManager)

	content, err := mgr.generateUnitContent("/usr/local/bin/kickerd")
	require.NoError(t, err)

	text := string(content)
	assert.Contains(t, text, "ExecStart=/usr/local/bin/kickerd run")
	assert.Contains(t, text, "Restart=on-failure")
	assert.Contains(t, text, "WorkingDirectory=%h")
}

func TestSystemdUnitManager_UnitPathUnderUnitDir(t *testing.T) {
	dir := t.TempDir()
	mgr := NewSystemdUnitManagerWithDir(dir).(*SystemdUnitManager)

	assert.Equal(t, filepath.Join(dir, "kicker.service"), mgr.UnitPath())
}
