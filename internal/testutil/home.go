// Package testutil provides common test utilities.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// SetupTestHome points $HOME and XDG_CONFIG_HOME at a temp dir so config,
// secret files and the PID file never touch the real user's home.
func SetupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpHome, ".config"))

	if err := os.MkdirAll(ConfigDir(tmpHome), 0755); err != nil {
		t.Fatalf("create test config dir: %v", err)
	}
	return tmpHome
}

// ConfigDir is the mcpbridge config directory under home.
func ConfigDir(home string) string {
	return filepath.Join(home, ".config", "mcpbridge")
}

// WriteTestConfig writes config.json into the isolated $HOME.
func WriteTestConfig(t *testing.T, configJSON string) string {
	t.Helper()

	home := os.Getenv("HOME")
	if home == "" {
		t.Fatal("HOME not set - call SetupTestHome first")
	}

	path := filepath.Join(ConfigDir(home), "config.json")
	if err := os.WriteFile(path, []byte(configJSON), 0644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}
