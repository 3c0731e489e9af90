// Package xdg resolves the per-user directories relay reads and writes.
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "relay"

// ConfigDir returns $XDG_CONFIG_HOME/relay, or ~/.config/relay when the
// variable is unset or not absolute.
func ConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); filepath.IsAbs(dir) {
		return filepath.Join(dir, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}
