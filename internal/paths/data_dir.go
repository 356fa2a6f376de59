// Package paths resolves the on-disk locations aetherhost uses for durable
// state.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const appDir = "aetherhost"

// DataBaseDir returns the directory that holds aetherhost's durable data.
// $XDG_DATA_HOME wins when set; otherwise the conventional ~/.local/share
// location is used, with $XDG_RUNTIME_DIR as a last resort for home-less
// environments (containers, system accounts).
func DataBaseDir() (string, error) {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, appDir), nil
	}

	home, homeErr := os.UserHomeDir()
	if homeErr == nil && home != "" {
		return filepath.Join(home, ".local", "share", appDir), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appDir), nil
	}
	if homeErr != nil {
		return "", homeErr
	}
	return "", errors.New("no data directory available (set XDG_DATA_HOME)")
}

// LedgerDBPath resolves the default path of the ownership ledger database.
func LedgerDBPath() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "ledger.db"), nil
}
