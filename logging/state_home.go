package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// realtimeStateHome returns the directory for storing user-specific
// runtime state (currently just logs), creating it if needed. It can be
// overridden by setting REALTIME_STATE_HOME. Adapted from the teacher's
// state-home helper, renamed for this module.
func realtimeStateHome() (string, error) {
	if dir := os.Getenv("REALTIME_STATE_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create state directory from REALTIME_STATE_HOME: %w", err)
		}
		return dir, nil
	}

	dir := filepath.Join(xdg.StateHome, "realtime")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}
