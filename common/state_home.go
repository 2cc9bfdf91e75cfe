package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// GetStateHome returns a directory path for storing agentflow state data
// (logs, traces). If needed, it also creates the necessary directories
// according to the XDG spec. Can be overridden by setting the
// AGENTFLOW_STATE_HOME environment variable.
func GetStateHome() (string, error) {
	stateDir := os.Getenv("AGENTFLOW_STATE_HOME")
	if stateDir != "" {
		err := os.MkdirAll(stateDir, 0755)
		if err != nil {
			return "", fmt.Errorf("failed to create agentflow state directory from AGENTFLOW_STATE_HOME: %w", err)
		}
		return stateDir, nil
	}

	stateDir = filepath.Join(xdg.StateHome, "agentflow")
	err := os.MkdirAll(stateDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create agentflow state directory: %w", err)
	}
	return stateDir, nil
}
