package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// GetDataHome returns a directory path for storing agentflow data (the sqlite
// database, embedded nats storage). Can be overridden by setting the
// AGENTFLOW_DATA_HOME environment variable.
func GetDataHome() (string, error) {
	dataDir := os.Getenv("AGENTFLOW_DATA_HOME")
	if dataDir != "" {
		return dataDir, nil
	}

	dataDir = filepath.Join(xdg.DataHome, "agentflow")
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create agentflow data directory: %w", err)
	}
	return dataDir, nil
}
