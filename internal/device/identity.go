// Package device manages the per-installation identity that distinguishes
// this installation from other installations of the same account.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const identityFile = "device_id"

// LoadIdentity returns the device identity stored under dataDir, generating
// and persisting a fresh one on first run. The identity is created once and
// never regenerated; callers load it at startup and pass it explicitly.
func LoadIdentity(dataDir string) (string, error) {
	path := filepath.Join(dataDir, identityFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device identity: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist device identity: %w", err)
	}

	log.Info().Str("device_id", id).Msg("generated new device identity")
	return id, nil
}
