// Package claimant resolves the hub's claimant identity (spec §6's
// nodeId): an explicit config value takes precedence; otherwise a
// generated UUID is persisted under the data directory so a restarted
// process keeps the same identity across runs, aiding operational
// debugging of stuck claims.
package claimant

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const fileName = "node-id"

// Resolve returns configured if non-empty; otherwise it reads
// <dataDir>/node-id, creating it with a fresh UUID if absent or unreadable.
func Resolve(configured, dataDir string) string {
	if configured != "" {
		return configured
	}
	if dataDir == "" {
		return uuid.NewString()
	}

	path := filepath.Join(dataDir, fileName)
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}

	id := uuid.NewString()
	_ = os.MkdirAll(dataDir, 0o755)
	_ = os.WriteFile(path, []byte(id+"\n"), 0o644)
	return id
}
