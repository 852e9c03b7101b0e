package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// InstanceIDFileName is the file under a storage root that pins this
// server's identity across restarts (§6 Persisted layout).
const InstanceIDFileName = "instance.id"

// LoadOrCreateInstanceID reads the instance id file under dataDir,
// creating it with a fresh UUID on first run. The id seeds
// CursorGenerator so two replicas sharing a storage root (or a restarted
// process) never emit colliding cursors for the same wall-clock bucket.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}

	path := filepath.Join(dataDir, InstanceIDFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0644); err != nil {
		return "", err
	}
	return id, nil
}
