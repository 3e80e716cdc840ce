package client

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// VersionStore holds the last-observed upstream app version, backed by a
// plain text file. The handshake updates it when check/game_start reports
// a newer store_url; every request reads it for the APP-VER header.
type VersionStore struct {
	path string

	mu      sync.Mutex
	current string
}

// NewVersionStore loads the version file at path, seeding it with
// fallback when the file does not exist.
func NewVersionStore(path, fallback string) (*VersionStore, error) {
	vs := &VersionStore{path: path, current: fallback}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if v := strings.TrimSpace(string(data)); v != "" {
			vs.current = v
		}
	case os.IsNotExist(err):
		if err := os.WriteFile(path, []byte(fallback), 0644); err != nil {
			return nil, fmt.Errorf("seed version file: %w", err)
		}
	default:
		return nil, fmt.Errorf("read version file: %w", err)
	}
	return vs, nil
}

// Get returns the current version string.
func (vs *VersionStore) Get() string {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.current
}

// CompareAndSet replaces old with new and persists it. Returns false
// without writing when the stored version is not old, or when old and
// new are equal.
func (vs *VersionStore) CompareAndSet(old, new string) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.current != old || old == new {
		return false
	}
	vs.current = new
	if err := os.WriteFile(vs.path, []byte(new), 0644); err != nil {
		// Keep the in-memory value; the file catches up on the next
		// observation.
		return true
	}
	return true
}
