package retry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// offsetFile is the on-disk shape of offsets/<transport>/<accountID>.json.
type offsetFile struct {
	LastUpdateID int64 `json:"lastUpdateId"`
}

// OffsetStore persists the last processed update id per (transport, account).
// Writes are atomic (temp file + rename) and strictly monotonic: a write with
// an id not greater than the stored one is skipped.
type OffsetStore struct {
	root string
	mu   sync.Mutex
}

// NewOffsetStore creates an offset store rooted at {stateDir}/{agentID}/offsets.
func NewOffsetStore(root string) *OffsetStore {
	return &OffsetStore{root: root}
}

func (s *OffsetStore) path(transport, accountID string) string {
	return filepath.Join(s.root, transport, accountID+".json")
}

// Last returns the persisted update id, or (0, false) if none exists yet.
func (s *OffsetStore) Last(transport, accountID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(transport, accountID))
	if err != nil {
		return 0, false
	}
	var f offsetFile
	if err := json.Unmarshal(data, &f); err != nil {
		return 0, false
	}
	return f.LastUpdateID, true
}

// Commit persists id if it advances the stored offset. Returns true when the
// offset moved, false when the write was skipped as non-monotonic.
func (s *OffsetStore) Commit(transport, accountID string, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(transport, accountID)
	if data, err := os.ReadFile(path); err == nil {
		var f offsetFile
		if json.Unmarshal(data, &f) == nil && id <= f.LastUpdateID {
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("offset dir: %w", err)
	}

	data, err := json.Marshal(offsetFile{LastUpdateID: id})
	if err != nil {
		return false, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "offset-*.tmp")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return false, err
	}
	cleanup = false
	return true, nil
}
