package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store reads and writes the agent-scoped sessions.json files.
//
// Concurrency contract: in-process updates are serialized per path by a
// mutex; cross-process updates are reconciled by read-modify-write under an
// advisory file lock. All writes go through a temp file + rename.
type Store struct {
	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

// NewStore creates a session store.
func NewStore() *Store {
	return &Store{paths: make(map[string]*sync.Mutex)}
}

// StorePath resolves the agent-scoped sessions file:
// {stateDir}/{agentID}/sessions.json.
func StorePath(stateDir, agentID string) string {
	return filepath.Join(stateDir, agentID, "sessions.json")
}

func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.paths[path]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.paths[path] = m
	return m
}

// Load reads the session map at path. A missing file yields an empty map.
// A malformed file is quarantined (renamed with a .corrupt.<ts> suffix) and
// replaced with an empty map; that is a warning, never fatal.
func (s *Store) Load(path string) (map[string]*Entry, error) {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()
	return loadLocked(path)
}

func loadLocked(path string) (map[string]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Entry{}, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}

	entries := map[string]*Entry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixMilli())
		slog.Warn("session store malformed, quarantining",
			"path", path, "quarantine", quarantine, "error", err)
		if renameErr := os.Rename(path, quarantine); renameErr != nil {
			slog.Warn("session store quarantine failed", "error", renameErr)
		}
		return map[string]*Entry{}, nil
	}
	return entries, nil
}

// Update atomically mutates the store at path: read, hand the mutator a deep
// clone of the map, write the result via temp-file rename. The mutator may
// add, change, or delete entries.
func (s *Store) Update(path string, mutate func(entries map[string]*Entry)) error {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("session store dir: %w", err)
	}

	// Advisory cross-process lock on a sibling lock file. The sessions file
	// itself is replaced by rename, so it cannot hold the lock.
	unlock, err := lockFile(path + ".lock")
	if err != nil {
		return fmt.Errorf("session store lock: %w", err)
	}
	defer unlock()

	entries, err := loadLocked(path)
	if err != nil {
		return err
	}

	cloned := make(map[string]*Entry, len(entries))
	for k, v := range entries {
		cloned[k] = v.Clone()
	}

	mutate(cloned)

	return writeAtomic(path, cloned)
}

// MergeEntry applies Merge(existing, patch) for key and persists the result.
// Returns the merged entry.
func (s *Store) MergeEntry(path, key string, patch *Entry) (*Entry, error) {
	var merged *Entry
	err := s.Update(path, func(entries map[string]*Entry) {
		merged = Merge(entries[key], patch)
		entries[key] = merged
	})
	return merged, err
}

func writeAtomic(path string, entries map[string]*Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "sessions-*.tmp")
	if err != nil {
		return err
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
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
