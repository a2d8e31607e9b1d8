package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawdbot/internal/security"
)

// ProfileMode is how a provider credential authenticates.
type ProfileMode string

const (
	ModeAPIKey ProfileMode = "api_key"
	ModeOAuth  ProfileMode = "oauth"
	ModeDevice ProfileMode = "device"
)

// Profile is one provider credential record. Sensitive: never logged.
type Profile struct {
	Provider string      `json:"provider"`
	Mode     ProfileMode `json:"mode"`
	Key      string      `json:"key,omitempty"`
	Access   string      `json:"access,omitempty"`
	Refresh  string      `json:"refresh,omitempty"`
	Expires  int64       `json:"expires,omitempty"` // unix ms
	Email    string      `json:"email,omitempty"`
}

type profilesFile struct {
	Profiles map[string]Profile `json:"profiles"`
}

// ProfileStore reads and writes {agentDir}/auth-profiles.json.
// Read-mostly; written only by the auth-choice flow. All writes go through
// the secret guard so the file stays 0600.
type ProfileStore struct {
	path  string
	guard *security.SecretGuard
	mu    sync.RWMutex
}

// NewProfileStore creates a profile store for one agent's state dir.
func NewProfileStore(agentDir string, guard *security.SecretGuard) *ProfileStore {
	return &ProfileStore{
		path:  filepath.Join(agentDir, "auth-profiles.json"),
		guard: guard,
	}
}

// ProfileID builds the canonical "<provider>:<name>" profile id.
func ProfileID(provider, name string) string {
	return fmt.Sprintf("%s:%s", provider, name)
}

func (s *ProfileStore) load() (profilesFile, error) {
	var f profilesFile
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return profilesFile{Profiles: map[string]Profile{}}, nil
		}
		return f, fmt.Errorf("read auth profiles: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse auth profiles: %w", err)
	}
	if f.Profiles == nil {
		f.Profiles = map[string]Profile{}
	}
	return f, nil
}

// Get returns the profile for id, if present.
func (s *ProfileStore) Get(id string) (Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.load()
	if err != nil {
		return Profile{}, false, err
	}
	p, ok := f.Profiles[id]
	return p, ok, nil
}

// List returns all profile ids, sorted.
func (s *ProfileStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(f.Profiles))
	for id := range f.Profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Put stores or replaces a profile.
func (s *ProfileStore) Put(id string, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	f.Profiles[id] = p
	return s.save(f)
}

// Delete removes a profile. Removing a missing id is a no-op.
func (s *ProfileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	delete(f.Profiles, id)
	return s.save(f)
}

func (s *ProfileStore) save(f profilesFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return s.guard.WriteSensitive(s.path, data)
}
