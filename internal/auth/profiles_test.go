package auth

import (
	"os"
	"testing"

	"github.com/nextlevelbuilder/clawdbot/internal/security"
)

func TestProfileStore_RoundTrip(t *testing.T) {
	s := NewProfileStore(t.TempDir(), security.NewSecretGuard(nil))

	id := ProfileID("anthropic", "work")
	if id != "anthropic:work" {
		t.Fatalf("ProfileID = %q", id)
	}

	err := s.Put(id, Profile{
		Provider: "anthropic",
		Mode:     ModeOAuth,
		Access:   "acc",
		Refresh:  "ref",
		Expires:  1234,
		Email:    "dev@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	p, ok, err := s.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if p.Mode != ModeOAuth || p.Refresh != "ref" || p.Email != "dev@example.com" {
		t.Errorf("profile = %+v", p)
	}

	ids, _ := s.List()
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("List = %v", ids)
	}

	if err := s.Delete(id); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(id); ok {
		t.Error("profile should be gone")
	}
}

func TestProfileStore_FileMode(t *testing.T) {
	dir := t.TempDir()
	s := NewProfileStore(dir, security.NewSecretGuard(nil))
	s.Put("openrouter:default", Profile{Provider: "openrouter", Mode: ModeAPIKey, Key: "k"})

	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("auth-profiles.json perm = %o, want 600", perm)
	}
}

func TestProfileStore_MissingFile(t *testing.T) {
	s := NewProfileStore(t.TempDir(), security.NewSecretGuard(nil))
	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("List on empty store = %v", ids)
	}
}
