package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestStore_UpdateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := StorePath(dir, "default")
	s := NewStore()

	err := s.Update(path, func(entries map[string]*Entry) {
		entries["agent:default:telegram:default:direct:1"] = &Entry{SessionID: "sid", UpdatedAt: 10}
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	entries, err := s.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	e := entries["agent:default:telegram:default:direct:1"]
	if e == nil || e.SessionID != "sid" {
		t.Fatalf("entries = %v", entries)
	}
}

func TestStore_CorruptQuarantine(t *testing.T) {
	dir := t.TempDir()
	path := StorePath(dir, "default")
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte("{not json"), 0o644)

	s := NewStore()
	entries, err := s.Load(path)
	if err != nil {
		t.Fatalf("corrupt store must not be fatal: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty map, got %v", entries)
	}

	files, _ := os.ReadDir(filepath.Dir(path))
	found := false
	for _, f := range files {
		if strings.Contains(f.Name(), ".corrupt.") {
			found = true
		}
	}
	if !found {
		t.Error("corrupt file was not quarantined")
	}
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	dir := t.TempDir()
	path := StorePath(dir, "default")
	s := NewStore()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(path, func(entries map[string]*Entry) {
				e := entries["k"]
				if e == nil {
					e = &Entry{SessionID: "sid"}
				}
				e.CompactionCount++
				entries["k"] = e
			})
		}()
	}
	wg.Wait()

	entries, _ := s.Load(path)
	if got := entries["k"].CompactionCount; got != n {
		t.Errorf("CompactionCount = %d, want %d (updates lost)", got, n)
	}
}

func TestRouter_SessionIDStable(t *testing.T) {
	dir := t.TempDir()
	r := NewRouter(NewStore(), dir)
	origin := Origin{Channel: "telegram", Kind: PeerDirect, PeerID: "42"}

	first, err := r.Resolve("default", origin, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !first.IsNewSession || first.Entry.SessionID == "" {
		t.Fatalf("first resolve: %+v", first)
	}

	for i := 0; i < 5; i++ {
		res, err := r.Resolve("default", origin, 2000+int64(i))
		if err != nil {
			t.Fatal(err)
		}
		if res.IsNewSession {
			t.Error("subsequent resolve marked new")
		}
		if res.Entry.SessionID != first.Entry.SessionID {
			t.Errorf("session id changed: %s != %s", res.Entry.SessionID, first.Entry.SessionID)
		}
	}
}

func TestRouter_DistinctOriginsDistinctSessions(t *testing.T) {
	dir := t.TempDir()
	r := NewRouter(NewStore(), dir)

	a, _ := r.Resolve("default", Origin{Channel: "telegram", Kind: PeerDirect, PeerID: "1"}, 10)
	b, _ := r.Resolve("default", Origin{Channel: "telegram", Kind: PeerDirect, PeerID: "2"}, 10)
	c, _ := r.Resolve("default", Origin{Channel: "telegram", Kind: PeerGroup, PeerID: "-100", ThreadID: "7"}, 10)

	ids := map[string]bool{a.Entry.SessionID: true, b.Entry.SessionID: true, c.Entry.SessionID: true}
	if len(ids) != 3 {
		t.Errorf("expected 3 distinct session ids, got %v", ids)
	}
	if !strings.HasSuffix(c.SessionKey, ":thread:7") {
		t.Errorf("thread key = %q", c.SessionKey)
	}
}

func TestRouter_UpdatedAtMonotone(t *testing.T) {
	dir := t.TempDir()
	r := NewRouter(NewStore(), dir)
	origin := Origin{Channel: "telegram", Kind: PeerDirect, PeerID: "9"}

	r.Resolve("default", origin, 500)
	res, _ := r.Resolve("default", origin, 300) // stale clock
	if res.Entry.UpdatedAt != 500 {
		t.Errorf("UpdatedAt = %d, want 500 (non-decreasing)", res.Entry.UpdatedAt)
	}
}
