// Package router implements the cost-aware pre-filter that assigns each
// incoming query to a model tier, with daily-quota fallback.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// UsageTracker keeps per-model per-day counters in usage/<YYYY-MM-DD>.json.
// Day rollover happens at local midnight; prior-day counters are dropped
// lazily on the first access of a new day.
type UsageTracker struct {
	dir string

	mu     sync.Mutex
	day    string
	counts map[string]int64
	now    func() time.Time
}

// NewUsageTracker creates a tracker rooted at {agentDir}/usage.
func NewUsageTracker(dir string) *UsageTracker {
	return &UsageTracker{dir: dir, counts: map[string]int64{}, now: time.Now}
}

func (t *UsageTracker) today() string {
	return t.now().Format("2006-01-02")
}

func (t *UsageTracker) path(day string) string {
	return filepath.Join(t.dir, day+".json")
}

// rollLocked loads today's counters, discarding any in-memory prior day.
func (t *UsageTracker) rollLocked() {
	day := t.today()
	if day == t.day {
		return
	}
	t.day = day
	t.counts = map[string]int64{}
	if data, err := os.ReadFile(t.path(day)); err == nil {
		if err := json.Unmarshal(data, &t.counts); err != nil {
			slog.Warn("usage tracker: unreadable day file", "day", day, "error", err)
			t.counts = map[string]int64{}
		}
	}
}

func (t *UsageTracker) saveLocked() {
	data, err := json.MarshalIndent(t.counts, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		slog.Warn("usage tracker: mkdir failed", "error", err)
		return
	}

	path := t.path(t.day)
	tmp, err := os.CreateTemp(t.dir, "usage-*.tmp")
	if err != nil {
		slog.Warn("usage tracker: persist failed", "error", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err == nil {
		tmp.Close()
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
		}
		return
	}
	tmp.Close()
	os.Remove(tmpPath)
}

// Increment bumps today's counter for modelID and returns the new count.
func (t *UsageTracker) Increment(modelID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked()
	t.counts[modelID]++
	t.saveLocked()
	return t.counts[modelID]
}

// Count returns today's counter for modelID.
func (t *UsageTracker) Count(modelID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked()
	return t.counts[modelID]
}

// IsAtLimit reports whether modelID has reached limit today.
// limit <= 0 means unlimited.
func (t *UsageTracker) IsAtLimit(modelID string, limit int64) bool {
	if limit <= 0 {
		return false
	}
	return t.Count(modelID) >= limit
}

// Snapshot returns today's date and a copy of its counters.
func (t *UsageTracker) Snapshot() (string, map[string]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked()
	out := make(map[string]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return t.day, out
}

// String implements fmt.Stringer without leaking counts into logs.
func (t *UsageTracker) String() string {
	return fmt.Sprintf("UsageTracker(%s)", t.dir)
}
