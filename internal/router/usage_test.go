package router

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestUsageTracker_IncrementAndCount(t *testing.T) {
	tr := NewUsageTracker(t.TempDir())

	if got := tr.Increment("m1"); got != 1 {
		t.Errorf("Increment = %d", got)
	}
	if got := tr.Increment("m1"); got != 2 {
		t.Errorf("Increment = %d", got)
	}
	if got := tr.Count("m2"); got != 0 {
		t.Errorf("Count(m2) = %d", got)
	}
}

func TestUsageTracker_Persistence(t *testing.T) {
	dir := t.TempDir()

	tr := NewUsageTracker(dir)
	tr.Increment("m1")
	tr.Increment("m1")
	tr.Increment("m2")

	// A fresh tracker over the same dir picks up today's counters.
	tr2 := NewUsageTracker(dir)
	if got := tr2.Count("m1"); got != 2 {
		t.Errorf("Count(m1) = %d", got)
	}
	if got := tr2.Count("m2"); got != 1 {
		t.Errorf("Count(m2) = %d", got)
	}

	day := time.Now().Format("2006-01-02")
	if _, err := os.Stat(filepath.Join(dir, day+".json")); err != nil {
		t.Errorf("day file missing: %v", err)
	}
}

func TestUsageTracker_Rollover(t *testing.T) {
	tr := NewUsageTracker(t.TempDir())
	clock := time.Date(2026, 8, 26, 23, 50, 0, 0, time.Local)
	tr.now = func() time.Time { return clock }

	tr.Increment("m1")
	tr.Increment("m1")
	if got := tr.Count("m1"); got != 2 {
		t.Fatalf("Count = %d", got)
	}

	clock = clock.Add(time.Hour) // past local midnight
	if got := tr.Count("m1"); got != 0 {
		t.Errorf("Count after rollover = %d", got)
	}
	if got := tr.Increment("m1"); got != 1 {
		t.Errorf("Increment after rollover = %d", got)
	}
}

func TestUsageTracker_IsAtLimit(t *testing.T) {
	tr := NewUsageTracker(t.TempDir())
	tr.Increment("m1")
	tr.Increment("m1")

	if tr.IsAtLimit("m1", 3) {
		t.Error("under limit reported as at limit")
	}
	if !tr.IsAtLimit("m1", 2) {
		t.Error("at limit not reported")
	}
	if tr.IsAtLimit("m1", 0) {
		t.Error("limit 0 must mean unlimited")
	}
	if tr.IsAtLimit("m1", -1) {
		t.Error("negative limit must mean unlimited")
	}
}

func TestUsageTracker_CorruptDayFile(t *testing.T) {
	dir := t.TempDir()
	day := time.Now().Format("2006-01-02")
	if err := os.WriteFile(filepath.Join(dir, day+".json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := NewUsageTracker(dir)
	if got := tr.Count("m1"); got != 0 {
		t.Errorf("Count = %d, corrupt file must reset counters", got)
	}
	if got := tr.Increment("m1"); got != 1 {
		t.Errorf("Increment = %d", got)
	}
}
