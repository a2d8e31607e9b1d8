package retry

import (
	"context"
	"testing"
	"time"
)

func TestCompute_Bounds(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.25}

	for attempt := 1; attempt <= 20; attempt++ {
		d := Compute(p, attempt)
		ceiling := time.Duration(float64(p.Max) * (1 + p.Jitter))
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %v", attempt, d)
		}
		if d > ceiling {
			t.Fatalf("attempt %d: delay %v exceeds max*(1+jitter)=%v", attempt, d, ceiling)
		}
	}
}

func TestCompute_GrowsWithoutJitter(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{8, 10 * time.Second}, // capped at max (12.8s uncapped)
	}
	for _, tt := range tests {
		if got := Compute(p, tt.attempt); got != tt.want {
			t.Errorf("Compute(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCompute_AttemptBelowOne(t *testing.T) {
	p := Policy{Initial: 50 * time.Millisecond, Max: time.Second, Factor: 2}
	if got := Compute(p, 0); got != 50*time.Millisecond {
		t.Errorf("Compute(0) = %v, want initial", got)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, 5*time.Second)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Sleep did not abort promptly: %v", elapsed)
	}
}

func TestSleep_Elapses(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
}

func TestOffsetStore_Monotonic(t *testing.T) {
	s := NewOffsetStore(t.TempDir())

	if _, ok := s.Last("telegram", "default"); ok {
		t.Fatal("expected no offset initially")
	}

	wrote, err := s.Commit("telegram", "default", 100)
	if err != nil || !wrote {
		t.Fatalf("first commit: wrote=%v err=%v", wrote, err)
	}

	// Non-monotonic writes are skipped.
	for _, id := range []int64{100, 99, 1} {
		wrote, err := s.Commit("telegram", "default", id)
		if err != nil {
			t.Fatalf("commit %d: %v", id, err)
		}
		if wrote {
			t.Errorf("commit %d advanced past 100", id)
		}
	}

	if wrote, _ := s.Commit("telegram", "default", 101); !wrote {
		t.Error("commit 101 should advance")
	}

	got, ok := s.Last("telegram", "default")
	if !ok || got != 101 {
		t.Fatalf("Last = (%d, %v), want (101, true)", got, ok)
	}
}

func TestOffsetStore_PerAccountIsolation(t *testing.T) {
	s := NewOffsetStore(t.TempDir())

	s.Commit("telegram", "a", 5)
	s.Commit("telegram", "b", 9)
	s.Commit("discord", "a", 2)

	if got, _ := s.Last("telegram", "a"); got != 5 {
		t.Errorf("telegram/a = %d, want 5", got)
	}
	if got, _ := s.Last("telegram", "b"); got != 9 {
		t.Errorf("telegram/b = %d, want 9", got)
	}
	if got, _ := s.Last("discord", "a"); got != 2 {
		t.Errorf("discord/a = %d, want 2", got)
	}
}
