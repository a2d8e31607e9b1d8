package channels

import (
	"strings"
	"testing"
)

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty allowlist accepts all", nil, "12345", true},
		{"plain id match", []string{"12345"}, "12345", true},
		{"plain id mismatch", []string{"12345"}, "99999", false},
		{"compound sender matches id", []string{"12345"}, "12345|alice", true},
		{"compound sender matches username", []string{"@alice"}, "12345|alice", true},
		{"compound allow entry", []string{"12345|alice"}, "12345|bob", true},
		{"username only mismatch", []string{"@alice"}, "12345|bob", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("telegram", nil, tt.allowList)
			if got := c.IsAllowed(tt.senderID); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.senderID, got, tt.want)
			}
		})
	}
}

func TestCheckPolicy(t *testing.T) {
	allow := NewBaseChannel("telegram", nil, []string{"12345"})
	open := NewBaseChannel("telegram", nil, nil)

	tests := []struct {
		name                  string
		ch                    *BaseChannel
		peerKind              string
		dmPolicy, groupPolicy string
		senderID              string
		want                  bool
	}{
		{"dm open default", open, "direct", "", "", "anyone", true},
		{"dm disabled", open, "direct", "disabled", "", "anyone", false},
		{"dm allowlist hit", allow, "direct", "allowlist", "", "12345", true},
		{"dm allowlist miss", allow, "direct", "allowlist", "", "99999", false},
		{"group disabled", open, "group", "open", "disabled", "anyone", false},
		{"group allowlist hit", allow, "group", "", "allowlist", "12345", true},
		{"group open", open, "group", "", "open", "anyone", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.ch.CheckPolicy(tt.peerKind, tt.dmPolicy, tt.groupPolicy, tt.senderID)
			if got != tt.want {
				t.Errorf("CheckPolicy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPendingHistory(t *testing.T) {
	h := NewPendingHistory()

	for _, e := range []HistoryEntry{
		{Sender: "alice", Body: "hi"},
		{Sender: "bob", Body: "yo"},
		{Sender: "alice", Body: "anyone?"},
	} {
		h.Record("chat1", e, 2)
	}

	got := h.BuildContext("chat1", "[From: @bob]\n@bot ping", 2)
	if strings.Contains(got, "hi") {
		t.Errorf("limit 2 should drop oldest entry, got %q", got)
	}
	for _, want := range []string{"bob: yo", "alice: anyone?", "@bot ping"} {
		if !strings.Contains(got, want) {
			t.Errorf("BuildContext missing %q in %q", want, got)
		}
	}

	h.Clear("chat1")
	if got := h.BuildContext("chat1", "next", 2); got != "next" {
		t.Errorf("after Clear, BuildContext = %q, want passthrough", got)
	}

	h.Record("chat2", HistoryEntry{Sender: "x", Body: "ignored"}, 0)
	if got := h.BuildContext("chat2", "msg", 0); got != "msg" {
		t.Errorf("limit 0 disables history, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("Truncate long = %q", got)
	}
	// Wide runes count by display cells and never split mid-rune.
	if got := Truncate("日本語のテキスト", 6); got != "日本語..." {
		t.Errorf("Truncate wide = %q", got)
	}
}
