package sessions

import (
	"encoding/json"
	"testing"
)

func TestMerge_PatchWins(t *testing.T) {
	existing := &Entry{
		SessionID:   "sid-1",
		CreatedAt:   100,
		UpdatedAt:   200,
		LastChannel: "telegram",
		InputTokens: 10,
	}
	patch := &Entry{
		SessionID:    "sid-2", // must NOT replace existing id
		UpdatedAt:    300,
		LastChannel:  "discord",
		OutputTokens: 5,
	}

	got := Merge(existing, patch)

	if got.SessionID != "sid-1" {
		t.Errorf("SessionID = %q, earlier id must be preserved", got.SessionID)
	}
	if got.UpdatedAt != 300 {
		t.Errorf("UpdatedAt = %d, want max 300", got.UpdatedAt)
	}
	if got.LastChannel != "discord" {
		t.Errorf("LastChannel = %q, patch should win", got.LastChannel)
	}
	if got.InputTokens != 10 || got.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestMerge_TimestampsAndCompactionMax(t *testing.T) {
	existing := &Entry{SessionID: "s", UpdatedAt: 500, CompactionCount: 3}
	patch := &Entry{UpdatedAt: 400, CompactionCount: 2}

	got := Merge(existing, patch)
	if got.UpdatedAt != 500 {
		t.Errorf("UpdatedAt = %d, want 500 (max)", got.UpdatedAt)
	}
	if got.CompactionCount != 3 {
		t.Errorf("CompactionCount = %d, want 3 (max)", got.CompactionCount)
	}
}

func TestMerge_TotalTokensInvariant(t *testing.T) {
	got := Merge(
		&Entry{SessionID: "s", InputTokens: 100, OutputTokens: 50},
		&Entry{ContextTokens: 400},
	)
	if got.TotalTokens < 400 {
		t.Errorf("TotalTokens = %d, want >= context 400", got.TotalTokens)
	}

	got = Merge(
		&Entry{SessionID: "s", InputTokens: 300, OutputTokens: 300},
		&Entry{ContextTokens: 100},
	)
	if got.TotalTokens < 600 {
		t.Errorf("TotalTokens = %d, want >= input+output 600", got.TotalTokens)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	existing := &Entry{SessionID: "s", UpdatedAt: 100, CompactionCount: 1, LastChannel: "telegram"}
	patch := &Entry{UpdatedAt: 200, CompactionCount: 2, LastChannel: "discord", SystemSent: true}

	once := Merge(existing, patch)
	twice := Merge(once, patch)

	a, _ := json.Marshal(once)
	b, _ := json.Marshal(twice)
	if string(a) != string(b) {
		t.Errorf("merge not idempotent:\nonce:  %s\ntwice: %s", a, b)
	}
}

func TestEntry_UnknownFieldsPreserved(t *testing.T) {
	raw := `{
		"sessionId": "sid-1",
		"updatedAt": 42,
		"futureField": {"nested": true},
		"anotherNewThing": [1, 2, 3]
	}`

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatal(err)
	}
	if len(e.Extra) != 2 {
		t.Fatalf("Extra = %v, want 2 unknown fields", e.Extra)
	}

	out, err := json.Marshal(&e)
	if err != nil {
		t.Fatal(err)
	}
	var round map[string]json.RawMessage
	json.Unmarshal(out, &round)
	if _, ok := round["futureField"]; !ok {
		t.Error("futureField dropped on round trip")
	}
	if _, ok := round["anotherNewThing"]; !ok {
		t.Error("anotherNewThing dropped on round trip")
	}
	if string(round["sessionId"]) != `"sid-1"` {
		t.Errorf("sessionId = %s", round["sessionId"])
	}
}

func TestMerge_UnknownFieldsFlow(t *testing.T) {
	existing := &Entry{SessionID: "s", Extra: map[string]json.RawMessage{"old": json.RawMessage(`1`)}}
	patch := &Entry{Extra: map[string]json.RawMessage{"new": json.RawMessage(`2`)}}

	got := Merge(existing, patch)
	if string(got.Extra["old"]) != "1" || string(got.Extra["new"]) != "2" {
		t.Errorf("Extra = %v", got.Extra)
	}
}
