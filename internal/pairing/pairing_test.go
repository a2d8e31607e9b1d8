package pairing

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawdbot/internal/security"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "pairing.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRequestAndApprove(t *testing.T) {
	s := openTestStore(t)

	if s.IsPaired("100", "telegram") {
		t.Fatal("unknown sender should not be paired")
	}

	code, err := s.RequestPairing("100", "telegram", "100", "default")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if len(code) != codeLength {
		t.Fatalf("code length = %d, want %d", len(code), codeLength)
	}

	// Re-requesting before approval returns the same code.
	again, err := s.RequestPairing("100", "telegram", "100", "default")
	if err != nil {
		t.Fatalf("RequestPairing again: %v", err)
	}
	if again != code {
		t.Fatalf("re-request minted new code %q, want %q", again, code)
	}

	req, err := s.Approve(code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if req.SenderID != "100" || req.Channel != "telegram" {
		t.Fatalf("approved request = %+v", req)
	}

	if !s.IsPaired("100", "telegram") {
		t.Fatal("approved sender should be paired")
	}
	// Same sender on another channel stays unpaired.
	if s.IsPaired("100", "discord") {
		t.Fatal("pairing must be channel-scoped")
	}
	// The code is single-use.
	if _, err := s.Approve(code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Approve err = %v, want ErrNotFound", err)
	}
}

func TestApproveUnknownCode(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Approve("NOSUCH99"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRevoke(t *testing.T) {
	s := openTestStore(t)

	code, err := s.RequestPairing("7", "telegram", "7", "work")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if _, err := s.Approve(code); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if err := s.Revoke("7", "telegram"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if s.IsPaired("7", "telegram") {
		t.Fatal("revoked sender should not be paired")
	}
	if err := s.Revoke("7", "telegram"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Revoke err = %v, want ErrNotFound", err)
	}
}

func TestListPendingAndPaired(t *testing.T) {
	s := openTestStore(t)

	codeA, err := s.RequestPairing("1", "telegram", "1", "default")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if _, err := s.RequestPairing("2", "discord", "2", "default"); err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}

	pending, err := s.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	if _, err := s.Approve(codeA); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	pending, _ = s.ListPending()
	if len(pending) != 1 {
		t.Fatalf("pending after approve = %d, want 1", len(pending))
	}

	paired, err := s.ListPaired("telegram")
	if err != nil {
		t.Fatalf("ListPaired: %v", err)
	}
	if len(paired) != 1 || paired[0].SenderID != "1" {
		t.Fatalf("paired = %+v", paired)
	}
	all, _ := s.ListPaired("")
	if len(all) != 1 {
		t.Fatalf("all paired = %d, want 1", len(all))
	}
}

func TestAccountIDDefaultsWhenEmpty(t *testing.T) {
	s := openTestStore(t)

	code, err := s.RequestPairing("9", "telegram", "9", "")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	req, err := s.Approve(code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if req.AccountID != "default" {
		t.Fatalf("account id = %q, want default", req.AccountID)
	}
}

func TestLifecycleEventsAreAudited(t *testing.T) {
	s := openTestStore(t)
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	s.SetAudit(security.NewAuditLog(auditPath))

	code, err := s.RequestPairing("100", "telegram", "100", "default")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if _, err := s.Approve(code); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := s.Revoke("100", "telegram"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	var actions []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad audit line: %v", err)
		}
		if rec["type"] != string(security.AuditPairingEvent) {
			t.Fatalf("unexpected record type %v", rec["type"])
		}
		actions = append(actions, rec["action"].(string))
	}
	want := []string{"requested", "approved", "revoked"}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, actions[i], want[i])
		}
	}
}
