package config

import (
	"reflect"
	"strings"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func multiTelegram() TelegramConfig {
	return TelegramConfig{
		Token:    "top-token",
		DMPolicy: "pairing",
		Accounts: map[string]AccountOverride{
			"work":     {Token: "work-token", Proxy: "socks5://proxy:1080"},
			"personal": {Token: "personal-token"},
		},
	}
}

func TestListAccountIDs(t *testing.T) {
	tg := multiTelegram()
	got := ListAccountIDs(tg)
	want := []string{"default", "personal", "work"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListAccountIDs = %v, want %v", got, want)
	}

	// No top-level credentials: no default account.
	tg.Token = ""
	got = ListAccountIDs(tg)
	want = []string{"personal", "work"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListAccountIDs without top creds = %v, want %v", got, want)
	}

	if got := ListAccountIDs(TelegramConfig{}); len(got) != 0 {
		t.Errorf("empty section: got %v", got)
	}
}

func TestResolveDefaultAccountID(t *testing.T) {
	tg := multiTelegram()
	if got := ResolveDefaultAccountID(tg); got != "default" {
		t.Errorf("got %q, want default", got)
	}
	tg.Token = ""
	if got := ResolveDefaultAccountID(tg); got != "personal" {
		t.Errorf("got %q, want first named account", got)
	}
	if got := ResolveDefaultAccountID(TelegramConfig{}); got != "" {
		t.Errorf("got %q, want empty for no accounts", got)
	}
}

func TestNormalizeAccountID(t *testing.T) {
	tg := multiTelegram()
	tests := []struct {
		raw, want string
	}{
		{"work", "work"},
		{"telegram:work", "work"},
		{"", "default"},
		{"  ", "default"},
		{"telegram:", "default"},
	}
	for _, tt := range tests {
		if got := NormalizeAccountID(tg, tt.raw); got != tt.want {
			t.Errorf("NormalizeAccountID(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestResolveAccountMergesDefaults(t *testing.T) {
	tg := multiTelegram()

	r, ok := ResolveAccount(tg, "/state", "work")
	if !ok {
		t.Fatal("work account should resolve")
	}
	if r.Token != "work-token" {
		t.Errorf("token = %q, want override", r.Token)
	}
	if r.DMPolicy != "pairing" {
		t.Errorf("dm policy = %q, want inherited from top level", r.DMPolicy)
	}
	if r.DBPath != "/state/accounts/work/db" {
		t.Errorf("db path = %q, want auto-generated", r.DBPath)
	}
	if !r.Enabled {
		t.Error("account should default to enabled")
	}

	r, ok = ResolveAccount(tg, "/state", "")
	if !ok || r.ID != "default" {
		t.Fatalf("default account should resolve, got %+v", r)
	}
	if r.Token != "top-token" {
		t.Errorf("default token = %q", r.Token)
	}
	if r.DBPath != "/state/db" {
		t.Errorf("default db path = %q", r.DBPath)
	}

	if _, ok := ResolveAccount(tg, "/state", "ghost"); ok {
		t.Error("unknown account should not resolve")
	}
}

func TestResolveAccountExplicitDBPath(t *testing.T) {
	tg := multiTelegram()
	acct := tg.Accounts["work"]
	acct.DBPath = "/custom/db"
	tg.Accounts["work"] = acct

	r, _ := ResolveAccount(tg, "/state", "work")
	if r.DBPath != "/custom/db" {
		t.Errorf("db path = %q, want explicit value kept", r.DBPath)
	}
}

func TestAccountEnabled(t *testing.T) {
	tg := multiTelegram()
	tg.Accounts["off"] = AccountOverride{Token: "off-token", Enabled: boolPtr(false)}

	if !AccountEnabled(tg, "work") {
		t.Error("work should be enabled")
	}
	if AccountEnabled(tg, "off") {
		t.Error("explicitly disabled account reported enabled")
	}
	if AccountEnabled(tg, "ghost") {
		t.Error("missing account reported enabled")
	}
}

func TestValidateMultiAccountDuplicateCredentials(t *testing.T) {
	tg := multiTelegram()
	tg.Accounts["clone"] = AccountOverride{Token: "work-token"}

	errs, _ := ValidateMultiAccount(tg, "/state")
	found := false
	for _, e := range errs {
		if strings.Contains(e.Error(), "same credentials") {
			found = true
		}
	}
	if !found {
		t.Errorf("want duplicate-credentials error, got %v", errs)
	}
}

func TestValidateMultiAccountDuplicatePaths(t *testing.T) {
	tg := multiTelegram()
	for _, id := range []string{"work", "personal"} {
		acct := tg.Accounts[id]
		acct.DBPath = "/shared/db"
		tg.Accounts[id] = acct
	}

	errs, _ := ValidateMultiAccount(tg, "/state")
	found := false
	for _, e := range errs {
		if strings.Contains(e.Error(), "same db path") {
			found = true
		}
	}
	if !found {
		t.Errorf("want duplicate-path error, got %v", errs)
	}
}

func TestValidateMultiAccountMixedNetworkWarning(t *testing.T) {
	tg := multiTelegram() // "work" has a proxy, others do not

	errs, warns := ValidateMultiAccount(tg, "/state")
	if len(errs) != 0 {
		t.Fatalf("mixed network must not be an error: %v", errs)
	}
	if len(warns) != 1 || !strings.Contains(warns[0], "mixed network environment") {
		t.Errorf("warnings = %v, want one mixed-network warning", warns)
	}

	// Uniform network: no warning.
	for id, acct := range tg.Accounts {
		acct.Proxy = ""
		tg.Accounts[id] = acct
	}
	tg.Proxy = ""
	if _, warns := ValidateMultiAccount(tg, "/state"); len(warns) != 0 {
		t.Errorf("uniform network should not warn: %v", warns)
	}
}

func TestWebhookSectionUsesSecretAsCredential(t *testing.T) {
	wh := WebhookConfig{Secret: "hook-secret"}
	if got := ListAccountIDs(wh); !reflect.DeepEqual(got, []string{"default"}) {
		t.Errorf("ListAccountIDs = %v", got)
	}
	r, ok := ResolveAccount(wh, "/state", "")
	if !ok || r.Token != "hook-secret" {
		t.Errorf("webhook default account = %+v", r)
	}
}
