package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("gateway.port = %d, want 18790", cfg.Gateway.Port)
	}
	if cfg.Agents.Defaults.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", cfg.Agents.Defaults.Provider)
	}
}

func TestLoadNonObjectYieldsDefaults(t *testing.T) {
	for _, content := range []string{"null", "42", `"hello"`, "[1, 2, 3]"} {
		cfg, err := Load(writeConfig(t, content))
		if err != nil {
			t.Fatalf("Load(%s): %v", content, err)
		}
		if cfg.Gateway.Port != 18790 {
			t.Errorf("Load(%s): gateway.port = %d, want default", content, cfg.Gateway.Port)
		}
	}
}

func TestLoadMalformedIsError(t *testing.T) {
	if _, err := Load(writeConfig(t, "{unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		// gateway settings
		gateway: { port: 9000 },
		channels: { telegram: { enabled: true, token: "tok-1" } },
	}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("gateway.port = %d, want 9000", cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tok-1" {
		t.Errorf("telegram = %+v, want enabled with tok-1", cfg.Channels.Telegram)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWDBOT_GATEWAY_PORT", "7777")
	t.Setenv("CLAWDBOT_TELEGRAM_TOKEN", "env-tg-token")
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("CLAWDBOT_STATE_DIR", "/tmp/clawdbot-test-state")

	cfg, err := Load(writeConfig(t, `{gateway: {port: 9000}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("env port not applied: got %d", cfg.Gateway.Port)
	}
	if cfg.Channels.Telegram.Token != "env-tg-token" {
		t.Errorf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token set via env")
	}
	if cfg.Providers.OpenRouter.APIKey != "or-key" {
		t.Errorf("openrouter key = %q, want fallback from bare env name", cfg.Providers.OpenRouter.APIKey)
	}
	if cfg.StateDir != "/tmp/clawdbot-test-state" {
		t.Errorf("state dir = %q", cfg.StateDir)
	}
}

func TestPrefixedEnvWinsOverBare(t *testing.T) {
	t.Setenv("CLAWDBOT_OPENROUTER_API_KEY", "prefixed")
	t.Setenv("OPENROUTER_API_KEY", "bare")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if cfg.Providers.OpenRouter.APIKey != "prefixed" {
		t.Errorf("key = %q, want prefixed to win", cfg.Providers.OpenRouter.APIKey)
	}
}

func TestOTPSecretEnvOnly(t *testing.T) {
	t.Setenv("CLAWDBOT_OTP_SECRET", "JBSWY3DPEHPK3PXP")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if cfg.Auth.Secret != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("auth secret not applied from env")
	}
	if !cfg.Auth.Enabled {
		t.Error("auth should auto-enable when secret set")
	}

	// The seed must never serialize.
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "JBSWY3DPEHPK3PXP") {
		t.Error("OTP secret leaked into saved config")
	}
}

func TestSaveMode0600(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config mode = %o, want 0600", perm)
	}
}

func TestResolveAgent(t *testing.T) {
	cfg := Default()
	cfg.Agents.List = map[string]AgentSpec{
		"research": {Provider: "openrouter", Model: "perplexity/sonar", MaxTokens: 4096},
	}

	d := cfg.ResolveAgent("research")
	if d.Provider != "openrouter" || d.Model != "perplexity/sonar" || d.MaxTokens != 4096 {
		t.Errorf("override not applied: %+v", d)
	}
	if d.Temperature != 0.7 {
		t.Errorf("temperature should inherit default, got %v", d.Temperature)
	}

	d = cfg.ResolveAgent("unknown")
	if d.Provider != "anthropic" {
		t.Errorf("unknown agent should get defaults, got %+v", d)
	}
}

func TestResolveDefaultAgentID(t *testing.T) {
	cfg := Default()
	if got := cfg.ResolveDefaultAgentID(); got != "main" {
		t.Errorf("default agent = %q, want main", got)
	}
	cfg.Agents.List = map[string]AgentSpec{"ops": {Default: true}}
	if got := cfg.ResolveDefaultAgentID(); got != "ops" {
		t.Errorf("default agent = %q, want ops", got)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.Anthropic.APIKey = "sk-ant-secret"
	cfg.Gateway.Token = "gw-token"
	cfg.Channels.Telegram.Token = "tg-token"
	cfg.Channels.Telegram.Accounts = map[string]AccountOverride{
		"work": {Token: "tg-work-token"},
	}

	cp := cfg.MaskedCopy()
	if cp.Providers.Anthropic.APIKey != "***" {
		t.Errorf("anthropic key = %q", cp.Providers.Anthropic.APIKey)
	}
	if cp.Gateway.Token != "***" || cp.Channels.Telegram.Token != "***" {
		t.Error("tokens not masked")
	}
	if cp.Channels.Telegram.Accounts["work"].Token != "***" {
		t.Errorf("account token = %q, want masked", cp.Channels.Telegram.Accounts["work"].Token)
	}
	// Original untouched.
	if cfg.Providers.Anthropic.APIKey != "sk-ant-secret" {
		t.Error("MaskedCopy mutated the original")
	}
}

func TestStatePaths(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/var/lib/clawdbot"

	cases := []struct {
		got, want string
	}{
		{cfg.SessionStorePath("main"), "/var/lib/clawdbot/main/sessions.json"},
		{cfg.AuthProfilesPath("main"), "/var/lib/clawdbot/main/auth-profiles.json"},
		{cfg.OffsetPath("main", "telegram", "work"), "/var/lib/clawdbot/main/offsets/telegram/work.json"},
		{cfg.OffsetPath("main", "telegram", ""), "/var/lib/clawdbot/main/offsets/telegram/default.json"},
		{cfg.UsageDir("main"), "/var/lib/clawdbot/main/usage"},
		{cfg.AuditLogPath("main"), "/var/lib/clawdbot/main/audit.log"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("path = %q, want %q", tc.got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Gateway.Port = 0 }, "gateway.port"},
		{"bad dm policy", func(c *Config) { c.Channels.Telegram.DMPolicy = "maybe" }, "dm_policy"},
		{"enabled without creds", func(c *Config) { c.Channels.Discord.Enabled = true }, "no credentials"},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, "CLAWDBOT_OTP_SECRET"},
		{"orchestrator without model", func(c *Config) { c.Orchestrator.Enabled = true }, "orchestrator.model"},
		{"binding unknown channel", func(c *Config) {
			c.Bindings = []AgentBinding{{AgentID: "main", Match: BindingMatch{Channel: "irc"}}}
		}, "unknown channel"},
		{"binding unknown agent", func(c *Config) {
			c.Bindings = []AgentBinding{{AgentID: "ghost", Match: BindingMatch{Channel: "telegram"}}}
		}, "unknown agent"},
		{"webhook bad path", func(c *Config) {
			c.Channels.Webhook.Enabled = true
			c.Channels.Webhook.Path = "hooks"
		}, "must start with /"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if tt.wantErr == "" {
				if len(errs) != 0 {
					t.Fatalf("want valid, got %v", errs)
				}
				return
			}
			for _, e := range errs {
				if strings.Contains(e.Error(), tt.wantErr) {
					return
				}
			}
			t.Fatalf("no error containing %q in %v", tt.wantErr, errs)
		})
	}
}

func TestBindingsCopyDuringReload(t *testing.T) {
	cfg := Default()
	cfg.Bindings = []AgentBinding{{AgentID: "main", Match: BindingMatch{Channel: "telegram"}}}

	next := Default()
	next.Bindings = []AgentBinding{{AgentID: "main", Match: BindingMatch{Channel: "discord"}}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			cfg.ReplaceFrom(next)
		}
	}()
	for i := 0; i < 1000; i++ {
		for _, b := range cfg.BindingsCopy() {
			if b.AgentID == "" {
				t.Fatal("binding with empty agent id")
			}
		}
	}
	<-done

	got := cfg.BindingsCopy()
	if len(got) != 1 || got[0].Match.Channel != "discord" {
		t.Fatalf("BindingsCopy after reload = %+v", got)
	}
	// The snapshot is a copy: mutating it must not touch the live config.
	got[0].AgentID = "ghost"
	if cfg.BindingsCopy()[0].AgentID != "main" {
		t.Error("snapshot mutation leaked into live config")
	}
}
