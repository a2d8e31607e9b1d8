package tools

import (
	"sort"
	"testing"

	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

func policyRegistry() *Registry {
	r := NewRegistry()
	for _, name := range []string{"read_file", "exec", "web_search", "web_fetch", "read_image", "create_image"} {
		r.Register(&fakeTool{name: name})
	}
	return r
}

func namesOf(pe *PolicyEngine, reg *Registry, agentPolicy *config.ToolPolicySpec, isSubagent, isLeaf bool) []string {
	defs := pe.FilterTools(reg, "main", "anthropic", agentPolicy, nil, isSubagent, isLeaf)
	var names []string
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}
	sort.Strings(names)
	return names
}

func TestPolicy_FullProfileAllowsEverything(t *testing.T) {
	reg := policyRegistry()
	pe := NewPolicyEngine(&config.ToolsConfig{Profile: "full"})

	got := namesOf(pe, reg, nil, false, false)
	if len(got) != 6 {
		t.Fatalf("full profile allowed %v, want all 6 tools", got)
	}
}

func TestPolicy_CodingProfileExcludesWeb(t *testing.T) {
	reg := policyRegistry()
	pe := NewPolicyEngine(&config.ToolsConfig{Profile: "coding"})

	got := namesOf(pe, reg, nil, false, false)
	for _, name := range got {
		if name == "web_search" || name == "web_fetch" {
			t.Errorf("coding profile must not allow %s", name)
		}
	}
	want := []string{"create_image", "exec", "read_file", "read_image"}
	if len(got) != len(want) {
		t.Fatalf("coding profile allowed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("coding profile allowed %v, want %v", got, want)
		}
	}
}

func TestPolicy_GroupExpansionInAllow(t *testing.T) {
	reg := policyRegistry()
	pe := NewPolicyEngine(&config.ToolsConfig{Allow: []string{"group:web"}})

	got := namesOf(pe, reg, nil, false, false)
	want := []string{"web_fetch", "web_search"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("allow group:web gave %v, want %v", got, want)
	}
}

func TestPolicy_DenyBeatsAllow(t *testing.T) {
	reg := policyRegistry()
	pe := NewPolicyEngine(&config.ToolsConfig{
		Allow: []string{"group:builtin"},
		Deny:  []string{"exec"},
	})

	for _, name := range namesOf(pe, reg, nil, false, false) {
		if name == "exec" {
			t.Fatal("deny must remove exec even when allowed by group")
		}
	}
}

func TestPolicy_AgentPolicyNarrowsGlobal(t *testing.T) {
	reg := policyRegistry()
	pe := NewPolicyEngine(&config.ToolsConfig{Profile: "full"})
	agentPolicy := &config.ToolPolicySpec{Allow: []string{"read_file"}}

	got := namesOf(pe, reg, agentPolicy, false, false)
	if len(got) != 1 || got[0] != "read_file" {
		t.Fatalf("agent allow gave %v, want only read_file", got)
	}
}

func TestPolicy_AlsoAllowIsAdditive(t *testing.T) {
	reg := policyRegistry()
	pe := NewPolicyEngine(&config.ToolsConfig{
		Allow:     []string{"read_file"},
		AlsoAllow: []string{"web_search"},
	})

	got := namesOf(pe, reg, nil, false, false)
	want := []string{"read_file", "web_search"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("alsoAllow gave %v, want %v", got, want)
	}
}

func TestPolicy_SubagentRestrictions(t *testing.T) {
	reg := policyRegistry()
	pe := NewPolicyEngine(&config.ToolsConfig{Profile: "full"})

	for _, name := range namesOf(pe, reg, nil, true, false) {
		if name == "exec" || name == "create_image" {
			t.Errorf("subagent must not get %s", name)
		}
	}
	for _, name := range namesOf(pe, reg, nil, true, true) {
		if name == "web_fetch" {
			t.Error("leaf subagent must not get web_fetch")
		}
	}
}

func TestPolicy_UnknownProfileFallsBackToFull(t *testing.T) {
	reg := policyRegistry()
	pe := NewPolicyEngine(&config.ToolsConfig{Profile: "typo"})

	if got := namesOf(pe, reg, nil, false, false); len(got) != 6 {
		t.Fatalf("unknown profile gave %v, want all tools", got)
	}
}
