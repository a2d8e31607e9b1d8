package config

import (
	"fmt"
	"strings"
)

var (
	validDMPolicies    = map[string]bool{"": true, "pairing": true, "allowlist": true, "open": true, "disabled": true}
	validGroupPolicies = map[string]bool{"": true, "open": true, "allowlist": true, "disabled": true}
)

// Validate checks the config and returns a list of human-readable errors.
// An empty list means the config is valid. Warnings (non-fatal findings)
// are reported separately by Warnings.
func (c *Config) Validate() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range 1-65535", c.Gateway.Port))
	}
	switch c.Gateway.InjectionAction {
	case "", "log", "warn", "block", "off":
	default:
		errs = append(errs, fmt.Errorf("gateway.injection_action %q: want log, warn, block, or off", c.Gateway.InjectionAction))
	}

	errs = append(errs, c.validateChannels()...)

	if c.Auth.Enabled && c.Auth.Secret == "" {
		errs = append(errs, fmt.Errorf("auth enabled but no secret: set CLAWDBOT_OTP_SECRET"))
	}

	if c.Orchestrator.Enabled && c.Orchestrator.Model == "" {
		errs = append(errs, fmt.Errorf("orchestrator enabled but orchestrator.model is empty"))
	}

	for tier, spec := range c.Routing.Tiers {
		if spec.Primary == "" {
			errs = append(errs, fmt.Errorf("routing.tiers.%s: primary model is empty", tier))
		}
	}

	known := map[string]bool{"telegram": true, "discord": true, "whatsapp": true, "webhook": true}
	for i, b := range c.Bindings {
		if b.AgentID == "" {
			errs = append(errs, fmt.Errorf("bindings[%d]: agentId is empty", i))
		} else if _, ok := c.Agents.List[b.AgentID]; !ok && b.AgentID != DefaultAgentID {
			errs = append(errs, fmt.Errorf("bindings[%d]: unknown agent %q", i, b.AgentID))
		}
		if !known[b.Match.Channel] {
			errs = append(errs, fmt.Errorf("bindings[%d]: unknown channel %q", i, b.Match.Channel))
		}
	}

	return errs
}

func (c *Config) validateChannels() []error {
	var errs []error

	check := func(sec AccountSection, enabled bool, dmPolicy, groupPolicy string) {
		name := sec.ChannelName()
		if !validDMPolicies[dmPolicy] {
			errs = append(errs, fmt.Errorf("channels.%s.dm_policy %q: want pairing, allowlist, open, or disabled", name, dmPolicy))
		}
		if !validGroupPolicies[groupPolicy] {
			errs = append(errs, fmt.Errorf("channels.%s.group_policy %q: want open, allowlist, or disabled", name, groupPolicy))
		}
		if enabled && len(ListAccountIDs(sec)) == 0 {
			errs = append(errs, fmt.Errorf("channels.%s enabled but no credentials configured", name))
		}
		merrs, _ := ValidateMultiAccount(sec, ExpandHome(c.StateDir))
		errs = append(errs, merrs...)
	}

	ch := c.Channels
	check(ch.Telegram, ch.Telegram.Enabled, ch.Telegram.DMPolicy, ch.Telegram.GroupPolicy)
	check(ch.Discord, ch.Discord.Enabled, ch.Discord.DMPolicy, ch.Discord.GroupPolicy)
	check(ch.WhatsApp, ch.WhatsApp.Enabled, ch.WhatsApp.DMPolicy, ch.WhatsApp.GroupPolicy)

	if ch.Webhook.Enabled {
		if ch.Webhook.Path == "" || !strings.HasPrefix(ch.Webhook.Path, "/") {
			errs = append(errs, fmt.Errorf("channels.webhook.path %q must start with /", ch.Webhook.Path))
		}
	}

	return errs
}

// Warnings returns non-fatal findings: conditions worth surfacing at startup
// that do not block the gateway.
func (c *Config) Warnings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var warns []string
	stateDir := ExpandHome(c.StateDir)
	for _, sec := range []AccountSection{c.Channels.Telegram, c.Channels.Discord, c.Channels.WhatsApp, c.Channels.Webhook} {
		_, w := ValidateMultiAccount(sec, stateDir)
		warns = append(warns, w...)
	}
	if !c.HasAnyProvider() {
		warns = append(warns, "no provider API key configured; agent turns will fail until one is set")
	}
	return warns
}
