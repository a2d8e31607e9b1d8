package config

import "path/filepath"

// Persisted state layout, one root per agent:
//
//	{state_dir}/{agentID}/sessions.json
//	{state_dir}/{agentID}/auth-profiles.json
//	{state_dir}/{agentID}/offsets/<transport>/<accountID>.json
//	{state_dir}/{agentID}/usage/<YYYY-MM-DD>.json
//	{state_dir}/{agentID}/audit.log

// StateDirPath returns the expanded durable state root.
func (c *Config) StateDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.StateDir)
}

// AgentStateDir returns the durable state root for one agent.
func (c *Config) AgentStateDir(agentID string) string {
	if agentID == "" {
		agentID = DefaultAgentID
	}
	return filepath.Join(c.StateDirPath(), agentID)
}

// SessionStorePath returns the session store file for an agent. An explicit
// sessions.storage directory overrides the per-agent default.
func (c *Config) SessionStorePath(agentID string) string {
	c.mu.RLock()
	storage := c.Sessions.Storage
	c.mu.RUnlock()
	if storage != "" {
		return filepath.Join(ExpandHome(storage), agentID, "sessions.json")
	}
	return filepath.Join(c.AgentStateDir(agentID), "sessions.json")
}

// AuthProfilesPath returns the auth-profile store file for an agent.
func (c *Config) AuthProfilesPath(agentID string) string {
	return filepath.Join(c.AgentStateDir(agentID), "auth-profiles.json")
}

// OffsetPath returns the persisted lastUpdateId file for one transport
// account.
func (c *Config) OffsetPath(agentID, transport, accountID string) string {
	if accountID == "" {
		accountID = DefaultAccountID
	}
	return filepath.Join(c.AgentStateDir(agentID), "offsets", transport, accountID+".json")
}

// UsageDir returns the per-day usage counter directory for an agent.
func (c *Config) UsageDir(agentID string) string {
	return filepath.Join(c.AgentStateDir(agentID), "usage")
}

// AuditLogPath returns the append-only audit log for an agent.
func (c *Config) AuditLogPath(agentID string) string {
	return filepath.Join(c.AgentStateDir(agentID), "audit.log")
}
