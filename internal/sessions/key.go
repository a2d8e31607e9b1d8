// Package sessions owns the durable session store, the canonical session key
// format, and the router that resolves inbound events to session identities.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{origin}
//
// Where {origin} encodes transport, account, peer/group, and optional thread:
//
//	DM:           {channel}:{accountId}:direct:{peerId}
//	Group:        {channel}:{accountId}:group:{groupId}
//	Group thread: {channel}:{accountId}:group:{groupId}:thread:{threadId}
//	Subagent:     subagent:{label}
//	Heartbeat:    heartbeat:{jobId}:run:{runId}
//
// Examples:
//
//	agent:default:telegram:default:direct:386246614
//	agent:default:telegram:default:group:-100123456:thread:99
//	agent:default:subagent:research-x1
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Origin describes where an inbound event came from.
type Origin struct {
	Channel   string
	AccountID string
	Kind      PeerKind
	PeerID    string // user id for DMs, group/chat id for groups
	ThreadID  string // optional forum topic / thread id
}

// BuildKey builds the canonical session key for a channel conversation.
func BuildKey(agentID string, o Origin) string {
	account := o.AccountID
	if account == "" {
		account = "default"
	}
	kind := o.Kind
	if kind == "" {
		kind = PeerDirect
	}
	key := fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, o.Channel, account, kind, o.PeerID)
	if o.ThreadID != "" && kind == PeerGroup {
		key += ":thread:" + o.ThreadID
	}
	return key
}

// BuildSubagentKey builds the session key for a spawned sub-agent.
func BuildSubagentKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", agentID, label)
}

// BuildHeartbeatKey builds the session key for a heartbeat job run.
// Guards against double-prefixing when jobID is already a canonical key.
func BuildHeartbeatKey(agentID, jobID, runID string) string {
	if _, rest := ParseKey(jobID); rest != "" {
		jobID = rest
	}
	return fmt.Sprintf("agent:%s:heartbeat:%s:run:%s", agentID, jobID, runID)
}

// ParseKey extracts the agentID and origin rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format. Every valid key
// is resolvable both ways: the agent id can always be recovered.
func ParseKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// IsSubagentKey checks whether a session key belongs to a spawned sub-agent.
func IsSubagentKey(key string) bool {
	_, rest := ParseKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "subagent:")
}

// IsHeartbeatKey checks whether a session key belongs to a heartbeat run.
func IsHeartbeatKey(key string) bool {
	_, rest := ParseKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "heartbeat:")
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
