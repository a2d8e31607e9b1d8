package protocol

// ProtocolVersion is sent in the connect handshake; clients with a
// different major version are rejected.
const ProtocolVersion = 1

// RPC method name constants for the gateway WebSocket control interface.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Chat
	MethodChatSend  = "chat.send"
	MethodChatAbort = "chat.abort"

	// Sessions
	MethodSessionsList  = "sessions.list"
	MethodSessionsReset = "sessions.reset"

	// Channels
	MethodChannelsStatus = "channels.status"

	// Pairing
	MethodPairingApprove = "pairing.approve"
	MethodPairingList    = "pairing.list"
	MethodPairingRevoke  = "pairing.revoke"

	// Usage
	MethodUsageGet = "usage.get"
)
