// Package security holds the policy layer every tool call and external input
// passes through: the dangerous-command detector, rate limiters, the
// sensitive-path file monitor, the secret guard, and the append-only audit log.
package security

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType enumerates the audit record types.
type AuditEventType string

const (
	AuditSessionStart        AuditEventType = "session_start"
	AuditSessionEnd          AuditEventType = "session_end"
	AuditAuthFailure         AuditEventType = "auth_failure"
	AuditToolInvoke          AuditEventType = "tool_invoke"
	AuditToolDenied          AuditEventType = "tool_denied"
	AuditExecRun             AuditEventType = "exec_run"
	AuditDangerousCommand    AuditEventType = "dangerous_command_blocked"
	AuditPairingEvent        AuditEventType = "pairing_event"
	AuditConfigChange        AuditEventType = "config_change"
	AuditSecretDetected      AuditEventType = "secret_detected"
	AuditSensitiveFileAccess AuditEventType = "sensitive_file_access"
	AuditHardeningInit       AuditEventType = "hardening_init"
)

// AuditLog appends JSONL records to {agentDir}/audit.log. Safe for concurrent use.
// A nil *AuditLog is a valid no-op sink so callers don't have to branch.
type AuditLog struct {
	path string
	mu   sync.Mutex
}

// NewAuditLog creates an audit log writing to path (typically
// {stateDir}/{agentId}/audit.log).
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

// Record appends one event. Failures are logged, never propagated: auditing
// must not take down the hot path.
func (a *AuditLog) Record(typ AuditEventType, payload map[string]any) {
	if a == nil {
		return
	}

	rec := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		rec[k] = v
	}
	rec["ts"] = time.Now().UnixMilli()
	rec["type"] = string(typ)

	line, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("audit: marshal failed", "type", typ, "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		slog.Warn("audit: mkdir failed", "error", err)
		return
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		slog.Warn("audit: open failed", "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("audit: write failed", "error", err)
	}
}
