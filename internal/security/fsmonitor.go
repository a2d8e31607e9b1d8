package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FSMode selects what the file monitor does when a sensitive path is touched.
type FSMode string

const (
	FSModeAudit   FSMode = "audit"   // log and allow
	FSModeEnforce FSMode = "enforce" // log and reject
)

// ErrSensitivePath is returned (wrapped) by enforce-mode rejections.
var ErrSensitivePath = fmt.Errorf("access to sensitive path denied")

// DefaultSensitivePaths returns the credential directories and files guarded
// by default, anchored at the user's home plus the gateway's own state dir.
func DefaultSensitivePaths(home, stateDir string) []string {
	paths := []string{
		filepath.Join(home, ".ssh"),
		filepath.Join(home, ".aws"),
		filepath.Join(home, ".config", "gcloud"),
		filepath.Join(home, ".kube"),
		filepath.Join(home, ".docker"),
		filepath.Join(home, ".gnupg"),
		filepath.Join(home, ".npmrc"),
		filepath.Join(home, ".netrc"),
		filepath.Join(home, ".bash_history"),
		filepath.Join(home, ".zsh_history"),
		"/etc/passwd",
		"/etc/shadow",
	}
	if stateDir != "" {
		paths = append(paths, stateDir)
	}
	return paths
}

// FSMonitor audits (or blocks) file operations touching sensitive paths.
// All tool-facing file access goes through this facade; symlinks are resolved
// before the prefix check so a link into ~/.ssh can't bypass the guard.
type FSMonitor struct {
	mode      FSMode
	sensitive []string
	audit     *AuditLog
}

// NewFSMonitor creates a monitor over the given sensitive path set.
// Paths are cleaned; relative entries are rejected by matching nothing.
func NewFSMonitor(mode FSMode, sensitive []string, audit *AuditLog) *FSMonitor {
	cleaned := make([]string, 0, len(sensitive))
	for _, p := range sensitive {
		if p == "" {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(p))
	}
	return &FSMonitor{mode: mode, sensitive: cleaned, audit: audit}
}

// realPath resolves symlinks as far as possible. For paths that do not exist
// yet, the deepest existing ancestor is resolved and the remainder re-joined,
// so a write through a symlinked directory is still caught.
func realPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}

	dir, rest := abs, ""
	for dir != "/" && dir != "." {
		parent, base := filepath.Dir(dir), filepath.Base(dir)
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		dir, rest = parent, filepath.Join(base, rest)
	}
	return abs
}

func isUnder(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// Check resolves the real path and evaluates it against the sensitive set.
// op is recorded in the audit payload ("read", "write", "stat", "unlink").
// Returns an error only in enforce mode on a sensitive hit.
func (m *FSMonitor) Check(op, path string) error {
	if m == nil {
		return nil
	}
	resolved := realPath(path)
	for _, p := range m.sensitive {
		if !isUnder(resolved, p) {
			continue
		}
		m.audit.Record(AuditSensitiveFileAccess, map[string]any{
			"op":       op,
			"path":     path,
			"resolved": resolved,
			"guard":    p,
			"mode":     string(m.mode),
		})
		if m.mode == FSModeEnforce {
			return fmt.Errorf("%w: %s", ErrSensitivePath, path)
		}
		return nil
	}
	return nil
}

