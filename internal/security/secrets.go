package security

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrSecretDetected is returned when a config blob about to be persisted
// contains something that looks like a credential.
var ErrSecretDetected = fmt.Errorf("refusing to persist data containing a secret")

type secretPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"anthropic_api_key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}`)},
	{"openai_api_key", regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`)},
	{"slack_token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
}

// ScanSecrets returns the name of the first credential-looking pattern found
// in data, or "" if clean.
func ScanSecrets(data []byte) string {
	for _, p := range secretPatterns {
		if p.re.Match(data) {
			return p.name
		}
	}
	return ""
}

// SecretGuard refuses to persist blobs containing credentials and enforces
// 0600 permissions on everything it writes.
type SecretGuard struct {
	audit *AuditLog
}

// NewSecretGuard creates a secret guard emitting to the given audit log.
func NewSecretGuard(audit *AuditLog) *SecretGuard {
	return &SecretGuard{audit: audit}
}

// WriteConfig writes data to path only if it contains no secrets.
// On detection it records a secret_detected audit event and refuses.
func (g *SecretGuard) WriteConfig(path string, data []byte) error {
	if kind := ScanSecrets(data); kind != "" {
		g.audit.Record(AuditSecretDetected, map[string]any{
			"path": path,
			"kind": kind,
		})
		return fmt.Errorf("%w: %s in %s", ErrSecretDetected, kind, path)
	}
	return g.WriteSensitive(path, data)
}

// WriteSensitive writes data with 0600 permissions, atomically, fixing up the
// mode even when the file pre-exists with looser permissions.
func (g *SecretGuard) WriteSensitive(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("secret guard mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".secret-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return os.Chmod(path, 0o600)
}
