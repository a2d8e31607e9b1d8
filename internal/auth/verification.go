// Package auth implements the OTP gate applied to every inbound message and
// the provider auth-profile store.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/nextlevelbuilder/clawdbot/internal/security"
)

// Sentinel errors mapped to user-visible messages by the gate.
var (
	ErrVerificationExpired  = errors.New("verification expired")
	ErrStrictModeViolation  = errors.New("strict mode: user never verified")
	ErrInvalidCode          = errors.New("invalid verification code")
)

// Config is the OTP policy configuration.
type Config struct {
	Enabled            bool            `json:"enabled,omitempty"`
	Secret             string          `json:"-"` // TOTP seed, env only, never persisted
	IntervalHours      int             `json:"interval_hours,omitempty"`       // re-verification window (default 24)
	GracePeriodMinutes int             `json:"grace_period_minutes,omitempty"` // default 30
	Strict             bool            `json:"strict,omitempty"`               // never-verified users are rejected outright
	Channels           map[string]bool `json:"channels,omitempty"`             // per-channel enable map (empty = all)
}

func (c Config) interval() time.Duration {
	h := c.IntervalHours
	if h <= 0 {
		h = 24
	}
	return time.Duration(h) * time.Hour
}

func (c Config) grace() time.Duration {
	m := c.GracePeriodMinutes
	if m <= 0 {
		m = 30
	}
	return time.Duration(m) * time.Minute
}

// AppliesTo reports whether OTP gating is active for a channel.
func (c Config) AppliesTo(channel string) bool {
	if !c.Enabled {
		return false
	}
	if len(c.Channels) == 0 {
		return true
	}
	return c.Channels[channel]
}

// userState is the per-user verification record.
type userState struct {
	LastVerifiedAt int64 `json:"lastVerifiedAt,omitempty"` // unix ms, 0 = never
	FirstSeenAt    int64 `json:"firstSeenAt,omitempty"`
}

// Verifier tracks per-user TOTP verification state, persisted under the
// agent state dir with 0600 permissions.
type Verifier struct {
	cfg   Config
	path  string
	guard *security.SecretGuard
	audit *security.AuditLog

	mu    sync.Mutex
	users map[string]*userState
	now   func() time.Time
}

// NewVerifier loads (or initializes) verification state from
// {agentDir}/otp-verification.json.
func NewVerifier(cfg Config, agentDir string, guard *security.SecretGuard, audit *security.AuditLog) *Verifier {
	v := &Verifier{
		cfg:   cfg,
		path:  filepath.Join(agentDir, "otp-verification.json"),
		guard: guard,
		audit: audit,
		users: make(map[string]*userState),
		now:   time.Now,
	}
	if data, err := os.ReadFile(v.path); err == nil {
		if err := json.Unmarshal(data, &v.users); err != nil {
			slog.Warn("otp: verification state unreadable, starting fresh", "error", err)
			v.users = make(map[string]*userState)
		}
	}
	return v
}

func (v *Verifier) saveLocked() {
	data, err := json.MarshalIndent(v.users, "", "  ")
	if err != nil {
		return
	}
	if err := v.guard.WriteSensitive(v.path, data); err != nil {
		slog.Warn("otp: persist verification state failed", "error", err)
	}
}

// EnforceVerification checks whether userID may proceed.
// Returns ErrVerificationExpired once the interval has lapsed, or
// ErrStrictModeViolation for never-verified users under strict mode.
func (v *Verifier) EnforceVerification(userID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	u, ok := v.users[userID]
	if !ok {
		u = &userState{FirstSeenAt: now.UnixMilli()}
		v.users[userID] = u
		v.saveLocked()
	}

	if u.LastVerifiedAt == 0 {
		if v.cfg.Strict {
			return ErrStrictModeViolation
		}
		return ErrVerificationExpired
	}

	age := now.Sub(time.UnixMilli(u.LastVerifiedAt))
	if age > v.cfg.interval() {
		return ErrVerificationExpired
	}
	return nil
}

// InGracePeriod reports whether an expired user is still within the grace
// window past expiry. Used only for message phrasing, never to allow access.
func (v *Verifier) InGracePeriod(userID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	u, ok := v.users[userID]
	if !ok || u.LastVerifiedAt == 0 {
		return false
	}
	age := v.now().Sub(time.UnixMilli(u.LastVerifiedAt))
	return age > v.cfg.interval() && age <= v.cfg.interval()+v.cfg.grace()
}

// MarkUserVerified records a successful verification for userID.
func (v *Verifier) MarkUserVerified(userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now().UnixMilli()
	u, ok := v.users[userID]
	if !ok {
		u = &userState{FirstSeenAt: now}
		v.users[userID] = u
	}
	u.LastVerifiedAt = now
	v.saveLocked()
}

// ValidateCode checks a TOTP code (RFC 6238, ±1 step skew) against the seed
// and, on success, marks the user verified atomically.
func (v *Verifier) ValidateCode(userID, code string) error {
	code = strings.TrimSpace(code)
	if v.cfg.Secret == "" {
		return fmt.Errorf("otp: no secret configured")
	}

	ok, err := totp.ValidateCustom(code, v.cfg.Secret, v.now().UTC(), totp.ValidateOpts{
		Period: 30,
		Skew:   1,
		Digits: 6,
	})
	if err != nil || !ok {
		v.audit.Record(security.AuditAuthFailure, map[string]any{
			"user": userID,
			"kind": "otp_invalid",
		})
		return ErrInvalidCode
	}

	v.MarkUserVerified(userID)
	return nil
}
