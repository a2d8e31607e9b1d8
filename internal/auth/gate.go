package auth

import (
	"errors"
	"strings"
)

// OTPCommand is the inbound command that carries a verification code.
const OTPCommand = "/otp"

// GateResult is the outcome of running the OTP middleware on one inbound
// message. When Allowed is false the agent run must not start; Reply (if
// non-empty) is sent back to the user instead.
type GateResult struct {
	Allowed           bool
	Reason            string // "", "expired", "strict", "invalid_code", "verified"
	GracePeriodActive bool
	Reply             string
}

// Canonical user-visible phrasings. Adapters never compose their own prose.
const (
	msgExpired      = "Verification expired. Send /otp <code> from your authenticator to continue."
	msgExpiredGrace = "Verification expired (grace period active). Send /otp <code> soon to avoid interruption."
	msgStrict       = "This channel requires verification. Send /otp <code> from your authenticator."
	msgInvalidCode  = "That code didn't match. Check your authenticator and try /otp <code> again."
	msgVerified     = "Verified. You're good for a while."
)

// Gate applies the OTP policy to one inbound message. An /otp command is
// consumed here: the code is validated and the user marked verified
// atomically; anything else goes through EnforceVerification.
func (v *Verifier) Gate(channel, userID, text string) GateResult {
	if !v.cfg.AppliesTo(channel) {
		return GateResult{Allowed: true}
	}

	if code, ok := parseOTPCommand(text); ok {
		if err := v.ValidateCode(userID, code); err != nil {
			return GateResult{Reason: "invalid_code", Reply: msgInvalidCode}
		}
		return GateResult{Reason: "verified", Reply: msgVerified}
	}

	err := v.EnforceVerification(userID)
	switch {
	case err == nil:
		return GateResult{Allowed: true}
	case errors.Is(err, ErrStrictModeViolation):
		return GateResult{Reason: "strict", Reply: msgStrict}
	case errors.Is(err, ErrVerificationExpired):
		if v.InGracePeriod(userID) {
			return GateResult{Reason: "expired", GracePeriodActive: true, Reply: msgExpiredGrace}
		}
		return GateResult{Reason: "expired", Reply: msgExpired}
	default:
		return GateResult{Reason: "expired", Reply: msgExpired}
	}
}

func parseOTPCommand(text string) (code string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, OTPCommand) {
		return "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, OTPCommand))
	if rest == "" {
		return "", false
	}
	return strings.Fields(rest)[0], true
}
