package channels

import "strings"

// FailoverReason classifies a transport or provider failure for the account
// supervisor. Empty means unknown: the supervisor fails fast instead of
// retrying blindly.
type FailoverReason string

const (
	FailoverAuth      FailoverReason = "auth"
	FailoverRateLimit FailoverReason = "rate_limit"
	FailoverFormat    FailoverReason = "format"
	FailoverBilling   FailoverReason = "billing"
	FailoverTimeout   FailoverReason = "timeout"
	FailoverUnknown   FailoverReason = ""
)

// Retryable reports whether the supervisor should back off and restart the
// runner for this reason.
func (r FailoverReason) Retryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout:
		return true
	}
	return false
}

// Rule order matters: billing phrases mention credits before any generic
// match, and 5xx phrases must not shadow 429.
var failoverRules = []struct {
	reason  FailoverReason
	needles []string
}{
	{FailoverAuth, []string{
		"invalid api key",
		"api key not valid",
		"unauthorized",
		"401",
		"invalid token",
		"authentication failed",
	}},
	{FailoverBilling, []string{
		"credit balance too low",
		"insufficient credits",
		"payment required",
		"402",
	}},
	{FailoverFormat, []string{
		"invalid request format",
		"schema validation",
		"does not match the schema",
		"malformed request",
	}},
	{FailoverRateLimit, []string{
		"429",
		"too many requests",
		"rate limit",
		"overloaded",
		"hit your usage limit",
		"at capacity",
		"capacity exceeded",
		"queue is full",
		"queue full",
		"409",
		"conflict",
	}},
	{FailoverTimeout, []string{
		"deadline exceeded",
		"timeout",
		"timed out",
		"500",
		"502",
		"503",
		"504",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"model is unavailable",
		"model not available",
		"no healthy upstream",
		"connection reset",
		"connection refused",
		"connection closed",
	}},
}

// ClassifyFailoverReason maps a failure message to a failover reason. Pure
// function of the message text; unknown messages return FailoverUnknown so
// the caller fails fast.
func ClassifyFailoverReason(message string) FailoverReason {
	m := strings.ToLower(message)
	for _, rule := range failoverRules {
		for _, needle := range rule.needles {
			if strings.Contains(m, needle) {
				return rule.reason
			}
		}
	}
	return FailoverUnknown
}
