package channels

import (
	"fmt"
	"time"
)

// Canonical user-visible phrasings per failure class. Every adapter surfaces
// failures through these so no transport composes prose of its own.
const (
	MsgAuth         = "Provider needs re-auth."
	MsgBilling      = "Provider billing issue. Check your account balance."
	MsgInputInvalid = "That request couldn't be processed. Please rephrase and try again."
	MsgTimeout      = "Provider is unreachable right now. Trying again shortly."
	MsgCancelled    = "Stopped."
	MsgBlocked      = "That action was blocked by policy."
	MsgUnknown      = "Something went wrong. Please try again."
)

// RetryingMessage is the rate-limit phrasing, parameterized by the backoff
// delay: "Busy right now, retrying in 4s."
func RetryingMessage(delay time.Duration) string {
	secs := int(delay.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("Busy right now, retrying in %ds.", secs)
}

// UserMessage maps a failover reason to its canonical phrasing. delay is
// only used for rate-limit retries.
func UserMessage(reason FailoverReason, delay time.Duration) string {
	switch reason {
	case FailoverAuth:
		return MsgAuth
	case FailoverBilling:
		return MsgBilling
	case FailoverFormat:
		return MsgInputInvalid
	case FailoverRateLimit:
		return RetryingMessage(delay)
	case FailoverTimeout:
		return MsgTimeout
	}
	return MsgUnknown
}
