package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/retry"
)

// stableRunThreshold resets the restart counter: a runner that survived this
// long was healthy, so the next failure starts backoff from scratch.
const stableRunThreshold = 5 * time.Minute

// Runner is one transport connection attempt: long polling, a websocket, or
// an HTTP server. Run blocks until the connection fails or ctx is cancelled.
type Runner func(ctx context.Context) error

// Supervisor owns the restart loop for one (channel, account) pair. On
// failure it classifies the error, backs off for retryable reasons, and
// fails fast for everything else.
type Supervisor struct {
	Channel   string
	AccountID string
	Policy    retry.Policy

	// OnFailover, if set, observes each classified failure before the
	// supervisor decides to retry or bail. Used to surface canonical user
	// messages and health state.
	OnFailover func(reason FailoverReason, err error, delay time.Duration)

	restartAttempts int
}

// NewSupervisor creates a supervisor with the default backoff policy.
func NewSupervisor(channel, accountID string) *Supervisor {
	return &Supervisor{Channel: channel, AccountID: accountID, Policy: retry.DefaultPolicy}
}

// Monitor runs the runner until ctx is cancelled. Normal termination
// (runner honored the abort) returns ctx.Err(). A failure with an unknown
// classification is returned as-is so the caller crashes this account
// supervisor only; peers keep running.
func (s *Supervisor) Monitor(ctx context.Context, run Runner) error {
	for {
		started := time.Now()
		err := run(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Clean return without cancellation: treat as a transport
			// restart request (e.g. polling stream closed).
			err = errors.New("connection closed")
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if time.Since(started) > stableRunThreshold {
			s.restartAttempts = 0
		}

		reason := ClassifyFailoverReason(err.Error())
		if reason == FailoverUnknown {
			return fmt.Errorf("%s[%s]: unclassified failure: %w", s.Channel, s.AccountID, err)
		}

		s.restartAttempts++
		delay := retry.Compute(s.Policy, s.restartAttempts)

		if s.OnFailover != nil {
			s.OnFailover(reason, err, delay)
		}

		if !reason.Retryable() {
			return fmt.Errorf("%s[%s]: %s: %w", s.Channel, s.AccountID, reason, err)
		}

		slog.Warn("channel runner restarting",
			"channel", s.Channel,
			"account", s.AccountID,
			"reason", string(reason),
			"attempt", s.restartAttempts,
			"delay", delay.Round(time.Millisecond),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// RestartAttempts reports how many consecutive restarts have happened.
func (s *Supervisor) RestartAttempts() int { return s.restartAttempts }
