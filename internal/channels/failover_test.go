package channels

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/retry"
)

func TestClassifyFailoverReason(t *testing.T) {
	tests := []struct {
		message string
		want    FailoverReason
	}{
		{"Invalid API key provided", FailoverAuth},
		{"401 Unauthorized", FailoverAuth},
		{"authentication failed for bot token", FailoverAuth},
		{"HTTP 429: Too Many Requests", FailoverRateLimit},
		{"overloaded_error: Overloaded", FailoverRateLimit},
		{"you have hit your usage limit", FailoverRateLimit},
		{"the queue is full, try later", FailoverRateLimit},
		{"model is at capacity", FailoverRateLimit},
		{"invalid request format", FailoverFormat},
		{"input does not match the schema", FailoverFormat},
		{"your credit balance too low to continue", FailoverBilling},
		{"context deadline exceeded", FailoverTimeout},
		{"502 Bad Gateway", FailoverTimeout},
		{"503 Service Unavailable", FailoverTimeout},
		{"the model is unavailable", FailoverTimeout},
		{"dial tcp: connection refused", FailoverTimeout},
		{"something completely novel happened", FailoverUnknown},
		{"", FailoverUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyFailoverReason(tt.message); got != tt.want {
			t.Errorf("ClassifyFailoverReason(%q) = %q, want %q", tt.message, got, tt.want)
		}
	}
}

// A Telegram getUpdates 409 (another poller holds the lock) must classify as
// rate_limit so the supervisor backs off instead of crashing the account.
func TestTelegramConflictClassifiesRateLimit(t *testing.T) {
	msg := "telego: getUpdates: api: 409 Conflict: terminated by other getUpdates request"
	if got := ClassifyFailoverReason(msg); got != FailoverRateLimit {
		t.Fatalf("409 conflict classified as %q, want rate_limit", got)
	}
	if !FailoverRateLimit.Retryable() {
		t.Fatal("rate_limit must be retryable")
	}
}

func TestRetryable(t *testing.T) {
	for reason, want := range map[FailoverReason]bool{
		FailoverRateLimit: true,
		FailoverTimeout:   true,
		FailoverAuth:      false,
		FailoverBilling:   false,
		FailoverFormat:    false,
		FailoverUnknown:   false,
	} {
		if got := reason.Retryable(); got != want {
			t.Errorf("%q.Retryable() = %v, want %v", reason, got, want)
		}
	}
}

func TestUserMessages(t *testing.T) {
	if got := RetryingMessage(4 * time.Second); got != "Busy right now, retrying in 4s." {
		t.Errorf("RetryingMessage = %q", got)
	}
	if got := UserMessage(FailoverAuth, 0); got != "Provider needs re-auth." {
		t.Errorf("auth message = %q", got)
	}
	if got := UserMessage(FailoverRateLimit, 2*time.Second); got != "Busy right now, retrying in 2s." {
		t.Errorf("rate limit message = %q", got)
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func TestSupervisorRetriesRateLimitThenSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := NewSupervisor("telegram", "default")
	sup.Policy = fastPolicy()

	var reasons []FailoverReason
	sup.OnFailover = func(reason FailoverReason, err error, delay time.Duration) {
		reasons = append(reasons, reason)
	}

	attempts := 0
	err := sup.Monitor(ctx, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("HTTP 429: Too Many Requests")
		}
		cancel() // simulate clean shutdown while healthy
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(reasons) != 2 || reasons[0] != FailoverRateLimit {
		t.Errorf("observed reasons = %v", reasons)
	}
}

func TestSupervisorFailsFastOnAuth(t *testing.T) {
	sup := NewSupervisor("telegram", "default")
	sup.Policy = fastPolicy()

	attempts := 0
	err := sup.Monitor(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("invalid api key")
	})
	if err == nil {
		t.Fatal("want error")
	}
	if attempts != 1 {
		t.Errorf("auth failure must not be retried, got %d attempts", attempts)
	}
}

func TestSupervisorFailsFastOnUnknown(t *testing.T) {
	sup := NewSupervisor("discord", "work")
	sup.Policy = fastPolicy()

	err := sup.Monitor(context.Background(), func(context.Context) error {
		return errors.New("some novel disaster")
	})
	if err == nil {
		t.Fatal("want error")
	}
	if !strings.Contains(err.Error(), "unclassified") {
		t.Errorf("err = %q, want unclassified marker", err)
	}
}

func TestSupervisorHonorsCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	sup := NewSupervisor("telegram", "default")
	sup.Policy = retry.Policy{Initial: time.Hour, Max: time.Hour, Factor: 2}

	done := make(chan error, 1)
	go func() {
		done <- sup.Monitor(ctx, func(context.Context) error {
			return errors.New("429")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("supervisor did not honor cancellation during backoff")
	}
}
