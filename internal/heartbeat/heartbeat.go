// Package heartbeat runs the agent on a schedule and delivers anything it
// has to say to the last active chat. A reply of HEARTBEAT_OK (with at most
// a short trailing note) means "nothing to report" and is dropped.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

const (
	ackToken           = "HEARTBEAT_OK"
	defaultAckMaxChars = 300
	defaultPrompt      = "Read HEARTBEAT.md if it exists and follow its instructions. " +
		"If there is nothing that needs attention, reply with exactly HEARTBEAT_OK."
)

// RunFunc executes one heartbeat agent turn and returns the reply text.
type RunFunc func(ctx context.Context, prompt, model, session string) (string, error)

// DeliverFunc sends heartbeat output to a chat.
type DeliverFunc func(channel, accountID, chatID, content string)

// LastRouteFunc reports where the most recent user interaction came from.
type LastRouteFunc func() (channel, accountID, chatID string, ok bool)

// Service owns the heartbeat schedule for one agent.
type Service struct {
	cfg       config.HeartbeatConfig
	run       RunFunc
	deliver   DeliverFunc
	lastRoute LastRouteFunc

	interval time.Duration // duration mode; zero means cron mode
	cronExpr string
	gron     *gronx.Gronx

	done chan struct{}
}

// New builds the service. A nil config or empty schedule returns (nil, nil):
// heartbeats are off.
func New(cfg *config.HeartbeatConfig, run RunFunc, deliver DeliverFunc, lastRoute LastRouteFunc) (*Service, error) {
	if cfg == nil || cfg.Every == "" {
		return nil, nil
	}

	s := &Service{
		cfg:       *cfg,
		run:       run,
		deliver:   deliver,
		lastRoute: lastRoute,
		done:      make(chan struct{}),
	}

	if d, err := time.ParseDuration(cfg.Every); err == nil {
		if d < time.Minute {
			return nil, fmt.Errorf("heartbeat interval %s too short, minimum 1m", cfg.Every)
		}
		s.interval = d
		return s, nil
	}

	g := gronx.New()
	if !g.IsValid(cfg.Every) {
		return nil, fmt.Errorf("heartbeat schedule %q is neither a duration nor a cron expression", cfg.Every)
	}
	s.gron = g
	s.cronExpr = cfg.Every
	return s, nil
}

// Start runs the schedule loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Done closes when the schedule loop has exited.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	slog.Info("heartbeat scheduled", "every", s.cfg.Every)

	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, time.Now())
			}
		}
	}

	// Cron mode: evaluate the expression once a minute.
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.cronExpr, now)
			if err != nil {
				slog.Warn("heartbeat cron evaluation failed", "expr", s.cronExpr, "error", err)
				continue
			}
			if due {
				s.tick(ctx, now)
			}
		}
	}
}

// tick runs one heartbeat turn and routes its output.
func (s *Service) tick(ctx context.Context, now time.Time) {
	if !withinActiveHours(s.cfg.ActiveHours, now) {
		slog.Debug("heartbeat skipped: outside active hours")
		return
	}

	prompt := s.cfg.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}
	session := s.cfg.Session
	if session == "" {
		session = "main"
	}

	reply, err := s.run(ctx, prompt, s.cfg.Model, session)
	if err != nil {
		slog.Warn("heartbeat run failed", "error", err)
		return
	}

	content, drop := filterAck(reply, s.ackMaxChars())
	if drop {
		slog.Debug("heartbeat ack, nothing to report")
		return
	}

	switch s.cfg.Target {
	case "none":
		slog.Debug("heartbeat output suppressed by target=none")
	case "", "last":
		channel, accountID, chatID, ok := s.lastRoute()
		if !ok {
			slog.Debug("heartbeat output dropped: no prior interaction to route to")
			return
		}
		if s.cfg.To != "" {
			chatID = s.cfg.To
		}
		s.deliver(channel, accountID, chatID, content)
	default:
		s.deliver(s.cfg.Target, "", s.cfg.To, content)
	}
}

func (s *Service) ackMaxChars() int {
	if s.cfg.AckMaxChars > 0 {
		return s.cfg.AckMaxChars
	}
	return defaultAckMaxChars
}

// filterAck decides whether a heartbeat reply is a no-op acknowledgement.
// A reply starting with HEARTBEAT_OK is dropped unless the trailing text is
// long enough to be a real message, in which case the token is stripped.
func filterAck(reply string, ackMax int) (content string, drop bool) {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return "", true
	}
	if !strings.HasPrefix(trimmed, ackToken) {
		return trimmed, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, ackToken))
	rest = strings.TrimSpace(strings.TrimLeft(rest, ".!:,-"))
	if len(rest) <= ackMax {
		return "", true
	}
	return rest, false
}

// withinActiveHours checks the HH:MM window; nil config means always active.
// A window that crosses midnight (start > end) wraps.
func withinActiveHours(w *config.ActiveHoursConfig, now time.Time) bool {
	if w == nil || w.Start == "" || w.End == "" {
		return true
	}

	loc := now.Location()
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		} else {
			slog.Warn("invalid heartbeat timezone, using local", "timezone", w.Timezone)
		}
	}
	local := now.In(loc)

	start, err1 := parseClock(w.Start)
	end, err2 := parseClock(w.End)
	if err1 != nil || err2 != nil {
		slog.Warn("invalid heartbeat active hours", "start", w.Start, "end", w.End)
		return true
	}

	minutes := local.Hour()*60 + local.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
