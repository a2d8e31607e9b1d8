package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

func TestNewDisabledWhenUnconfigured(t *testing.T) {
	s, err := New(nil, nil, nil, nil)
	if err != nil || s != nil {
		t.Fatalf("nil config: s=%v err=%v", s, err)
	}
	s, err = New(&config.HeartbeatConfig{}, nil, nil, nil)
	if err != nil || s != nil {
		t.Fatalf("empty schedule: s=%v err=%v", s, err)
	}
}

func TestNewScheduleParsing(t *testing.T) {
	tests := []struct {
		every   string
		wantErr bool
	}{
		{"30m", false},
		{"1h", false},
		{"5s", true}, // below minimum
		{"*/15 * * * *", false},
		{"0 9 * * 1-5", false},
		{"not a schedule", true},
	}
	for _, tt := range tests {
		_, err := New(&config.HeartbeatConfig{Every: tt.every}, nil, nil, nil)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(every=%q) error = %v, wantErr %v", tt.every, err, tt.wantErr)
		}
	}
}

func TestFilterAck(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		want     string
		wantDrop bool
	}{
		{"bare ack", "HEARTBEAT_OK", "", true},
		{"ack with short note", "HEARTBEAT_OK. All quiet.", "", true},
		{"ack with punctuation", "HEARTBEAT_OK:", "", true},
		{"empty reply", "   ", "", true},
		{"real message", "The deploy failed overnight.", "The deploy failed overnight.", false},
		{"ack then long report", "HEARTBEAT_OK " + longText(400), longText(400), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, drop := filterAck(tt.reply, 300)
			if drop != tt.wantDrop {
				t.Errorf("drop = %v, want %v", drop, tt.wantDrop)
			}
			if got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}
}

func longText(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestWithinActiveHours(t *testing.T) {
	at := func(hhmm string) time.Time {
		tm, err := time.Parse("15:04", hhmm)
		if err != nil {
			t.Fatalf("bad test time %q", hhmm)
		}
		return time.Date(2026, 8, 26, tm.Hour(), tm.Minute(), 0, 0, time.UTC)
	}

	window := &config.ActiveHoursConfig{Start: "09:00", End: "18:00", Timezone: "UTC"}
	if !withinActiveHours(window, at("12:00")) {
		t.Error("noon should be active")
	}
	if withinActiveHours(window, at("03:00")) {
		t.Error("3am should be inactive")
	}
	if withinActiveHours(window, at("18:00")) {
		t.Error("end boundary is exclusive")
	}
	if !withinActiveHours(window, at("09:00")) {
		t.Error("start boundary is inclusive")
	}

	overnight := &config.ActiveHoursConfig{Start: "22:00", End: "06:00", Timezone: "UTC"}
	if !withinActiveHours(overnight, at("23:30")) {
		t.Error("23:30 inside overnight window")
	}
	if !withinActiveHours(overnight, at("02:00")) {
		t.Error("02:00 inside overnight window")
	}
	if withinActiveHours(overnight, at("12:00")) {
		t.Error("noon outside overnight window")
	}

	if !withinActiveHours(nil, at("03:00")) {
		t.Error("nil window means always active")
	}
}

func TestTickRoutesToLastChat(t *testing.T) {
	var delivered struct {
		channel, account, chat, content string
		count                           int
	}

	s, err := New(&config.HeartbeatConfig{Every: "30m"},
		func(_ context.Context, prompt, model, session string) (string, error) {
			if session != "main" {
				t.Errorf("session = %q, want main", session)
			}
			return "status report", nil
		},
		func(channel, accountID, chatID, content string) {
			delivered.channel, delivered.account, delivered.chat, delivered.content = channel, accountID, chatID, content
			delivered.count++
		},
		func() (string, string, string, bool) {
			return "telegram", "default", "12345", true
		},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.tick(context.Background(), time.Now())
	if delivered.count != 1 {
		t.Fatalf("deliveries = %d, want 1", delivered.count)
	}
	if delivered.channel != "telegram" || delivered.chat != "12345" || delivered.content != "status report" {
		t.Errorf("delivered = %+v", delivered)
	}
}

func TestTickDropsAckAndErrors(t *testing.T) {
	deliveries := 0
	deliver := func(_, _, _, _ string) { deliveries++ }
	route := func() (string, string, string, bool) { return "telegram", "default", "1", true }

	s, err := New(&config.HeartbeatConfig{Every: "30m"},
		func(context.Context, string, string, string) (string, error) { return "HEARTBEAT_OK", nil },
		deliver, route)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick(context.Background(), time.Now())

	s2, err := New(&config.HeartbeatConfig{Every: "30m"},
		func(context.Context, string, string, string) (string, error) { return "", errors.New("provider down") },
		deliver, route)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s2.tick(context.Background(), time.Now())

	if deliveries != 0 {
		t.Errorf("deliveries = %d, want 0", deliveries)
	}
}

func TestTickTargetNone(t *testing.T) {
	deliveries := 0
	s, err := New(&config.HeartbeatConfig{Every: "30m", Target: "none"},
		func(context.Context, string, string, string) (string, error) { return "important", nil },
		func(_, _, _, _ string) { deliveries++ },
		func() (string, string, string, bool) { return "telegram", "default", "1", true })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick(context.Background(), time.Now())
	if deliveries != 0 {
		t.Errorf("deliveries = %d, want 0", deliveries)
	}
}
