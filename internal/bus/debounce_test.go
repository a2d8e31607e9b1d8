package bus

import (
	"sync"
	"testing"
	"time"
)

// collectFlush records flushed messages for assertions.
type collectFlush struct {
	mu   sync.Mutex
	msgs []InboundMessage
}

func (c *collectFlush) flush(msg InboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collectFlush) snapshot() []InboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]InboundMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestDebouncer_MergesBurstIntoOneMessage(t *testing.T) {
	col := &collectFlush{}
	d := NewInboundDebouncer(30*time.Millisecond, col.flush)
	defer d.Stop()

	base := InboundMessage{Channel: "telegram", ChatID: "42", SenderID: "u1"}

	m1 := base
	m1.Content, m1.MessageID, m1.UpdateID = "first", "100", 100
	m1.Metadata = map[string]string{"message_id": "100"}
	m2 := base
	m2.Content, m2.MessageID, m2.UpdateID = "second", "101", 101
	m2.Metadata = map[string]string{"message_id": "101", "extra": "x"}

	d.Push(m1)
	d.Push(m2)

	deadline := time.After(time.Second)
	for len(col.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("debouncer never flushed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	msgs := col.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 merged", len(msgs))
	}
	got := msgs[0]
	if got.Content != "first\nsecond" {
		t.Errorf("Content = %q", got.Content)
	}
	if got.UpdateID != 101 {
		t.Errorf("UpdateID = %d, want newest", got.UpdateID)
	}
	if got.Metadata["message_id"] != "100" {
		t.Errorf("message_id = %q, want the burst opener's", got.Metadata["message_id"])
	}
	if got.Metadata["extra"] != "x" {
		t.Errorf("newer metadata must be merged in, got %v", got.Metadata)
	}
}

func TestDebouncer_SeparateChatsDoNotMerge(t *testing.T) {
	col := &collectFlush{}
	d := NewInboundDebouncer(10*time.Millisecond, col.flush)
	defer d.Stop()

	d.Push(InboundMessage{Channel: "telegram", ChatID: "1", SenderID: "u1", Content: "a"})
	d.Push(InboundMessage{Channel: "telegram", ChatID: "2", SenderID: "u1", Content: "b"})

	deadline := time.After(time.Second)
	for len(col.snapshot()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("got %d messages, want 2", len(col.snapshot()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDebouncer_ZeroWindowFlushesInline(t *testing.T) {
	col := &collectFlush{}
	d := NewInboundDebouncer(0, col.flush)

	d.Push(InboundMessage{Channel: "discord", Content: "now"})
	if msgs := col.snapshot(); len(msgs) != 1 || msgs[0].Content != "now" {
		t.Fatalf("zero window must flush inline, got %v", msgs)
	}
}

func TestDebouncer_StopFlushesPending(t *testing.T) {
	col := &collectFlush{}
	d := NewInboundDebouncer(time.Hour, col.flush)

	d.Push(InboundMessage{Channel: "telegram", ChatID: "42", SenderID: "u1", Content: "held"})
	d.Stop()

	msgs := col.snapshot()
	if len(msgs) != 1 || msgs[0].Content != "held" {
		t.Fatalf("Stop must flush pending messages, got %v", msgs)
	}

	// Pushes after Stop are dropped.
	d.Push(InboundMessage{Channel: "telegram", ChatID: "42", SenderID: "u1", Content: "late"})
	if len(col.snapshot()) != 1 {
		t.Error("push after Stop must be dropped")
	}
}
