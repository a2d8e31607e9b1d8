package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})

	msg, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("ConsumeInbound returned false")
	}
	if msg.Channel != "telegram" || msg.Content != "hi" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestMessageBus_ConsumeCancelled(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("cancelled consume must return false")
	}
	if _, ok := b.SubscribeOutbound(ctx); ok {
		t.Error("cancelled outbound subscribe must return false")
	}
}

func TestMessageBus_OutboundOrder(t *testing.T) {
	b := NewMessageBus()
	for _, content := range []string{"one", "two", "three"} {
		b.PublishOutbound(OutboundMessage{Channel: "discord", Content: content})
	}
	for _, want := range []string{"one", "two", "three"} {
		msg, ok := b.SubscribeOutbound(context.Background())
		if !ok || msg.Content != want {
			t.Fatalf("got %+v, want content %q", msg, want)
		}
	}
}

func TestMessageBus_InboundFullDrops(t *testing.T) {
	b := NewMessageBus()
	// Fill the queue; the extra publish must not block.
	for i := 0; i < defaultQueueSize; i++ {
		b.PublishInbound(InboundMessage{Channel: "telegram"})
	}
	done := make(chan struct{})
	go func() {
		b.PublishInbound(InboundMessage{Channel: "telegram", Content: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishInbound blocked on a full queue")
	}
}

func TestMessageBus_BroadcastAndUnsubscribe(t *testing.T) {
	b := NewMessageBus()

	var mu sync.Mutex
	got := map[string]int{}
	b.Subscribe("a", func(ev Event) {
		mu.Lock()
		got["a"]++
		mu.Unlock()
	})
	b.Subscribe("b", func(ev Event) {
		mu.Lock()
		got["b"]++
		mu.Unlock()
	})

	b.Broadcast(Event{Name: "health"})
	b.Unsubscribe("b")
	b.Broadcast(Event{Name: "health"})

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 2 || got["b"] != 1 {
		t.Errorf("got = %v", got)
	}
}
