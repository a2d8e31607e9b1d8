package bus

import (
	"strings"
	"sync"
	"time"
)

// InboundDebouncer merges rapid consecutive messages from the same
// sender in the same chat into one inbound message, so a user typing
// three quick lines triggers one agent run instead of three.
//
// Messages are keyed by (channel, account, chat, sender, thread). Each
// Push resets the key's timer; when the window elapses with no new
// message, the merged message is handed to flush.
type InboundDebouncer struct {
	window time.Duration
	flush  func(InboundMessage)

	mu      sync.Mutex
	pending map[string]*pendingInbound
	stopped bool
}

type pendingInbound struct {
	msg   InboundMessage
	timer *time.Timer
}

// NewInboundDebouncer creates a debouncer with the given merge window.
// A window <= 0 disables merging: every message flushes immediately.
func NewInboundDebouncer(window time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*pendingInbound),
	}
}

// Push enqueues a message, merging it into any pending message with the
// same debounce key.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	if d.window <= 0 {
		d.flush(msg)
		return
	}

	key := strings.Join([]string{msg.Channel, msg.AccountID, msg.ChatID, msg.SenderID, msg.ThreadID}, "|")

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if p, ok := d.pending[key]; ok {
		p.msg = mergeInbound(p.msg, msg)
		p.timer.Reset(d.window)
		return
	}

	p := &pendingInbound{msg: msg}
	p.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.pending[key] = p
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		d.flush(p.msg)
	}
}

// Stop cancels all timers and flushes any pending messages synchronously.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	remaining := make([]*pendingInbound, 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		remaining = append(remaining, p)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, p := range remaining {
		d.flush(p.msg)
	}
}

// mergeInbound appends the newer message's content and media onto the
// older one. Metadata from the newest message wins on conflicts, except
// message_id: the first message's ID is kept so the reply threads onto
// the message that opened the burst.
func mergeInbound(older, newer InboundMessage) InboundMessage {
	merged := older
	if newer.Content != "" {
		if merged.Content != "" {
			merged.Content += "\n" + newer.Content
		} else {
			merged.Content = newer.Content
		}
	}
	merged.Media = append(merged.Media, newer.Media...)
	if newer.UpdateID > merged.UpdateID {
		merged.UpdateID = newer.UpdateID
	}
	for k, v := range newer.Metadata {
		if k == "message_id" {
			continue
		}
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]string)
		}
		merged.Metadata[k] = v
	}
	return merged
}
