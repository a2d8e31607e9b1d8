package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawdbot/internal/channels"
)

// draftEditInterval throttles streaming preview edits. The Bot API allows
// roughly one edit per second per chat before rate limiting kicks in.
const draftEditInterval = 1500 * time.Millisecond

// DraftStream shows an incremental response preview by repeatedly editing
// one Telegram message as chunks arrive. Edits are throttled; the final
// text lands via one last unthrottled edit.
type DraftStream struct {
	bot       *telego.Bot
	chatID    telego.ChatID
	messageID int

	mu       sync.Mutex
	lastEdit time.Time
	lastText string
}

// MessageID returns the draft message being edited.
func (d *DraftStream) MessageID() int { return d.messageID }

// update edits the draft with fullText, skipping edits that arrive inside
// the throttle window or carry no change. force bypasses the throttle.
func (d *DraftStream) update(ctx context.Context, fullText string, force bool) error {
	d.mu.Lock()
	if fullText == d.lastText {
		d.mu.Unlock()
		return nil
	}
	if !force && time.Since(d.lastEdit) < draftEditInterval {
		d.mu.Unlock()
		return nil
	}
	d.lastEdit = time.Now()
	d.lastText = fullText
	d.mu.Unlock()

	// Previews longer than the API cap keep only the tail so the newest
	// text stays visible; Send splits the final message properly.
	if len(fullText) > telegramMessageLimit {
		fullText = fullText[len(fullText)-telegramMessageLimit:]
	}

	_, err := d.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    d.chatID,
		MessageID: d.messageID,
		Text:      fullText,
	})
	return err
}

var _ channels.StreamingChannel = (*Channel)(nil)

// OnStreamStart creates the draft message for a new streaming response.
func (c *Channel) OnStreamStart(ctx context.Context, chatKey string) error {
	if !c.StreamEnabled() {
		return nil
	}
	chatID, err := parseRawChatID(chatKey)
	if err != nil {
		return fmt.Errorf("invalid chat key %q: %w", chatKey, err)
	}
	chatIDObj := tu.ID(chatID)

	// Reuse the "Thinking..." placeholder as the draft when one exists.
	if pID, ok := c.placeholders.LoadAndDelete(chatKey); ok {
		c.streams.Store(chatKey, &DraftStream{bot: c.bot, chatID: chatIDObj, messageID: pID.(int)})
		return nil
	}

	draft := tu.Message(chatIDObj, "...")
	if tid, ok := c.threadIDs.Load(chatKey); ok {
		if sendThreadID := resolveThreadIDForSend(tid.(int)); sendThreadID > 0 {
			draft.MessageThreadID = sendThreadID
		}
	}
	sent, err := c.bot.SendMessage(ctx, draft)
	if err != nil {
		return fmt.Errorf("send draft message: %w", err)
	}
	c.streams.Store(chatKey, &DraftStream{bot: c.bot, chatID: chatIDObj, messageID: sent.MessageID})
	return nil
}

// OnChunkEvent updates the draft preview with the accumulated text.
func (c *Channel) OnChunkEvent(ctx context.Context, chatKey string, fullText string) error {
	s, ok := c.streams.Load(chatKey)
	if !ok {
		return nil
	}
	if err := s.(*DraftStream).update(ctx, fullText, false); err != nil {
		slog.Debug("draft edit failed", "chat_key", chatKey, "error", err)
	}
	return nil
}

// OnStreamEnd applies the final text to the draft. With empty finalText
// (tool phase or failed run) the draft is kept as-is; the next stream or
// the outbound Send decides its fate.
func (c *Channel) OnStreamEnd(ctx context.Context, chatKey string, finalText string) error {
	s, ok := c.streams.Load(chatKey)
	if !ok {
		return nil
	}
	if finalText == "" {
		return nil
	}
	if err := s.(*DraftStream).update(ctx, finalText, true); err != nil {
		slog.Debug("final draft edit failed", "chat_key", chatKey, "error", err)
	}
	return nil
}
