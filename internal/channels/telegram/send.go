package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/channels/typing"
)

// telegramMessageLimit is the Bot API cap on message text length.
const telegramMessageLimit = 4096

// Send delivers an outbound message: edits the "Thinking..." placeholder
// in DMs, replies to the triggering message in groups, and splits text
// that exceeds the Bot API length cap.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	localKey := msg.ChatID
	if lk := msg.Metadata["local_key"]; lk != "" {
		localKey = lk
	}
	chatID, err := parseRawChatID(localKey)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", msg.ChatID, err)
	}
	chatIDObj := tu.ID(chatID)

	threadID := 0
	if tid, ok := c.threadIDs.Load(localKey); ok {
		threadID = tid.(int)
	}
	sendThreadID := resolveThreadIDForSend(threadID)

	// Placeholder update (e.g. retry notification): edit the placeholder
	// but keep it alive for the final response.
	if msg.Metadata["placeholder_update"] == "true" {
		if pID, ok := c.placeholders.Load(localKey); ok {
			_, _ = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
				ChatID:    chatIDObj,
				MessageID: pID.(int),
				Text:      msg.Content,
			})
		}
		return nil
	}

	// Stop thinking animation and typing keepalive for this chat/topic.
	if stop, ok := c.stopThinking.LoadAndDelete(localKey); ok {
		if cf, ok := stop.(*thinkingCancel); ok {
			cf.Cancel()
		}
	}
	if ctrl, ok := c.typingCtrls.LoadAndDelete(localKey); ok {
		ctrl.(*typing.Controller).Stop()
	}

	// Finished stream: the draft message already holds the final text.
	// Record it as the placeholder so the final-edit path below reuses it.
	if s, ok := c.streams.LoadAndDelete(localKey); ok {
		if ds, ok := s.(*DraftStream); ok {
			c.placeholders.Store(localKey, ds.MessageID())
		}
	}

	content := msg.Content

	// Empty content means the agent suppressed the reply: delete the
	// placeholder and send nothing.
	if content == "" && len(msg.Media) == 0 {
		if pID, ok := c.placeholders.LoadAndDelete(localKey); ok {
			_ = c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
				ChatID:    chatIDObj,
				MessageID: pID.(int),
			})
		}
		return nil
	}

	parts := splitMessage(content, telegramMessageLimit)

	// First part: edit the placeholder when one exists, otherwise send
	// fresh (as a reply in groups so the response threads correctly).
	sent := false
	if pID, ok := c.placeholders.LoadAndDelete(localKey); ok && len(parts) > 0 {
		_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:             chatIDObj,
			MessageID:          pID.(int),
			Text:               parts[0],
			LinkPreviewOptions: c.linkPreviewOptions(),
		})
		if err != nil {
			slog.Debug("placeholder edit failed, sending fresh", "chat_id", chatID, "error", err)
		} else {
			parts = parts[1:]
			sent = true
		}
	}

	replyTo := 0
	if mid := msg.Metadata["reply_to_message_id"]; mid != "" && !sent {
		fmt.Sscanf(mid, "%d", &replyTo)
	}

	for i, part := range parts {
		out := tu.Message(chatIDObj, part)
		if sendThreadID > 0 {
			out.MessageThreadID = sendThreadID
		}
		out.LinkPreviewOptions = c.linkPreviewOptions()
		if replyTo > 0 && i == 0 {
			out.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
		}
		if _, err := c.bot.SendMessage(ctx, out); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	for _, media := range msg.Media {
		if err := c.sendMediaAttachment(ctx, chatIDObj, sendThreadID, media); err != nil {
			slog.Warn("telegram media send failed", "chat_id", chatID, "url", media.URL, "error", err)
		}
	}

	return nil
}

func (c *Channel) linkPreviewOptions() *telego.LinkPreviewOptions {
	if c.config.LinkPreview != nil && !*c.config.LinkPreview {
		return &telego.LinkPreviewOptions{IsDisabled: true}
	}
	return nil
}

// sendMediaAttachment sends one attachment, choosing the API call by
// content type. Local paths are uploaded; http(s) URLs are passed through.
func (c *Channel) sendMediaAttachment(ctx context.Context, chatID telego.ChatID, threadID int, media bus.MediaAttachment) error {
	var file telego.InputFile
	if strings.HasPrefix(media.URL, "http://") || strings.HasPrefix(media.URL, "https://") {
		file = tu.FileFromURL(media.URL)
	} else {
		f, err := os.Open(media.URL)
		if err != nil {
			return fmt.Errorf("open media file: %w", err)
		}
		defer f.Close()
		file = tu.File(tu.NameReader(f, filepath.Base(media.URL)))
	}

	switch {
	case strings.HasPrefix(media.ContentType, "image/"):
		params := tu.Photo(chatID, file)
		params.Caption = media.Caption
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err := c.bot.SendPhoto(ctx, params)
		return err
	case strings.HasPrefix(media.ContentType, "audio/"):
		params := tu.Audio(chatID, file)
		params.Caption = media.Caption
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err := c.bot.SendAudio(ctx, params)
		return err
	case strings.HasPrefix(media.ContentType, "video/"):
		params := tu.Video(chatID, file)
		params.Caption = media.Caption
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err := c.bot.SendVideo(ctx, params)
		return err
	default:
		params := tu.Document(chatID, file)
		params.Caption = media.Caption
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err := c.bot.SendDocument(ctx, params)
		return err
	}
}

// splitMessage splits text into chunks of at most limit bytes, preferring
// newline boundaries so code blocks and paragraphs stay intact.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var parts []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if idx := strings.LastIndex(text[:cut], "\n"); idx > limit/2 {
			cut = idx
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
