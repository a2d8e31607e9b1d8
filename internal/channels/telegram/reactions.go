package telegram

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawdbot/internal/channels"
)

// statusEmojis maps agent status to a Telegram reaction emoji. Only
// emojis from the Bot API's allowed reaction set may be used.
var statusEmojis = map[string]string{
	"thinking": "👀",
	"tool":     "✍",
	"done":     "👍",
	"error":    "😢",
	"stall":    "🤔",
}

// minimalStatuses are the only statuses shown at reaction_level "minimal".
var minimalStatuses = map[string]bool{
	"done":  true,
	"error": true,
}

var _ channels.ReactionChannel = (*Channel)(nil)

// OnReactionEvent sets a status reaction on the user's message.
// reaction_level "off" disables reactions, "minimal" shows only terminal
// statuses, "full" shows every phase.
func (c *Channel) OnReactionEvent(ctx context.Context, chatKey string, messageID int, status string) error {
	level := c.config.ReactionLevel
	if level == "" || level == "off" {
		return nil
	}
	if level == "minimal" && !minimalStatuses[status] {
		return nil
	}

	emoji, ok := statusEmojis[status]
	if !ok {
		return nil
	}
	chatID, err := parseRawChatID(chatKey)
	if err != nil {
		return fmt.Errorf("invalid chat key %q: %w", chatKey, err)
	}

	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		},
	})
}

// ClearReaction removes any status reaction from the message.
func (c *Channel) ClearReaction(ctx context.Context, chatKey string, messageID int) error {
	if c.config.ReactionLevel == "" || c.config.ReactionLevel == "off" {
		return nil
	}
	chatID, err := parseRawChatID(chatKey)
	if err != nil {
		return fmt.Errorf("invalid chat key %q: %w", chatKey, err)
	}
	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction:  []telego.ReactionType{},
	})
}
