package telegram

import (
	"fmt"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawdbot/internal/channels"
)

// replyContext describes the message being replied to, when present.
type replyContext struct {
	Sender     string
	Excerpt    string
	IsBotReply bool
}

// messageContext carries forward/reply/location annotations extracted
// from a Telegram message, used to enrich the content sent to the agent.
type messageContext struct {
	Reply    *replyContext
	Forward  string
	Location string
}

// buildMessageContext extracts reply, forward, and location context from
// a Telegram message.
func buildMessageContext(msg *telego.Message, botUsername string) messageContext {
	var mc messageContext

	if reply := msg.ReplyToMessage; reply != nil {
		rc := &replyContext{}
		if reply.From != nil {
			rc.Sender = reply.From.FirstName
			if reply.From.Username != "" {
				rc.Sender = "@" + reply.From.Username
			}
			rc.IsBotReply = botUsername != "" && reply.From.Username == botUsername
		}
		excerpt := reply.Text
		if excerpt == "" {
			excerpt = reply.Caption
		}
		rc.Excerpt = channels.Truncate(strings.TrimSpace(excerpt), 200)
		mc.Reply = rc
	}

	if origin := msg.ForwardOrigin; origin != nil {
		switch o := origin.(type) {
		case *telego.MessageOriginUser:
			name := o.SenderUser.FirstName
			if o.SenderUser.Username != "" {
				name = "@" + o.SenderUser.Username
			}
			mc.Forward = name
		case *telego.MessageOriginHiddenUser:
			mc.Forward = o.SenderUserName
		case *telego.MessageOriginChat:
			mc.Forward = o.SenderChat.Title
		case *telego.MessageOriginChannel:
			mc.Forward = o.Chat.Title
		}
	}

	if loc := msg.Location; loc != nil {
		mc.Location = fmt.Sprintf("%.6f,%.6f", loc.Latitude, loc.Longitude)
	}

	return mc
}

// enrichContentWithContext prepends reply/forward/location annotations to
// the message content so the agent sees the conversational context.
func enrichContentWithContext(content string, mc messageContext) string {
	var parts []string

	if mc.Reply != nil && mc.Reply.Excerpt != "" {
		sender := mc.Reply.Sender
		if sender == "" {
			sender = "unknown"
		}
		parts = append(parts, fmt.Sprintf("[Replying to %s: %s]", sender, mc.Reply.Excerpt))
	}
	if mc.Forward != "" {
		parts = append(parts, fmt.Sprintf("[Forwarded from %s]", mc.Forward))
	}
	if mc.Location != "" {
		parts = append(parts, fmt.Sprintf("[Location: %s]", mc.Location))
	}

	if len(parts) == 0 {
		return content
	}
	prefix := strings.Join(parts, "\n")
	if content == "" {
		return prefix
	}
	return prefix + "\n" + content
}
