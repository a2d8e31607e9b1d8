package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/channels"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/pairing"
	"github.com/nextlevelbuilder/clawdbot/internal/retry"
)

// Channel connects one Telegram bot account via the Bot API using long
// polling. Each configured account gets its own Channel instance with its
// own supervision loop; a crash on one account never takes down its peers.
type Channel struct {
	*channels.BaseChannel
	bot              *telego.Bot
	config           config.TelegramConfig
	account          config.ResolvedAccount
	pairingService   *pairing.Store     // optional (nil = allowlist only)
	offsets          *retry.OffsetStore // optional (nil = no resume across restarts)
	placeholders     sync.Map           // localKey string → messageID int
	stopThinking     sync.Map           // localKey string → *thinkingCancel
	typingCtrls      sync.Map           // localKey string → *typing.Controller
	streams          sync.Map           // localKey string → *DraftStream (streaming preview)
	pairingReplySent sync.Map           // userID string → time.Time (debounce pairing replies)
	threadIDs        sync.Map           // localKey string → messageThreadID int (for forum topic routing)
	approvedGroups   sync.Map           // chatIDStr string → true (cached group pairing approval)
	groupHistory     *channels.PendingHistory
	historyLimit     int
	requireMention   bool
	menuSync         sync.Once
	pollCancel       context.CancelFunc // cancels the supervision context
	pollDone         chan struct{}      // closed when the supervision goroutine exits
}

type thinkingCancel struct {
	fn context.CancelFunc
}

func (c *thinkingCancel) Cancel() {
	if c != nil && c.fn != nil {
		c.fn()
	}
}

// New creates a Telegram channel for one resolved account.
// pairingSvc is optional (nil = fall back to allowlist only).
// offsets is optional (nil = updates are not resumed across restarts).
func New(cfg config.TelegramConfig, account config.ResolvedAccount, msgBus *bus.MessageBus, pairingSvc *pairing.Store, offsets *retry.OffsetStore) (*Channel, error) {
	var opts []telego.BotOption

	if account.Proxy != "" {
		proxyURL, parseErr := url.Parse(account.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", account.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	if account.Token == "" {
		return nil, fmt.Errorf("telegram account %q has no token", account.ID)
	}
	bot, err := telego.NewBot(account.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	base := channels.NewBaseChannel("telegram", msgBus, account.AllowFrom)
	base.ValidatePolicy(account.DMPolicy, account.GroupPolicy)

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit == 0 {
		historyLimit = channels.DefaultGroupHistoryLimit
	}

	return &Channel{
		BaseChannel:    base,
		bot:            bot,
		config:         cfg,
		account:        account,
		pairingService: pairingSvc,
		offsets:        offsets,
		groupHistory:   channels.NewPendingHistory(),
		historyLimit:   historyLimit,
		requireMention: requireMention,
	}, nil
}

// AccountID returns the account this channel instance serves.
func (c *Channel) AccountID() string { return c.account.ID }

// Start begins supervised long polling for Telegram updates.
// Connection and rate-limit failures restart the poll loop with backoff;
// auth and other unclassified failures stop this account only.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)", "account", c.account.ID)

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})
	c.SetRunning(true)

	sup := channels.NewSupervisor(c.Name(), c.account.ID)

	go func() {
		defer close(c.pollDone)
		if err := sup.Monitor(pollCtx, c.poll); err != nil && pollCtx.Err() == nil {
			slog.Error("telegram account stopped",
				"account", c.account.ID,
				"error", err,
			)
		}
		c.SetRunning(false)
	}()

	return nil
}

// poll runs one long-polling session until the updates stream ends or the
// context is cancelled. Returning an error hands control back to the
// supervisor, which classifies it and decides whether to reconnect.
func (c *Channel) poll(ctx context.Context) error {
	params := &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"edited_message",
			"my_chat_member",
		},
	}
	if c.offsets != nil {
		if last, ok := c.offsets.Last(c.Name(), c.account.ID); ok {
			params.Offset = int(last) + 1
		}
	}

	updates, err := c.bot.UpdatesViaLongPolling(ctx, params)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "account", c.account.ID, "username", c.bot.Username())

	// Register bot menu commands once per process, with retry.
	c.menuSync.Do(func() {
		go c.syncMenuWithRetry(ctx)
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram updates stream closed")
			}
			c.dispatchUpdate(ctx, update)
		}
	}
}

// dispatchUpdate commits the update offset, then routes the update. The
// offset is persisted before any agent work so a crash mid-dispatch never
// replays the update on restart.
func (c *Channel) dispatchUpdate(ctx context.Context, update telego.Update) {
	if c.offsets != nil {
		if _, err := c.offsets.Commit(c.Name(), c.account.ID, int64(update.UpdateID)); err != nil {
			slog.Warn("telegram offset commit failed",
				"account", c.account.ID, "update_id", update.UpdateID, "error", err,
			)
		}
	}

	if update.Message != nil {
		c.handleMessage(ctx, update)
		return
	}

	// Log non-message updates for delivery diagnostics.
	updateType := "unknown"
	switch {
	case update.EditedMessage != nil:
		updateType = "edited_message"
	case update.ChannelPost != nil:
		updateType = "channel_post"
	case update.MyChatMember != nil:
		updateType = "my_chat_member"
	case update.ChatMember != nil:
		updateType = "chat_member"
	}
	slog.Debug("telegram update skipped (no message)", "type", updateType, "update_id", update.UpdateID)
}

func (c *Channel) syncMenuWithRetry(ctx context.Context) {
	commands := DefaultMenuCommands()
	for attempt := 1; attempt <= 3; attempt++ {
		if err := c.SyncMenuCommands(ctx, commands); err != nil {
			slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
			if attempt < 3 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(attempt*5) * time.Second):
				}
			}
		} else {
			slog.Info("telegram menu commands synced")
			return
		}
	}
}

// StreamEnabled reports whether streaming is active for this channel.
// Returns true only when stream_mode is "partial".
func (c *Channel) StreamEnabled() bool {
	return c.config.StreamMode == "partial"
}

// Stop shuts down the Telegram bot by cancelling the polling context
// and waiting for the supervision goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot", "account", c.account.ID)
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	// Wait for the polling goroutine to fully exit so that
	// Telegram releases the getUpdates lock before a new instance starts.
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped", "account", c.account.ID)
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

// parseRawChatID extracts the numeric chat ID from a potentially composite localKey.
// "-12345" → -12345, "-12345:topic:99" → -12345
func parseRawChatID(key string) (int64, error) {
	raw := key
	if idx := strings.Index(key, ":topic:"); idx > 0 {
		raw = key[:idx]
	}
	return parseChatID(raw)
}

// telegramGeneralTopicID is the fixed topic ID for the "General" topic in
// forum supergroups.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend returns the thread ID for Telegram send/edit API calls.
// General topic (1) must be omitted — Telegram rejects it with "thread not found".
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}
