// Package telegram implements the Telegram Bot API channel adapter:
// long-polling updates in, outbound sends out, both funneled through the
// shared channels.BaseChannel / bus.MessageBus plumbing.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/channels"
	"github.com/nextlevelbuilder/agentgw/internal/config"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	cfg        config.TelegramChannelConfig
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from cfg. cfg.BotToken must be set (the
// gateway populates it from AGENTGW_TELEGRAM_TOKEN; it is never read from
// the config document itself).
func New(cfg config.TelegramChannelConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	base := channels.NewBaseChannel("telegram", msgBus, cfg.AllowList)

	return &Channel{
		BaseChannel: base,
		bot:         bot,
		cfg:         cfg,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram: bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the polling goroutine to exit,
// so Telegram releases the getUpdates lock before a replacement instance
// starts.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram: polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers an outbound message to a chat.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", msg.ChatID, err)
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), channels.Truncate(msg.Content, 4096)))
	return err
}

// handleMessage forwards an accepted incoming message onto the bus.
func (c *Channel) handleMessage(m *telego.Message) {
	if m.Text == "" {
		return
	}
	peerKind := "direct"
	if m.Chat.Type != telego.ChatTypePrivate {
		peerKind = "group"
	}
	senderID := ""
	if m.From != nil {
		senderID = fmt.Sprintf("%d", m.From.ID)
		if m.From.Username != "" {
			senderID = fmt.Sprintf("%d|%s", m.From.ID, m.From.Username)
		}
	}
	c.HandleMessage(senderID, fmt.Sprintf("%d", m.Chat.ID), m.Text, nil, nil, peerKind)
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
