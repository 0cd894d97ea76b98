// Package discord implements the Discord Bot API channel adapter on top
// of discordgo's gateway client.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/channels"
	"github.com/nextlevelbuilder/agentgw/internal/config"
)

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	cfg       config.DiscordChannelConfig
	botUserID string
}

// New creates a Discord channel from cfg. cfg.BotToken must be set (the
// gateway populates it from AGENTGW_DISCORD_TOKEN).
func New(cfg config.DiscordChannelConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	base := channels.NewBaseChannel("discord", msgBus, cfg.AllowList)

	return &Channel{
		BaseChannel: base,
		session:     session,
		cfg:         cfg,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord: bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message to a Discord channel.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return fmt.Errorf("discord: empty chat id")
	}
	_, err := c.session.ChannelMessageSend(msg.ChatID, channels.Truncate(msg.Content, 2000))
	return err
}

// handleMessage forwards an accepted incoming Discord message onto the
// bus. Messages authored by the bot itself are ignored to avoid a loop.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Content == "" {
		return
	}
	peerKind := "direct"
	if m.GuildID != "" {
		peerKind = "group"
	}
	senderID := fmt.Sprintf("%s|%s", m.Author.ID, m.Author.Username)
	c.HandleMessage(senderID, m.ChannelID, m.Content, nil, nil, peerKind)
}
