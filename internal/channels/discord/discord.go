// Package discord implements the push-mode Discord channel via gateway
// events. The thread id is the Discord channel id.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/bridgekit/dmgate/internal/channels"
	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/model"
)

// Channel connects to Discord and forwards direct messages into the sink.
type Channel struct {
	session   *discordgo.Session
	cfg       config.DiscordConfig
	sink      channels.Sink
	accountID string
	botUserID string // populated on start
}

// New creates the channel. accountID is the tenant the bot belongs to.
func New(cfg config.DiscordConfig, sink channels.Sink, accountID string) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{session: session, cfg: cfg, sink: sink, accountID: accountID}, nil
}

func (c *Channel) Name() string        { return "discord" }
func (c *Channel) Mode() channels.Mode { return channels.ModePush }

func (c *Channel) RestoreSession(ctx context.Context, sess *model.Session) error {
	if c.cfg.Token == "" {
		return channels.ErrSessionInvalid
	}
	return nil
}

func (c *Channel) FetchInbox(ctx context.Context, accountID string, limit int) ([]model.InboxThread, error) {
	return nil, channels.ErrUnsupported
}

// SendText delivers a reply to the Discord channel identified by threadID.
func (c *Channel) SendText(_ context.Context, accountID, threadID, text string) error {
	if _, err := c.session.ChannelMessageSend(threadID, text); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ev := model.InboundEvent{
		AccountID: c.accountID,
		Channel:   "discord",
		ThreadID:  m.ChannelID,
		MessageID: m.ID,
		SenderID:  m.Author.ID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if err := c.sink.HandleInbound(ctx, ev); err != nil {
		slog.Error("discord inbound rejected", "channel_id", m.ChannelID, "error", err)
	}
}
