// Package telegram implements the push-mode Telegram channel via the Bot
// API with long polling. Each instance serves one bot token; the thread id
// is the chat id.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/bridgekit/dmgate/internal/channels"
	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/model"
)

// Channel connects to Telegram using long polling and forwards every text
// message into the sink.
type Channel struct {
	bot       *telego.Bot
	cfg       config.TelegramConfig
	sink      channels.Sink
	accountID string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the channel. accountID is the tenant every update is
// attributed to; multi-tenant Telegram needs one bot (and one Channel) per
// account.
func New(cfg config.TelegramConfig, sink channels.Sink, accountID string) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{bot: bot, cfg: cfg, sink: sink, accountID: accountID}, nil
}

func (c *Channel) Name() string        { return "telegram" }
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

// SendText delivers a reply into the chat identified by threadID.
func (c *Channel) SendText(ctx context.Context, accountID, threadID, text string) error {
	chatID, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram thread id %q: %w", threadID, err)
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Start begins long polling for updates.
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
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message == nil || update.Message.Text == "" {
					continue
				}
				c.handleMessage(pollCtx, update.Message)
			}
		}
	}()
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From != nil && msg.From.IsBot {
		return
	}
	ev := model.InboundEvent{
		AccountID: c.accountID,
		Channel:   "telegram",
		ThreadID:  strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Content:   msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		ev.SenderID = strconv.FormatInt(msg.From.ID, 10)
	}
	if err := c.sink.HandleInbound(ctx, ev); err != nil {
		slog.Error("telegram inbound rejected", "chat_id", ev.ThreadID, "error", err)
	}
}

// Stop cancels long polling and waits for the goroutine to exit so Telegram
// releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}
