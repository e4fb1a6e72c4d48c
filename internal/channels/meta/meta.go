// Package meta implements the webhook-push channel for the Meta Graph
// platform. Facebook Messenger and WhatsApp Cloud share one webhook
// surface and one send API; the normalized channel name distinguishes
// them ("facebook" vs "whatsapp").
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bridgekit/dmgate/internal/channels"
	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/model"
)

const defaultGraphURL = "https://graph.facebook.com/v19.0"

// Channel sends replies through the Graph API. Inbound traffic arrives via
// HandleWebhook, which the gateway mounts; there is nothing to poll.
type Channel struct {
	cfg      config.MetaConfig
	graphURL string
	client   *http.Client
	sink     channels.Sink
	name     string
}

// NewMessenger returns the Facebook Messenger face of the Graph channel.
func NewMessenger(cfg config.MetaConfig, sink channels.Sink) *Channel {
	return newChannel(cfg, sink, "facebook")
}

// NewWhatsApp returns the WhatsApp Cloud face of the Graph channel.
func NewWhatsApp(cfg config.MetaConfig, sink channels.Sink) *Channel {
	return newChannel(cfg, sink, "whatsapp")
}

func newChannel(cfg config.MetaConfig, sink channels.Sink, name string) *Channel {
	graph := cfg.GraphURL
	if graph == "" {
		graph = defaultGraphURL
	}
	return &Channel{
		cfg:      cfg,
		graphURL: strings.TrimRight(graph, "/"),
		client:   &http.Client{Timeout: 20 * time.Second},
		sink:     sink,
		name:     name,
	}
}

func (c *Channel) Name() string        { return c.name }
func (c *Channel) Mode() channels.Mode { return channels.ModePush }

// RestoreSession is a no-op: the page token in config is the credential.
func (c *Channel) RestoreSession(ctx context.Context, sess *model.Session) error {
	if c.cfg.PageToken == "" {
		return channels.ErrSessionInvalid
	}
	return nil
}

func (c *Channel) FetchInbox(ctx context.Context, accountID string, limit int) ([]model.InboxThread, error) {
	return nil, channels.ErrUnsupported
}

// SendText delivers a reply. For Messenger threadID is the PSID; for
// WhatsApp it is the recipient phone number.
func (c *Channel) SendText(ctx context.Context, accountID, threadID, text string) error {
	var path string
	var payload any
	if c.name == "whatsapp" {
		path = "/" + c.cfg.WhatsAppPhoneID + "/messages"
		payload = map[string]any{
			"messaging_product": "whatsapp",
			"to":                threadID,
			"type":              "text",
			"text":              map[string]string{"body": text},
		}
	} else {
		path = "/me/messages"
		payload = map[string]any{
			"recipient":      map[string]string{"id": threadID},
			"message":        map[string]string{"text": text},
			"messaging_type": "RESPONSE",
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.PageToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &channels.RateLimitedError{}
	case resp.StatusCode == http.StatusUnauthorized:
		return channels.ErrSessionInvalid
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graph send: status %d: %s", resp.StatusCode, raw)
	}
	return nil
}

// VerifyToken handles the GET subscription handshake. It returns the
// challenge to echo, or false when the token does not match.
func (c *Channel) VerifyToken(mode, token, challenge string) (string, bool) {
	if mode == "subscribe" && token == c.cfg.VerifyToken && c.cfg.VerifyToken != "" {
		return challenge, true
	}
	return "", false
}

// HandleWebhook parses a webhook POST body and feeds every text message in
// it into the sink. Parse failures on individual entries are logged and
// skipped so one malformed entry never blocks the batch; the caller always
// replies 200 regardless.
func (c *Channel) HandleWebhook(ctx context.Context, accountID string, body []byte) error {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode webhook body: %w", err)
	}

	for _, ev := range c.normalize(payload) {
		ev.AccountID = accountID
		if err := c.sink.HandleInbound(ctx, ev); err != nil {
			slog.Error("webhook inbound rejected",
				"channel", ev.Channel, "thread_id", ev.ThreadID, "error", err)
		}
	}
	return nil
}

func (c *Channel) normalize(p webhookPayload) []model.InboundEvent {
	var out []model.InboundEvent
	for _, entry := range p.Entry {
		// Messenger shape.
		for _, m := range entry.Messaging {
			if m.Message.Text == "" || m.Message.IsEcho {
				continue
			}
			out = append(out, model.InboundEvent{
				Channel:   "facebook",
				ThreadID:  m.Sender.ID,
				MessageID: m.Message.MID,
				SenderID:  m.Sender.ID,
				Content:   m.Message.Text,
				Timestamp: time.UnixMilli(m.Timestamp),
			})
		}
		// WhatsApp Cloud shape.
		for _, ch := range entry.Changes {
			for _, m := range ch.Value.Messages {
				if m.Type != "text" || m.Text.Body == "" {
					continue
				}
				ts, _ := strconv.ParseInt(m.Timestamp, 10, 64)
				out = append(out, model.InboundEvent{
					Channel:   "whatsapp",
					ThreadID:  m.From,
					MessageID: m.ID,
					SenderID:  m.From,
					Content:   m.Text.Body,
					Timestamp: time.Unix(ts, 0),
				})
			}
		}
	}
	return out
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Timestamp int64 `json:"timestamp"`
			Message   struct {
				MID    string `json:"mid"`
				Text   string `json:"text"`
				IsEcho bool   `json:"is_echo"`
			} `json:"message"`
		} `json:"messaging"`
		Changes []struct {
			Value struct {
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}
