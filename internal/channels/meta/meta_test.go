package meta

import (
	"context"
	"sync"
	"testing"

	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/model"
)

type captureSink struct {
	mu     sync.Mutex
	events []model.InboundEvent
}

func (s *captureSink) HandleInbound(_ context.Context, ev model.InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

const messengerBody = `{
  "object": "page",
  "entry": [{
    "id": "page-1",
    "messaging": [
      {"sender": {"id": "psid-1"}, "timestamp": 1700000000000,
       "message": {"mid": "mid.1", "text": "hello there"}},
      {"sender": {"id": "psid-2"}, "timestamp": 1700000001000,
       "message": {"mid": "mid.2", "text": "echo copy", "is_echo": true}},
      {"sender": {"id": "psid-3"}, "timestamp": 1700000002000,
       "message": {"mid": "mid.3", "text": ""}}
    ]
  }]
}`

const whatsappBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "waba-1",
    "changes": [{
      "value": {
        "messages": [
          {"id": "wamid.1", "from": "15551234567", "timestamp": "1700000000",
           "type": "text", "text": {"body": "hi"}},
          {"id": "wamid.2", "from": "15551234567", "timestamp": "1700000001",
           "type": "image", "text": {"body": ""}}
        ]
      }
    }]
  }]
}`

func TestHandleWebhookMessenger(t *testing.T) {
	sink := &captureSink{}
	ch := NewMessenger(config.MetaConfig{PageToken: "tok"}, sink)

	if err := ch.HandleWebhook(context.Background(), "acct-1", []byte(messengerBody)); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1 (echoes and empty texts skipped)", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Channel != "facebook" || ev.ThreadID != "psid-1" || ev.MessageID != "mid.1" || ev.Content != "hello there" {
		t.Fatalf("normalized event mismatch: %+v", ev)
	}
	if ev.AccountID != "acct-1" {
		t.Fatalf("account id = %q", ev.AccountID)
	}
}

func TestHandleWebhookWhatsApp(t *testing.T) {
	sink := &captureSink{}
	ch := NewWhatsApp(config.MetaConfig{PageToken: "tok", WhatsAppPhoneID: "555"}, sink)

	if err := ch.HandleWebhook(context.Background(), "acct-1", []byte(whatsappBody)); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1 (non-text skipped)", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Channel != "whatsapp" || ev.ThreadID != "15551234567" || ev.MessageID != "wamid.1" || ev.Content != "hi" {
		t.Fatalf("normalized event mismatch: %+v", ev)
	}
}

func TestHandleWebhookMalformed(t *testing.T) {
	ch := NewMessenger(config.MetaConfig{}, &captureSink{})
	if err := ch.HandleWebhook(context.Background(), "acct-1", []byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestVerifyToken(t *testing.T) {
	ch := NewMessenger(config.MetaConfig{VerifyToken: "secret"}, &captureSink{})

	tests := []struct {
		name        string
		mode, token string
		wantOK      bool
	}{
		{"valid", "subscribe", "secret", true},
		{"wrong token", "subscribe", "guess", false},
		{"wrong mode", "unsubscribe", "secret", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challenge, ok := ch.VerifyToken(tt.mode, tt.token, "12345")
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && challenge != "12345" {
				t.Fatalf("challenge = %q", challenge)
			}
		})
	}
}

func TestVerifyTokenEmptyConfigured(t *testing.T) {
	ch := NewMessenger(config.MetaConfig{}, &captureSink{})
	if _, ok := ch.VerifyToken("subscribe", "", "c"); ok {
		t.Fatal("empty configured token must never verify")
	}
}
