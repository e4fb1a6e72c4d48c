package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bridgekit/dmgate/internal/bus"
	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/store"
	"github.com/bridgekit/dmgate/internal/store/sqlite"
	"github.com/bridgekit/dmgate/pkg/protocol"
)

type capturePub struct {
	mu     sync.Mutex
	events []bus.Event
	routes []string
}

func (c *capturePub) BroadcastToAccount(routingID string, ev bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = append(c.routes, routingID)
	c.events = append(c.events, ev)
}

func setup(t *testing.T) (*Pipeline, *store.Stores, *capturePub, *model.Account) {
	t.Helper()
	stores, err := sqlite.NewStores(store.Config{
		SQLitePath: filepath.Join(t.TempDir(), "ingest.db"),
		ClaimLease: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stores.Close() })

	acct := &model.Account{Name: "Acme", RoutingID: "bot-acme"}
	if err := stores.Accounts.Create(context.Background(), acct); err != nil {
		t.Fatal(err)
	}

	pub := &capturePub{}
	return New(stores, pub, 2*time.Minute), stores, pub, acct
}

func TestIngestFullPipeline(t *testing.T) {
	p, stores, pub, acct := setup(t)
	ctx := context.Background()

	in := model.InboxMessage{
		MessageID: "m1", SenderID: "u1", Content: "hello",
		Timestamp: time.Now().Truncate(time.Millisecond),
	}
	ok, err := p.Ingest(ctx, acct, "instagram", "t1", in, []string{"u1", "acme.dm"})
	if err != nil || !ok {
		t.Fatalf("Ingest = %v, %v", ok, err)
	}

	// Persisted.
	msg, err := stores.Messages.Get(ctx, acct.ID, "instagram", "t1", "m1")
	if err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if msg.Direction != model.DirectionIncoming || msg.Content != "hello" {
		t.Fatalf("persisted row mismatch: %+v", msg)
	}

	// Cursor advanced with cooldown.
	cur, err := stores.Cursors.Get(ctx, acct.ID, "instagram", "t1")
	if err != nil {
		t.Fatalf("cursor not written: %v", err)
	}
	if cur.LastMessageID != "m1" || !cur.InCooldown(time.Now()) {
		t.Fatalf("cursor = %+v", cur)
	}

	// Enqueued with the account's routing id.
	item, err := stores.Queue.Claim(ctx)
	if err != nil || item == nil {
		t.Fatalf("claim = %v, %v", item, err)
	}
	if item.Envelope.RoutingID != "bot-acme" || item.Envelope.MessageText != "hello" {
		t.Fatalf("envelope = %+v", item.Envelope)
	}

	// Broadcast to the routing id.
	if len(pub.events) != 1 || pub.routes[0] != "bot-acme" {
		t.Fatalf("broadcast = %v %v", pub.routes, pub.events)
	}
	if pub.events[0].Name != protocol.EventPlatformMessage {
		t.Fatalf("event name = %q", pub.events[0].Name)
	}
}

func TestIngestDuplicateIsNoop(t *testing.T) {
	p, stores, pub, acct := setup(t)
	ctx := context.Background()

	in := model.InboxMessage{MessageID: "m1", SenderID: "u1", Content: "hi", Timestamp: time.Now()}
	if ok, err := p.Ingest(ctx, acct, "instagram", "t1", in, nil); err != nil || !ok {
		t.Fatalf("first ingest: %v, %v", ok, err)
	}
	ok, err := p.Ingest(ctx, acct, "instagram", "t1", in, nil)
	if err != nil {
		t.Fatalf("duplicate ingest errored: %v", err)
	}
	if ok {
		t.Fatal("duplicate must report not-ingested")
	}

	if depth, _ := stores.Queue.Depth(ctx); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
	if len(pub.events) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(pub.events))
	}
}

func TestHandleInboundResolvesAccount(t *testing.T) {
	p, stores, _, acct := setup(t)
	ctx := context.Background()

	ev := model.InboundEvent{
		AccountID: acct.ID,
		Channel:   "telegram",
		ThreadID:  "chat-9",
		MessageID: "42",
		SenderID:  "u9",
		Content:   "yo",
		Timestamp: time.Now(),
	}
	if err := p.HandleInbound(ctx, ev); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	item, err := stores.Queue.Claim(ctx)
	if err != nil || item == nil {
		t.Fatalf("claim = %v, %v", item, err)
	}
	if item.Envelope.Channel != "telegram" || item.Envelope.RoutingID != acct.RoutingID {
		t.Fatalf("envelope = %+v", item.Envelope)
	}
}

func TestHandleInboundUnknownAccount(t *testing.T) {
	p, _, _, _ := setup(t)
	err := p.HandleInbound(context.Background(), model.InboundEvent{AccountID: "nope", Channel: "telegram"})
	if err == nil {
		t.Fatal("expected error for unknown account")
	}
}
