// Package ingest is the single entry point for inbound platform messages.
// The poller and the push channels both hand their normalized messages to
// the Pipeline, which applies the pipeline ordering every inbound message
// goes through: persist, advance the thread cursor, enqueue for the
// worker, then broadcast to dashboard subscribers.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bridgekit/dmgate/internal/bus"
	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/store"
	"github.com/bridgekit/dmgate/pkg/protocol"
)

// Pipeline wires the stores and the broadcast hub together.
type Pipeline struct {
	accounts store.AccountStore
	messages store.MessageStore
	cursors  store.CursorStore
	queue    store.Queue
	pub      bus.AccountPublisher
	cooldown time.Duration

	now func() time.Time
}

func New(stores *store.Stores, pub bus.AccountPublisher, cooldown time.Duration) *Pipeline {
	if pub == nil {
		pub = bus.NopPublisher{}
	}
	return &Pipeline{
		accounts: stores.Accounts,
		messages: stores.Messages,
		cursors:  stores.Cursors,
		queue:    stores.Queue,
		pub:      pub,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Ingest runs one inbound message through the pipeline. It returns false
// without error when the message was already seen; nothing downstream runs
// in that case.
//
// The persist step is the dedup gate: only the goroutine whose insert
// created the row proceeds to cursor, queue and broadcast, so a message id
// is enqueued at most once no matter how many pollers or webhooks race on
// it.
func (p *Pipeline) Ingest(ctx context.Context, acct *model.Account, channel, threadID string, in model.InboxMessage, participants []string) (bool, error) {
	msg := &model.Message{
		AccountID: acct.ID,
		Channel:   channel,
		ThreadID:  threadID,
		MessageID: in.MessageID,
		Content:   in.Content,
		Direction: model.DirectionIncoming,
		SenderID:  in.SenderID,
		Timestamp: in.Timestamp,
	}
	inserted, err := p.messages.Insert(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("persist message: %w", err)
	}
	if !inserted {
		return false, nil
	}

	now := p.now()
	cursor := &model.ThreadCursor{
		AccountID:       acct.ID,
		Channel:         channel,
		ThreadID:        threadID,
		LastMessageID:   in.MessageID,
		LastProcessedAt: in.Timestamp,
		CooldownUntil:   now.Add(p.cooldown),
		Participants:    participants,
	}
	if err := p.cursors.Upsert(ctx, cursor); err != nil {
		return true, fmt.Errorf("advance cursor: %w", err)
	}

	env := model.QueueEnvelope{
		AccountID:   acct.ID,
		ThreadID:    threadID,
		MessageText: in.Content,
		UserID:      in.SenderID,
		MessageID:   in.MessageID,
		Timestamp:   in.Timestamp,
		RoutingID:   acct.RoutingID,
		Channel:     channel,
	}
	if err := p.queue.Enqueue(ctx, env); err != nil {
		return true, fmt.Errorf("enqueue: %w", err)
	}

	// Broadcast is best effort: a dashboard with no subscribers is not an
	// ingestion failure.
	p.pub.BroadcastToAccount(acct.RoutingID, bus.Event{
		Name: protocol.EventPlatformMessage,
		Payload: map[string]any{
			"channel":   channel,
			"threadId":  threadID,
			"messageId": in.MessageID,
			"userId":    in.SenderID,
			"message":   in.Content,
			"timestamp": in.Timestamp,
		},
	})

	slog.Info("message ingested",
		"account_id", acct.ID, "channel", channel, "thread_id", threadID, "message_id", in.MessageID)
	return true, nil
}

// HandleInbound is the push-channel entry point. It resolves the account
// and runs the event through Ingest.
func (p *Pipeline) HandleInbound(ctx context.Context, ev model.InboundEvent) error {
	acct, err := p.accounts.Get(ctx, ev.AccountID)
	if err != nil {
		return fmt.Errorf("resolve account %s: %w", ev.AccountID, err)
	}
	_, err = p.Ingest(ctx, acct, ev.Channel, ev.ThreadID, model.InboxMessage{
		MessageID: ev.MessageID,
		SenderID:  ev.SenderID,
		Content:   ev.Content,
		Timestamp: ev.Timestamp,
	}, []string{ev.SenderID})
	return err
}
