// Package queue consumes the durable work queue: each claimed envelope is
// relayed to the AI backend and the reply delivered back to the surface.
// Failures requeue with exponential backoff until the attempt ceiling,
// then the envelope moves to the dead-letter table.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bridgekit/dmgate/internal/bus"
	"github.com/bridgekit/dmgate/internal/channels"
	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/ratelimit"
	"github.com/bridgekit/dmgate/internal/relay"
	"github.com/bridgekit/dmgate/internal/sessions"
	"github.com/bridgekit/dmgate/internal/store"
	"github.com/bridgekit/dmgate/pkg/protocol"
)

// Relay is the slice of the relay client the worker needs.
type Relay interface {
	Reply(ctx context.Context, req relay.Request) (string, error)
}

// Worker drains the queue one envelope at a time. Multiple workers may run
// against the same queue; the claim lease keeps them from overlapping on
// an item.
type Worker struct {
	cfg      config.QueueConfig
	stores   *store.Stores
	registry *channels.Registry
	sessions *sessions.Manager
	limiter  *ratelimit.Limiter
	relay    Relay
	pub      bus.AccountPublisher
	tracer   trace.Tracer
}

func NewWorker(
	cfg config.QueueConfig,
	stores *store.Stores,
	registry *channels.Registry,
	sess *sessions.Manager,
	limiter *ratelimit.Limiter,
	rly Relay,
	pub bus.AccountPublisher,
) *Worker {
	if pub == nil {
		pub = bus.NopPublisher{}
	}
	return &Worker{
		cfg:      cfg,
		stores:   stores,
		registry: registry,
		sessions: sess,
		limiter:  limiter,
		relay:    rly,
		pub:      pub,
		tracer:   otel.Tracer("dmgate/queue"),
	}
}

// Run claims and processes items until the context is cancelled. An empty
// queue is polled on the configured interval.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("queue claim failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval()):
		}
	}
}

// ProcessOne claims at most one item and runs it to a terminal state for
// this attempt: ack, requeue or dead-letter. It reports whether an item
// was claimed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	item, err := w.stores.Queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	ctx, span := w.tracer.Start(ctx, "queue.process", trace.WithAttributes(
		attribute.String("queue.id", item.ID),
		attribute.String("account.id", item.Envelope.AccountID),
		attribute.String("channel", item.Envelope.Channel),
		attribute.Int("attempt", item.Attempts),
	))
	defer span.End()

	if err := w.handle(ctx, item); err != nil {
		w.dispose(ctx, item, err)
	} else if err := w.stores.Queue.Ack(ctx, item.ID); err != nil {
		slog.Error("ack queue item", "queue_id", item.ID, "error", err)
	}
	return true, nil
}

// handle runs one envelope through relay and delivery. Every step is
// idempotent, so a crash between any two steps is repaired by the retry:
// the inbound row's processed marker, the deterministic reply row and its
// sent marker each record progress exactly once.
func (w *Worker) handle(ctx context.Context, item *model.QueueItem) error {
	env := item.Envelope

	inbound, err := w.stores.Messages.Get(ctx, env.AccountID, env.Channel, env.ThreadID, env.MessageID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load inbound message: %w", err)
	}
	if inbound != nil && inbound.ProcessedAt != nil {
		return nil
	}

	ch := w.registry.Get(env.Channel)
	if ch == nil {
		return fmt.Errorf("%w: channel %q not enabled", errTerminal, env.Channel)
	}
	// Push channels authenticate through their configured tokens and carry
	// no durable session row.
	if ch.Mode() == channels.ModePoll {
		if _, err := w.sessions.Ensure(ctx, env.AccountID, env.Channel); err != nil {
			return err
		}
	}

	replyID := model.ReplyMessageID(env.MessageID)
	outbound, err := w.stores.Messages.Get(ctx, env.AccountID, env.Channel, env.ThreadID, replyID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load reply message: %w", err)
	}

	var replyText string
	switch {
	case outbound != nil && outbound.SentAt != nil:
		// A previous attempt delivered the reply; only the processed
		// marker is missing.
		return w.finish(ctx, inbound, env, outbound.Content)
	case outbound != nil:
		// Relay already answered on a previous attempt; resume at delivery.
		replyText = outbound.Content
	default:
		replyText, err = w.relay.Reply(ctx, relay.Request{
			RoutingID: env.RoutingID,
			Identity:  env.UserID,
			Message:   env.MessageText,
		})
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		if replyText == "" {
			// The backend chose not to answer. Nothing to deliver.
			return w.markProcessed(ctx, inbound)
		}
		outbound = &model.Message{
			AccountID: env.AccountID,
			Channel:   env.Channel,
			ThreadID:  env.ThreadID,
			MessageID: replyID,
			Content:   replyText,
			Direction: model.DirectionOutgoing,
			Timestamp: time.Now(),
		}
		if _, err := w.stores.Messages.Insert(ctx, outbound); err != nil {
			return fmt.Errorf("persist reply: %w", err)
		}
	}

	// The outbound send draws from the same budgets as the pollers.
	if err := w.limiter.Wait(ctx, env.AccountID); err != nil {
		return fmt.Errorf("send budget: %w", err)
	}
	if err := ch.SendText(ctx, env.AccountID, env.ThreadID, replyText); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	if err := w.stores.Messages.MarkSent(ctx, outbound.ID, time.Now()); err != nil {
		slog.Error("mark reply sent", "message_id", outbound.ID, "error", err)
	}
	return w.finish(ctx, inbound, env, replyText)
}

func (w *Worker) finish(ctx context.Context, inbound *model.Message, env model.QueueEnvelope, replyText string) error {
	if err := w.markProcessed(ctx, inbound); err != nil {
		return err
	}
	w.pub.BroadcastToAccount(env.RoutingID, bus.Event{
		Name: protocol.EventBotReply,
		Payload: map[string]any{
			"channel":   env.Channel,
			"threadId":  env.ThreadID,
			"messageId": env.MessageID,
			"userId":    env.UserID,
			"message":   env.MessageText,
			"reply":     replyText,
			"timestamp": time.Now(),
		},
	})
	return nil
}

func (w *Worker) markProcessed(ctx context.Context, inbound *model.Message) error {
	if inbound == nil {
		return nil
	}
	if err := w.stores.Messages.MarkProcessed(ctx, inbound.ID, time.Now()); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// errTerminal marks failures no retry can fix.
var errTerminal = errors.New("terminal")

// dispose routes a failed attempt: terminal errors and exhausted attempts
// dead-letter, everything else requeues with exponential backoff.
func (w *Worker) dispose(ctx context.Context, item *model.QueueItem, cause error) {
	if errors.Is(cause, channels.ErrSessionInvalid) || errors.Is(cause, errTerminal) {
		w.deadLetter(ctx, item, cause)
		return
	}
	if item.Attempts >= w.cfg.MaxAttempts {
		w.deadLetter(ctx, item, cause)
		return
	}

	delay := w.cfg.RetryBase() << (item.Attempts - 1)
	var rl *channels.RateLimitedError
	if errors.As(cause, &rl) && rl.RetryAfter > delay {
		delay = rl.RetryAfter
	}
	slog.Warn("queue item requeued",
		"queue_id", item.ID, "attempt", item.Attempts, "retry_in", delay, "error", cause)
	if err := w.stores.Queue.Requeue(ctx, item.ID, time.Now().Add(delay)); err != nil {
		slog.Error("requeue", "queue_id", item.ID, "error", err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, item *model.QueueItem, cause error) {
	slog.Error("queue item dead-lettered",
		"queue_id", item.ID, "attempts", item.Attempts, "error", cause)
	if err := w.stores.Queue.DeadLetter(ctx, item, cause.Error()); err != nil {
		slog.Error("move to dead letters", "queue_id", item.ID, "error", err)
	}
}
