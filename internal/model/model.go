// Package model holds the persistent and wire types shared across the
// ingestion pipeline: accounts, sessions, thread cursors, messages and
// queue envelopes.
package model

import "time"

// Direction marks whether a message was received from or sent to the
// external surface.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Account is a tenant. The AI backend is addressed by RoutingID; channel
// identities (e.g. the Instagram username) live here so the scheduler can
// tell whether an account has anything to poll.
type Account struct {
	ID           string
	Name         string
	RoutingID    string
	IGUsername   string
	NeedsReauth  bool
	CreatedAt    time.Time
}

// Session is the serialized per-account authentication context for one
// channel. At most one non-expired session exists per (AccountID, Channel).
type Session struct {
	ID          string
	AccountID   string
	Channel     string
	Credentials string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired reports whether the session is past its platform-side expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ThreadCursor records the last processed message per thread and gates
// reprocessing. LastProcessedAt is monotonically non-decreasing.
type ThreadCursor struct {
	AccountID       string
	Channel         string
	ThreadID        string
	LastMessageID   string
	LastProcessedAt time.Time
	CooldownUntil   time.Time
	Participants    []string
}

// InCooldown reports whether the thread is still inside its cooldown window.
func (c *ThreadCursor) InCooldown(now time.Time) bool {
	return c != nil && now.Before(c.CooldownUntil)
}

// Message is an immutable persisted message. The tuple
// (AccountID, Channel, ThreadID, MessageID) is the idempotency key for the
// whole pipeline.
//
// Incoming rows set ProcessedAt once the worker has replied (or decided no
// reply is needed). Outgoing rows set SentAt once delivery to the surface
// succeeded; an outgoing row without SentAt is a reply the worker still owes
// the surface.
type Message struct {
	ID          string
	AccountID   string
	Channel     string
	ThreadID    string
	MessageID   string
	Content     string
	Direction   Direction
	SenderID    string
	Timestamp   time.Time
	ProcessedAt *time.Time
	SentAt      *time.Time
	CreatedAt   time.Time
}

// DedupKey returns the idempotency key tuple in canonical order.
func (m *Message) DedupKey() [4]string {
	return [4]string{m.AccountID, m.Channel, m.ThreadID, m.MessageID}
}

// ReplyMessageID derives the deterministic message id for the bot reply to
// an inbound message. Retries of the same envelope always target the same
// outgoing row, which is what makes outbound handling idempotent.
func ReplyMessageID(inboundMessageID string) string {
	return "reply:" + inboundMessageID
}

// QueueEnvelope is the unit of work placed on the durable queue. Field names
// match the queue wire schema.
type QueueEnvelope struct {
	AccountID   string    `json:"accountId"`
	ThreadID    string    `json:"threadId"`
	MessageText string    `json:"messageText"`
	UserID      string    `json:"userId"`
	MessageID   string    `json:"messageId"`
	Timestamp   time.Time `json:"timestamp"`
	RoutingID   string    `json:"routingId"`
	Channel     string    `json:"channel"`
}

// QueueItem is a claimed queue row: the envelope plus delivery bookkeeping.
type QueueItem struct {
	ID        string
	Envelope  QueueEnvelope
	Attempts  int
	VisibleAt time.Time
	CreatedAt time.Time
}

// DeadLetter is an envelope that exhausted its delivery attempts. It stays
// queryable for operational inspection until maintenance purges it.
type DeadLetter struct {
	ID        string
	QueueID   string
	AccountID string
	Channel   string
	Envelope  QueueEnvelope
	Attempts  int
	LastError string
	FailedAt  time.Time
}
