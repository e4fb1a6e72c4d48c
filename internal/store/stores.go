// Package store defines the durable persistence interfaces for the pipeline.
// The durable store is the single source of truth; caches layered above it
// are optimizations only.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bridgekit/dmgate/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AccountStore persists tenant accounts.
type AccountStore interface {
	Get(ctx context.Context, id string) (*model.Account, error)
	GetByRoutingID(ctx context.Context, routingID string) (*model.Account, error)
	List(ctx context.Context) ([]model.Account, error)
	Create(ctx context.Context, a *model.Account) error
	// MarkNeedsReauth flags the account after a semantic auth failure.
	MarkNeedsReauth(ctx context.Context, id string) error
	// ClearChannelIdentity removes the account's saved identity for a channel
	// so the scheduler stops polling it on the next tick.
	ClearChannelIdentity(ctx context.Context, id, channel string) error
}

// SessionStore persists serialized per-account authentication contexts.
type SessionStore interface {
	Get(ctx context.Context, accountID, channel string) (*model.Session, error)
	Upsert(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, accountID, channel string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MessageStore persists immutable messages keyed by the pipeline idempotency
// tuple (accountID, channel, threadID, messageID).
type MessageStore interface {
	// Insert persists a message. It returns false without error when a row
	// with the same idempotency key already exists.
	Insert(ctx context.Context, m *model.Message) (bool, error)
	Get(ctx context.Context, accountID, channel, threadID, messageID string) (*model.Message, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkSent(ctx context.Context, id string, at time.Time) error
	ListRecent(ctx context.Context, accountID string, limit int) ([]model.Message, error)
}

// CursorStore persists per-thread processing cursors.
type CursorStore interface {
	// Get returns nil, ErrNotFound when the thread has never been processed.
	Get(ctx context.Context, accountID, channel, threadID string) (*model.ThreadCursor, error)
	// Upsert writes the cursor. Implementations must keep last_processed_at
	// monotonically non-decreasing regardless of the value passed in.
	Upsert(ctx context.Context, c *model.ThreadCursor) error
}

// Queue is the durable at-least-once work queue.
type Queue interface {
	Enqueue(ctx context.Context, env model.QueueEnvelope) error
	// Claim leases at most one visible item (prefetch-1 semantics) and
	// increments its attempt count. It returns nil, nil when the queue has
	// no visible work.
	Claim(ctx context.Context) (*model.QueueItem, error)
	// Ack removes a delivered item.
	Ack(ctx context.Context, id string) error
	// Requeue makes a claimed item visible again at the given time.
	Requeue(ctx context.Context, id string, visibleAt time.Time) error
	// DeadLetter moves a claimed item into the dead-letter table.
	DeadLetter(ctx context.Context, item *model.QueueItem, lastError string) error
	// Depth returns the number of queued items, visible or leased.
	Depth(ctx context.Context) (int, error)
}

// DeadLetterStore exposes terminally failed envelopes for inspection.
type DeadLetterStore interface {
	List(ctx context.Context, limit int) ([]model.DeadLetter, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Stores bundles every store implementation for one backend.
type Stores struct {
	Accounts    AccountStore
	Sessions    SessionStore
	Messages    MessageStore
	Cursors     CursorStore
	Queue       Queue
	DeadLetters DeadLetterStore

	// Close releases the underlying database handle.
	Close func() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Mode        string // "postgres" or "sqlite"
	PostgresDSN string
	SQLitePath  string
	// ClaimLease is how long a claimed queue item stays invisible before a
	// crashed consumer's work becomes redeliverable.
	ClaimLease time.Duration
}
