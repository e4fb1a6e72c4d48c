// Package sqlite implements the durable stores on SQLite (pure-Go driver)
// for standalone single-process deployments. The schema is applied at open
// time; timestamps are stored as Unix nanoseconds.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bridgekit/dmgate/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    routing_id   TEXT NOT NULL UNIQUE,
    ig_username  TEXT NOT NULL DEFAULT '',
    needs_reauth INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL,
    channel     TEXT NOT NULL,
    credentials TEXT NOT NULL,
    expires_at  INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    UNIQUE (account_id, channel)
);

CREATE TABLE IF NOT EXISTS thread_cursors (
    account_id        TEXT NOT NULL,
    channel           TEXT NOT NULL,
    thread_id         TEXT NOT NULL,
    last_message_id   TEXT NOT NULL DEFAULT '',
    last_processed_at INTEGER NOT NULL,
    cooldown_until    INTEGER NOT NULL,
    participants      TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (account_id, channel, thread_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL,
    channel      TEXT NOT NULL,
    thread_id    TEXT NOT NULL,
    message_id   TEXT NOT NULL,
    content      TEXT NOT NULL,
    direction    TEXT NOT NULL,
    sender_id    TEXT NOT NULL DEFAULT '',
    ts           INTEGER NOT NULL,
    processed_at INTEGER,
    sent_at      INTEGER,
    created_at   INTEGER NOT NULL,
    UNIQUE (account_id, channel, thread_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_account_recent
    ON messages (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS work_queue (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    channel    TEXT NOT NULL,
    payload    TEXT NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    visible_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_work_queue_visible
    ON work_queue (visible_at, created_at);

CREATE TABLE IF NOT EXISTS dead_letters (
    id         TEXT PRIMARY KEY,
    queue_id   TEXT NOT NULL,
    account_id TEXT NOT NULL,
    channel    TEXT NOT NULL,
    payload    TEXT NOT NULL,
    attempts   INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    failed_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at
    ON dead_letters (failed_at);
`

// OpenDB opens (or creates) the SQLite database and applies the schema.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite",
		"file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver is not safe for concurrent writes over multiple conns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

const defaultClaimLease = 5 * time.Minute

// NewStores creates all stores backed by a single SQLite file.
func NewStores(cfg store.Config) (*store.Stores, error) {
	db, err := OpenDB(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	lease := cfg.ClaimLease
	if lease <= 0 {
		lease = defaultClaimLease
	}

	queue := NewQueue(db, lease)
	return &store.Stores{
		Accounts:    NewAccountStore(db),
		Sessions:    NewSessionStore(db),
		Messages:    NewMessageStore(db),
		Cursors:     NewCursorStore(db),
		Queue:       queue,
		DeadLetters: queue,
		Close:       db.Close,
	}, nil
}

// nanos converts a time to its stored representation.
func nanos(t time.Time) int64 { return t.UnixNano() }

// fromNanos converts a stored timestamp back to a time.
func fromNanos(n int64) time.Time { return time.Unix(0, n) }

// nullNanos converts an optional time for storage.
func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// timePtr converts a nullable stored timestamp.
func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
