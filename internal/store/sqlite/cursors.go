package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/store"
)

// CursorStore implements store.CursorStore on SQLite.
type CursorStore struct {
	db *sql.DB
}

func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

func (s *CursorStore) Get(ctx context.Context, accountID, channel, threadID string) (*model.ThreadCursor, error) {
	var c model.ThreadCursor
	var processed, cooldown int64
	var participants string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, channel, thread_id, last_message_id, last_processed_at,
		        cooldown_until, participants
		 FROM thread_cursors
		 WHERE account_id = ? AND channel = ? AND thread_id = ?`,
		accountID, channel, threadID,
	).Scan(&c.AccountID, &c.Channel, &c.ThreadID, &c.LastMessageID,
		&processed, &cooldown, &participants)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	c.LastProcessedAt = fromNanos(processed)
	c.CooldownUntil = fromNanos(cooldown)
	if participants != "" {
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("decode cursor participants: %w", err)
		}
	}
	return &c, nil
}

func (s *CursorStore) Upsert(ctx context.Context, c *model.ThreadCursor) error {
	participants := []byte("[]")
	if c.Participants != nil {
		var err error
		participants, err = json.Marshal(c.Participants)
		if err != nil {
			return fmt.Errorf("encode cursor participants: %w", err)
		}
	}

	// MAX keeps last_processed_at monotonically non-decreasing even if two
	// ingest paths race on the same thread.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_cursors (account_id, channel, thread_id, last_message_id,
		                             last_processed_at, cooldown_until, participants)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, channel, thread_id) DO UPDATE SET
		   last_message_id   = excluded.last_message_id,
		   last_processed_at = MAX(thread_cursors.last_processed_at, excluded.last_processed_at),
		   cooldown_until    = excluded.cooldown_until,
		   participants      = excluded.participants`,
		c.AccountID, c.Channel, c.ThreadID, c.LastMessageID,
		nanos(c.LastProcessedAt), nanos(c.CooldownUntil), string(participants))
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}
