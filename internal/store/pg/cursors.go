package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/store"
)

// CursorStore implements store.CursorStore on Postgres.
type CursorStore struct {
	db *sql.DB
}

func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

func (s *CursorStore) Get(ctx context.Context, accountID, channel, threadID string) (*model.ThreadCursor, error) {
	var c model.ThreadCursor
	var participants []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, channel, thread_id, last_message_id, last_processed_at,
		        cooldown_until, participants
		 FROM thread_cursors
		 WHERE account_id = $1 AND channel = $2 AND thread_id = $3`,
		accountID, channel, threadID,
	).Scan(&c.AccountID, &c.Channel, &c.ThreadID, &c.LastMessageID,
		&c.LastProcessedAt, &c.CooldownUntil, &participants)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &c.Participants); err != nil {
			return nil, fmt.Errorf("decode cursor participants: %w", err)
		}
	}
	return &c, nil
}

func (s *CursorStore) Upsert(ctx context.Context, c *model.ThreadCursor) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode cursor participants: %w", err)
	}
	if c.Participants == nil {
		participants = []byte("[]")
	}

	// GREATEST keeps last_processed_at monotonically non-decreasing even if
	// two ingest paths race on the same thread.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO thread_cursors (account_id, channel, thread_id, last_message_id,
		                             last_processed_at, cooldown_until, participants)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (account_id, channel, thread_id) DO UPDATE SET
		   last_message_id   = EXCLUDED.last_message_id,
		   last_processed_at = GREATEST(thread_cursors.last_processed_at, EXCLUDED.last_processed_at),
		   cooldown_until    = EXCLUDED.cooldown_until,
		   participants      = EXCLUDED.participants`,
		c.AccountID, c.Channel, c.ThreadID, c.LastMessageID,
		c.LastProcessedAt, c.CooldownUntil, participants)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}
