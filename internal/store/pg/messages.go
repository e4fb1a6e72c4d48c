package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/store"
)

// MessageStore implements store.MessageStore on Postgres. The UNIQUE
// constraint on (account_id, channel, thread_id, message_id) is the
// pipeline's idempotency gate.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `id, account_id, channel, thread_id, message_id, content,
	direction, sender_id, ts, processed_at, sent_at, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var m model.Message
	var direction string
	if err := row.Scan(&m.ID, &m.AccountID, &m.Channel, &m.ThreadID, &m.MessageID,
		&m.Content, &direction, &m.SenderID, &m.Timestamp,
		&m.ProcessedAt, &m.SentAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Direction = model.Direction(direction)
	return &m, nil
}

func (s *MessageStore) Insert(ctx context.Context, m *model.Message) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, account_id, channel, thread_id, message_id, content,
		                       direction, sender_id, ts, processed_at, sent_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (account_id, channel, thread_id, message_id) DO NOTHING`,
		m.ID, m.AccountID, m.Channel, m.ThreadID, m.MessageID, m.Content,
		string(m.Direction), m.SenderID, m.Timestamp, m.ProcessedAt, m.SentAt, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *MessageStore) Get(ctx context.Context, accountID, channel, threadID, messageID string) (*model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE account_id = $1 AND channel = $2 AND thread_id = $3 AND message_id = $4`,
		accountID, channel, threadID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *MessageStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL`,
		id, at)
	if err != nil {
		return fmt.Errorf("mark message processed: %w", err)
	}
	return nil
}

func (s *MessageStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET sent_at = $2 WHERE id = $1 AND sent_at IS NULL`,
		id, at)
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	return nil
}

func (s *MessageStore) ListRecent(ctx context.Context, accountID string, limit int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
