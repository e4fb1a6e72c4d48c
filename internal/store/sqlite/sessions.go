package sqlite

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

// SessionStore implements store.SessionStore on SQLite.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Get(ctx context.Context, accountID, channel string) (*model.Session, error) {
	var sess model.Session
	var expires, created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, channel, credentials, expires_at, created_at, updated_at
		 FROM sessions WHERE account_id = ? AND channel = ?`,
		accountID, channel,
	).Scan(&sess.ID, &sess.AccountID, &sess.Channel, &sess.Credentials,
		&expires, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.ExpiresAt = fromNanos(expires)
	sess.CreatedAt = fromNanos(created)
	sess.UpdatedAt = fromNanos(updated)
	return &sess, nil
}

func (s *SessionStore) Upsert(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, account_id, channel, credentials, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, channel) DO UPDATE SET
		   credentials = excluded.credentials,
		   expires_at  = excluded.expires_at,
		   updated_at  = excluded.updated_at`,
		sess.ID, sess.AccountID, sess.Channel, sess.Credentials,
		nanos(sess.ExpiresAt), nanos(sess.CreatedAt), nanos(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, accountID, channel string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE account_id = ? AND channel = ?`,
		accountID, channel)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, nanos(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
