package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bridgekit/dmgate/internal/model"
)

// Queue implements store.Queue and store.DeadLetterStore on SQLite.
//
// SQLite has no SKIP LOCKED; a process-local mutex serializes claims, which
// is sufficient because standalone mode runs a single consumer in-process.
// The visibility lease still protects against a crashed process: leased rows
// become visible again once the lease passes.
type Queue struct {
	db    *sql.DB
	lease time.Duration
	mu    sync.Mutex
}

func NewQueue(db *sql.DB, lease time.Duration) *Queue {
	return &Queue{db: db, lease: lease}
}

func (q *Queue) Enqueue(ctx context.Context, env model.QueueEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	now := time.Now()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO work_queue (id, account_id, channel, payload, attempts, visible_at, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), env.AccountID, env.Channel,
		string(payload), nanos(now), nanos(now))
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *Queue) Claim(ctx context.Context) (*model.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var (
		item    model.QueueItem
		payload string
		visible int64
		created int64
	)
	err := q.db.QueryRowContext(ctx,
		`UPDATE work_queue SET visible_at = ?, attempts = attempts + 1
		 WHERE id = (
		   SELECT id FROM work_queue WHERE visible_at <= ?
		   ORDER BY created_at LIMIT 1
		 )
		 RETURNING id, payload, attempts, visible_at, created_at`,
		nanos(now.Add(q.lease)), nanos(now),
	).Scan(&item.ID, &payload, &item.Attempts, &visible, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	item.VisibleAt = fromNanos(visible)
	item.CreatedAt = fromNanos(created)
	if err := json.Unmarshal([]byte(payload), &item.Envelope); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", item.ID, err)
	}
	return &item, nil
}

func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM work_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (q *Queue) Requeue(ctx context.Context, id string, visibleAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE work_queue SET visible_at = ? WHERE id = ?`, nanos(visibleAt), id)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, item *model.QueueItem, lastError string) error {
	payload, err := json.Marshal(item.Envelope)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dead letter tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (id, queue_id, account_id, channel, payload, attempts, last_error, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), item.ID, item.Envelope.AccountID,
		item.Envelope.Channel, string(payload), item.Attempts, lastError,
		nanos(time.Now())); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM work_queue WHERE id = ?`, item.ID); err != nil {
		return fmt.Errorf("remove dead-lettered item: %w", err)
	}
	return tx.Commit()
}

func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT count(*) FROM work_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (q *Queue) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, queue_id, account_id, channel, payload, attempts, last_error, failed_at
		 FROM dead_letters ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		var payload string
		var failed int64
		if err := rows.Scan(&dl.ID, &dl.QueueID, &dl.AccountID, &dl.Channel,
			&payload, &dl.Attempts, &dl.LastError, &failed); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.FailedAt = fromNanos(failed)
		if err := json.Unmarshal([]byte(payload), &dl.Envelope); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", dl.ID, err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (q *Queue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE failed_at <= ?`, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
