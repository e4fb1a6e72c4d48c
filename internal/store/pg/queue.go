package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bridgekit/dmgate/internal/model"
)

// Queue implements store.Queue and store.DeadLetterStore on Postgres.
//
// Claiming uses FOR UPDATE SKIP LOCKED so concurrent consumers never lease
// the same row, and a visibility lease so work claimed by a crashed consumer
// becomes redeliverable on its own.
type Queue struct {
	db    *sql.DB
	lease time.Duration
}

func NewQueue(db *sql.DB, lease time.Duration) *Queue {
	return &Queue{db: db, lease: lease}
}

func (q *Queue) Enqueue(ctx context.Context, env model.QueueEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO work_queue (id, account_id, channel, payload, attempts, visible_at, created_at)
		 VALUES ($1, $2, $3, $4, 0, now(), now())`,
		uuid.Must(uuid.NewV7()).String(), env.AccountID, env.Channel, payload)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *Queue) Claim(ctx context.Context) (*model.QueueItem, error) {
	var (
		item    model.QueueItem
		payload []byte
	)
	err := q.db.QueryRowContext(ctx,
		`UPDATE work_queue SET visible_at = now() + $1::interval, attempts = attempts + 1
		 WHERE id = (
		   SELECT id FROM work_queue
		   WHERE visible_at <= now()
		   ORDER BY created_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, payload, attempts, visible_at, created_at`,
		fmt.Sprintf("%d milliseconds", q.lease.Milliseconds()),
	).Scan(&item.ID, &payload, &item.Attempts, &item.VisibleAt, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if err := json.Unmarshal(payload, &item.Envelope); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", item.ID, err)
	}
	return &item, nil
}

func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM work_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (q *Queue) Requeue(ctx context.Context, id string, visibleAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE work_queue SET visible_at = $2 WHERE id = $1`, id, visibleAt)
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		uuid.Must(uuid.NewV7()).String(), item.ID, item.Envelope.AccountID,
		item.Envelope.Channel, payload, item.Attempts, lastError); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM work_queue WHERE id = $1`, item.ID); err != nil {
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
		 FROM dead_letters ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		var payload []byte
		if err := rows.Scan(&dl.ID, &dl.QueueID, &dl.AccountID, &dl.Channel,
			&payload, &dl.Attempts, &dl.LastError, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(payload, &dl.Envelope); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", dl.ID, err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (q *Queue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE failed_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
