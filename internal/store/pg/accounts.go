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

// AccountStore implements store.AccountStore on Postgres.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountColumns = `id, name, routing_id, ig_username, needs_reauth, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.ID, &a.Name, &a.RoutingID, &a.IGUsername, &a.NeedsReauth, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AccountStore) Get(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByRoutingID(ctx context.Context, routingID string) (*model.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE routing_id = $1`, routingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by routing id: %w", err)
	}
	return a, nil
}

func (s *AccountStore) List(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *AccountStore) Create(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.Must(uuid.NewV7()).String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, routing_id, ig_username, needs_reauth, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Name, a.RoutingID, a.IGUsername, a.NeedsReauth, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *AccountStore) MarkNeedsReauth(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET needs_reauth = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark needs reauth: %w", err)
	}
	return nil
}

func (s *AccountStore) ClearChannelIdentity(ctx context.Context, id, channel string) error {
	// Only Instagram carries a saved identity today; other channels are
	// token-configured and have nothing to clear.
	if channel != "instagram" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET ig_username = '' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear channel identity: %w", err)
	}
	return nil
}
