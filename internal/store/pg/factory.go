package pg

import (
	"fmt"
	"time"

	"github.com/bridgekit/dmgate/internal/store"
)

const defaultClaimLease = 5 * time.Minute

// NewStores creates all stores backed by Postgres.
func NewStores(cfg store.Config) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
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
