// Package sessions manages per-account channel sessions: a TTL cache in
// front of the durable store, restoration through the channel adapter, and
// teardown when a surface rejects the credentials.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bridgekit/dmgate/internal/cache"
	"github.com/bridgekit/dmgate/internal/channels"
	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/store"
)

// ErrNoSession is returned by Ensure when no usable session row exists:
// the account was never provisioned or its stored session expired. It is
// distinct from channels.ErrSessionInvalid, which means a live session was
// rejected by the surface and torn down.
var ErrNoSession = errors.New("no session on file")

// Manager resolves sessions for the poller and the queue worker. The
// durable store is authoritative; the cache only skips a database read on
// the hot path.
type Manager struct {
	accounts store.AccountStore
	sessions store.SessionStore
	registry *channels.Registry
	cache    *cache.TTL

	now func() time.Time
}

func NewManager(stores *store.Stores, registry *channels.Registry, cacheTTL time.Duration) *Manager {
	return &Manager{
		accounts: stores.Accounts,
		sessions: stores.Sessions,
		registry: registry,
		cache:    cache.New(cacheTTL, 1024),
		now:      time.Now,
	}
}

func cacheKey(accountID, channel string) string {
	return accountID + ":" + channel
}

// Ensure returns a usable session for the account on the channel,
// restoring the channel's client context when needed. An absent or expired
// row yields ErrNoSession; credentials the surface rejects yield
// channels.ErrSessionInvalid after the teardown has run. A successful
// restore refreshes the durable row.
func (m *Manager) Ensure(ctx context.Context, accountID, channel string) (*model.Session, error) {
	ch := m.registry.Get(channel)
	if ch == nil {
		return nil, fmt.Errorf("channel %q not enabled", channel)
	}

	if raw, ok := m.cache.Get(cacheKey(accountID, channel)); ok {
		var sess model.Session
		if err := json.Unmarshal([]byte(raw), &sess); err == nil && !sess.Expired(m.now()) {
			return &sess, nil
		}
		m.cache.Delete(cacheKey(accountID, channel))
	}

	sess, err := m.sessions.Get(ctx, accountID, channel)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Expired(m.now()) {
		return nil, ErrNoSession
	}

	if err := ch.RestoreSession(ctx, sess); err != nil {
		if errors.Is(err, channels.ErrSessionInvalid) {
			m.Invalidate(ctx, accountID, channel)
		}
		return nil, err
	}

	if err := m.Store(ctx, sess); err != nil {
		slog.Warn("refresh session after restore",
			"account_id", accountID, "channel", channel, "error", err)
	}
	return sess, nil
}

// Store persists session credentials and primes the cache. Ensure calls
// it after every successful restore so the durable row tracks last use;
// provisioning paths call it with fresh credentials.
func (m *Manager) Store(ctx context.Context, sess *model.Session) error {
	if err := m.sessions.Upsert(ctx, sess); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if raw, err := json.Marshal(sess); err == nil {
		m.cache.Set(cacheKey(sess.AccountID, sess.Channel), string(raw))
	}
	return nil
}

// Invalidate tears a dead session down: the cached and durable copies go
// away, the account is flagged for re-authentication and its channel
// identity is cleared so the scheduler stops polling it.
func (m *Manager) Invalidate(ctx context.Context, accountID, channel string) {
	m.cache.Delete(cacheKey(accountID, channel))

	if err := m.sessions.Delete(ctx, accountID, channel); err != nil {
		slog.Error("delete session", "account_id", accountID, "channel", channel, "error", err)
	}
	if err := m.accounts.MarkNeedsReauth(ctx, accountID); err != nil {
		slog.Error("flag account for reauth", "account_id", accountID, "error", err)
	}
	if err := m.accounts.ClearChannelIdentity(ctx, accountID, channel); err != nil {
		slog.Error("clear channel identity", "account_id", accountID, "channel", channel, "error", err)
	}

	type dropper interface{ DropSession(accountID string) }
	if ch := m.registry.Get(channel); ch != nil {
		if d, ok := ch.(dropper); ok {
			d.DropSession(accountID)
		}
	}

	slog.Warn("session invalidated, account needs re-authentication",
		"account_id", accountID, "channel", channel)
}

// PurgeExpired removes expired sessions from the durable store. Called by
// maintenance.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	return m.sessions.DeleteExpired(ctx, m.now())
}

// Close releases the cache sweeper.
func (m *Manager) Close() {
	m.cache.Close()
}
