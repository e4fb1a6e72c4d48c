// Package maintenance runs the periodic cleanup pass on a cron schedule:
// expired sessions are deleted and dead letters past the retention window
// are purged.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/sessions"
	"github.com/bridgekit/dmgate/internal/store"
)

// Runner executes the cleanup pass on the configured cron expression.
type Runner struct {
	cfg      config.MaintenanceConfig
	sessions *sessions.Manager
	letters  store.DeadLetterStore

	now func() time.Time
}

func New(cfg config.MaintenanceConfig, sess *sessions.Manager, letters store.DeadLetterStore) (*Runner, error) {
	if cfg.Cron != "" && !gronx.New().IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid maintenance cron %q", cfg.Cron)
	}
	return &Runner{cfg: cfg, sessions: sess, letters: letters, now: time.Now}, nil
}

// Run sleeps until each next cron tick and executes the pass. It returns
// when the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Cron == "" {
		slog.Info("maintenance disabled, no cron configured")
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		next, err := gronx.NextTick(r.cfg.Cron, false)
		if err != nil {
			return fmt.Errorf("compute next maintenance tick: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes one cleanup pass immediately.
func (r *Runner) RunOnce(ctx context.Context) {
	started := time.Now()

	purgedSessions, err := r.sessions.PurgeExpired(ctx)
	if err != nil {
		slog.Error("purge expired sessions", "error", err)
	}

	var purgedLetters int
	if retention := r.cfg.DeadLetterRetention(); retention > 0 {
		purgedLetters, err = r.letters.PurgeOlderThan(ctx, r.now().Add(-retention))
		if err != nil {
			slog.Error("purge dead letters", "error", err)
		}
	}

	slog.Info("maintenance pass complete",
		"expired_sessions", purgedSessions,
		"purged_dead_letters", purgedLetters,
		"took", time.Since(started))
}
