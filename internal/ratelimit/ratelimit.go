// Package ratelimit implements the sliding-window call budget for the remote
// messaging surface. Every remote call consults two windows: the caller's
// account window and the process-global window shared by all pollers and the
// queue worker. A saturated window suspends the caller until its oldest
// recorded call ages out.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is a fixed-capacity ring buffer of call timestamps.
type window struct {
	stamps []time.Time
	head   int
	count  int
	limit  int
	span   time.Duration
}

func newWindow(limit int, span time.Duration) *window {
	return &window{stamps: make([]time.Time, limit), limit: limit, span: span}
}

// prune drops timestamps older than the window span.
func (w *window) prune(now time.Time) {
	for w.count > 0 && now.Sub(w.stamps[w.head]) >= w.span {
		w.head = (w.head + 1) % w.limit
		w.count--
	}
}

// free reports whether the window has budget after pruning.
func (w *window) free(now time.Time) bool {
	w.prune(now)
	return w.count < w.limit
}

// record appends a call timestamp. Caller must have checked free.
func (w *window) record(now time.Time) {
	w.stamps[(w.head+w.count)%w.limit] = now
	w.count++
}

// retryAfter returns how long until the oldest timestamp ages out.
func (w *window) retryAfter(now time.Time) time.Duration {
	if w.count == 0 {
		return 0
	}
	return w.stamps[w.head].Add(w.span).Sub(now)
}

// Limiter holds the global window plus one lazily created window per account.
type Limiter struct {
	mu       sync.Mutex
	accounts map[string]*window
	global   *window

	perAccount int
	span       time.Duration

	now func() time.Time
}

// New creates a limiter with the given per-account and global budgets over
// one shared window length.
func New(perAccount, global int, span time.Duration) *Limiter {
	return &Limiter{
		accounts:   make(map[string]*window),
		global:     newWindow(global, span),
		perAccount: perAccount,
		span:       span,
		now:        time.Now,
	}
}

// Wait blocks until both the account window and the global window have
// budget, then records the call in both. It returns early only when ctx is
// done.
func (l *Limiter) Wait(ctx context.Context, accountID string) error {
	for {
		wait, ok := l.tryAcquire(accountID)
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire records a call in both windows when both have budget. On
// saturation it returns the duration after which a retry can succeed.
func (l *Limiter) tryAcquire(accountID string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	aw, ok := l.accounts[accountID]
	if !ok {
		aw = newWindow(l.perAccount, l.span)
		l.accounts[accountID] = aw
	}

	accountFree := aw.free(now)
	globalFree := l.global.free(now)
	if accountFree && globalFree {
		aw.record(now)
		l.global.record(now)
		return 0, true
	}

	var wait time.Duration
	if !accountFree {
		wait = aw.retryAfter(now)
	}
	if !globalFree {
		if g := l.global.retryAfter(now); g > wait {
			wait = g
		}
	}
	return wait, false
}

// Pressure returns the recorded call counts for an account window and the
// global window, for health reporting.
func (l *Limiter) Pressure(accountID string) (account, global int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if aw, ok := l.accounts[accountID]; ok {
		aw.prune(now)
		account = aw.count
	}
	l.global.prune(now)
	return account, l.global.count
}
