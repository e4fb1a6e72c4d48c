// Package poller drives the poll-mode channels. A Scheduler owns one
// polling goroutine per (account, channel) pair and reconciles that set
// against the account store, so accounts added, re-authenticated or torn
// down at runtime start and stop polling without a restart.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/bridgekit/dmgate/internal/channels"
	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/ingest"
	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/ratelimit"
	"github.com/bridgekit/dmgate/internal/sessions"
	"github.com/bridgekit/dmgate/internal/store"
)

// Scheduler reconciles per-account pollers against the account store.
type Scheduler struct {
	cfg      config.PollerConfig
	stores   *store.Stores
	registry *channels.Registry
	sessions *sessions.Manager
	limiter  *ratelimit.Limiter
	pipeline *ingest.Pipeline
	tracer   trace.Tracer

	mu      sync.Mutex
	pollers map[string]*accountPoller // accountID ":" channel
}

func NewScheduler(
	cfg config.PollerConfig,
	stores *store.Stores,
	registry *channels.Registry,
	sess *sessions.Manager,
	limiter *ratelimit.Limiter,
	pipeline *ingest.Pipeline,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		stores:   stores,
		registry: registry,
		sessions: sess,
		limiter:  limiter,
		pipeline: pipeline,
		tracer:   otel.Tracer("dmgate/poller"),
		pollers:  make(map[string]*accountPoller),
	}
}

// Run performs an initial sync and then resyncs periodically until the
// context is cancelled. Config changes can force an immediate resync
// through Sync.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Sync(ctx)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

// Sync reconciles the running pollers with the accounts that are currently
// pollable: an account polls a channel when it carries an identity for it
// and is not flagged for re-authentication.
func (s *Scheduler) Sync(ctx context.Context) {
	accounts, err := s.stores.Accounts.List(ctx)
	if err != nil {
		slog.Error("scheduler sync: list accounts", "error", err)
		return
	}

	want := make(map[string]*model.Account)
	for i := range accounts {
		acct := &accounts[i]
		for _, ch := range s.registry.PollChannels() {
			if !s.pollable(acct, ch.Name()) {
				continue
			}
			want[acct.ID+":"+ch.Name()] = acct
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, p := range s.pollers {
		if _, ok := want[key]; !ok {
			p.stop()
			delete(s.pollers, key)
			slog.Info("poller stopped", "key", key)
		}
	}
	for key, acct := range want {
		if _, ok := s.pollers[key]; ok {
			continue
		}
		channelName := key[len(acct.ID)+1:]
		p := s.startPoller(ctx, acct, channelName)
		s.pollers[key] = p
		slog.Info("poller started", "account_id", acct.ID, "channel", channelName)
	}
}

func (s *Scheduler) pollable(acct *model.Account, channel string) bool {
	if acct.NeedsReauth {
		return false
	}
	switch channel {
	case "instagram":
		return acct.IGUsername != ""
	default:
		return false
	}
}

// Active returns the number of running pollers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollers)
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.pollers {
		p.stop()
		delete(s.pollers, key)
	}
}

func (s *Scheduler) startPoller(ctx context.Context, acct *model.Account, channel string) *accountPoller {
	pollCtx, cancel := context.WithCancel(ctx)
	p := &accountPoller{
		scheduler: s,
		account:   acct,
		channel:   channel,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run(pollCtx)
	return p
}

// accountPoller polls one channel for one account on a jittered interval.
type accountPoller struct {
	scheduler *Scheduler
	account   *model.Account
	channel   string
	cancel    context.CancelFunc
	done      chan struct{}

	// offset rotates the inbox scan start so threads late in the page get
	// processed even when every tick hits the batch ceiling.
	offset int
}

func (p *accountPoller) stop() {
	p.cancel()
	<-p.done
}

func (p *accountPoller) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.nextDelay()):
		}
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, sessions.ErrNoSession) {
				// No session has been provisioned yet. Skip the tick and keep
				// the loop alive so polling resumes once one appears.
				slog.Debug("poll tick skipped, no session",
					"account_id", p.account.ID, "channel", p.channel)
				continue
			}
			if errors.Is(err, channels.ErrSessionInvalid) {
				// The session manager already flagged the account; the next
				// scheduler sync drops this poller.
				return
			}
			var rl *channels.RateLimitedError
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				slog.Warn("surface rate limit, backing off",
					"account_id", p.account.ID, "retry_after", rl.RetryAfter)
				select {
				case <-ctx.Done():
					return
				case <-time.After(rl.RetryAfter):
				}
				continue
			}
			slog.Error("poll tick failed",
				"account_id", p.account.ID, "channel", p.channel, "error", err)
		}
	}
}

func (p *accountPoller) nextDelay() time.Duration {
	cfg := p.scheduler.cfg
	d := cfg.Interval()
	if j := cfg.Jitter(); j > 0 {
		d += rand.N(j)
	}
	return d
}

func (p *accountPoller) pollOnce(ctx context.Context) error {
	s := p.scheduler
	ctx, span := s.tracer.Start(ctx, "poller.tick", trace.WithAttributes(
		attribute.String("account.id", p.account.ID),
		attribute.String("channel", p.channel),
	))
	defer span.End()

	// Session first: a session-less skip must not consume budget.
	if _, err := s.sessions.Ensure(ctx, p.account.ID, p.channel); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx, p.account.ID); err != nil {
		return err
	}

	ch := s.registry.Get(p.channel)
	threads, err := ch.FetchInbox(ctx, p.account.ID, s.cfg.PageSize)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		return nil
	}

	eligible := p.selectEligible(ctx, threads)
	span.SetAttributes(
		attribute.Int("threads.fetched", len(threads)),
		attribute.Int("threads.eligible", len(eligible)),
	)
	if len(eligible) == 0 {
		return nil
	}

	return p.processBatches(ctx, eligible)
}

// selectEligible applies the per-thread gates: the newest message must be
// from the remote side, recent enough to answer, not already processed and
// the thread must be out of its cooldown window.
func (p *accountPoller) selectEligible(ctx context.Context, threads []model.InboxThread) []model.InboxThread {
	s := p.scheduler
	now := time.Now()
	staleness := s.cfg.Staleness()

	// Rotate the scan start across ticks.
	if p.offset >= len(threads) {
		p.offset = 0
	}
	rotated := append(append([]model.InboxThread(nil), threads[p.offset:]...), threads[:p.offset]...)
	p.offset++

	var eligible []model.InboxThread
	for _, t := range rotated {
		newest := t.Newest
		if newest.MessageID == "" || newest.FromSelf {
			continue
		}
		if staleness > 0 && now.Sub(newest.Timestamp) > staleness {
			continue
		}

		cursor, err := s.stores.Cursors.Get(ctx, p.account.ID, p.channel, t.ThreadID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// New thread, always eligible.
		case err != nil:
			slog.Error("read cursor", "thread_id", t.ThreadID, "error", err)
			continue
		case cursor.LastMessageID == newest.MessageID:
			continue
		case cursor.InCooldown(now):
			continue
		}
		eligible = append(eligible, t)
	}
	return eligible
}

// processBatches ingests eligible threads in bounded parallel batches with
// a pause between batches, keeping the surface-facing footprint low.
func (p *accountPoller) processBatches(ctx context.Context, threads []model.InboxThread) error {
	s := p.scheduler
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	sem := semaphore.NewWeighted(int64(batchSize))

	for start := 0; start < len(threads); start += batchSize {
		end := start + batchSize
		if end > len(threads) {
			end = len(threads)
		}

		var wg sync.WaitGroup
		for _, t := range threads[start:end] {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return err
			}
			wg.Add(1)
			go func(t model.InboxThread) {
				defer wg.Done()
				defer sem.Release(1)
				if _, err := s.pipeline.Ingest(ctx, p.account, p.channel, t.ThreadID, t.Newest, t.Participants); err != nil {
					slog.Error("ingest thread",
						"account_id", p.account.ID, "thread_id", t.ThreadID, "error", err)
				}
			}(t)
		}
		wg.Wait()

		if end < len(threads) && s.cfg.BatchDelay() > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.BatchDelay()):
			}
		}
	}
	return nil
}
