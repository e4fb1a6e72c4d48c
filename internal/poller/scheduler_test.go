package poller

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bridgekit/dmgate/internal/bus"
	"github.com/bridgekit/dmgate/internal/channels"
	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/ingest"
	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/ratelimit"
	"github.com/bridgekit/dmgate/internal/sessions"
	"github.com/bridgekit/dmgate/internal/store"
	"github.com/bridgekit/dmgate/internal/store/sqlite"
)

type fakeInbox struct {
	threads []model.InboxThread
	fetches atomic.Int32
}

func (f *fakeInbox) Name() string        { return "instagram" }
func (f *fakeInbox) Mode() channels.Mode { return channels.ModePoll }
func (f *fakeInbox) RestoreSession(context.Context, *model.Session) error {
	return nil
}
func (f *fakeInbox) FetchInbox(_ context.Context, _ string, limit int) ([]model.InboxThread, error) {
	f.fetches.Add(1)
	if len(f.threads) > limit {
		return f.threads[:limit], nil
	}
	return f.threads, nil
}
func (f *fakeInbox) SendText(context.Context, string, string, string) error { return nil }

func newTestScheduler(t *testing.T, ch channels.Channel) (*Scheduler, *store.Stores, *model.Account) {
	t.Helper()
	stores, err := sqlite.NewStores(store.Config{
		SQLitePath: filepath.Join(t.TempDir(), "poller.db"),
		ClaimLease: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stores.Close() })

	ctx := context.Background()
	acct := &model.Account{Name: "Acme", RoutingID: "bot-acme", IGUsername: "acme.dm"}
	if err := stores.Accounts.Create(ctx, acct); err != nil {
		t.Fatal(err)
	}
	if err := stores.Sessions.Upsert(ctx, &model.Session{
		AccountID: acct.ID, Channel: "instagram",
		Credentials: "cookies", ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	registry := channels.NewRegistry(ch)
	sess := sessions.NewManager(stores, registry, time.Minute)
	t.Cleanup(sess.Close)

	cfg := config.PollerConfig{
		IntervalSeconds:  30,
		PageSize:         10,
		BatchSize:        2,
		CooldownSeconds:  120,
		StalenessSeconds: 3600,
	}
	limiter := ratelimit.New(100, 1000, time.Minute)
	pipeline := ingest.New(stores, bus.NopPublisher{}, cfg.Cooldown())
	return NewScheduler(cfg, stores, registry, sess, limiter, pipeline), stores, acct
}

func thread(id, msgID, sender, text string, age time.Duration, fromSelf bool) model.InboxThread {
	return model.InboxThread{
		ThreadID:     id,
		Participants: []string{sender},
		Newest: model.InboxMessage{
			MessageID: msgID,
			SenderID:  sender,
			Content:   text,
			Timestamp: time.Now().Add(-age),
			FromSelf:  fromSelf,
		},
	}
}

func TestPollOnceIngestsEligibleThreads(t *testing.T) {
	ch := &fakeInbox{threads: []model.InboxThread{
		thread("t1", "m1", "u1", "hello", time.Minute, false),
		thread("t2", "m2", "acme", "own message", time.Minute, true),
		thread("t3", "m3", "u3", "ancient", 2*time.Hour, false),
		thread("t4", "m4", "u4", "also new", time.Minute, false),
	}}
	s, stores, acct := newTestScheduler(t, ch)
	ctx := context.Background()

	p := &accountPoller{scheduler: s, account: acct, channel: "instagram"}
	if err := p.pollOnce(ctx); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	// Only t1 and t4 pass the gates: t2 is from the account itself and t3
	// is past the staleness horizon.
	if depth, _ := stores.Queue.Depth(ctx); depth != 2 {
		t.Fatalf("queue depth = %d, want 2", depth)
	}
	if _, err := stores.Messages.Get(ctx, acct.ID, "instagram", "t1", "m1"); err != nil {
		t.Fatalf("t1 not ingested: %v", err)
	}
	if _, err := stores.Messages.Get(ctx, acct.ID, "instagram", "t4", "m4"); err != nil {
		t.Fatalf("t4 not ingested: %v", err)
	}
}

func TestPollOnceCursorGateBlocksRepeat(t *testing.T) {
	ch := &fakeInbox{threads: []model.InboxThread{
		thread("t1", "m1", "u1", "hello", time.Minute, false),
	}}
	s, stores, acct := newTestScheduler(t, ch)
	ctx := context.Background()

	p := &accountPoller{scheduler: s, account: acct, channel: "instagram"}
	if err := p.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// Second tick sees the same newest message and the cursor blocks it.
	if depth, _ := stores.Queue.Depth(ctx); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

func TestPollOnceCooldownBlocksNewMessage(t *testing.T) {
	ch := &fakeInbox{threads: []model.InboxThread{
		thread("t1", "m1", "u1", "hello", time.Minute, false),
	}}
	s, stores, acct := newTestScheduler(t, ch)
	ctx := context.Background()

	p := &accountPoller{scheduler: s, account: acct, channel: "instagram"}
	if err := p.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// A newer message in the same thread arrives while the thread is still
	// cooling down from the first reply.
	ch.threads = []model.InboxThread{thread("t1", "m2", "u1", "follow-up", time.Second, false)}
	if err := p.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if depth, _ := stores.Queue.Depth(ctx); depth != 1 {
		t.Fatalf("queue depth = %d, want 1 (cooldown must gate the follow-up)", depth)
	}
}

func TestSchedulerSyncStartsAndStopsPollers(t *testing.T) {
	ch := &fakeInbox{}
	s, stores, acct := newTestScheduler(t, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Sync(ctx)
	if got := s.Active(); got != 1 {
		t.Fatalf("active pollers = %d, want 1", got)
	}

	// Flagging the account drops it from the pollable set.
	if err := stores.Accounts.MarkNeedsReauth(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}
	s.Sync(ctx)
	if got := s.Active(); got != 0 {
		t.Fatalf("active pollers after reauth flag = %d, want 0", got)
	}
}

func TestPollerSurvivesMissingSession(t *testing.T) {
	ch := &fakeInbox{threads: []model.InboxThread{
		thread("t1", "m1", "u1", "hello", time.Minute, false),
	}}
	s, stores, acct := newTestScheduler(t, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := stores.Sessions.Delete(ctx, acct.ID, "instagram"); err != nil {
		t.Fatal(err)
	}

	p := &accountPoller{scheduler: s, account: acct, channel: "instagram"}
	if err := p.pollOnce(ctx); !errors.Is(err, sessions.ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
	if ch.fetches.Load() != 0 {
		t.Fatal("session-less tick must not reach the surface")
	}
	if _, global := s.limiter.Pressure(acct.ID); global != 0 {
		t.Fatalf("session-less tick consumed budget, global pressure = %d", global)
	}

	// The poll loop keeps ticking through the missing session and picks the
	// account back up once a session is provisioned.
	s.cfg.IntervalSeconds = 0
	p.done = make(chan struct{})
	p.cancel = cancel
	go p.run(ctx)

	time.Sleep(20 * time.Millisecond)
	select {
	case <-p.done:
		t.Fatal("poller exited on missing session")
	default:
	}

	if err := stores.Sessions.Upsert(ctx, &model.Session{
		AccountID: acct.ID, Channel: "instagram",
		Credentials: "cookies", ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ch.fetches.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ch.fetches.Load() == 0 {
		t.Fatal("polling did not resume after the session was provisioned")
	}
	p.stop()
}

func TestSelectEligibleRotatesOffset(t *testing.T) {
	ch := &fakeInbox{}
	s, _, acct := newTestScheduler(t, ch)

	threads := []model.InboxThread{
		thread("t1", "m1", "u1", "a", time.Minute, false),
		thread("t2", "m2", "u2", "b", time.Minute, false),
		thread("t3", "m3", "u3", "c", time.Minute, false),
	}
	p := &accountPoller{scheduler: s, account: acct, channel: "instagram"}

	first := p.selectEligible(context.Background(), threads)
	second := p.selectEligible(context.Background(), threads)
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("eligible counts = %d, %d", len(first), len(second))
	}
	if first[0].ThreadID == second[0].ThreadID {
		t.Fatal("scan start must rotate between ticks")
	}
}
