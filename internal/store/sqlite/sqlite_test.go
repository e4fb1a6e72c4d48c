package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/store"
)

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	stores, err := NewStores(store.Config{
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
		ClaimLease: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewStores: %v", err)
	}
	t.Cleanup(func() { stores.Close() })
	return stores
}

func testAccount(t *testing.T, s *store.Stores) *model.Account {
	t.Helper()
	a := &model.Account{Name: "Acme", RoutingID: "bot-acme", IGUsername: "acme.dm"}
	if err := s.Accounts.Create(context.Background(), a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func TestMessageInsertIdempotent(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	a := testAccount(t, s)

	m := &model.Message{
		AccountID: a.ID,
		Channel:   "instagram",
		ThreadID:  "t1",
		MessageID: "m1",
		Content:   "hello",
		Direction: model.DirectionIncoming,
		SenderID:  "u1",
		Timestamp: time.Now(),
	}
	inserted, err := s.Messages.Insert(ctx, m)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v; want true, nil", inserted, err)
	}

	dup := *m
	dup.ID = ""
	dup.Content = "hello again"
	inserted, err = s.Messages.Insert(ctx, &dup)
	if err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	if inserted {
		t.Fatal("duplicate idempotency key must not create a second row")
	}

	got, err := s.Messages.Get(ctx, a.ID, "instagram", "t1", "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "hello" {
		t.Fatalf("original row mutated: content = %q", got.Content)
	}
}

func TestMessageMarkers(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	a := testAccount(t, s)

	m := &model.Message{
		AccountID: a.ID, Channel: "instagram", ThreadID: "t1", MessageID: "m1",
		Content: "hi", Direction: model.DirectionIncoming, Timestamp: time.Now(),
	}
	if _, err := s.Messages.Insert(ctx, m); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := s.Messages.MarkProcessed(ctx, m.ID, now); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	got, _ := s.Messages.Get(ctx, a.ID, "instagram", "t1", "m1")
	if got.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}

	// Second mark is a no-op: the first timestamp wins.
	later := now.Add(time.Hour)
	if err := s.Messages.MarkProcessed(ctx, m.ID, later); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Messages.Get(ctx, a.ID, "instagram", "t1", "m1")
	if !got.ProcessedAt.Equal(now) {
		t.Fatalf("processed_at overwritten: %v", got.ProcessedAt)
	}
}

func TestCursorMonotonicLastProcessed(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	a := testAccount(t, s)

	base := time.Now().Truncate(time.Millisecond)
	c := &model.ThreadCursor{
		AccountID: a.ID, Channel: "instagram", ThreadID: "t1",
		LastMessageID: "m5", LastProcessedAt: base,
		CooldownUntil: base.Add(2 * time.Minute),
		Participants:  []string{"u1", "u2"},
	}
	if err := s.Cursors.Upsert(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// An update carrying an older timestamp must not move the cursor back.
	older := *c
	older.LastMessageID = "m6"
	older.LastProcessedAt = base.Add(-time.Hour)
	if err := s.Cursors.Upsert(ctx, &older); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.Cursors.Get(ctx, a.ID, "instagram", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastProcessedAt.Before(base) {
		t.Fatalf("last_processed_at went backwards: %v < %v", got.LastProcessedAt, base)
	}
	if got.LastMessageID != "m6" {
		t.Fatalf("last_message_id = %q, want m6", got.LastMessageID)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("participants = %v", got.Participants)
	}
}

func TestCursorNotFound(t *testing.T) {
	s := newTestStores(t)
	if _, err := s.Cursors.Get(context.Background(), "nope", "instagram", "t"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionUpsertSingleActive(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	a := testAccount(t, s)

	first := &model.Session{
		AccountID: a.ID, Channel: "instagram",
		Credentials: "cookie-v1", ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.Sessions.Upsert(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := &model.Session{
		AccountID: a.ID, Channel: "instagram",
		Credentials: "cookie-v2", ExpiresAt: time.Now().Add(2 * time.Hour),
	}
	if err := s.Sessions.Upsert(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.Sessions.Get(ctx, a.ID, "instagram")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Credentials != "cookie-v2" {
		t.Fatalf("credentials = %q, want cookie-v2", got.Credentials)
	}
	if got.ID != first.ID {
		t.Fatal("upsert must refresh the existing row, not create another")
	}
}

func TestSessionDeleteExpired(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	a := testAccount(t, s)

	expired := &model.Session{
		AccountID: a.ID, Channel: "instagram",
		Credentials: "old", ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.Sessions.Upsert(ctx, expired); err != nil {
		t.Fatal(err)
	}

	n, err := s.Sessions.DeleteExpired(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpired = %d, %v; want 1, nil", n, err)
	}
	if _, err := s.Sessions.Get(ctx, a.ID, "instagram"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired session still readable: %v", err)
	}
}

func TestQueueClaimAckCycle(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	env := model.QueueEnvelope{
		AccountID: "a1", ThreadID: "t1", MessageText: "hi",
		UserID: "u1", MessageID: "m1", Timestamp: time.Now(),
		RoutingID: "bot-1", Channel: "instagram",
	}
	if err := s.Queue.Enqueue(ctx, env); err != nil {
		t.Fatal(err)
	}

	item, err := s.Queue.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if item == nil {
		t.Fatal("expected an item")
	}
	if item.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", item.Attempts)
	}
	if item.Envelope.MessageText != "hi" || item.Envelope.Channel != "instagram" {
		t.Fatalf("envelope round-trip mismatch: %+v", item.Envelope)
	}

	// While leased, nothing else is claimable.
	if second, _ := s.Queue.Claim(ctx); second != nil {
		t.Fatal("leased item must be invisible")
	}

	if err := s.Queue.Ack(ctx, item.ID); err != nil {
		t.Fatal(err)
	}
	if depth, _ := s.Queue.Depth(ctx); depth != 0 {
		t.Fatalf("depth after ack = %d", depth)
	}
}

func TestQueueLeaseRedelivery(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	if err := s.Queue.Enqueue(ctx, model.QueueEnvelope{AccountID: "a1", MessageID: "m1", Channel: "instagram"}); err != nil {
		t.Fatal(err)
	}
	first, err := s.Queue.Claim(ctx)
	if err != nil || first == nil {
		t.Fatalf("claim: %v, %v", first, err)
	}

	// Simulate a crashed consumer: the lease passes without ack.
	time.Sleep(80 * time.Millisecond)

	second, err := s.Queue.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second == nil {
		t.Fatal("item must be redelivered after the lease passes")
	}
	if second.ID != first.ID {
		t.Fatal("redelivery should return the same item")
	}
	if second.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", second.Attempts)
	}
}

func TestQueueRequeueWithDelay(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	if err := s.Queue.Enqueue(ctx, model.QueueEnvelope{AccountID: "a1", MessageID: "m1", Channel: "instagram"}); err != nil {
		t.Fatal(err)
	}
	item, _ := s.Queue.Claim(ctx)

	if err := s.Queue.Requeue(ctx, item.ID, time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if again, _ := s.Queue.Claim(ctx); again != nil {
		t.Fatal("requeued item should stay invisible until its visible_at")
	}

	time.Sleep(50 * time.Millisecond)
	again, err := s.Queue.Claim(ctx)
	if err != nil || again == nil {
		t.Fatalf("expected redelivery after delay, got %v, %v", again, err)
	}
}

func TestQueueDeadLetter(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	env := model.QueueEnvelope{AccountID: "a1", MessageID: "m1", Channel: "instagram", MessageText: "boom"}
	if err := s.Queue.Enqueue(ctx, env); err != nil {
		t.Fatal(err)
	}
	item, _ := s.Queue.Claim(ctx)

	if err := s.Queue.DeadLetter(ctx, item, "relay unreachable"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	if depth, _ := s.Queue.Depth(ctx); depth != 0 {
		t.Fatalf("queue depth after dead-letter = %d", depth)
	}

	letters, err := s.DeadLetters.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	dl := letters[0]
	if dl.QueueID != item.ID || dl.LastError != "relay unreachable" || dl.Envelope.MessageText != "boom" {
		t.Fatalf("dead letter mismatch: %+v", dl)
	}

	// Retention purge.
	n, err := s.DeadLetters.PurgeOlderThan(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
}

func TestAccountIdentityTeardown(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	a := testAccount(t, s)

	if err := s.Accounts.MarkNeedsReauth(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Accounts.ClearChannelIdentity(ctx, a.ID, "instagram"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Accounts.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NeedsReauth || got.IGUsername != "" {
		t.Fatalf("teardown incomplete: %+v", got)
	}

	byRouting, err := s.Accounts.GetByRoutingID(ctx, "bot-acme")
	if err != nil || byRouting.ID != a.ID {
		t.Fatalf("GetByRoutingID: %v, %v", byRouting, err)
	}
}
