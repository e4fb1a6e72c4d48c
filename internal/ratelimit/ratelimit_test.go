package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fixedClock lets tests drive the limiter deterministically.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(perAccount, global int, span time.Duration) (*Limiter, *fixedClock) {
	clock := &fixedClock{t: time.Unix(1700000000, 0)}
	l := New(perAccount, global, span)
	l.now = clock.now
	return l, clock
}

func TestPerAccountBudget(t *testing.T) {
	l, clock := newTestLimiter(2, 10, time.Minute)

	for i := 0; i < 2; i++ {
		if _, ok := l.tryAcquire("acct"); !ok {
			t.Fatalf("call %d should fit the budget", i)
		}
	}

	wait, ok := l.tryAcquire("acct")
	if ok {
		t.Fatal("third call within the window must be rejected")
	}
	if wait != time.Minute {
		t.Fatalf("retry-after = %v, want %v", wait, time.Minute)
	}

	// A different account still has budget.
	if _, ok := l.tryAcquire("other"); !ok {
		t.Fatal("unrelated account should not be starved")
	}

	clock.advance(time.Minute)
	if _, ok := l.tryAcquire("acct"); !ok {
		t.Fatal("budget should free after the window elapses")
	}
}

func TestGlobalBudgetSharedAcrossAccounts(t *testing.T) {
	l, _ := newTestLimiter(10, 3, time.Minute)

	for i, acct := range []string{"a", "b", "c"} {
		if _, ok := l.tryAcquire(acct); !ok {
			t.Fatalf("call %d should fit the global budget", i)
		}
	}

	if _, ok := l.tryAcquire("d"); ok {
		t.Fatal("global window saturated, call from fresh account must wait")
	}
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2, 10, time.Minute)

	l.tryAcquire("acct")
	clock.advance(40 * time.Second)
	l.tryAcquire("acct")

	wait, ok := l.tryAcquire("acct")
	if ok {
		t.Fatal("window full")
	}
	// Only the first stamp needs to age out.
	if wait != 20*time.Second {
		t.Fatalf("retry-after = %v, want %v", wait, 20*time.Second)
	}

	clock.advance(20 * time.Second)
	if _, ok := l.tryAcquire("acct"); !ok {
		t.Fatal("oldest stamp aged out, call should pass")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(1, 1, time.Hour)
	if err := l.Wait(context.Background(), "acct"); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "acct"); err == nil {
		t.Fatal("Wait on a saturated hour-long window must respect ctx")
	}
}

func TestConcurrentAcquireNeverExceedsBudget(t *testing.T) {
	const budget = 5
	l, _ := newTestLimiter(budget, budget, time.Hour)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.tryAcquire("acct"); ok {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for range granted {
		n++
	}
	if n != budget {
		t.Fatalf("granted %d calls, want exactly %d", n, budget)
	}
}

func TestPressure(t *testing.T) {
	l, _ := newTestLimiter(5, 10, time.Minute)
	l.tryAcquire("acct")
	l.tryAcquire("acct")
	l.tryAcquire("other")

	account, global := l.Pressure("acct")
	if account != 2 || global != 3 {
		t.Fatalf("Pressure = (%d, %d), want (2, 3)", account, global)
	}
}
