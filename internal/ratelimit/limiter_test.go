package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newFakeLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := New(cfg)
	limiter.now = clock.Now
	limiter.sleep = clock.Sleep
	return limiter, clock
}

func TestAcquireEnforcesMinInterval(t *testing.T) {
	limiter, _ := newFakeLimiter(Config{MinInterval: 2 * time.Second})

	first, err := limiter.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if first.Waited != 0 {
		t.Fatalf("first Waited = %v", first.Waited)
	}
	second, err := limiter.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := second.GrantedAt.Sub(first.GrantedAt); got != 2*time.Second {
		t.Fatalf("spacing = %v, want 2s", got)
	}
	if second.Waited != 2*time.Second {
		t.Fatalf("second Waited = %v", second.Waited)
	}
}

func TestAcquireWaitsForOldestGrantToLeaveWindow(t *testing.T) {
	limiter, _ := newFakeLimiter(Config{MaxCalls: 3, Window: time.Minute})

	var permits []Permit
	for i := 0; i < 4; i++ {
		permit, err := limiter.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire(%d) error = %v", i, err)
		}
		permits = append(permits, permit)
	}
	for i := 0; i < 3; i++ {
		if permits[i].Waited != 0 {
			t.Fatalf("permit %d waited %v", i, permits[i].Waited)
		}
	}
	if permits[3].Waited != time.Minute {
		t.Fatalf("fourth Waited = %v, want 1m", permits[3].Waited)
	}
	stats := limiter.Stats()
	if stats.Grants != 4 || stats.Waits != 1 {
		t.Fatalf("Stats() = %+v", stats)
	}
}

func TestAcquireReturnsContextErrorWhileWaiting(t *testing.T) {
	limiter := New(Config{MinInterval: time.Hour})
	if _, err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := limiter.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}
	if stats := limiter.Stats(); stats.Grants != 1 {
		t.Fatalf("Grants = %d, want 1", stats.Grants)
	}
}

func TestConcurrentGrantsRespectMinInterval(t *testing.T) {
	const interval = 15 * time.Millisecond
	limiter := New(Config{MinInterval: interval})

	grants := acquireConcurrently(t, limiter, 6)
	for i := 1; i < len(grants); i++ {
		if gap := grants[i].Sub(grants[i-1]); gap < interval {
			t.Fatalf("grants %d and %d are %v apart, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestConcurrentGrantsRespectWindowBudget(t *testing.T) {
	const window = 50 * time.Millisecond
	const maxCalls = 3
	limiter := New(Config{MaxCalls: maxCalls, Window: window})

	grants := acquireConcurrently(t, limiter, 7)
	for i := 0; i+maxCalls < len(grants); i++ {
		if span := grants[i+maxCalls].Sub(grants[i]); span < window {
			t.Fatalf("%d grants within %v (from grant %d)", maxCalls+1, span, i)
		}
	}
}

func acquireConcurrently(t *testing.T, limiter *Limiter, n int) []time.Time {
	t.Helper()
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		grants []time.Time
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := limiter.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			mu.Lock()
			grants = append(grants, permit.GrantedAt)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(grants) != n {
		t.Fatalf("grants = %d, want %d", len(grants), n)
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	return grants
}
