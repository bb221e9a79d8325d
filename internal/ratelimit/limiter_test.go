package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

func TestLimiterWindowBoundary(t *testing.T) {
	clock := &fakeClock{at: time.Unix(1_700_000_000, 0)}
	l := New(Config{Max: 5, Window: 60 * time.Second}, clock.now)

	for i := 0; i < 5; i++ {
		allowed, _ := l.Check("ip1")
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, retry := l.Check("ip1")
	if allowed {
		t.Fatal("6th request within window should be denied")
	}
	if retry <= 0 {
		t.Fatalf("denial must carry positive retry_after, got %d", retry)
	}

	// Other keys are unaffected.
	if allowed, _ := l.Check("ip2"); !allowed {
		t.Fatal("distinct key should be allowed")
	}

	clock.advance(61 * time.Second)
	if allowed, _ := l.Check("ip1"); !allowed {
		t.Fatal("request after window elapsed should be allowed")
	}
}

func TestLimiterConcurrentIncrements(t *testing.T) {
	l := New(Config{Max: 50, Window: time.Minute}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := l.Check("shared"); allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowedCount != 50 {
		t.Fatalf("expected exactly 50 allowed, got %d", allowedCount)
	}
}

func TestLimiterCleanup(t *testing.T) {
	clock := &fakeClock{at: time.Unix(1_700_000_000, 0)}
	l := New(Config{Max: 2, Window: time.Second}, clock.now)

	l.Check("a")
	l.Check("b")
	clock.advance(2 * time.Second)
	l.Cleanup()

	l.mu.Lock()
	remaining := len(l.counters)
	l.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected counters cleared, got %d", remaining)
	}
}

func TestSetLayeredKeys(t *testing.T) {
	clock := &fakeClock{at: time.Unix(1_700_000_000, 0)}
	s := NewSet(map[string]Config{
		"order_mutation": {Max: 2, Window: time.Minute},
	}, clock.now)

	// Exhaust the per-agent key; the per-IP key stays fresh but the
	// request must still be denied.
	s.Check("order_mutation", "agent1")
	s.Check("order_mutation", "agent1")
	allowed, retry := s.Check("order_mutation", "ip-fresh", "agent1")
	if allowed {
		t.Fatal("request should be denied when any layered key is over limit")
	}
	if retry <= 0 {
		t.Fatalf("expected positive retry_after, got %d", retry)
	}

	// Unknown limiter names fail open.
	if allowed, _ := s.Check("unknown", "ip1"); !allowed {
		t.Fatal("unknown limiter should fail open")
	}
}
