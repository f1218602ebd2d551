package upstream

import (
	"testing"
	"time"
)

func TestRetryPolicy_BackoffSchedule(t *testing.T) {
	p := RetryPolicy{
		Enabled:       true,
		MaxRetryTime:  time.Hour,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryCount: 10,
	}
	b := p.backoff(time.Now)

	expected := []time.Duration{
		100 * time.Millisecond, // 100 * 1.5^0
		150 * time.Millisecond, // 100 * 1.5^1
		225 * time.Millisecond, // 100 * 1.5^2
	}
	for i, want := range expected {
		got, stop := b.Next()
		if stop {
			t.Fatalf("unexpected stop at step %d", i+1)
		}
		if got != want {
			t.Errorf("step %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestRetryPolicy_BackoffCapped(t *testing.T) {
	p := RetryPolicy{
		Enabled:       true,
		MaxRetryTime:  time.Hour,
		RetryDelay:    8 * time.Second,
		MaxRetryCount: 10,
	}
	b := p.backoff(time.Now)

	if got, _ := b.Next(); got != 8*time.Second {
		t.Errorf("expected first delay 8s, got %v", got)
	}
	// 8s * 1.5 = 12s, capped at 10s.
	if got, _ := b.Next(); got != 10*time.Second {
		t.Errorf("expected capped delay 10s, got %v", got)
	}
	if got, _ := b.Next(); got != 10*time.Second {
		t.Errorf("expected delay to stay capped, got %v", got)
	}
}

func TestRetryPolicy_AttemptCapStops(t *testing.T) {
	p := RetryPolicy{
		Enabled:       true,
		MaxRetryTime:  time.Hour,
		RetryDelay:    time.Millisecond,
		MaxRetryCount: 3,
	}
	b := p.backoff(time.Now)

	for i := 0; i < 2; i++ {
		if _, stop := b.Next(); stop {
			t.Fatalf("unexpected stop at step %d", i+1)
		}
	}
	// The third failure reaches the attempt cap.
	if _, stop := b.Next(); !stop {
		t.Error("expected stop once the attempt cap is reached")
	}
}

func TestRetryPolicy_TimeBudgetStops(t *testing.T) {
	current := time.Unix(1000, 0)
	now := func() time.Time { return current }

	p := RetryPolicy{
		Enabled:       true,
		MaxRetryTime:  500 * time.Millisecond,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryCount: 100,
	}
	b := p.backoff(now)

	if _, stop := b.Next(); stop {
		t.Fatal("expected first delay to fit the budget")
	}

	// Another sleep would land past the budget.
	current = current.Add(450 * time.Millisecond)
	if _, stop := b.Next(); !stop {
		t.Error("expected stop when the next delay would exceed the time budget")
	}
}
