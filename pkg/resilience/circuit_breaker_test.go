package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensOnRateLimits(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	limited := func() error { return RateLimitError{Provider: "heygen", Message: "429 Too Many Requests"} }
	if err := cb.Guard(limited); !IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if !cb.Allow() {
		t.Fatalf("breaker should stay closed below threshold")
	}
	_ = cb.Guard(limited)
	if cb.Allow() {
		t.Fatalf("breaker should open at threshold")
	}

	called := false
	err := cb.Guard(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("expected fast failure while open, got %v called=%v", err, called)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Guard(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close after cooldown, got %v", err)
	}
}

func TestCircuitBreakerIgnoresOtherErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	_ = cb.Guard(func() error { return errors.New("unauthorized") })
	if !cb.Allow() {
		t.Fatalf("non rate limit errors must not open the breaker")
	}
}

func TestRateLimitErrorMessage(t *testing.T) {
	err := RateLimitError{Provider: "heygen", Message: "slow down", RetryAfter: 5 * time.Second}
	if got := err.Error(); got != "heygen: slow down (retry after 5s)" {
		t.Fatalf("unexpected message %q", got)
	}
}
