package resilience

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Guard while the breaker is open.
var ErrCircuitOpen = errors.New("circuit open: provider is rate limiting requests")

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limit"
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg += " (retry after " + strconv.Itoa(int(e.RetryAfter.Seconds())) + "s)"
	}
	return msg
}

// IsRateLimit returns true when the error is a RateLimitError or the breaker
// refused the call.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl) || errors.Is(err, ErrCircuitOpen)
}

// CircuitBreaker blocks requests after repeated rate limit failures.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	var rl RateLimitError
	if !errors.As(err, &rl) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures < c.threshold {
		return
	}
	cooldown := c.cooldown
	if rl.RetryAfter > cooldown {
		cooldown = rl.RetryAfter
	}
	c.openUntil = c.now().Add(cooldown)
}

// Guard runs fn unless the breaker is open and records the outcome.
func (c *CircuitBreaker) Guard(fn func() error) error {
	if c == nil {
		return fn()
	}
	if !c.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		c.OnError(err)
		return err
	}
	c.OnSuccess()
	return nil
}
