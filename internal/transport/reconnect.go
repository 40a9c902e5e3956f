package transport

import (
	"sync"
	"time"
)

// ReconnectPolicy schedules reconnects with base × 2^attempt delays and
// gives up after maxAttempts consecutive failures.
type ReconnectPolicy struct {
	base        time.Duration
	maxAttempts int

	mu      sync.Mutex
	attempt int
}

// NewReconnectPolicy builds a policy; non-positive values fall back to 1s and 10.
func NewReconnectPolicy(base time.Duration, maxAttempts int) *ReconnectPolicy {
	if base <= 0 {
		base = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &ReconnectPolicy{base: base, maxAttempts: maxAttempts}
}

// Next returns the delay before the next attempt and consumes it. ok is false
// once the attempts are exhausted.
func (p *ReconnectPolicy) Next() (delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempt >= p.maxAttempts {
		return 0, false
	}
	delay = p.Delay(p.attempt)
	p.attempt++
	return delay, true
}

// Delay is the backoff for a given zero-based attempt.
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.base << uint(attempt)
}

// Reset zeroes the attempt counter after a successful authentication.
func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	p.attempt = 0
	p.mu.Unlock()
}

// Attempt returns how many attempts have been consumed.
func (p *ReconnectPolicy) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

// MaxAttempts returns the cap.
func (p *ReconnectPolicy) MaxAttempts() int {
	return p.maxAttempts
}
