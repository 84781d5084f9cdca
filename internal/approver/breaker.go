package approver

import (
	"sync"
	"time"
)

// Breaker remembers that a remote resolver is broken so callers stop retrying
// it. One breaker belongs to one count session; it is never shared globally.
type Breaker struct {
	mu        sync.Mutex
	cooldown  time.Duration
	now       func() time.Time
	open      bool
	openedAt  time.Time
	lastError error
}

// NewBreaker returns a closed breaker. A zero cooldown keeps it open until Reset.
func NewBreaker(cooldown time.Duration) *Breaker {
	return &Breaker{cooldown: cooldown, now: time.Now}
}

// Allow reports whether the remote call may be attempted.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.cooldown > 0 && b.now().Sub(b.openedAt) >= b.cooldown {
		b.open = false
		return true
	}
	return false
}

// Trip opens the breaker after a failure.
func (b *Breaker) Trip(err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.open = true
	b.openedAt = b.now()
	b.lastError = err
	b.mu.Unlock()
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.open = false
	b.lastError = nil
	b.mu.Unlock()
}

// LastError is the failure that opened the breaker, if it is open.
func (b *Breaker) LastError() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	return b.lastError
}
