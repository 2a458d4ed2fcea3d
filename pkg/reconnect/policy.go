package reconnect

import (
	"time"

	"github.com/go-go-golems/storysync/pkg/channel"
)

// Policy controls how a session reopens its change channel: exponential
// backoff capped at Cap for transport errors, a short fixed delay for plain
// timeouts, and a ceiling of MaxAttempts consecutive failures.
type Policy struct {
	Base         time.Duration
	Cap          time.Duration
	MaxAttempts  int
	TimeoutDelay time.Duration
}

// Attempt is the reconnect bookkeeping for one session. Count is the number of
// consecutive failures already retried and resets on every Subscribed.
type Attempt struct {
	Count     int
	NextDelay time.Duration
}

// DefaultPolicy returns 1s base, 30s cap, 5 attempts and a 1s timeout delay.
func DefaultPolicy() Policy {
	return Policy{
		Base:         time.Second,
		Cap:          30 * time.Second,
		MaxAttempts:  5,
		TimeoutDelay: time.Second,
	}
}

// Delay returns min(Base * 2^count, Cap).
func (p Policy) Delay(count int) time.Duration {
	if count < 0 {
		count = 0
	}
	delay := p.Base
	for i := 0; i < count; i++ {
		if p.Cap > 0 && delay >= p.Cap {
			break
		}
		delay *= 2
	}
	if p.Cap > 0 && delay > p.Cap {
		return p.Cap
	}
	return delay
}

func (p Policy) ShouldRetry(count int) bool {
	return count < p.MaxAttempts
}

// Next decides what to do after the count-th consecutive failure (0-based)
// caused by err. ok is false when the session must give up: either the server
// rejected the subscription or the attempt ceiling is reached.
func (p Policy) Next(count int, err error) (Attempt, bool) {
	if channel.IsRejected(err) || !p.ShouldRetry(count) {
		return Attempt{Count: count}, false
	}
	delay := p.Delay(count)
	if channel.IsTimeout(err) && p.TimeoutDelay > 0 {
		delay = p.TimeoutDelay
	}
	return Attempt{Count: count + 1, NextDelay: delay}, true
}
