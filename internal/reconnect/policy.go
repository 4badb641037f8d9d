// Package reconnect decides whether and when a closed channel is redialed.
//
// The policy is pure: it holds no per-channel state. The Connection Manager
// owns the attempt counter and asks the policy for a verdict on every close.
package reconnect

import "time"

// NormalClosure is the close code a client sends when it disconnects on
// purpose. A close with this code never triggers a retry.
const NormalClosure = 1000

// AbnormalClosure is reported when a transport drops without a close frame.
const AbnormalClosure = 1006

// Default values used when a Policy field is zero.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Policy is an exponential backoff with an attempt ceiling.
type Policy struct {
	BaseDelay   time.Duration // Delay before the first retry
	MaxDelay    time.Duration // Upper bound for any delay (0 = uncapped)
	MaxAttempts int           // Retries allowed between two successful opens
}

// DefaultPolicy returns the policy used by the admin dashboard.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// NextDelay returns the wait before retry number attempt (1-indexed):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
		if delay <= 0 {
			// Overflowed; only reachable with an uncapped policy.
			return time.Duration(1<<63 - 1)
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether retry number attempt may be scheduled after a
// close with the given code.
func (p Policy) ShouldRetry(attempt int, closeCode int) bool {
	return closeCode != NormalClosure && attempt <= p.MaxAttempts
}
