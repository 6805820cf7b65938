package mqtt

import "time"

// Unlimited marks a ReconnectPolicy's MaxRetries as having no ceiling;
// ConnectAndSubscribe retries forever, matching the teacher's original
// flat-retry behavior when no policy is configured.
const Unlimited = -1

// ReconnectPolicy controls how ConnectAndSubscribe behaves after a
// dropped connection: how many attempts it makes and how long it waits
// between them. The teacher's connectAndSubscribe hardcoded a 3-second
// forever-retry timer with no attempt ceiling; this generalizes that
// into a configurable policy while keeping the same default delay.
type ReconnectPolicy struct {
	// MaxRetries caps the number of reconnect attempts after the first
	// connection is lost. Unlimited (-1) retries forever.
	MaxRetries int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
}

// DefaultReconnectPolicy matches the teacher's original behavior:
// retry forever, every 3 seconds.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{MaxRetries: Unlimited, Delay: 3 * time.Second}
}

// reconnectState is the live counter a Client advances across retry
// attempts; it's reset to zero on every successful CONNECT.
type reconnectState struct {
	policy  ReconnectPolicy
	attempt int
}

func newReconnectState(policy ReconnectPolicy) *reconnectState {
	return &reconnectState{policy: policy}
}

// Allow reports whether another attempt may be made and, if so,
// records it. Exhausted returns false without incrementing, so callers
// can distinguish "give up" from "go ahead."
func (r *reconnectState) Allow() bool {
	if r.policy.MaxRetries == Unlimited {
		r.attempt++
		return true
	}
	if r.attempt >= r.policy.MaxRetries {
		return false
	}
	r.attempt++
	return true
}

func (r *reconnectState) Reset() {
	r.attempt = 0
}
