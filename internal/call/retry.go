package call

import "time"

// Policy is an exponential backoff schedule: Base, 2×Base, 4×Base and
// so on, for at most Max retries after the initial failure.
type Policy struct {
	Base time.Duration
	Max  int
}

// DefaultPolicy matches the rendezvous registration behaviour: one
// second doubling up to five retries, then give up for good.
var DefaultPolicy = Policy{Base: time.Second, Max: 5}

// Delay returns the wait before retry attempt n (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.Base << attempt
}

// Retry tracks consecutive failures against a Policy.
type Retry struct {
	policy  Policy
	attempt int
}

func NewRetry(p Policy) *Retry {
	return &Retry{policy: p}
}

// Next records a failure and returns the delay before the next
// attempt. ok is false once the policy is exhausted; the failure is
// then terminal and no further attempts may be made.
func (r *Retry) Next() (delay time.Duration, ok bool) {
	if r.attempt >= r.policy.Max {
		return 0, false
	}
	delay = r.policy.Delay(r.attempt)
	r.attempt++
	return delay, true
}

// Reset clears the failure count after a success.
func (r *Retry) Reset() {
	r.attempt = 0
}

// Attempt returns the number of failures recorded since the last
// reset.
func (r *Retry) Attempt() int {
	return r.attempt
}
