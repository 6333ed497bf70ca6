package queue

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures the exponential-with-jitter backoff used by
// Fail, Timeout and ReapStale when a job still has attempts remaining.
// Defaults match spec section 4.2: base 30s, cap 30m.
type RetryPolicy struct {
	Base          time.Duration
	Cap           time.Duration
	JitterFrac    float64
	randFloat     func() float64 // injected in tests for determinism
}

// DefaultRetryPolicy returns the spec-mandated defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       30 * time.Second,
		Cap:        30 * time.Minute,
		JitterFrac: 0.2,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Minute
	}
	if p.JitterFrac < 0 {
		p.JitterFrac = 0
	}
	return p
}

// Backoff computes min(base*2^attempts, cap) plus up to jitterFrac of
// jitter in either direction, per spec section 4.2's "backoff(attempts)".
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	p = p.normalize()
	if attempts < 0 {
		attempts = 0
	}
	mult := math.Pow(2, float64(attempts))
	d := time.Duration(float64(p.Base) * mult)
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	if p.JitterFrac == 0 {
		return d
	}
	rf := p.randFloat
	if rf == nil {
		rf = rand.Float64
	}
	jitter := (rf()*2 - 1) * p.JitterFrac * float64(d)
	out := time.Duration(float64(d) + jitter)
	if out < 0 {
		out = 0
	}
	return out
}

// RetryDecision is the outcome of applying the retry rule to a job.
type RetryDecision struct {
	Retry       bool
	NextState   string // "pending" or the terminal state the caller should set
	ScheduledAt time.Time
}

// Decide applies the retry rule from spec section 4.2: if attempts (after
// this failed attempt) is still below maxAttempts, retry; otherwise go
// terminal. Callers pass the post-increment attempt count.
func Decide(policy RetryPolicy, attemptsAfter, maxAttempts int, now time.Time) RetryDecision {
	if attemptsAfter < maxAttempts {
		return RetryDecision{
			Retry:       true,
			NextState:   "pending",
			ScheduledAt: now.Add(policy.Backoff(attemptsAfter)),
		}
	}
	return RetryDecision{Retry: false}
}
