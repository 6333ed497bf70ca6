package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffExponentialWithCap(t *testing.T) {
	policy := RetryPolicy{Base: time.Second, Cap: 10 * time.Second, randFloat: func() float64 { return 0.5 }}

	require.Equal(t, time.Second, policy.Backoff(0))
	require.Equal(t, 2*time.Second, policy.Backoff(1))
	require.Equal(t, 4*time.Second, policy.Backoff(2))
	require.Equal(t, 10*time.Second, policy.Backoff(10)) // capped
}

func TestBackoffJitterBounded(t *testing.T) {
	policy := RetryPolicy{Base: 10 * time.Second, Cap: time.Minute, JitterFrac: 0.2, randFloat: func() float64 { return 1 }}
	d := policy.Backoff(0)
	require.Equal(t, 12*time.Second, d) // +20% at randFloat()=1
}

func TestDecideRetriesWhileAttemptsRemain(t *testing.T) {
	policy := DefaultRetryPolicy()
	now := time.Now()

	d := Decide(policy, 1, 3, now)
	require.True(t, d.Retry)
	require.Equal(t, "pending", d.NextState)
	require.True(t, d.ScheduledAt.After(now))
}

func TestDecideGoesTerminalAtMaxAttempts(t *testing.T) {
	policy := DefaultRetryPolicy()
	d := Decide(policy, 3, 3, time.Now())
	require.False(t, d.Retry)
}
