package execctx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDebouncerCoalescesWithinInterval(t *testing.T) {
	var mu sync.Mutex
	var calls []int
	d := newProgressDebouncer(50*time.Millisecond, func(pct int, msg string) {
		mu.Lock()
		calls = append(calls, pct)
		mu.Unlock()
	})
	defer d.Stop()

	d.Update(10, "a")
	d.Update(20, "b")
	d.Update(30, "c")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1 && calls[0] == 30
	}, time.Second, 5*time.Millisecond)
}

func TestDebouncerEmitsImmediatelyOutsideWindow(t *testing.T) {
	var mu sync.Mutex
	var calls []int
	d := newProgressDebouncer(10*time.Millisecond, func(pct int, msg string) {
		mu.Lock()
		calls = append(calls, pct)
		mu.Unlock()
	})
	defer d.Stop()

	d.Update(5, "first")
	time.Sleep(20 * time.Millisecond)
	d.Update(95, "second")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDebouncerFlushIsSynchronous(t *testing.T) {
	var got int
	d := newProgressDebouncer(time.Minute, func(pct int, msg string) { got = pct })
	defer d.Stop()

	d.Update(42, "x")
	d.Flush()
	require.Equal(t, 42, got)
}

func TestDebouncerStopSuppressesFurtherEmits(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	d := newProgressDebouncer(5*time.Millisecond, func(pct int, msg string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	d.Stop()
	d.Update(1, "ignored")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
}
