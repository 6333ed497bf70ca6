package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketjobs/internal/job"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
)

// fakeBackend is a minimal queue.Backend stand-in that only tracks
// ReapStale calls; every other method is an unused no-op.
type fakeBackend struct {
	mu       sync.Mutex
	sweeps   int
	reclaim  int
	failNext bool
}

func (f *fakeBackend) RegisterWorker(context.Context, *job.WorkerRecord) error       { return nil }
func (f *fakeBackend) UpdateWorkerStatus(context.Context, string, job.WorkerStatus) error {
	return nil
}
func (f *fakeBackend) Heartbeat(context.Context, string, time.Time) error { return nil }
func (f *fakeBackend) UnregisterWorker(context.Context, string) error     { return nil }
func (f *fakeBackend) Enqueue(context.Context, *job.Job) (string, error) { return "", nil }
func (f *fakeBackend) Claim(context.Context, string, queue.ClaimFilter, time.Time) ([]*job.Job, error) {
	return nil, nil
}
func (f *fakeBackend) Start(context.Context, string, string, time.Time) error { return nil }
func (f *fakeBackend) Progress(context.Context, string, string, int, string) error {
	return nil
}
func (f *fakeBackend) Complete(context.Context, string, string, map[string]any, time.Time) error {
	return nil
}
func (f *fakeBackend) Fail(context.Context, string, string, string, time.Time) error { return nil }
func (f *fakeBackend) Timeout(context.Context, string, string, time.Time) error     { return nil }
func (f *fakeBackend) ReapStale(context.Context, time.Time, time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	if f.failNext {
		f.failNext = false
		return 0, queue.ErrUnavailable
	}
	return f.reclaim, nil
}
func (f *fakeBackend) QueryStats(context.Context, queue.StatsWindow) (*queue.Stats, error) {
	return &queue.Stats{}, nil
}
func (f *fakeBackend) Close() error { return nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Mode: "development", Level: "debug"})
	require.NoError(t, err)
	return log
}

func TestRunSweepsOnEveryTick(t *testing.T) {
	backend := &fakeBackend{reclaim: 2}
	r := New(Config{Interval: 5 * time.Millisecond, StaleAfter: time.Minute}, backend, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Greater(t, backend.sweeps, 1)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	backend := &fakeBackend{}
	r := New(Config{Interval: 5 * time.Millisecond, StaleAfter: time.Minute}, backend, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSweepSurvivesBackendError(t *testing.T) {
	backend := &fakeBackend{failNext: true, reclaim: 1}
	r := New(DefaultConfig(), backend, testLogger(t))

	r.sweep(context.Background())
	r.sweep(context.Background())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Equal(t, 2, backend.sweeps)
}
