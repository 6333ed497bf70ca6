package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketjobs/internal/execctx"
	"github.com/quantdesk/marketjobs/internal/job"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
	"github.com/quantdesk/marketjobs/internal/registry"
)

// fakeBackend is an in-memory queue.Backend stand-in exercising exactly
// the calls the worker runtime makes, without any real broker or store.
type fakeBackend struct {
	mu sync.Mutex

	toClaim    []*job.Job
	registered *job.WorkerRecord
	statuses   []job.WorkerStatus
	started    []string
	completed  []string
	failed     []string
	timedOut   []string
	unregistered bool
}

func (f *fakeBackend) RegisterWorker(_ context.Context, w *job.WorkerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = w
	return nil
}
func (f *fakeBackend) UpdateWorkerStatus(_ context.Context, _ string, status job.WorkerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}
func (f *fakeBackend) Heartbeat(context.Context, string, time.Time) error { return nil }
func (f *fakeBackend) UnregisterWorker(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = true
	return nil
}
func (f *fakeBackend) Enqueue(context.Context, *job.Job) (string, error) { return "", nil }
func (f *fakeBackend) Claim(_ context.Context, _ string, filter queue.ClaimFilter, _ time.Time) ([]*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toClaim) == 0 {
		return nil, nil
	}
	n := filter.MaxN
	if n > len(f.toClaim) {
		n = len(f.toClaim)
	}
	out := f.toClaim[:n]
	f.toClaim = f.toClaim[n:]
	return out, nil
}
func (f *fakeBackend) Start(_ context.Context, _ string, jobID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, jobID)
	return nil
}
func (f *fakeBackend) Progress(context.Context, string, string, int, string) error { return nil }
func (f *fakeBackend) Complete(_ context.Context, _ string, jobID string, _ map[string]any, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}
func (f *fakeBackend) Fail(_ context.Context, _ string, jobID string, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobID)
	return nil
}
func (f *fakeBackend) Timeout(_ context.Context, _ string, jobID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timedOut = append(f.timedOut, jobID)
	return nil
}
func (f *fakeBackend) ReapStale(context.Context, time.Time, time.Duration) (int, error) { return 0, nil }
func (f *fakeBackend) QueryStats(context.Context, queue.StatsWindow) (*queue.Stats, error) {
	return &queue.Stats{}, nil
}
func (f *fakeBackend) Close() error { return nil }

type instantHandler struct{ kind string }

func (h *instantHandler) Kind() string                     { return h.kind }
func (h *instantHandler) DeclaredCapabilities() []string   { return nil }
func (h *instantHandler) Execute(ec *execctx.Context) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

type failingHandler struct{ kind string }

func (h *failingHandler) Kind() string                   { return h.kind }
func (h *failingHandler) DeclaredCapabilities() []string { return nil }
func (h *failingHandler) Execute(ec *execctx.Context) (map[string]any, error) {
	return nil, fmt.Errorf("boom")
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Mode: "development", Level: "debug"})
	require.NoError(t, err)
	return log
}

func TestRuntimeClaimsStartsAndCompletes(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(&instantHandler{kind: "technical_analysis"}))

	backend := &fakeBackend{toClaim: []*job.Job{{ID: "job-1", Kind: "technical_analysis", State: job.Claimed}}}
	cfg := Config{
		WorkerID: "w1", MaxConcurrent: 2,
		PollInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour,
		JobTimeout: time.Second, ShutdownGrace: time.Second, CancelGrace: time.Second,
		ProgressInterval: time.Millisecond,
	}
	rt := New(cfg, backend, reg, testLogger(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, rt.Run(ctx))

	require.Equal(t, []string{"job-1"}, backend.started)
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.completed) == 1
	}, time.Second, 10*time.Millisecond)
	require.True(t, backend.unregistered)
}

func TestRuntimeFailsOnHandlerError(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(&failingHandler{kind: "price_update"}))

	backend := &fakeBackend{toClaim: []*job.Job{{ID: "job-2", Kind: "price_update", State: job.Claimed}}}
	cfg := Config{
		WorkerID: "w2", MaxConcurrent: 1,
		PollInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour,
		JobTimeout: time.Second, ShutdownGrace: time.Second, CancelGrace: time.Second,
		ProgressInterval: time.Millisecond,
	}
	rt := New(cfg, backend, reg, testLogger(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, rt.Run(ctx))

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.failed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRuntimeFailsOnMissingHandler(t *testing.T) {
	reg := registry.New()
	backend := &fakeBackend{toClaim: []*job.Job{{ID: "job-3", Kind: "unknown_kind", State: job.Claimed}}}
	cfg := Config{
		WorkerID: "w3", MaxConcurrent: 1,
		PollInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour,
		JobTimeout: time.Second, ShutdownGrace: time.Second, CancelGrace: time.Second,
		ProgressInterval: time.Millisecond,
	}
	rt := New(cfg, backend, reg, testLogger(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, rt.Run(ctx))

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.failed) == 1
	}, time.Second, 10*time.Millisecond)
}
