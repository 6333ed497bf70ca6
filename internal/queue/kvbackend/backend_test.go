package kvbackend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketjobs/internal/job"
	applog "github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
)

// newTestBackend wires a Backend to an embedded miniredis instance instead
// of a live Redis server, mirroring sqlbackend's newTestBackend (in-memory
// sqlite instead of a live Postgres).
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	log, err := applog.New(applog.Config{Mode: "development", Level: "debug"})
	require.NoError(t, err)
	return &Backend{rdb: rdb, log: log.With("component", "kvbackend"), policy: queue.DefaultRetryPolicy()}
}

func TestEnqueueClaimStartComplete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, &job.Job{Kind: "price_update", Priority: job.Normal})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	jobs, err := b.Claim(ctx, "w1", queue.ClaimFilter{Kinds: []string{"price_update"}, MaxN: 5}, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, job.Claimed, jobs[0].State)

	require.NoError(t, b.Start(ctx, "w1", id, time.Now()))
	require.NoError(t, b.Progress(ctx, "w1", id, 150, "clamped"))
	require.NoError(t, b.Complete(ctx, "w1", id, map[string]any{"ok": true}, time.Now()))

	got, err := b.Lookup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.Completed, got.State)
	require.Equal(t, 100, got.Progress)
}

func TestClaimIsExclusiveAcrossConcurrentCallers(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(ctx, &job.Job{Kind: "technical_analysis", Priority: job.Normal})
		require.NoError(t, err)
	}

	first, err := b.Claim(ctx, "w1", queue.ClaimFilter{Kinds: []string{"technical_analysis"}, MaxN: 2}, time.Now())
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := b.Claim(ctx, "w2", queue.ClaimFilter{Kinds: []string{"technical_analysis"}, MaxN: 2}, time.Now())
	require.NoError(t, err)
	require.Len(t, second, 1)
}

func TestFailRetriesWhileAttemptsRemainThenGoesTerminal(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, &job.Job{Kind: "data_import", Priority: job.Normal, MaxAttempts: 2})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		// A retried job is rescheduled one backoff into the future, so
		// claim as of a time past any backoff of the first retry.
		jobs, err := b.Claim(ctx, "w1", queue.ClaimFilter{Kinds: []string{"data_import"}, MaxN: 1}, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.NoError(t, b.Start(ctx, "w1", id, time.Now()))
		require.NoError(t, b.Fail(ctx, "w1", id, "boom", time.Now()))

		got, err := b.Lookup(ctx, id)
		require.NoError(t, err)
		if attempt < 2 {
			require.Equal(t, job.Pending, got.State)
		} else {
			require.Equal(t, job.Failed, got.State)
		}
	}
}

func TestStartRejectsWrongClaimant(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, &job.Job{Kind: "price_update", Priority: job.Normal})
	require.NoError(t, err)
	_, err = b.Claim(ctx, "w1", queue.ClaimFilter{Kinds: []string{"price_update"}, MaxN: 1}, time.Now())
	require.NoError(t, err)

	err = b.Start(ctx, "someone-else", id, time.Now())
	require.ErrorIs(t, err, queue.ErrStateConflict)
}

func TestReapStaleReclaimsOrphanedJobs(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.RegisterWorker(ctx, &job.WorkerRecord{WorkerID: "w1", MaxConcurrent: 1}))
	id, err := b.Enqueue(ctx, &job.Job{Kind: "price_update", Priority: job.Normal, MaxAttempts: 3})
	require.NoError(t, err)
	_, err = b.Claim(ctx, "w1", queue.ClaimFilter{Kinds: []string{"price_update"}, MaxN: 1}, time.Now())
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx, "w1", id, time.Now()))

	stale := time.Now().Add(10 * time.Minute)
	n, err := b.ReapStale(ctx, stale, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := b.Lookup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.Pending, got.State)
	require.Empty(t, got.ClaimedBy)
}

func TestQueryStatsGroupsByKindAndState(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.RegisterWorker(ctx, &job.WorkerRecord{WorkerID: "w1", MaxConcurrent: 2}))
	_, err := b.Enqueue(ctx, &job.Job{Kind: "price_update", Priority: job.Normal})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, &job.Job{Kind: "price_update", Priority: job.Normal})
	require.NoError(t, err)

	stats, err := b.QueryStats(ctx, queue.StatsWindow{})
	require.NoError(t, err)
	require.Len(t, stats.ByWorker, 1)
	require.Equal(t, "w1", stats.ByWorker[0].WorkerID)
	require.Len(t, stats.ByKindState, 1)
	require.Equal(t, "price_update", stats.ByKindState[0].Kind)
	require.Equal(t, int64(2), stats.ByKindState[0].Count)
}

// TestClaimDeadLettersCorruptJobHash exercises the fix for the bug where a
// job id popped off its priority list, whose hash is missing or unreadable,
// used to be silently dropped. It should now land in the deadletter list
// instead of simply vanishing.
func TestClaimDeadLettersCorruptJobHash(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.rdb.LPush(ctx, jobListKey(job.Normal, "price_update"), "ghost-id").Err())

	jobs, err := b.Claim(ctx, "w1", queue.ClaimFilter{Kinds: []string{"price_update"}, MaxN: 5}, time.Now())
	require.NoError(t, err)
	require.Empty(t, jobs)

	entries, err := b.rdb.LRange(ctx, deadLetterKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
	require.Equal(t, "ghost-id", entry["id"])
}

// TestClaimFinalizesExhaustedJobsInsteadOfDroppingThem exercises the fix
// for the bug where a job that had already exhausted its retry budget by
// the time it reached the front of its list used to be dropped on the
// floor with no trace. It should end up Failed and still visible via
// Lookup rather than disappearing.
func TestClaimFinalizesExhaustedJobsInsteadOfDroppingThem(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, &job.Job{Kind: "price_update", Priority: job.Normal, MaxAttempts: 1})
	require.NoError(t, err)

	f, err := b.loadJob(ctx, id)
	require.NoError(t, err)
	f.Attempts = 1
	require.NoError(t, b.saveJob(ctx, f))

	jobs, err := b.Claim(ctx, "w1", queue.ClaimFilter{Kinds: []string{"price_update"}, MaxN: 5}, time.Now())
	require.NoError(t, err)
	require.Empty(t, jobs)

	got, err := b.Lookup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.Failed, got.State)
	require.Equal(t, "attempts exhausted before claim", got.LastError)
}
