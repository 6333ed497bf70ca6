package sqlbackend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantdesk/marketjobs/internal/job"
	applog "github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	log, err := applog.New(applog.Config{Mode: "development", Level: "debug"})
	require.NoError(t, err)

	return New(db, log, queue.DefaultRetryPolicy())
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

	_, err := b.Enqueue(ctx, &job.Job{Kind: "price_update", Priority: job.Normal})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, &job.Job{Kind: "price_update", Priority: job.Normal})
	require.NoError(t, err)

	stats, err := b.QueryStats(ctx, queue.StatsWindow{})
	require.NoError(t, err)
	require.Len(t, stats.ByKindState, 1)
	require.Equal(t, "price_update", stats.ByKindState[0].Kind)
	require.Equal(t, int64(2), stats.ByKindState[0].Count)
}
